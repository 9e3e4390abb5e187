package types

// CloudWatch metric names and dimensions. Publishers must use these constants.
const (
	MetricMonthlyCharge    = "MonthlyCharge"
	MetricMonthlyChargeRun = "MonthlyChargeRun"
	MetricBalanceAlert     = "BalanceAlert"

	DimOutcome   = "Outcome"
	DimAlertKind = "AlertKind"

	MetricNamespace = "TutorBill"
)
