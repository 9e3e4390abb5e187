package types

// SubscriptionStatus is the billing state of a teacher's subscription record.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusInsufficientFunds SubscriptionStatus = "insufficient_funds"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
)

// IsBillable reports whether the charge engine and the student gate treat
// the teacher as billable.
func (s SubscriptionStatus) IsBillable() bool {
	return s == SubStatusActive
}

// RelationStatus is the state of a student-teacher relation.
type RelationStatus string

const (
	RelationActive   RelationStatus = "active"
	RelationInactive RelationStatus = "inactive"
)

// ChargeOutcome is the per-teacher result of a monthly charge run.
type ChargeOutcome string

const (
	OutcomeCharged           ChargeOutcome = "charged"
	OutcomeInsufficientFunds ChargeOutcome = "insufficient_funds"
	// OutcomeSkipped means the record stopped being due (or active) between
	// listing and charging, typically because a concurrent writer won.
	OutcomeSkipped ChargeOutcome = "skipped"
	OutcomeError   ChargeOutcome = "error"
)

// AlertKind identifies the type of balance alert published for a teacher.
type AlertKind string

const (
	AlertLowBalance        AlertKind = "low_balance"
	AlertInsufficientFunds AlertKind = "insufficient_funds"
)

// PaymentPurpose is the metadata "type" attached to checkout sessions so the
// webhook can route completed payments.
type PaymentPurpose string

const (
	PurposeCreditRecharge PaymentPurpose = "credit_recharge"
)
