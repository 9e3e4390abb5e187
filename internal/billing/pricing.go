package billing

import (
	"time"

	"tutorbill/internal/types"
)

const (
	// BaseMonthlyCost covers the first student (and a teacher with none).
	BaseMonthlyCost types.Cents = 500
	// ExtraStudentCost is added for every active student beyond the first.
	ExtraStudentCost types.Cents = 200
)

// MonthlyCost prices a month for n active students. Negative n is treated
// as zero, so the result is never below BaseMonthlyCost.
func MonthlyCost(activeStudents int) types.Cents {
	if activeStudents <= 1 {
		return BaseMonthlyCost
	}
	return BaseMonthlyCost + types.Cents(activeStudents-1)*ExtraStudentCost
}

// NextChargeDate returns from plus one calendar month, keeping the
// day-of-month and clamping to the last day of a shorter month:
// Jan 31 becomes Feb 28 (Feb 29 in leap years), Mar 31 becomes Apr 30.
func NextChargeDate(from time.Time) time.Time {
	y, m, d := from.Date()
	first := time.Date(y, m+1, 1, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MonthsCovered is how many whole months balance pays for at cost.
func MonthsCovered(balance, cost types.Cents) int64 {
	if balance <= 0 || cost <= 0 {
		return 0
	}
	return int64(balance / cost)
}
