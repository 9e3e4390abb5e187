package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tutorbill/internal/types"
)

func TestMonthlyCost(t *testing.T) {
	tests := []struct {
		students int
		want     types.Cents
	}{
		{-3, 500},
		{0, 500},
		{1, 500},
		{2, 700},
		{3, 900},
		{10, 2300},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MonthlyCost(tt.students), "students=%d", tt.students)
	}
}

func TestMonthlyCost_MonotonicAndBounded(t *testing.T) {
	prev := MonthlyCost(0)
	for n := 1; n <= 1000; n++ {
		cost := MonthlyCost(n)
		assert.GreaterOrEqual(t, cost, BaseMonthlyCost)
		assert.GreaterOrEqual(t, cost, prev, "cost must not decrease at n=%d", n)
		if n > 1 {
			assert.Equal(t, ExtraStudentCost, cost-prev)
		}
		prev = cost
	}
}

func TestNextChargeDate(t *testing.T) {
	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
	}
	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"mid month", at(2026, time.March, 15), at(2026, time.April, 15)},
		{"jan 31 to feb 28", at(2026, time.January, 31), at(2026, time.February, 28)},
		{"jan 31 to feb 29 in leap year", at(2028, time.January, 31), at(2028, time.February, 29)},
		{"mar 31 to apr 30", at(2026, time.March, 31), at(2026, time.April, 30)},
		{"december wraps year", at(2026, time.December, 15), at(2027, time.January, 15)},
		{"dec 31 to jan 31", at(2026, time.December, 31), at(2027, time.January, 31)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextChargeDate(tt.from))
		})
	}
}

func TestNextChargeDate_AlwaysAdvances(t *testing.T) {
	from := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 800; i++ {
		d := from.AddDate(0, 0, i)
		next := NextChargeDate(d)
		assert.True(t, next.After(d))
		assert.LessOrEqual(t, next.Sub(d), 31*24*time.Hour)
	}
}

func TestMonthsCovered(t *testing.T) {
	assert.Equal(t, int64(0), MonthsCovered(0, 500))
	assert.Equal(t, int64(0), MonthsCovered(-100, 500))
	assert.Equal(t, int64(0), MonthsCovered(499, 500))
	assert.Equal(t, int64(3), MonthsCovered(2100, 700))
	assert.Equal(t, int64(0), MonthsCovered(1000, 0))
}
