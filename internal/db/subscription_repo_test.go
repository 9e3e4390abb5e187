package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tutorbill/internal/types"
)

func sqlContains(parts ...string) any {
	return mock.MatchedBy(func(sql string) bool {
		for _, p := range parts {
			if !strings.Contains(sql, p) {
				return false
			}
		}
		return true
	})
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestSubscriptionRepo_GetByUserID_Success(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	next := testNow.AddDate(0, 1, 0)
	want := types.SubscriptionRecord{
		UserID:         "teacher_1",
		Status:         types.SubStatusActive,
		CreditBalance:  4200,
		QuotaLimit:     5,
		QuotaUsed:      2,
		MonthlyCost:    700,
		NextChargeDate: &next,
		ReferralCode:   "ABCD2345",
		Version:        7,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	pool.On("QueryRow", mock.Anything, sqlContains("FROM subscriptions WHERE user_id = $1"), []any{"teacher_1"}).
		Return(subscriptionRow(want))

	got, err := repo.GetByUserID(context.Background(), "teacher_1")
	require.NoError(t, err)
	assert.Equal(t, want, *got)
	pool.AssertExpectations(t)
}

func TestSubscriptionRepo_GetByUserID_NotFound(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	pool.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByUserID(context.Background(), "ghost")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscription))
}

func TestSubscriptionRepo_GetByUserID_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"driver error", errors.New("connection refused"), types.ErrCodeInternalDB},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), types.ErrCodeUpstreamStoreTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newMockPool()
			repo := NewSubscriptionRepo(pool, nil)
			pool.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
				Return(&mockRow{scanErr: tt.err})

			_, err := repo.GetByUserID(context.Background(), "teacher_1")
			assert.Equal(t, tt.want, types.CodeOf(err))
		})
	}
}

func TestSubscriptionRepo_Upsert_PassesNilForUnsetFields(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	limit := 8
	rec := types.NewSubscriptionRecord("teacher_1", testNow)
	rec.QuotaLimit = limit

	pool.On("QueryRow", mock.Anything, sqlContains("ON CONFLICT (user_id) DO UPDATE", "COALESCE($3, subscriptions.quota_limit)"),
		mock.MatchedBy(func(args []any) bool {
			return args[0] == "teacher_1" &&
				args[1].(*string) == nil &&
				*args[2].(*int) == limit &&
				args[3].(*string) == nil
		})).
		Return(subscriptionRow(rec))

	got, err := repo.Upsert(context.Background(), types.SubscriptionPatch{UserID: "teacher_1", QuotaLimit: &limit}, testNow)
	require.NoError(t, err)
	assert.Equal(t, limit, got.QuotaLimit)
	pool.AssertExpectations(t)
}

func TestSubscriptionRepo_Upsert_RequiresUserID(t *testing.T) {
	repo := NewSubscriptionRepo(newMockPool(), nil)
	_, err := repo.Upsert(context.Background(), types.SubscriptionPatch{}, testNow)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}

func TestSubscriptionRepo_ListDueActive(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	a := types.NewSubscriptionRecord("t_a", testNow)
	b := types.NewSubscriptionRecord("t_b", testNow)
	rows := newMockRows([][]any{subscriptionValues(a), subscriptionValues(b)})

	pool.On("Query", mock.Anything,
		sqlContains("status = 'active'", "next_charge_date IS NULL OR next_charge_date <= $1", "user_id > $2", "ORDER BY user_id"),
		[]any{testNow, "t_0", 50}).
		Return(rows, nil)

	got, err := repo.ListDueActive(context.Background(), testNow, "t_0", 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t_a", got[0].UserID)
	assert.Equal(t, "t_b", got[1].UserID)
	assert.True(t, rows.closed)
}

func TestSubscriptionRepo_ListDueActive_RowsError(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	rows := newMockRows(nil)
	rows.errVal = errors.New("conn reset")
	pool.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(rows, nil)

	_, err := repo.ListDueActive(context.Background(), testNow, "", 10)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestSubscriptionRepo_ApplyMonthlyDebit(t *testing.T) {
	debit := types.MonthlyDebit{
		Cost:              900,
		ActiveStudents:    3,
		ChargedAt:         testNow,
		NextChargeDate:    testNow.AddDate(0, 1, 0),
		LowBalanceAlerted: true,
	}

	tests := []struct {
		name    string
		tag     string
		err     error
		applied bool
		code    types.ErrorCode
	}{
		{name: "applied", tag: "UPDATE 1", applied: true},
		{name: "version conflict", tag: "UPDATE 0", applied: false},
		{name: "db error", err: errors.New("boom"), code: types.ErrCodeInternalDB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newMockPool()
			repo := NewSubscriptionRepo(pool, nil)

			pool.On("Exec", mock.Anything,
				sqlContains("credit_balance_cents = credit_balance_cents - $3", "version = $2", "status = 'active'", "credit_balance_cents >= $3"),
				[]any{"teacher_1", int64(4), debit.Cost, 3, debit.ChargedAt, debit.NextChargeDate, true}).
				Return(tag(tt.tag), tt.err)

			applied, err := repo.ApplyMonthlyDebit(context.Background(), "teacher_1", 4, debit)
			if tt.code != "" {
				assert.Equal(t, tt.code, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.applied, applied)
			pool.AssertExpectations(t)
		})
	}
}

func TestSubscriptionRepo_MarkInsufficientFunds(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	pool.On("Exec", mock.Anything,
		sqlContains("'insufficient_funds'", "low_balance_alerted = TRUE", "version = $2"),
		mock.Anything).
		Return(tag("UPDATE 1"), nil)

	applied, err := repo.MarkInsufficientFunds(context.Background(), "teacher_1", 2,
		types.MonthlyShortfall{Cost: 500, ActiveStudents: 1, At: testNow})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NotContains(t, pool.Calls[0].Arguments.Get(1).(string), "credit_balance_cents")
}

func TestSubscriptionRepo_CreditTopUp_FreshEvent(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	topUp := types.TopUp{UserID: "teacher_1", Amount: 2500, CustomerID: "cus_1", EventID: "evt_1", At: testNow}

	pool.tx.On("Exec", mock.Anything, sqlContains("INSERT INTO processed_payment_events", "ON CONFLICT (event_id) DO NOTHING"), mock.Anything).
		Return(tag("INSERT 0 1"), nil)
	pool.tx.On("QueryRow", mock.Anything, sqlContains("credit_balance_cents    = subscriptions.credit_balance_cents + EXCLUDED.credit_balance_cents"), mock.Anything).
		Return(valueRow(types.Cents(3000), false))

	res, err := repo.CreditTopUp(context.Background(), topUp)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.False(t, res.SettlementPending)
	assert.Equal(t, types.Cents(500), res.PreviousBalance)
	assert.Equal(t, types.Cents(3000), res.NewBalance)
	assert.True(t, pool.tx.committed)
	pool.tx.AssertExpectations(t)
}

func TestSubscriptionRepo_CreditTopUp_DuplicateEvent(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	pool.tx.On("Exec", mock.Anything, sqlContains("processed_payment_events"), mock.Anything).
		Return(tag("INSERT 0 0"), nil)
	pool.tx.On("QueryRow", mock.Anything, sqlContains("SELECT credit_balance_cents, referral_settle_pending"), []any{"teacher_1"}).
		Return(valueRow(types.Cents(2500), true))

	res, err := repo.CreditTopUp(context.Background(),
		types.TopUp{UserID: "teacher_1", Amount: 2500, EventID: "evt_1", At: testNow})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.SettlementPending)
	assert.Equal(t, types.Cents(2500), res.NewBalance)
	assert.Equal(t, res.NewBalance, res.PreviousBalance)
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
	pool.tx.AssertNotCalled(t, "QueryRow", mock.Anything, sqlContains("INSERT INTO subscriptions"), mock.Anything)
}

func TestSubscriptionRepo_CreditTopUp_MarksFirstRechargePending(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	pool.tx.On("Exec", mock.Anything, sqlContains("processed_payment_events"), mock.Anything).
		Return(tag("INSERT 0 1"), nil)
	pool.tx.On("QueryRow", mock.Anything,
		sqlContains("VALUES ($1, 'active', $2, $3, TRUE, $4, $4)",
			"referral_settle_pending = subscriptions.referral_settle_pending",
			"subscriptions.credit_balance_cents = 0",
			"NOT subscriptions.referral_credited",
			"RETURNING credit_balance_cents, referral_settle_pending"),
		mock.Anything).
		Return(valueRow(types.Cents(2000), true))

	res, err := repo.CreditTopUp(context.Background(),
		types.TopUp{UserID: "teacher_1", Amount: 2000, EventID: "evt_1", At: testNow})
	require.NoError(t, err)
	assert.Equal(t, types.Cents(0), res.PreviousBalance)
	assert.True(t, res.SettlementPending)
	pool.tx.AssertExpectations(t)
}

func TestSubscriptionRepo_CreditTopUp_BeginFails(t *testing.T) {
	pool := newMockPool()
	pool.beginErr = errors.New("pool closed")
	repo := NewSubscriptionRepo(pool, nil)

	_, err := repo.CreditTopUp(context.Background(), types.TopUp{UserID: "t", Amount: 100, EventID: "e"})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestSubscriptionRepo_SettleReferral_Success(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	pool.tx.On("QueryRow", mock.Anything, sqlContains("SET referral_credited       = TRUE", "referral_settle_pending = FALSE", "referral_credited = FALSE", "referred_by <> ''"), mock.Anything).
		Return(valueRow("REFCODE2"))
	pool.tx.On("QueryRow", mock.Anything, sqlContains("referral_count + 1", "WHERE referral_code = $1"),
		[]any{"REFCODE2", types.Cents(500), "referee_1", testNow}).
		Return(valueRow("referrer_1"))

	s, err := repo.SettleReferral(context.Background(), "referee_1", 500, testNow)
	require.NoError(t, err)
	assert.Equal(t, types.Settlement{Settled: true, RefereeID: "referee_1", ReferrerID: "referrer_1", Code: "REFCODE2", Bonus: 500}, s)
	assert.True(t, pool.tx.committed)
}

func TestSubscriptionRepo_SettleReferral_NothingToSettle(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	pool.tx.On("QueryRow", mock.Anything, sqlContains("SET referral_credited       = TRUE"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	pool.tx.On("Exec", mock.Anything, sqlContains("SET referral_settle_pending = FALSE"), []any{"referee_1"}).
		Return(tag("UPDATE 1"), nil)

	s, err := repo.SettleReferral(context.Background(), "referee_1", 500, testNow)
	require.NoError(t, err)
	assert.False(t, s.Settled)
	assert.True(t, pool.tx.committed)
	pool.tx.AssertNumberOfCalls(t, "QueryRow", 1)
	pool.tx.AssertExpectations(t)
}

func TestSubscriptionRepo_SettleReferral_ReferrerMissingRollsBack(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)

	pool.tx.On("QueryRow", mock.Anything, sqlContains("SET referral_credited       = TRUE"), mock.Anything).
		Return(valueRow("GONE2345"))
	pool.tx.On("QueryRow", mock.Anything, sqlContains("WHERE referral_code = $1"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	s, err := repo.SettleReferral(context.Background(), "referee_1", 500, testNow)
	require.NoError(t, err)
	assert.False(t, s.Settled)
	assert.Empty(t, s.ReferrerID)
	assert.Zero(t, s.Bonus)
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
}

func TestSubscriptionRepo_AssignReferralCode(t *testing.T) {
	t.Run("keeps existing code", func(t *testing.T) {
		pool := newMockPool()
		repo := NewSubscriptionRepo(pool, nil)
		pool.On("QueryRow", mock.Anything, sqlContains("COALESCE(subscriptions.referral_code, EXCLUDED.referral_code)"), mock.Anything).
			Return(valueRow("OLDCODE2"))

		code, err := repo.AssignReferralCode(context.Background(), "teacher_1", "NEWCODE3", testNow)
		require.NoError(t, err)
		assert.Equal(t, "OLDCODE2", code)
	})

	t.Run("unique violation maps to conflict", func(t *testing.T) {
		pool := newMockPool()
		repo := NewSubscriptionRepo(pool, nil)
		pool.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
			Return(&mockRow{scanErr: &pgconn.PgError{Code: "23505"}})

		_, err := repo.AssignReferralCode(context.Background(), "teacher_1", "TAKEN234", testNow)
		assert.True(t, types.IsCode(err, types.ErrCodeConflictReferralCode))
	})
}

func TestSubscriptionRepo_ReferralCodeExists(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)
	pool.On("QueryRow", mock.Anything, sqlContains("SELECT EXISTS"), []any{"ABCD2345"}).
		Return(valueRow(true))

	ok, err := repo.ReferralCodeExists(context.Background(), "ABCD2345")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubscriptionRepo_FindByReferralCode_NotFound(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)
	pool.On("QueryRow", mock.Anything, sqlContains("WHERE referral_code = $1"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.FindByReferralCode(context.Background(), "NOPE2345")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundReferralCode))
}

func TestSubscriptionRepo_SetReferredBy(t *testing.T) {
	t.Run("stored while uncredited", func(t *testing.T) {
		pool := newMockPool()
		repo := NewSubscriptionRepo(pool, nil)
		pool.On("Exec", mock.Anything, sqlContains("WHERE subscriptions.referral_credited = FALSE"), mock.Anything).
			Return(tag("INSERT 0 1"), nil)

		require.NoError(t, repo.SetReferredBy(context.Background(), "referee_1", "ABCD2345", testNow))
	})

	t.Run("frozen after settlement", func(t *testing.T) {
		pool := newMockPool()
		repo := NewSubscriptionRepo(pool, nil)
		pool.On("Exec", mock.Anything, mock.Anything, mock.Anything).
			Return(tag("INSERT 0 0"), nil)

		err := repo.SetReferredBy(context.Background(), "referee_1", "ABCD2345", testNow)
		assert.True(t, types.IsCode(err, types.ErrCodeConflictReferralSettled))
	})
}

func TestSubscriptionRepo_UpdateQuotaUsed(t *testing.T) {
	pool := newMockPool()
	repo := NewSubscriptionRepo(pool, nil)
	pool.On("Exec", mock.Anything, sqlContains("SET quota_used = $2"), []any{"teacher_1", 4}).
		Return(tag("UPDATE 0"), nil)

	err := repo.UpdateQuotaUsed(context.Background(), "teacher_1", 4)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscription))
}
