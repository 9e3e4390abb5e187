package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorbill/internal/types"
)

var testNow = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func teacher(id string, balance types.Cents, quota int) types.SubscriptionRecord {
	rec := types.NewSubscriptionRecord(id, testNow.AddDate(0, -2, 0))
	rec.CreditBalance = balance
	rec.QuotaLimit = quota
	return rec
}

func TestGate_QuotaReachedThenFreed(t *testing.T) {
	store := newMemStore()
	store.put(teacher("t1", 0, 3))
	store.setStudents("t1", 3)

	gate := NewGate(store, store, nil)
	attacher := NewStudentAttacher(gate, store, types.FixedClock{T: testNow})
	ctx := context.Background()

	decision, err := gate.Check(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, decision.CanAddStudent)
	assert.Equal(t, 3, decision.CurrentCount)
	assert.Equal(t, 3, decision.Limit)
	assert.Equal(t, "student limit reached (3 of 3)", decision.Message)

	decision, err = attacher.Attach(ctx, "t1", "new-student")
	require.NoError(t, err)
	assert.False(t, decision.CanAddStudent)
	n, _ := store.CountActiveStudents(ctx, "t1")
	assert.Equal(t, 3, n, "a denied attach must not create a relation")

	require.NoError(t, attacher.Detach(ctx, "t1", "a"))

	decision, err = gate.Check(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, decision.CanAddStudent)
	assert.Equal(t, 2, decision.CurrentCount)
	assert.Empty(t, decision.Message)

	decision, err = attacher.Attach(ctx, "t1", "new-student")
	require.NoError(t, err)
	assert.True(t, decision.CanAddStudent)
	n, _ = store.CountActiveStudents(ctx, "t1")
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, store.get("t1").QuotaUsed, "quota_used holds the last count seen by the gate")
}

func TestGate_NoRecord(t *testing.T) {
	store := newMemStore()
	decision, err := NewGate(store, store, nil).Check(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, decision.CanAddStudent)
	assert.Equal(t, "no active subscription", decision.Message)
}

func TestGate_InactiveStatus(t *testing.T) {
	for _, status := range []types.SubscriptionStatus{
		types.SubStatusInsufficientFunds,
		types.SubStatusPastDue,
		types.SubStatusCanceled,
	} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore()
			rec := teacher("t1", 10_000, 10)
			rec.Status = status
			store.put(rec)

			decision, err := NewGate(store, store, nil).Check(context.Background(), "t1")
			require.NoError(t, err)
			assert.False(t, decision.CanAddStudent)
			assert.Equal(t, 10, decision.Limit)
			assert.Equal(t, "subscription is "+string(status), decision.Message)
		})
	}
}

func TestGate_QuotaWriteFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.put(teacher("t1", 0, 5))
	store.setStudents("t1", 2)
	store.quotaErr = errors.New("write timeout")

	decision, err := NewGate(store, store, nil).Check(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, decision.CanAddStudent)
	assert.Equal(t, 2, decision.CurrentCount)
}

func TestGate_CountFailure(t *testing.T) {
	store := newMemStore()
	store.put(teacher("t1", 0, 5))
	store.countErr["t1"] = types.NewAppError(types.ErrCodeInternalDB, "boom", nil)

	_, err := NewGate(store, store, nil).Check(context.Background(), "t1")
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestGate_Validation(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, store, nil)
	attacher := NewStudentAttacher(gate, store, nil)

	_, err := gate.Check(context.Background(), "")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))

	_, err = attacher.Attach(context.Background(), "t1", "")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))

	err = attacher.Detach(context.Background(), "", "s1")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}

func TestStudentAttacher_DetachUnknown(t *testing.T) {
	store := newMemStore()
	attacher := NewStudentAttacher(NewGate(store, store, nil), store, nil)

	err := attacher.Detach(context.Background(), "t1", "nobody")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundRelation))
}
