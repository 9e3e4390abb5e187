package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tutorbill/internal/types"
)

type mockPayments struct{ mock.Mock }

func (m *mockPayments) CreateOneTimeCharge(ctx context.Context, req types.ChargeRequest) (types.ChargeSession, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.ChargeSession), args.Error(1)
}

func newTestService(store *memStore, payments PaymentProcessor) *Service {
	return NewService(store, store, newTestReferrals(store, nil), payments, ServiceConfig{
		Currency:     "eur",
		MinTopUp:     2000,
		DashboardURL: "https://app.example.com",
	}, nil)
}

func TestService_Snapshot(t *testing.T) {
	store := newMemStore()
	store.put(teacher("t1", 2100, 5))
	store.setStudents("t1", 2)

	snap, err := newTestService(store, nil).Snapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, snap.HasSubscription)
	assert.Equal(t, types.SubStatusActive, snap.Status)
	assert.Equal(t, types.Cents(2100), snap.CreditBalance)
	assert.Equal(t, 2, snap.ActiveStudents)
	assert.Equal(t, types.Cents(700), snap.MonthlyCost)
	assert.True(t, snap.CanAfford)
	assert.Equal(t, int64(3), snap.MonthsCovered)
}

func TestService_SnapshotWithoutRecord(t *testing.T) {
	store := newMemStore()

	snap, err := newTestService(store, nil).Snapshot(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, snap.HasSubscription)
	assert.Equal(t, types.Cents(0), snap.CreditBalance)
	assert.Equal(t, BaseMonthlyCost, snap.MonthlyCost)
	assert.False(t, snap.CanAfford)
	assert.Zero(t, snap.MonthsCovered)
}

func TestService_Checkout(t *testing.T) {
	store := newMemStore()
	rec := teacher("t1", 0, 5)
	rec.StripeCustomerID = "cus_123"
	store.put(rec)

	payments := &mockPayments{}
	payments.On("CreateOneTimeCharge", mock.Anything, mock.MatchedBy(func(req types.ChargeRequest) bool {
		return req.CustomerRef == "cus_123" &&
			req.ClientReference == "t1" &&
			req.Amount == 2500 &&
			req.Currency == "eur" &&
			req.SuccessURL == "https://app.example.com/billing?status=success&session_id={CHECKOUT_SESSION_ID}" &&
			req.CancelURL == "https://app.example.com/billing?status=cancelled" &&
			req.Metadata[MetadataType] == "credit_recharge" &&
			req.Metadata[MetadataUserID] == "t1" &&
			req.Metadata[MetadataCreditAmount] == "25.00"
	})).Return(types.ChargeSession{SessionID: "cs_1", RedirectURL: "https://checkout.example/cs_1"}, nil)

	session, err := newTestService(store, payments).Checkout(context.Background(), types.CheckoutRequest{
		UserID:       "t1",
		CreditAmount: 2500,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.SessionID)
	payments.AssertExpectations(t)
}

func TestService_CheckoutRedeemsReferral(t *testing.T) {
	store := newMemStore()
	owner := teacher("r1", 0, 5)
	owner.ReferralCode = "ABC234XY"
	store.put(owner)

	payments := &mockPayments{}
	payments.On("CreateOneTimeCharge", mock.Anything, mock.Anything).
		Return(types.ChargeSession{SessionID: "cs_1"}, nil)

	_, err := newTestService(store, payments).Checkout(context.Background(), types.CheckoutRequest{
		UserID:       "s1",
		CreditAmount: 2000,
		ReferralCode: "abc234xy",
	})
	require.NoError(t, err)
	assert.Equal(t, "ABC234XY", store.get("s1").ReferredBy)
}

func TestService_CheckoutIgnoresCodeAfterSettlement(t *testing.T) {
	store := newMemStore()
	owner := teacher("r1", 0, 5)
	owner.ReferralCode = "ABC234XY"
	store.put(owner)
	buyer := teacher("s1", 300, 5)
	buyer.ReferredBy = "OLDCODE2"
	buyer.ReferralCredited = true
	store.put(buyer)

	payments := &mockPayments{}
	payments.On("CreateOneTimeCharge", mock.Anything, mock.Anything).
		Return(types.ChargeSession{SessionID: "cs_2", RedirectURL: "https://checkout.stripe.com/c/cs_2"}, nil)

	session, err := newTestService(store, payments).Checkout(context.Background(), types.CheckoutRequest{
		UserID:       "s1",
		CreditAmount: 2000,
		ReferralCode: "ABC234XY",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_2", session.SessionID)
	assert.Equal(t, "OLDCODE2", store.get("s1").ReferredBy)
	payments.AssertNumberOfCalls(t, "CreateOneTimeCharge", 1)
}

func TestService_CheckoutRejections(t *testing.T) {
	store := newMemStore()
	owner := teacher("r1", 0, 5)
	owner.ReferralCode = "ABC234XY"
	store.put(owner)

	payments := &mockPayments{}
	svc := newTestService(store, payments)

	tests := []struct {
		name string
		req  types.CheckoutRequest
		want types.ErrorCode
	}{
		{"missing user", types.CheckoutRequest{CreditAmount: 2000}, types.ErrCodeValidationMissingField},
		{"zero amount", types.CheckoutRequest{UserID: "t1"}, types.ErrCodeValidationInvalidAmount},
		{"below minimum", types.CheckoutRequest{UserID: "t1", CreditAmount: 1999}, types.ErrCodeValidationTopUpMinimum},
		{"self referral", types.CheckoutRequest{UserID: "r1", CreditAmount: 2000, ReferralCode: "ABC234XY"}, types.ErrCodeValidationSelfReferral},
		{"unknown referral", types.CheckoutRequest{UserID: "t1", CreditAmount: 2000, ReferralCode: "NOPE2345"}, types.ErrCodeNotFoundReferralCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tt.req)
			assert.True(t, types.IsCode(err, tt.want), "got %v", err)
		})
	}
	payments.AssertNotCalled(t, "CreateOneTimeCharge", mock.Anything, mock.Anything)
}

func TestService_CheckoutProcessorFailure(t *testing.T) {
	store := newMemStore()
	payments := &mockPayments{}
	payments.On("CreateOneTimeCharge", mock.Anything, mock.Anything).
		Return(types.ChargeSession{}, types.NewAppError(types.ErrCodeUpstreamStripe, "stripe down", nil))

	_, err := newTestService(store, payments).Checkout(context.Background(), types.CheckoutRequest{UserID: "t1", CreditAmount: 2000})
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamStripe))
}
