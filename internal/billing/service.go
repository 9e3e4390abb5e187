package billing

import (
	"context"
	"log/slog"

	"tutorbill/internal/types"
)

// ServiceConfig holds the checkout policy.
type ServiceConfig struct {
	Currency     string
	MinTopUp     types.Cents
	DashboardURL string
}

// Service backs the teacher-facing billing endpoints: the balance snapshot
// and credit checkout.
type Service struct {
	records   RecordReader
	students  StudentCounter
	referrals *Referrals
	payments  PaymentProcessor
	cfg       ServiceConfig
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(records RecordReader, students StudentCounter, referrals *Referrals, payments PaymentProcessor, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		records:   records,
		students:  students,
		referrals: referrals,
		payments:  payments,
		cfg:       cfg,
		logger:    logger,
	}
}

// Snapshot reports balance, current monthly cost and affordability. A
// teacher without a record gets a zero snapshot with HasSubscription false.
func (s *Service) Snapshot(ctx context.Context, userID string) (types.BillingSnapshot, error) {
	if userID == "" {
		return types.BillingSnapshot{}, types.NewAppError(types.ErrCodeValidationMissingField, "userId is required", nil)
	}

	snap := types.BillingSnapshot{UserID: userID}
	rec, err := s.records.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		snap.HasSubscription = true
		snap.Status = rec.Status
		snap.CreditBalance = rec.CreditBalance
		snap.LowBalanceAlerted = rec.LowBalanceAlerted
		snap.NextChargeDate = rec.NextChargeDate
	case !types.IsCode(err, types.ErrCodeNotFoundSubscription):
		return types.BillingSnapshot{}, err
	}

	count, err := s.students.CountActiveStudents(ctx, userID)
	if err != nil {
		return types.BillingSnapshot{}, err
	}
	snap.ActiveStudents = count
	snap.MonthlyCost = MonthlyCost(count)
	snap.CanAfford = snap.CreditBalance >= snap.MonthlyCost
	snap.MonthsCovered = MonthsCovered(snap.CreditBalance, snap.MonthlyCost)
	return snap, nil
}

// Checkout validates a credit purchase, redeems an optional referral code
// and opens a hosted payment session. A code sent after the teacher's
// referral was settled is ignored. The webhook for the completed session
// carries the metadata that CreditTopUp needs.
func (s *Service) Checkout(ctx context.Context, req types.CheckoutRequest) (types.ChargeSession, error) {
	if req.UserID == "" {
		return types.ChargeSession{}, types.NewAppError(types.ErrCodeValidationMissingField, "userId is required", nil)
	}
	if req.CreditAmount <= 0 {
		return types.ChargeSession{}, types.NewAppError(types.ErrCodeValidationInvalidAmount, "creditAmount must be positive", nil)
	}
	if req.CreditAmount < s.cfg.MinTopUp {
		return types.ChargeSession{}, types.NewAppErrorWithDetails(types.ErrCodeValidationTopUpMinimum,
			"creditAmount is below the minimum top-up", nil,
			map[string]any{"minimum": s.cfg.MinTopUp.String()})
	}

	if req.ReferralCode != "" {
		err := s.referrals.Redeem(ctx, req.UserID, req.ReferralCode)
		switch {
		case types.IsCode(err, types.ErrCodeConflictReferralSettled):
			s.logger.InfoContext(ctx, "referral code ignored, referral already settled",
				slog.String("user_id", req.UserID),
			)
		case err != nil:
			return types.ChargeSession{}, err
		}
	}

	var customerRef string
	rec, err := s.records.GetByUserID(ctx, req.UserID)
	switch {
	case err == nil:
		customerRef = rec.StripeCustomerID
	case !types.IsCode(err, types.ErrCodeNotFoundSubscription):
		return types.ChargeSession{}, err
	}

	session, err := s.payments.CreateOneTimeCharge(ctx, types.ChargeRequest{
		CustomerRef:     customerRef,
		ClientReference: req.UserID,
		Amount:          req.CreditAmount,
		Currency:        s.cfg.Currency,
		Description:     "Tutoring credit",
		SuccessURL:      s.cfg.DashboardURL + "/billing?status=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:       s.cfg.DashboardURL + "/billing?status=cancelled",
		Metadata: map[string]string{
			MetadataType:         string(types.PurposeCreditRecharge),
			MetadataUserID:       req.UserID,
			MetadataCreditAmount: req.CreditAmount.String(),
		},
	})
	if err != nil {
		return types.ChargeSession{}, err
	}

	s.logger.InfoContext(ctx, "checkout session created",
		slog.String("user_id", req.UserID),
		slog.String("session_id", session.SessionID),
		slog.String("amount", req.CreditAmount.String()),
	)
	return session, nil
}

// Checkout session metadata keys read back by the payment webhook.
const (
	MetadataType         = "type"
	MetadataUserID       = "user_id"
	MetadataCreditAmount = "credit_amount"
)
