package billing

import (
	"context"
	"fmt"
	"log/slog"

	"tutorbill/internal/types"
)

// Referrals issues referral codes, records redemptions and settles the
// one-time bonus.
type Referrals struct {
	store   ReferralStore
	newCode CodeGenerator
	bonus   types.Cents
	clock   types.Clock
	logger  *slog.Logger
}

// NewReferrals creates a Referrals engine paying bonus per settled referral.
// A nil generator uses NewReferralCode.
func NewReferrals(store ReferralStore, newCode CodeGenerator, bonus types.Cents, clock types.Clock, logger *slog.Logger) *Referrals {
	if newCode == nil {
		newCode = NewReferralCode
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Referrals{store: store, newCode: newCode, bonus: bonus, clock: clock, logger: logger}
}

// GetOrCreateCode returns the teacher's code and stats, generating and
// storing a code on first use. The record is created when missing.
func (r *Referrals) GetOrCreateCode(ctx context.Context, userID string) (types.ReferralStats, error) {
	if userID == "" {
		return types.ReferralStats{}, types.NewAppError(types.ErrCodeValidationMissingField, "userId is required", nil)
	}

	stats := types.ReferralStats{UserID: userID}
	rec, err := r.store.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		stats.Count = rec.ReferralCount
		stats.Earnings = rec.ReferralEarnings
		if rec.ReferralCode != "" {
			stats.Code = rec.ReferralCode
			return stats, nil
		}
	case !types.IsCode(err, types.ErrCodeNotFoundSubscription):
		return types.ReferralStats{}, err
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		candidate, err := r.newCode()
		if err != nil {
			return types.ReferralStats{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate referral code", err)
		}

		exists, err := r.store.ReferralCodeExists(ctx, candidate)
		if err != nil {
			return types.ReferralStats{}, err
		}
		if exists {
			r.logger.DebugContext(ctx, "referral code collision", slog.Int("attempt", attempt))
			continue
		}

		stored, err := r.store.AssignReferralCode(ctx, userID, candidate, r.clock.Now())
		if err != nil {
			// Lost a race for the same candidate.
			if types.IsCode(err, types.ErrCodeConflictReferralCode) {
				continue
			}
			return types.ReferralStats{}, err
		}
		stats.Code = stored
		return stats, nil
	}

	return types.ReferralStats{}, types.NewAppError(types.ErrCodeInternalCodeExhaust,
		fmt.Sprintf("no unique referral code after %d attempts", maxCodeAttempts), nil)
}

// Redeem records that userID was referred by code. The referrer is paid
// later, on the redeemer's first top-up.
func (r *Referrals) Redeem(ctx context.Context, userID, code string) error {
	code = NormalizeCode(code)
	if userID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "userId is required", nil)
	}
	if code == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "referralCode is required", nil)
	}

	owner, err := r.store.FindByReferralCode(ctx, code)
	if err != nil {
		return err
	}
	if owner.UserID == userID {
		return types.NewAppError(types.ErrCodeValidationSelfReferral, "cannot use your own referral code", nil)
	}

	if err := r.store.SetReferredBy(ctx, userID, code, r.clock.Now()); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "referral code redeemed",
		slog.String("user_id", userID),
		slog.String("referrer_id", owner.UserID),
	)
	return nil
}

// Settle pays the referral bonus for refereeID if one is pending. It is
// safe to call repeatedly; at most one call ever settles.
func (r *Referrals) Settle(ctx context.Context, refereeID string) (types.Settlement, error) {
	settlement, err := r.store.SettleReferral(ctx, refereeID, r.bonus, r.clock.Now())
	if err != nil {
		return types.Settlement{}, err
	}
	if settlement.Settled {
		r.logger.InfoContext(ctx, "referral bonus settled",
			slog.String("referee_id", refereeID),
			slog.String("referrer_id", settlement.ReferrerID),
			slog.String("bonus", settlement.Bonus.String()),
		)
	}
	return settlement, nil
}
