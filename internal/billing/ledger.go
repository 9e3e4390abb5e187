package billing

import (
	"context"
	"fmt"
	"log/slog"

	"tutorbill/internal/types"
)

// Ledger applies verified credit purchases to teacher balances.
type Ledger struct {
	store     LedgerStore
	referrals Settler
	clock     types.Clock
	logger    *slog.Logger
}

// NewLedger creates a Ledger. referrals may be nil to disable settlement.
func NewLedger(store LedgerStore, referrals Settler, clock types.Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, referrals: referrals, clock: clock, logger: logger}
}

// CreditTopUp adds topUp.Amount to the teacher's balance, reactivates the
// subscription and clears the low-balance flag. Redelivered events
// (same EventID) are reported as Duplicate and change nothing.
//
// A recharge onto a zero balance owes the teacher's pending referral its
// settlement. The store keeps that debt until it is settled, so a duplicate
// delivery or a later top-up retries it. When settlement fails the committed
// result is returned together with the error; the caller should have the
// event delivered again.
func (l *Ledger) CreditTopUp(ctx context.Context, topUp types.TopUp) (types.TopUpResult, error) {
	if topUp.UserID == "" {
		return types.TopUpResult{}, types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil)
	}
	if topUp.Amount <= 0 {
		return types.TopUpResult{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"top-up amount must be positive", nil, map[string]any{"amount": topUp.Amount.String()})
	}
	if topUp.At.IsZero() {
		topUp.At = l.clock.Now()
	}

	res, err := l.store.CreditTopUp(ctx, topUp)
	if err != nil {
		return types.TopUpResult{}, err
	}

	logger := l.logger.With(
		slog.String("user_id", topUp.UserID),
		slog.String("event_id", topUp.EventID),
	)

	if res.Duplicate {
		logger.InfoContext(ctx, "payment event already applied",
			slog.Bool("settlement_pending", res.SettlementPending),
		)
	} else {
		res.IsFirstRecharge = res.PreviousBalance == 0
		logger.InfoContext(ctx, "credit top-up applied",
			slog.String("amount", topUp.Amount.String()),
			slog.String("previous_balance", res.PreviousBalance.String()),
			slog.String("new_balance", res.NewBalance.String()),
			slog.Bool("first_recharge", res.IsFirstRecharge),
		)
	}

	if !res.SettlementPending || l.referrals == nil {
		return res, nil
	}

	settlement, err := l.referrals.Settle(ctx, topUp.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "referral settlement failed", slog.Any("error", err))
		return res, fmt.Errorf("settle referral for %s: %w", topUp.UserID, err)
	}
	// A code with no referrer behind it stays pending in the store.
	res.SettlementPending = !settlement.Settled && settlement.Code != ""
	if settlement.Settled {
		res.Settlement = &settlement
	}
	return res, nil
}
