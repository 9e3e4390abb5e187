package billing

import (
	"context"
	"fmt"
	"log/slog"

	"tutorbill/internal/types"
)

// Stripe subscription statuses that keep a teacher on their paid quota.
// past_due keeps access while Stripe retries the invoice.
var entitledPlanStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
}

// Plans mirrors Stripe plan subscriptions onto subscription records. The
// price of the subscription decides the teacher's student quota.
//
// Only the plan columns are written. Status is left alone because it also
// tracks the credit model and is owned by the ledger and the charge engine.
type Plans struct {
	store  PlanStore
	reader RecordReader
	quotas map[string]int
	logger *slog.Logger
}

// NewPlans creates Plans. quotas maps a Stripe price id to its student quota
// and takes precedence over quota metadata on the price.
func NewPlans(store PlanStore, reader RecordReader, quotas map[string]int, logger *slog.Logger) *Plans {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plans{store: store, reader: reader, quotas: quotas, logger: logger}
}

// QuotaFor resolves the student quota of a price.
func (p *Plans) QuotaFor(priceID string, priceQuota *int) (int, bool) {
	if q, ok := p.quotas[priceID]; ok {
		return q, true
	}
	if priceQuota != nil && *priceQuota >= 0 {
		return *priceQuota, true
	}
	return 0, false
}

// Apply writes the plan described by change onto the teacher's record.
//
// The steps are:
//  1. An incomplete subscription has not been paid for; nothing is written
//     and a nil record is returned.
//  2. An entitled subscription (active, trialing, past_due) sets the quota
//     of its price and stores the customer, subscription and price ids.
//  3. A deleted or otherwise ended subscription drops the quota to zero and
//     clears the subscription and price ids, unless the record already
//     belongs to a different subscription.
func (p *Plans) Apply(ctx context.Context, change types.PlanChange) (*types.SubscriptionRecord, error) {
	if change.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("subscription %s has no user_id metadata", change.SubscriptionID), nil)
	}

	logger := p.logger.With(
		slog.String("user_id", change.UserID),
		slog.String("subscription_id", change.SubscriptionID),
		slog.String("stripe_status", change.Status),
	)

	if !change.Deleted && change.Status == "incomplete" {
		logger.InfoContext(ctx, "plan subscription awaiting first payment")
		return nil, nil
	}

	patch := types.SubscriptionPatch{UserID: change.UserID}
	if change.CustomerID != "" {
		patch.StripeCustomerID = &change.CustomerID
	}

	if !change.Deleted && entitledPlanStatuses[change.Status] {
		quota, ok := p.QuotaFor(change.PriceID, change.PriceQuota)
		if !ok {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
				"subscription price has no student quota", nil,
				map[string]any{"price_id": change.PriceID})
		}
		patch.QuotaLimit = &quota
		patch.StripeSubscriptionID = &change.SubscriptionID
		patch.StripePriceID = &change.PriceID

		rec, err := p.store.Upsert(ctx, patch, change.At)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "plan quota applied",
			"price_id", change.PriceID,
			"quota_limit", quota,
		)
		return rec, nil
	}

	current, err := p.reader.GetByUserID(ctx, change.UserID)
	switch {
	case types.IsCode(err, types.ErrCodeNotFoundSubscription):
	case err != nil:
		return nil, err
	case current.StripeSubscriptionID != "" && current.StripeSubscriptionID != change.SubscriptionID:
		logger.InfoContext(ctx, "ended subscription superseded, record left unchanged",
			"current_subscription_id", current.StripeSubscriptionID,
		)
		return current, nil
	}

	zero, empty := 0, ""
	patch.QuotaLimit = &zero
	patch.StripeSubscriptionID = &empty
	patch.StripePriceID = &empty

	rec, err := p.store.Upsert(ctx, patch, change.At)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "plan ended, quota revoked", "deleted", change.Deleted)
	return rec, nil
}
