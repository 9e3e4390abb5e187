package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"tutorbill/internal/billing"
	"tutorbill/internal/core"
	"tutorbill/internal/external"
	"tutorbill/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads.
const maxWebhookBodySize = 64 * 1024

// metadataTypeCreditRecharge marks checkout sessions opened for credit.
const metadataTypeCreditRecharge = "credit_recharge"

// CreditLedger applies confirmed payments to balances.
type CreditLedger interface {
	CreditTopUp(ctx context.Context, topUp types.TopUp) (types.TopUpResult, error)
}

// PlanSyncer mirrors Stripe plan subscriptions onto teacher records.
type PlanSyncer interface {
	Apply(ctx context.Context, change types.PlanChange) (*types.SubscriptionRecord, error)
}

// Subscription and price metadata keys read from plan subscriptions.
const (
	subscriptionMetadataUserID = "user_id"
	priceMetadataStudentQuota  = "student_quota"
)

// errIgnoredEvent marks a verified event that carries nothing to apply.
var errIgnoredEvent = errors.New("event ignored")

// StripeWebhookHandler applies paid credit checkouts and plan subscription
// changes reported by Stripe. It sits outside bearer auth; the
// Stripe-Signature header authenticates it.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	ledger   CreditLedger
	plans    PlanSyncer
	secret   types.SecretString
	clock    types.Clock
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	ledger CreditLedger,
	plans PlanSyncer,
	secret types.SecretString,
	clock types.Clock,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		ledger:   ledger,
		plans:    plans,
		secret:   secret,
		clock:    clock,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/webhook", h.Handle)
}

// Handle verifies and applies one Stripe event.
//
// Unsigned or forged payloads get 401 and change nothing. Events that are
// verified but cannot ever be applied are acknowledged with 200 so Stripe
// stops resending them. A failure while crediting answers 5xx so Stripe
// retries; the ledger dedupes by event id.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureMissing, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid webhook event JSON", err))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	err = h.routeEvent(r.Context(), &event)
	switch {
	case err == nil, errors.Is(err, errIgnoredEvent):
		w.WriteHeader(http.StatusOK)
	case isPermanent(err):
		h.logger.ErrorContext(r.Context(), "webhook event rejected",
			"event_id", event.ID,
			"error", err,
		)
		w.WriteHeader(http.StatusOK)
	default:
		core.Error(w, r, err)
	}
}

// isPermanent reports whether retrying the event can never succeed.
func isPermanent(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	status := appErr.HTTPStatus()
	return status >= 400 && status < 500 && appErr.Code != types.ErrCodeConflictConcurrent
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripe.Event) error {
	switch string(event.Type) {
	case external.EventStripeCheckoutCompleted, external.EventStripeCheckoutAsyncSucceeded:
		return h.handleCheckoutPaid(ctx, event)
	case external.EventStripeSubscriptionCreated, external.EventStripeSubscriptionUpdated:
		return h.handleSubscriptionChanged(ctx, event, false)
	case external.EventStripeSubscriptionDeleted:
		return h.handleSubscriptionChanged(ctx, event, true)
	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type)
		return errIgnoredEvent
	}
}

// handleCheckoutPaid credits a paid credit_recharge checkout session.
// Sessions still awaiting an async payment are skipped; the matching
// async_payment_succeeded event credits them later.
func (h *StripeWebhookHandler) handleCheckoutPaid(ctx context.Context, event *stripe.Event) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "event has no data object", nil)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid checkout session object", err)
	}

	if session.Metadata[billing.MetadataType] != metadataTypeCreditRecharge {
		h.logger.InfoContext(ctx, "ignoring checkout session without credit_recharge metadata",
			"session_id", session.ID,
		)
		return errIgnoredEvent
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		h.logger.InfoContext(ctx, "checkout session not paid yet",
			"session_id", session.ID,
			"payment_status", session.PaymentStatus,
		)
		return errIgnoredEvent
	}

	topUp, err := topUpFromSession(event, &session)
	if err != nil {
		return err
	}
	topUp.At = h.clock.Now()

	result, err := h.ledger.CreditTopUp(ctx, topUp)
	if err != nil {
		return fmt.Errorf("credit top-up for event %s: %w", event.ID, err)
	}

	attrs := []any{
		"event_id", event.ID,
		"user_id", result.UserID,
		"amount", topUp.Amount.String(),
		"new_balance", result.NewBalance.String(),
		"duplicate", result.Duplicate,
	}
	if result.Settlement != nil && result.Settlement.Settled {
		attrs = append(attrs, "referrer_id", result.Settlement.ReferrerID)
	}
	h.logger.InfoContext(ctx, "credit top-up applied", attrs...)
	return nil
}

// topUpFromSession resolves the payer and amount of a credit checkout. The
// metadata set at checkout wins; the session's own fields are fallbacks.
func topUpFromSession(event *stripe.Event, session *stripe.CheckoutSession) (types.TopUp, error) {
	userID := session.Metadata[billing.MetadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return types.TopUp{}, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("checkout session %s has no user id", session.ID), nil)
	}

	var amount types.Cents
	if raw := session.Metadata[billing.MetadataCreditAmount]; raw != "" {
		parsed, err := types.ParseCents(raw)
		if err != nil {
			return types.TopUp{}, types.NewAppError(types.ErrCodeValidationInvalidAmount,
				fmt.Sprintf("checkout session %s has invalid credit_amount %q", session.ID, raw), err)
		}
		amount = parsed
	} else {
		amount = types.Cents(session.AmountTotal)
	}

	var customerID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	return types.TopUp{
		UserID:     userID,
		Amount:     amount,
		CustomerID: customerID,
		EventID:    event.ID,
	}, nil
}

// handleSubscriptionChanged applies the plan of a created, updated or deleted
// subscription. The teacher is named by the subscription's user_id metadata,
// set when the subscription is created.
func (h *StripeWebhookHandler) handleSubscriptionChanged(ctx context.Context, event *stripe.Event, deleted bool) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "event has no data object", nil)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid subscription object", err)
	}

	change, err := planChangeFromSubscription(&sub)
	if err != nil {
		return err
	}
	change.Deleted = deleted
	change.At = h.clock.Now()

	rec, err := h.plans.Apply(ctx, change)
	if err != nil {
		return fmt.Errorf("apply plan for event %s: %w", event.ID, err)
	}
	if rec == nil {
		return errIgnoredEvent
	}

	h.logger.InfoContext(ctx, "plan subscription applied",
		"event_id", event.ID,
		"user_id", rec.UserID,
		"subscription_id", sub.ID,
		"quota_limit", rec.QuotaLimit,
	)
	return nil
}

// planChangeFromSubscription reads the plan fields from a subscription. Only
// the first item is considered; plans are sold as single-price subscriptions.
func planChangeFromSubscription(sub *stripe.Subscription) (types.PlanChange, error) {
	change := types.PlanChange{
		UserID:         sub.Metadata[subscriptionMetadataUserID],
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
	}
	if sub.Customer != nil {
		change.CustomerID = sub.Customer.ID
	}

	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return types.PlanChange{}, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("subscription %s has no price", sub.ID), nil)
	}
	price := sub.Items.Data[0].Price
	change.PriceID = price.ID

	if raw, ok := price.Metadata[priceMetadataStudentQuota]; ok {
		quota, err := strconv.Atoi(raw)
		if err != nil || quota < 0 {
			return types.PlanChange{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
				"price has an invalid student_quota", err,
				map[string]any{"price_id": price.ID, "student_quota": raw})
		}
		change.PriceQuota = &quota
	}
	return change, nil
}
