// Package handlers contains the HTTP handlers of the billing API.
//
// Each handler declares the narrow service contract it needs and receives
// implementations through its constructor, so tests inject fakes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tutorbill/internal/core"
	"tutorbill/internal/types"
)

// BillingService reads balances and opens credit checkouts.
type BillingService interface {
	Snapshot(ctx context.Context, userID string) (types.BillingSnapshot, error)
	Checkout(ctx context.Context, req types.CheckoutRequest) (types.ChargeSession, error)
}

// ChargeRunner runs one monthly charge pass.
type ChargeRunner interface {
	Run(ctx context.Context, now time.Time) (*types.ChargeSummary, error)
}

// CheckoutResponse is the body of POST /billing/checkout.
type CheckoutResponse struct {
	RedirectURL string `json:"redirectUrl"`
	SessionID   string `json:"sessionId"`
}

// BillingHandler serves the balance snapshot, credit checkout and the
// token-protected monthly charge trigger.
type BillingHandler struct {
	service     BillingService
	runner      ChargeRunner
	triggerHash types.SecretString
	validator   *core.Validator
	clock       types.Clock
	logger      *slog.Logger
}

// NewBillingHandler creates a BillingHandler. A nil runner or an empty
// trigger hash leaves POST /billing/monthly-charge unmounted.
func NewBillingHandler(
	svc BillingService,
	runner ChargeRunner,
	triggerHash types.SecretString,
	v *core.Validator,
	clock types.Clock,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &BillingHandler{
		service:     svc,
		runner:      runner,
		triggerHash: triggerHash,
		validator:   v,
		clock:       clock,
		logger:      l,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing", h.GetSnapshot)
	r.Post("/billing/checkout", h.CreateCheckout)

	if h.runner != nil && h.triggerHash.IsSet() {
		r.With(core.BearerHashAuth(h.triggerHash)).Post("/billing/monthly-charge", h.RunMonthlyCharge)
	}
}

// GetSnapshot handles GET /billing?userId=.
func (h *BillingHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "userId is required", nil))
		return
	}

	snap, err := h.service.Snapshot(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, snap)
}

// CreateCheckout handles POST /billing/checkout. The redirect URLs are built
// server-side from the dashboard URL and never taken from the request.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req types.CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.service.Checkout(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"user_id", req.UserID,
		"session_id", session.SessionID,
		"credit_amount", req.CreditAmount.String(),
	)
	core.JSON(w, r, http.StatusOK, CheckoutResponse{
		RedirectURL: session.RedirectURL,
		SessionID:   session.SessionID,
	})
}

// RunMonthlyCharge handles POST /billing/monthly-charge. Records already
// charged this cycle are skipped, so repeated calls are safe.
func (h *BillingHandler) RunMonthlyCharge(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runner.Run(r.Context(), h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "monthly charge triggered over http",
		"processed", summary.Processed,
	)
	core.JSON(w, r, http.StatusOK, summary)
}
