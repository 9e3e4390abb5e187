package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tutorbill/internal/core"
	"tutorbill/internal/types"
)

// ReferralService issues referral codes and records redemptions.
type ReferralService interface {
	GetOrCreateCode(ctx context.Context, userID string) (types.ReferralStats, error)
	Redeem(ctx context.Context, userID, code string) error
}

// RedeemReferralRequest is the body of POST /referral.
type RedeemReferralRequest struct {
	UserID       string `json:"userId" validate:"required"`
	ReferralCode string `json:"referralCode" validate:"required"`
}

// ReferralHandler serves referral codes and redemption.
type ReferralHandler struct {
	service   ReferralService
	validator *core.Validator
	logger    *slog.Logger
}

// NewReferralHandler creates a ReferralHandler.
func NewReferralHandler(svc ReferralService, v *core.Validator, l *slog.Logger) *ReferralHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ReferralHandler{service: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the referral endpoints.
func (h *ReferralHandler) RegisterRoutes(r chi.Router) {
	r.Get("/referral", h.GetCode)
	r.Post("/referral", h.Redeem)
}

// GetCode handles GET /referral?userId=, issuing a code on first use.
func (h *ReferralHandler) GetCode(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "userId is required", nil))
		return
	}

	stats, err := h.service.GetOrCreateCode(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, stats)
}

// Redeem handles POST /referral. The bonus itself is paid on the
// redeemer's first top-up.
func (h *ReferralHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemReferralRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.service.Redeem(r.Context(), req.UserID, req.ReferralCode); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "referral code redeemed", "user_id", req.UserID)
	w.WriteHeader(http.StatusNoContent)
}
