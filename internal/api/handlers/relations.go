package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tutorbill/internal/core"
	"tutorbill/internal/types"
)

// LimitChecker evaluates a teacher's student quota.
type LimitChecker interface {
	Check(ctx context.Context, teacherID string) (types.LimitDecision, error)
}

// RelationManager attaches and detaches students behind the quota gate.
type RelationManager interface {
	Attach(ctx context.Context, teacherID, studentID string) (types.LimitDecision, error)
	Detach(ctx context.Context, teacherID, studentID string) error
}

// AttachStudentRequest is the body of POST /relations.
type AttachStudentRequest struct {
	TeacherID string `json:"teacherId" validate:"required"`
	StudentID string `json:"studentId" validate:"required"`
}

// RelationsHandler exposes the subscription limit gate.
type RelationsHandler struct {
	limits    LimitChecker
	relations RelationManager
	validator *core.Validator
	logger    *slog.Logger
}

// NewRelationsHandler creates a RelationsHandler.
func NewRelationsHandler(limits LimitChecker, relations RelationManager, v *core.Validator, l *slog.Logger) *RelationsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &RelationsHandler{limits: limits, relations: relations, validator: v, logger: l}
}

// RegisterRoutes mounts the limit and relation endpoints.
func (h *RelationsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/subscription/limit", h.GetLimit)
	r.Post("/relations", h.Attach)
	r.Delete("/relations/{teacherId}/{studentId}", h.Detach)
}

// GetLimit handles GET /subscription/limit?teacherId=.
func (h *RelationsHandler) GetLimit(w http.ResponseWriter, r *http.Request) {
	teacherID := r.URL.Query().Get("teacherId")
	if teacherID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "teacherId is required", nil))
		return
	}

	decision, err := h.limits.Check(r.Context(), teacherID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, decision)
}

// Attach handles POST /relations. A denial is 403 limit_students_exceeded
// carrying the decision in the error details.
func (h *RelationsHandler) Attach(w http.ResponseWriter, r *http.Request) {
	var req AttachStudentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	decision, err := h.relations.Attach(r.Context(), req.TeacherID, req.StudentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !decision.CanAddStudent {
		h.logger.InfoContext(r.Context(), "student attach denied",
			"teacher_id", req.TeacherID,
			"current_count", decision.CurrentCount,
			"limit", decision.Limit,
		)
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeLimitStudents, decision.Message, nil,
			map[string]any{
				"can_add_student": false,
				"current_count":   decision.CurrentCount,
				"limit":           decision.Limit,
			}))
		return
	}

	core.JSON(w, r, http.StatusCreated, decision)
}

// Detach handles DELETE /relations/{teacherId}/{studentId}.
func (h *RelationsHandler) Detach(w http.ResponseWriter, r *http.Request) {
	teacherID := chi.URLParam(r, "teacherId")
	studentID := chi.URLParam(r, "studentId")

	if err := h.relations.Detach(r.Context(), teacherID, studentID); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
