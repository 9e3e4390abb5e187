package billing

import (
	"context"
	"fmt"
	"log/slog"

	"tutorbill/internal/types"
)

// Gate is the legacy fixed-quota check run before a student is attached to
// a teacher. It is independent of the credit model: a teacher can be under
// quota and still unable to afford the next monthly charge.
type Gate struct {
	store    GateStore
	students StudentCounter
	logger   *slog.Logger
}

// NewGate creates a Gate.
func NewGate(store GateStore, students StudentCounter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, students: students, logger: logger}
}

// Check decides whether teacherID may take one more active student.
// Denials are returned as decisions; only store failures are errors.
func (g *Gate) Check(ctx context.Context, teacherID string) (types.LimitDecision, error) {
	if teacherID == "" {
		return types.LimitDecision{}, types.NewAppError(types.ErrCodeValidationMissingField, "teacherId is required", nil)
	}

	rec, err := g.store.GetByUserID(ctx, teacherID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundSubscription) {
			return types.LimitDecision{Message: "no active subscription"}, nil
		}
		return types.LimitDecision{}, err
	}

	if rec.Status != types.SubStatusActive {
		return types.LimitDecision{
			Limit:   rec.QuotaLimit,
			Message: fmt.Sprintf("subscription is %s", rec.Status),
		}, nil
	}

	count, err := g.students.CountActiveStudents(ctx, teacherID)
	if err != nil {
		return types.LimitDecision{}, err
	}

	// quota_used is an advisory cache; the decision never depends on it.
	if err := g.store.UpdateQuotaUsed(ctx, teacherID, count); err != nil {
		g.logger.WarnContext(ctx, "failed to refresh quota_used",
			slog.String("teacher_id", teacherID),
			slog.Any("error", err),
		)
	}

	decision := types.LimitDecision{
		CanAddStudent: count < rec.QuotaLimit,
		CurrentCount:  count,
		Limit:         rec.QuotaLimit,
	}
	if !decision.CanAddStudent {
		decision.Message = fmt.Sprintf("student limit reached (%d of %d)", count, rec.QuotaLimit)
	}
	return decision, nil
}

// StudentAttacher creates student-teacher relations behind the Gate.
type StudentAttacher struct {
	gate      *Gate
	relations RelationWriter
	clock     types.Clock
}

// NewStudentAttacher creates a StudentAttacher.
func NewStudentAttacher(gate *Gate, relations RelationWriter, clock types.Clock) *StudentAttacher {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &StudentAttacher{gate: gate, relations: relations, clock: clock}
}

// Attach runs the gate and writes the relation only when it allows. The
// returned decision reflects the count before the attach.
func (a *StudentAttacher) Attach(ctx context.Context, teacherID, studentID string) (types.LimitDecision, error) {
	if studentID == "" {
		return types.LimitDecision{}, types.NewAppError(types.ErrCodeValidationMissingField, "studentId is required", nil)
	}

	decision, err := a.gate.Check(ctx, teacherID)
	if err != nil || !decision.CanAddStudent {
		return decision, err
	}

	if err := a.relations.AttachActive(ctx, teacherID, studentID, a.clock.Now()); err != nil {
		return types.LimitDecision{}, err
	}
	return decision, nil
}

// Detach marks the relation inactive, freeing a quota slot.
func (a *StudentAttacher) Detach(ctx context.Context, teacherID, studentID string) error {
	if teacherID == "" || studentID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "teacherId and studentId are required", nil)
	}
	return a.relations.Deactivate(ctx, teacherID, studentID, a.clock.Now())
}
