package db

import (
	"context"
	"time"

	"tutorbill/internal/types"
)

// RelationRepo reads and writes student_teacher_relations. Relations are
// owned by the wider marketplace; billing only counts active ones and
// attaches new ones behind the limit gate.
type RelationRepo struct {
	db DBTX
}

// NewRelationRepo creates a RelationRepo backed by db.
func NewRelationRepo(db DBTX) *RelationRepo {
	return &RelationRepo{db: db}
}

// CountActiveStudents returns the number of active relations for teacherID.
func (r *RelationRepo) CountActiveStudents(ctx context.Context, teacherID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM student_teacher_relations
		 WHERE teacher_id = $1 AND status = 'active'`,
		teacherID,
	).Scan(&count)
	if err != nil {
		return 0, storeError(err, "failed to count active students")
	}
	return count, nil
}

// AttachActive creates the relation or reactivates an inactive one.
func (r *RelationRepo) AttachActive(ctx context.Context, teacherID, studentID string, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO student_teacher_relations (teacher_id, student_id, status, created_at, updated_at)
		 VALUES ($1, $2, 'active', $3, $3)
		 ON CONFLICT (teacher_id, student_id) DO UPDATE SET
		     status     = 'active',
		     updated_at = EXCLUDED.updated_at`,
		teacherID,
		studentID,
		now,
	)
	if err != nil {
		return storeError(err, "failed to attach student")
	}
	return nil
}

// Deactivate marks an active relation inactive. A missing or already
// inactive relation yields not_found_relation.
func (r *RelationRepo) Deactivate(ctx context.Context, teacherID, studentID string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE student_teacher_relations
		 SET status = 'inactive', updated_at = $3
		 WHERE teacher_id = $1 AND student_id = $2 AND status = 'active'`,
		teacherID,
		studentID,
		now,
	)
	if err != nil {
		return storeError(err, "failed to deactivate relation")
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRelation, "active relation not found", nil)
	}
	return nil
}
