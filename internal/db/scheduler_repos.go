package db

import (
	"context"
	"time"

	"tutorbill/internal/types"
)

// JobLockRepository provides TTL locks via the job_locks table. The monthly
// charge trigger locks "monthly_charge:YYYY-MM" so overlapping invocations do
// not both run the engine.
//
// A lock is exclusive only until expires_at. Successful runs leave it in
// place to expire; failed runs release it. Once expired it can be taken over
// under the same id, so this is not a once-per-month guarantee. Charging
// twice in a month is prevented by next_charge_date, not by this lock.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobLockRepository creates a JobLockRepository backed by db.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire inserts the lock row, or takes over an expired one. It returns
// false while another worker holds an unexpired lock.
//
// expires_at is computed in Go; Go duration strings are not valid
// PostgreSQL intervals.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := r.now()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id  = EXCLUDED.worker_id,
		       locked_at  = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, storeError(err, "failed to acquire job lock")
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops a lock held by workerID. Used when a run fails so the next
// trigger can retry before the TTL elapses.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	)
	if err != nil {
		return storeError(err, "failed to release job lock")
	}
	return nil
}

// JobHistoryRepository records scheduled task executions in job_history.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a JobHistoryRepository backed by db.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running entry and returns its id.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobType,
	).Scan(&id)
	if err != nil {
		return 0, storeError(err, "failed to start job history entry")
	}
	return id, nil
}

// Finish closes the entry with status ("success" or "failed"), the number of
// items processed and the job error, if any.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return storeError(err, "failed to finish job history entry")
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}
