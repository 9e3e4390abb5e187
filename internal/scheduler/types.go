// Package scheduler defines the EventBridge payload consumed by the
// scheduler Lambda in cmd/scheduler.
package scheduler

import (
	"fmt"
	"time"
)

// TaskType identifies the job an EventBridge rule asks for.
type TaskType string

const (
	TaskMonthlyCharge TaskType = "monthly_charge"
)

// Job history statuses.
const (
	JobStatusSuccess = "success"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// Payload is the JSON document sent by EventBridge:
//
//	{
//	  "task": "monthly_charge",
//	  "reference_time": "2026-03-01T06:00:00Z"  // optional
//	}
type Payload struct {
	Task TaskType `json:"task"`
	// ReferenceTime replaces "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Now returns the reference time in UTC, or fallback when none was sent.
func (p Payload) Now(fallback time.Time) time.Time {
	if p.ReferenceTime != nil {
		return p.ReferenceTime.UTC()
	}
	return fallback.UTC()
}

// LockID is the job lock key for task at now. Monthly charges are keyed by
// calendar month, but the lock only lives for SCHEDULER_LOCK_TTL and is not
// released after a successful run, so in effect it dedupes invocations that
// land inside one TTL window. A later run in the same month takes the expired
// lock and runs the engine again; that run is a no-op because records
// charged this month are not due until their next charge date.
func LockID(task TaskType, now time.Time) string {
	if task == TaskMonthlyCharge {
		return fmt.Sprintf("%s:%s", task, now.UTC().Format("2006-01"))
	}
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}
