package scheduler

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPayload_Decode(t *testing.T) {
	var p Payload
	if err := json.Unmarshal([]byte(`{"task":"monthly_charge","reference_time":"2026-03-01T07:00:00+01:00"}`), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Task != TaskMonthlyCharge {
		t.Errorf("expected task monthly_charge, got %s", p.Task)
	}
	want := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	if got := p.Now(time.Time{}); !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("expected %v in UTC, got %v", want, got)
	}
}

func TestPayload_NowFallback(t *testing.T) {
	fallback := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	if got := (Payload{Task: TaskMonthlyCharge}).Now(fallback); !got.Equal(fallback) {
		t.Errorf("expected fallback %v, got %v", fallback, got)
	}
}

func TestLockID(t *testing.T) {
	tests := []struct {
		task TaskType
		now  time.Time
		want string
	}{
		{TaskMonthlyCharge, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), "monthly_charge:2026-03"},
		{TaskMonthlyCharge, time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC), "monthly_charge:2026-03"},
		{TaskType("other"), time.Date(2026, 3, 1, 6, 45, 0, 0, time.UTC), "other:2026-03-01T06"},
	}
	for _, tt := range tests {
		if got := LockID(tt.task, tt.now); got != tt.want {
			t.Errorf("LockID(%s, %v) = %s, want %s", tt.task, tt.now, got, tt.want)
		}
	}
}
