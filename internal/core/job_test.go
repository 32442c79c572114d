package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewJobID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewJobID()
		if id == "" {
			t.Fatal("NewJobID() returned empty string")
		}
		if seen[id] {
			t.Fatalf("NewJobID() produced duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestNewJobID_TimeOrdered(t *testing.T) {
	a := NewJobID()
	time.Sleep(2 * time.Millisecond)
	b := NewJobID()
	if !(a < b) {
		t.Errorf("NewJobID() not monotonic across milliseconds: %q then %q", a, b)
	}
}

func TestJobTimeout(t *testing.T) {
	j := &Job{}
	if got := j.Timeout(); got != DefaultTimeout {
		t.Errorf("Timeout() = %v, want default %v", got, DefaultTimeout)
	}

	j.TimeoutMs = 1500
	if got := j.Timeout(); got != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v, want %v", got, 1500*time.Millisecond)
	}
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusWaiting, false},
		{StatusActive, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := TerminalStatus(tt.status); got != tt.want {
			t.Errorf("TerminalStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJobReady(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	j := &Job{Status: StatusWaiting, ScheduledAt: now.Add(-time.Second)}
	if !j.Ready(now) {
		t.Error("past-scheduled waiting job should be ready")
	}

	j.ScheduledAt = now.Add(10 * time.Second)
	if j.Ready(now) {
		t.Error("future-scheduled job must not be ready")
	}

	j.ScheduledAt = now
	if !j.Ready(now) {
		t.Error("job scheduled exactly at now should be ready")
	}

	j.Status = StatusActive
	if j.Ready(now) {
		t.Error("active job must not be ready")
	}
}

func TestJobMarshal_OmitsEmptyFields(t *testing.T) {
	j := Job{
		ID:     NewJobID(),
		Type:   "send-notification",
		Queue:  QueueDefault,
		Status: StatusWaiting,
	}

	data, err := json.Marshal(&j)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal output error: %v", err)
	}

	for _, field := range []string{"started_at", "completed_at", "failed_at", "cancelled_at", "result", "error", "payload"} {
		if _, exists := m[field]; exists {
			t.Errorf("field %q should be omitted when empty", field)
		}
	}
}
