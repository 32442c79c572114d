package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job statuses. A job moves waiting -> active -> {completed | waiting (retry) |
// failed}, or waiting -> cancelled. completed, failed and cancelled are
// terminal.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Queue partitions in claim-preference order. There is no ordering guarantee
// across partitions; within one, higher priority claims first, earlier
// scheduled_at breaks ties.
const (
	QueueHigh    = "high"
	QueueDefault = "default"
	QueueLow     = "low"
)

// DefaultQueues is the partition scan order used by the dispatcher.
var DefaultQueues = []string{QueueHigh, QueueDefault, QueueLow}

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
)

// Job is the unit of schedulable work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
	Status      string          `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewJobID returns a time-ordered unique job ID. UUIDv7 embeds millisecond
// creation time, which gives the tie-breaking order Add relies on.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Timeout returns the per-job execution timeout, falling back to the default.
func (j *Job) Timeout() time.Duration {
	if j.TimeoutMs > 0 {
		return time.Duration(j.TimeoutMs) * time.Millisecond
	}
	return DefaultTimeout
}

// Terminal reports whether the job is in a terminal status.
func (j *Job) Terminal() bool {
	return TerminalStatus(j.Status)
}

// TerminalStatus reports whether status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Ready reports whether the job is claimable at the given instant.
func (j *Job) Ready(now time.Time) bool {
	return j.Status == StatusWaiting && !j.ScheduledAt.After(now)
}
