package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/waytrail/waytrail-jobs/internal/core"
)

// Store is the ordered storage of job records and pending-job references.
// Two implementations share this contract: MemoryStore (single process) and
// RedisStore (durable, shared by multiple processes).
//
// The only correctness-critical operation is the claim inside ClaimNext: the
// removal of a ready job reference must be atomic so that exactly one
// concurrent claimer wins it.
type Store interface {
	// Add persists a new waiting job and signals Wake. A store connectivity
	// failure surfaces as a store_unavailable QueueError; callers may retry.
	Add(ctx context.Context, job *core.Job) error

	// ClaimNext returns the highest-priority ready job across the given
	// partitions, scanned in order, or nil when none is ready. Readiness is
	// status == waiting and scheduled_at <= now. Ordering within a partition
	// is priority descending, then scheduled_at ascending.
	ClaimNext(ctx context.Context, queues []string) (*core.Job, error)

	// MarkActive records the waiting -> active transition of a claimed job.
	MarkActive(ctx context.Context, id string) error

	// MarkCompleted records terminal success and the job result.
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error

	// MarkFailed increments the attempt count and either reschedules the job
	// (retryAt != nil: back to waiting in its partition) or moves it to the
	// terminal failed state and the dead-letter set (retryAt == nil).
	MarkFailed(ctx context.Context, id string, errMsg string, retryAt *time.Time) error

	// Cancel transitions a waiting job to cancelled. Jobs that are active or
	// terminal are not cancellable and return a conflict error.
	Cancel(ctx context.Context, id string) (*core.Job, error)

	// Get returns a copy of the job record.
	Get(ctx context.Context, id string) (*core.Job, error)

	// HasWaiting reports whether any of the partitions holds waiting work,
	// ready or delayed. Used to decide between polling and idling.
	HasWaiting(ctx context.Context, queues []string) (bool, error)

	// Depths returns the number of waiting jobs per partition.
	Depths(ctx context.Context, queues []string) (map[string]int64, error)

	// ListDeadLetter pages through terminally failed jobs, most recent first,
	// and returns the total count.
	ListDeadLetter(ctx context.Context, limit, offset int) ([]*core.Job, int, error)

	// RetryDeadLetter resets a dead-lettered job to waiting with zero
	// attempts and requeues it.
	RetryDeadLetter(ctx context.Context, id string) (*core.Job, error)

	// DeleteDeadLetter removes a job from the dead-letter set and drops its
	// record.
	DeleteDeadLetter(ctx context.Context, id string) error

	// PurgeTerminal drops completed records older than completedBefore and
	// failed records older than failedBefore, returning the number removed.
	// Keeps operational visibility without unbounded growth.
	PurgeTerminal(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)

	// Wake delivers a signal when new work may be claimable, so the
	// dispatcher can idle without busy-looping.
	Wake() <-chan struct{}

	Close() error
}

// claimLess orders two jobs within one partition: higher priority first,
// earlier scheduled_at breaks ties, then ID (time-ordered) for determinism.
func claimLess(a, b *core.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}
