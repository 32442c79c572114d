package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/waytrail/waytrail-jobs/internal/core"
)

func testJob(jobType, queue string, priority int, scheduledAt time.Time) *core.Job {
	return &core.Job{
		ID:          core.NewJobID(),
		Type:        jobType,
		Queue:       queue,
		Priority:    priority,
		MaxAttempts: core.DefaultMaxAttempts,
		Status:      core.StatusWaiting,
		CreatedAt:   scheduledAt,
		ScheduledAt: scheduledAt,
	}
}

func TestMemoryStore_AtMostOneClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	job := testJob("send-notification", core.QueueDefault, 0, now.Add(-time.Second))
	if err := s.Add(ctx, job); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	const claimers = 32
	var wg sync.WaitGroup
	winners := make(chan string, claimers)

	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := s.ClaimNext(ctx, core.DefaultQueues)
			if err != nil {
				t.Errorf("ClaimNext() error: %v", err)
				return
			}
			if got != nil {
				winners <- got.ID
			}
		}()
	}
	close(start)
	wg.Wait()
	close(winners)

	count := 0
	for id := range winners {
		if id != job.ID {
			t.Errorf("claimed unexpected job %q", id)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("job claimed by %d claimers, want exactly 1", count)
	}
}

func TestMemoryStore_PriorityOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Now().Add(-time.Minute)

	low := testJob("send-notification", core.QueueDefault, 1, at)
	high := testJob("reconcile-stale-instances", core.QueueDefault, 5, at)

	// Enqueue the low-priority job first; claim order must not be FIFO.
	if err := s.Add(ctx, low); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, high); err != nil {
		t.Fatal(err)
	}

	first, _ := s.ClaimNext(ctx, core.DefaultQueues)
	if first == nil || first.ID != high.ID {
		t.Fatalf("first claim = %v, want high-priority job %s", first, high.ID)
	}
	second, _ := s.ClaimNext(ctx, core.DefaultQueues)
	if second == nil || second.ID != low.ID {
		t.Fatalf("second claim = %v, want low-priority job %s", second, low.ID)
	}
}

func TestMemoryStore_EarlierScheduledWinsTies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().Add(-time.Hour)

	later := testJob("warm-cache", core.QueueDefault, 3, base.Add(time.Minute))
	earlier := testJob("warm-cache", core.QueueDefault, 3, base)

	s.Add(ctx, later)
	s.Add(ctx, earlier)

	first, _ := s.ClaimNext(ctx, core.DefaultQueues)
	if first == nil || first.ID != earlier.ID {
		t.Fatalf("first claim = %v, want earlier-scheduled job", first)
	}
}

func TestMemoryStore_DelayRespected(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	s := NewMemoryStore(WithClock(clock.Now))

	job := testJob("send-notification", core.QueueDefault, 0, now.Add(10*time.Second))
	s.Add(ctx, job)

	if got, _ := s.ClaimNext(ctx, core.DefaultQueues); got != nil {
		t.Fatalf("delayed job claimed %v early", got.ScheduledAt)
	}

	clock.Advance(9 * time.Second)
	if got, _ := s.ClaimNext(ctx, core.DefaultQueues); got != nil {
		t.Fatal("delayed job claimed 1s early")
	}

	clock.Advance(time.Second)
	got, _ := s.ClaimNext(ctx, core.DefaultQueues)
	if got == nil || got.ID != job.ID {
		t.Fatal("job not claimable once its scheduled_at arrived")
	}
}

func TestMemoryStore_DelayedHeadDoesNotBlockReadyWork(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	s := NewMemoryStore(WithClock(clock.Now))

	delayed := testJob("rollup-user-stats", core.QueueDefault, 10, now.Add(time.Hour))
	ready := testJob("send-notification", core.QueueDefault, 0, now.Add(-time.Second))
	s.Add(ctx, delayed)
	s.Add(ctx, ready)

	got, _ := s.ClaimNext(ctx, core.DefaultQueues)
	if got == nil || got.ID != ready.ID {
		t.Fatalf("claim = %v, want the ready lower-priority job", got)
	}
}

func TestMemoryStore_HasWaiting(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	s := NewMemoryStore(WithClock(clock.Now))

	if waiting, _ := s.HasWaiting(ctx, core.DefaultQueues); waiting {
		t.Fatal("HasWaiting() = true on an empty store")
	}

	job := testJob("warm-cache", core.QueueDefault, 0, now.Add(time.Hour))
	s.Add(ctx, job)

	// Delayed work still counts as waiting: it is the signal that readiness
	// polling must continue.
	if waiting, _ := s.HasWaiting(ctx, core.DefaultQueues); !waiting {
		t.Fatal("HasWaiting() = false with a delayed job pending")
	}

	clock.Advance(time.Hour)
	if got, _ := s.ClaimNext(ctx, core.DefaultQueues); got == nil || got.ID != job.ID {
		t.Fatalf("claim = %v, want the matured job", got)
	}
	if waiting, _ := s.HasWaiting(ctx, core.DefaultQueues); waiting {
		t.Fatal("HasWaiting() = true after the only job was claimed")
	}
}

func TestMemoryStore_PartitionPreferenceOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Now().Add(-time.Second)

	def := testJob("send-notification", core.QueueDefault, 100, at)
	high := testJob("reconcile-stale-instances", core.QueueHigh, 0, at)
	s.Add(ctx, def)
	s.Add(ctx, high)

	// Partition order beats priority: high partition is scanned first.
	got, _ := s.ClaimNext(ctx, core.DefaultQueues)
	if got == nil || got.ID != high.ID {
		t.Fatalf("claim = %v, want job from high partition", got)
	}
}

func TestMemoryStore_CancelWaitingOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := testJob("send-notification", core.QueueDefault, 0, time.Now().Add(-time.Second))
	s.Add(ctx, job)

	claimed, _ := s.ClaimNext(ctx, core.DefaultQueues)
	if claimed == nil {
		t.Fatal("expected a claim")
	}
	if err := s.MarkActive(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Cancel(ctx, claimed.ID); err == nil {
		t.Fatal("cancelling an active job must fail")
	}

	waiting := testJob("send-notification", core.QueueDefault, 0, time.Now().Add(time.Hour))
	s.Add(ctx, waiting)
	cancelled, err := s.Cancel(ctx, waiting.ID)
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if cancelled.Status != core.StatusCancelled || cancelled.CancelledAt == nil {
		t.Errorf("cancelled job status = %q, want cancelled with timestamp", cancelled.Status)
	}
	if got, _ := s.ClaimNext(ctx, core.DefaultQueues); got != nil && got.ID == waiting.ID {
		t.Error("cancelled job must not be claimable")
	}
}

func TestMemoryStore_DeadLetterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := testJob("resize-photo", core.QueueLow, 0, time.Now().Add(-time.Second))
	s.Add(ctx, job)
	s.ClaimNext(ctx, core.DefaultQueues)
	s.MarkActive(ctx, job.ID)
	if err := s.MarkFailed(ctx, job.ID, "decode error", nil); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}

	dead, total, err := s.ListDeadLetter(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(dead) != 1 || dead[0].ID != job.ID {
		t.Fatalf("dead letter list = %d/%d, want the failed job", len(dead), total)
	}
	if dead[0].Status != core.StatusFailed || dead[0].Error != "decode error" {
		t.Errorf("dead job = %q/%q, want failed with recorded error", dead[0].Status, dead[0].Error)
	}

	retried, err := s.RetryDeadLetter(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Attempts != 0 || retried.Status != core.StatusWaiting {
		t.Errorf("retried job attempts=%d status=%q, want fresh waiting job", retried.Attempts, retried.Status)
	}
	if _, total, _ := s.ListDeadLetter(ctx, 10, 0); total != 0 {
		t.Errorf("dead letter total = %d after retry, want 0", total)
	}
	if got, _ := s.ClaimNext(ctx, core.DefaultQueues); got == nil || got.ID != job.ID {
		t.Error("retried job should be claimable again")
	}
}

func TestMemoryStore_PurgeTerminal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	s := NewMemoryStore(WithClock(clock.Now))

	done := testJob("warm-cache", core.QueueLow, 0, now.Add(-time.Second))
	failed := testJob("resize-photo", core.QueueLow, 0, now.Add(-time.Second))
	s.Add(ctx, done)
	s.Add(ctx, failed)
	s.ClaimNext(ctx, core.DefaultQueues)
	s.ClaimNext(ctx, core.DefaultQueues)
	s.MarkCompleted(ctx, done.ID, nil)
	s.MarkFailed(ctx, failed.ID, "boom", nil)

	// Completed records age out after 1h, failed after 5h.
	clock.Advance(2 * time.Hour)
	at := clock.Now()
	purged, err := s.PurgeTerminal(ctx, at.Add(-time.Hour), at.Add(-5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1 (completed only)", purged)
	}
	if _, err := s.Get(ctx, done.ID); err == nil {
		t.Error("completed record should be gone")
	}
	if _, err := s.Get(ctx, failed.ID); err != nil {
		t.Error("failed record should survive the shorter window")
	}

	clock.Advance(4 * time.Hour)
	at = clock.Now()
	purged, _ = s.PurgeTerminal(ctx, at.Add(-time.Hour), at.Add(-5*time.Hour))
	if purged != 1 {
		t.Fatalf("purged = %d, want 1 (failed)", purged)
	}
}

func TestMemoryStore_WakeSignalled(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Add(ctx, testJob("send-notification", core.QueueDefault, 0, time.Now()))

	select {
	case <-s.Wake():
	case <-time.After(time.Second):
		t.Fatal("Add did not signal the wake channel")
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
