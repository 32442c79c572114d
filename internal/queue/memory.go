package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/waytrail/waytrail-jobs/internal/core"
)

// MemoryStore is the in-process Store implementation. It keeps every job
// record in one map and maintains a sorted pending list per partition; the
// mutex makes claim-removal atomic. Intended for development and tests,
// selected with QUEUE_BACKEND=memory.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*core.Job
	pending map[string][]*core.Job // per partition, sorted by claimLess
	dead    []string               // failed job IDs, oldest first
	wake    chan struct{}
	now     func() time.Time
	closed  bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock. Tests use this to control readiness.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:    make(map[string]*core.Job),
		pending: make(map[string][]*core.Job),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Add(ctx context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NewStoreUnavailableError(context.Canceled)
	}

	j := cloneJob(job)
	s.jobs[j.ID] = j
	s.insertPending(j)
	s.signal()
	return nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, queues []string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, q := range queues {
		list := s.pending[q]
		for i, j := range list {
			if j.ScheduledAt.After(now) {
				// Delayed entries can sort ahead of ready lower-priority
				// ones, so skip rather than stop at the head.
				continue
			}
			s.pending[q] = append(list[:i:i], list[i+1:]...)
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) MarkActive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return core.NewNotFoundError("job", id)
	}
	now := s.now()
	j.Status = core.StatusActive
	j.StartedAt = &now
	return nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return core.NewNotFoundError("job", id)
	}
	now := s.now()
	j.Status = core.StatusCompleted
	j.CompletedAt = &now
	j.Result = result
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, errMsg string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return core.NewNotFoundError("job", id)
	}
	j.Attempts++
	j.Error = errMsg

	if retryAt != nil {
		j.Status = core.StatusWaiting
		j.ScheduledAt = *retryAt
		j.StartedAt = nil
		s.insertPending(j)
		s.signal()
		return nil
	}

	now := s.now()
	j.Status = core.StatusFailed
	j.FailedAt = &now
	s.dead = append(s.dead, id)
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, core.NewNotFoundError("job", id)
	}
	if j.Status != core.StatusWaiting || !s.removePending(j) {
		return nil, core.NewConflictError(
			"only waiting jobs can be cancelled",
			map[string]any{"job_id": id, "status": j.Status},
		)
	}
	now := s.now()
	j.Status = core.StatusCancelled
	j.CancelledAt = &now
	return cloneJob(j), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, core.NewNotFoundError("job", id)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) HasWaiting(ctx context.Context, queues []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range queues {
		if len(s.pending[q]) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Depths(ctx context.Context, queues []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depths := make(map[string]int64, len(queues))
	for _, q := range queues {
		depths[q] = int64(len(s.pending[q]))
	}
	return depths, nil
}

func (s *MemoryStore) ListDeadLetter(ctx context.Context, limit, offset int) ([]*core.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.dead)
	if offset >= total {
		return []*core.Job{}, total, nil
	}

	// Most recent first.
	jobs := make([]*core.Job, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(jobs) < limit; i-- {
		if j, ok := s.jobs[s.dead[i]]; ok {
			jobs = append(jobs, cloneJob(j))
		}
	}
	return jobs, total, nil
}

func (s *MemoryStore) RetryDeadLetter(ctx context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != core.StatusFailed {
		return nil, core.NewNotFoundError("dead-letter job", id)
	}

	s.removeDead(id)
	j.Status = core.StatusWaiting
	j.Attempts = 0
	j.Error = ""
	j.FailedAt = nil
	j.ScheduledAt = s.now()
	s.insertPending(j)
	s.signal()
	return cloneJob(j), nil
}

func (s *MemoryStore) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != core.StatusFailed {
		return core.NewNotFoundError("dead-letter job", id)
	}
	s.removeDead(id)
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, j := range s.jobs {
		switch {
		case j.Status == core.StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(completedBefore),
			j.Status == core.StatusCancelled && j.CancelledAt != nil && j.CancelledAt.Before(completedBefore):
			delete(s.jobs, id)
			purged++
		case j.Status == core.StatusFailed && j.FailedAt != nil && j.FailedAt.Before(failedBefore):
			s.removeDead(id)
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Wake() <-chan struct{} {
	return s.wake
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// insertPending places the job at its claim position. Caller holds the lock.
func (s *MemoryStore) insertPending(j *core.Job) {
	list := s.pending[j.Queue]
	i := sort.Search(len(list), func(i int) bool {
		return claimLess(j, list[i])
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = j
	s.pending[j.Queue] = list
}

func (s *MemoryStore) removePending(j *core.Job) bool {
	list := s.pending[j.Queue]
	for i, p := range list {
		if p.ID == j.ID {
			s.pending[j.Queue] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (s *MemoryStore) removeDead(id string) {
	for i, d := range s.dead {
		if d == id {
			s.dead = append(s.dead[:i:i], s.dead[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func cloneJob(j *core.Job) *core.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		c.FailedAt = &t
	}
	if j.CancelledAt != nil {
		t := *j.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}
