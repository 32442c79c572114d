package worker

import "sync/atomic"

// Stats counts job outcomes for operational inspection. All methods are safe
// for concurrent use.
type Stats struct {
	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Active    int64 `json:"active"`
}

func (s *Stats) Enqueued()  { s.total.Add(1) }
func (s *Stats) Completed() { s.completed.Add(1) }
func (s *Stats) Failed()    { s.failed.Add(1) }
func (s *Stats) Retried()   { s.retried.Add(1) }

func (s *Stats) IncActive() { s.active.Add(1) }
func (s *Stats) DecActive() { s.active.Add(-1) }

// Active returns the number of jobs currently executing.
func (s *Stats) Active() int64 { return s.active.Load() }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Total:     s.total.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Active:    s.active.Load(),
	}
}
