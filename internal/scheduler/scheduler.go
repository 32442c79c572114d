// Package scheduler enqueues the recurring maintenance jobs on fixed
// intervals. It only produces work; execution, retries, and failure handling
// all belong to the dispatcher.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waytrail/waytrail-jobs/internal/core"
	"github.com/waytrail/waytrail-jobs/internal/jobs"
	"github.com/waytrail/waytrail-jobs/internal/worker"
)

// Config carries the recurrence intervals. Zero values pick the defaults.
type Config struct {
	CacheWarmInterval time.Duration
	CleanupInterval   time.Duration
	ReconcileInterval time.Duration
}

func (c *Config) fillDefaults() {
	if c.CacheWarmInterval <= 0 {
		c.CacheWarmInterval = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 6 * time.Hour
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 15 * time.Minute
	}
}

// Enqueuer is the slice of the dispatcher the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts worker.Options) (string, error)
}

// Scheduler owns a cron runner with one entry per recurring job.
type Scheduler struct {
	cron *cron.Cron
	enq  Enqueuer
	cfg  Config
	log  *slog.Logger
}

// entry describes one recurring enqueue.
type entry struct {
	jobType  string
	interval time.Duration
	opts     worker.Options
}

// New builds a scheduler over the given enqueuer. Call Start to begin firing.
func New(enq Enqueuer, cfg Config, log *slog.Logger) *Scheduler {
	cfg.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(),
		enq:  enq,
		cfg:  cfg,
		log:  log.With("component", "scheduler"),
	}
}

// Start registers the recurring entries and launches the cron runner.
// Reconciliation runs at elevated priority on the high queue so a busy
// default queue never starves liveness cleanup.
func (s *Scheduler) Start() error {
	entries := []entry{
		{
			jobType:  jobs.TypeWarmCache,
			interval: s.cfg.CacheWarmInterval,
			opts:     worker.Options{Queue: core.QueueLow},
		},
		{
			jobType:  jobs.TypePurgeJobRecords,
			interval: s.cfg.CleanupInterval,
			opts:     worker.Options{Queue: core.QueueLow},
		},
		{
			jobType:  jobs.TypeReconcileStale,
			interval: s.cfg.ReconcileInterval,
			opts:     worker.Options{Queue: core.QueueHigh, Priority: 10},
		},
	}

	for _, e := range entries {
		e := e
		spec := "@every " + e.interval.String()
		_, err := s.cron.AddFunc(spec, func() { s.fire(e) })
		if err != nil {
			return err
		}
		s.log.Info("registered recurring job",
			"type", e.jobType, "every", e.interval.String(), "queue", e.opts.Queue)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) fire(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.enq.Enqueue(ctx, e.jobType, nil, e.opts)
	if err != nil {
		s.log.Error("recurring enqueue failed", "type", e.jobType, "error", err)
		return
	}
	s.log.Debug("recurring job enqueued", "type", e.jobType, "job_id", id)
}

// Stop halts the cron runner and waits for in-flight fire callbacks.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
