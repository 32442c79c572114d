package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waytrail/waytrail-jobs/internal/core"
	"github.com/waytrail/waytrail-jobs/internal/events"
	"github.com/waytrail/waytrail-jobs/internal/metrics"
	"github.com/waytrail/waytrail-jobs/internal/queue"
)

// Config tunes the dispatcher loop.
type Config struct {
	// Concurrency bounds in-flight handler executions. Default 5.
	Concurrency int

	// Queues is the partition scan order. Default high, default, low.
	Queues []string

	// PollInterval bounds how long the idle loop sleeps between claim
	// attempts when no wake signal arrives. Default 1s.
	PollInterval time.Duration

	// DefaultMaxAttempts applies to jobs enqueued without an explicit
	// attempt budget. Default 3.
	DefaultMaxAttempts int

	// DefaultTimeout applies to jobs enqueued without an explicit timeout.
	// Default 30s.
	DefaultTimeout time.Duration

	// Retry controls the delay between failed attempts.
	Retry *core.RetryPolicy

	// DrainTimeout bounds how long Stop waits for in-flight jobs. Default 30s.
	DrainTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if len(c.Queues) == 0 {
		c.Queues = core.DefaultQueues
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = core.DefaultMaxAttempts
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = core.DefaultTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Options customizes a single enqueued job.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Queue       string
	Timeout     time.Duration
}

// Dispatcher drives the claim -> execute -> resolve cycle. One instance per
// process, constructed at startup and passed to anything that enqueues work;
// there is no package-level singleton.
type Dispatcher struct {
	store    queue.Store
	registry *Registry
	bus      *events.Bus
	cfg      Config
	stats    Stats
	now      func() time.Time

	stop     chan struct{}
	loopDone chan struct{}
	active   chan struct{} // semaphore sized to Concurrency
	started  bool
	stopOnce sync.Once
	stopErr  error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the dispatcher clock for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires a dispatcher to its store, registry and event bus.
func NewDispatcher(store queue.Store, registry *Registry, bus *events.Bus, cfg Config, opts ...DispatcherOption) *Dispatcher {
	cfg.fillDefaults()
	d := &Dispatcher{
		store:    store,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		active:   make(chan struct{}, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns the dispatcher's outcome counters.
func (d *Dispatcher) Stats() Snapshot {
	return d.stats.Snapshot()
}

// Store exposes the underlying queue store for operational inspection.
func (d *Dispatcher) Store() queue.Store {
	return d.store
}

// Queues returns the partition scan order.
func (d *Dispatcher) Queues() []string {
	return d.cfg.Queues
}

// Enqueue adds a job of the given type. payload may be nil, a
// json.RawMessage, or any marshalable value. Returns the new job ID; the
// asynchronous outcome is never surfaced to this caller.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("marshal payload for %s: %w", jobType, err)
		}
		raw = data
	}

	if opts.Queue == "" {
		opts.Queue = core.QueueDefault
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.cfg.DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.cfg.DefaultTimeout
	}

	now := d.now()
	job := &core.Job{
		ID:          core.NewJobID(),
		Type:        jobType,
		Queue:       opts.Queue,
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Status:      core.StatusWaiting,
		CreatedAt:   now,
		ScheduledAt: now.Add(opts.Delay),
	}
	if opts.Timeout > 0 {
		job.TimeoutMs = opts.Timeout.Milliseconds()
	}

	if err := d.store.Add(ctx, job); err != nil {
		return "", err
	}

	d.stats.Enqueued()
	metrics.JobsEnqueued.WithLabelValues(jobType, job.Queue).Inc()
	slog.Debug("job enqueued", "job_id", job.ID, "type", jobType, "queue", job.Queue, "priority", job.Priority)
	return job.ID, nil
}

// Start launches the processing loop.
func (d *Dispatcher) Start() {
	if d.started {
		return
	}
	d.started = true
	go d.run()
}

// Stop drains the dispatcher: no new claims, then wait up to the drain
// timeout for in-flight jobs. Safe to call more than once.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { d.stopErr = d.drain(ctx) })
	return d.stopErr
}

func (d *Dispatcher) drain(ctx context.Context) error {
	close(d.stop)
	if !d.started {
		return nil
	}
	<-d.loopDone

	deadline := time.NewTimer(d.cfg.DrainTimeout)
	defer deadline.Stop()

	// Draining means filling every semaphore slot: once all Concurrency
	// tokens are held here, no execution is in flight.
	for i := 0; i < d.cfg.Concurrency; i++ {
		select {
		case d.active <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("drain interrupted with %d jobs in flight: %w", d.stats.Active(), ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("drain timed out with %d jobs in flight", d.stats.Active())
		}
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		if d.fill() {
			// Work was claimed; re-poll immediately in case more is ready.
			continue
		}

		d.idle(ticker)
	}
}

// idle blocks until new work may be claimable. Waiting jobs that fill could
// not claim are delayed, so the poll ticker stays armed to notice them
// becoming ready; an empty store only produces work through a wake signal,
// so the ticker is skipped and the loop parks on the wake channel.
func (d *Dispatcher) idle(ticker *time.Ticker) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	waiting, err := d.store.HasWaiting(ctx, d.cfg.Queues)
	cancel()
	if err != nil {
		// Assume work until the store answers again; the poll retries.
		waiting = true
	}

	if waiting {
		select {
		case <-d.stop:
		case <-d.store.Wake():
		case <-ticker.C:
			d.observeDepths()
		}
		return
	}

	// The gauge would otherwise hold its last busy sample while parked.
	d.observeDepths()
	select {
	case <-d.stop:
	case <-d.store.Wake():
	}
}

// observeDepths refreshes the per-partition depth gauge. Best effort; a
// store hiccup just leaves the previous sample standing.
func (d *Dispatcher) observeDepths() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	depths, err := d.store.Depths(ctx, d.cfg.Queues)
	if err != nil {
		return
	}
	for q, n := range depths {
		metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	}
}

// fill claims ready jobs until the concurrency limit is reached or the store
// runs dry. Returns whether anything was claimed.
func (d *Dispatcher) fill() bool {
	claimed := false
	for {
		select {
		case d.active <- struct{}{}:
		default:
			return claimed // all slots busy
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job, err := d.store.ClaimNext(ctx, d.cfg.Queues)
		cancel()
		if err != nil {
			// Transient store trouble reads as "no work this cycle".
			slog.Warn("claim failed, backing off", "error", err)
			<-d.active
			return claimed
		}
		if job == nil {
			<-d.active
			return claimed
		}

		claimed = true
		d.stats.IncActive()
		metrics.JobsActive.Inc()
		go d.execute(job)
	}
}

// execute runs one claimed job to an outcome. The semaphore slot is released
// on every path, so a panicking handler cannot permanently consume one.
func (d *Dispatcher) execute(job *core.Job) {
	defer func() {
		d.stats.DecActive()
		metrics.JobsActive.Dec()
		<-d.active
	}()

	ctx := context.Background()
	if err := d.store.MarkActive(ctx, job.ID); err != nil {
		slog.Error("mark active failed", "job_id", job.ID, "error", err)
	}
	d.publish(events.JobStart, job, "")

	handler, ok := d.registry.Lookup(job.Type)
	if !ok {
		// No retry benefit: the type cannot resolve in this process set.
		d.fail(ctx, job, core.NewHandlerNotFoundError(job.Type), true)
		return
	}

	timeout := job.Timeout()
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	// Buffered so an abandoned handler's late send does not leak the
	// goroutine after a timeout already resolved the job.
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := handler(hctx, job)
		done <- outcome{result: result, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-hctx.Done():
		o = outcome{err: core.NewHandlerTimeoutError(job.ID, timeout.Milliseconds())}
	}
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())

	if o.err != nil {
		d.fail(ctx, job, o.err, core.IsPermanent(o.err))
		return
	}

	if err := d.store.MarkCompleted(ctx, job.ID, o.result); err != nil {
		slog.Error("mark completed failed", "job_id", job.ID, "error", err)
	}
	d.stats.Completed()
	metrics.JobsCompleted.WithLabelValues(job.Type).Inc()
	d.publish(events.JobComplete, job, "")
	slog.Info("job completed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)
}

// fail routes a failed execution to retry scheduling or the dead letter.
func (d *Dispatcher) fail(ctx context.Context, job *core.Job, jobErr error, permanent bool) {
	attempt := job.Attempts + 1

	if !permanent && attempt < job.MaxAttempts {
		retryAt := d.now().Add(core.Backoff(d.cfg.Retry, attempt))
		if err := d.store.MarkFailed(ctx, job.ID, jobErr.Error(), &retryAt); err != nil {
			slog.Error("reschedule failed", "job_id", job.ID, "error", err)
		}
		d.stats.Retried()
		metrics.JobsRetried.WithLabelValues(job.Type).Inc()
		d.publish(events.JobRetry, job, jobErr.Error())
		slog.Warn("job failed, will retry",
			"job_id", job.ID, "type", job.Type,
			"attempt", attempt, "max_attempts", job.MaxAttempts,
			"retry_at", retryAt, "error", jobErr)
		return
	}

	if err := d.store.MarkFailed(ctx, job.ID, jobErr.Error(), nil); err != nil {
		slog.Error("mark failed failed", "job_id", job.ID, "error", err)
	}
	d.stats.Failed()
	metrics.JobsFailed.WithLabelValues(job.Type).Inc()
	d.publish(events.JobFailed, job, jobErr.Error())
	slog.Error("job dead-lettered",
		"job_id", job.ID, "type", job.Type,
		"attempts", attempt, "error", jobErr)
}

func (d *Dispatcher) publish(kind string, job *core.Job, errMsg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Kind:    kind,
		JobID:   job.ID,
		JobType: job.Type,
		Queue:   job.Queue,
		Attempt: job.Attempts + 1,
		Error:   errMsg,
		At:      d.now(),
	})
}
