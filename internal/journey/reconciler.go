package journey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waytrail/waytrail-jobs/internal/metrics"
)

// Reconciler closes out journey instances abandoned by their owners: active
// instances with no location signal past the active threshold, and paused
// instances untouched past the much longer paused threshold. When a
// finalized instance was the last open one in its group, the group journey
// is completed as well.
type Reconciler struct {
	repo Repository
	cfg  ReconcilerConfig
	log  *slog.Logger
	now  func() time.Time
}

// ReconcilerConfig carries the staleness thresholds and scan batch size.
type ReconcilerConfig struct {
	// ActiveStaleThreshold is how long an ACTIVE instance may go without a
	// location update before it is finalized.
	ActiveStaleThreshold time.Duration

	// PausedStaleThreshold is how long a PAUSED instance may go without any
	// update before it is cancelled.
	PausedStaleThreshold time.Duration

	// MinCompletionDistance is the distance in meters below which a stale
	// active instance is cancelled rather than completed.
	MinCompletionDistance float64

	// BatchSize bounds each repository scan.
	BatchSize int
}

func (c *ReconcilerConfig) fillDefaults() {
	if c.ActiveStaleThreshold <= 0 {
		c.ActiveStaleThreshold = 60 * time.Minute
	}
	if c.PausedStaleThreshold <= 0 {
		c.PausedStaleThreshold = 12 * time.Hour
	}
	if c.MinCompletionDistance <= 0 {
		c.MinCompletionDistance = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
}

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	AutoCompletedInstances int `json:"autoCompletedInstances"`
	AutoCancelledInstances int `json:"autoCancelledInstances"`
	GroupJourneysClosed    int `json:"groupJourneysClosed"`
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the time source. Used in tests.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler builds a reconciler over the given repository.
func NewReconciler(repo Repository, cfg ReconcilerConfig, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	cfg.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		repo: repo,
		cfg:  cfg,
		log:  log.With("component", "reconciler"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one full reconciliation pass. Batches are re-queried until a
// scan comes back short, so a pass drains the whole backlog regardless of
// batch size. Conflicts from concurrent writers are skipped, not retried:
// the instance either resumed activity or was handled by someone else.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	now := r.now()

	if err := r.reconcileActive(ctx, now, &sum); err != nil {
		return sum, err
	}
	if err := r.reconcilePaused(ctx, now, &sum); err != nil {
		return sum, err
	}

	r.log.Info("reconciliation pass finished",
		"auto_completed", sum.AutoCompletedInstances,
		"auto_cancelled", sum.AutoCancelledInstances,
		"groups_closed", sum.GroupJourneysClosed)
	return sum, nil
}

func (r *Reconciler) reconcileActive(ctx context.Context, now time.Time, sum *Summary) error {
	cutoff := now.Add(-r.cfg.ActiveStaleThreshold)
	for {
		batch, err := r.repo.FindStaleActive(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("scan stale active instances: %w", err)
		}
		for _, inst := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			status := InstanceCompleted
			if inst.TotalDistance < r.cfg.MinCompletionDistance {
				status = InstanceCancelled
			}
			finalized, err := r.finalize(ctx, inst, InstanceActive, status, now, derivedTotalTime(inst, now))
			if err != nil {
				return err
			}
			if !finalized {
				continue
			}
			if status == InstanceCompleted {
				sum.AutoCompletedInstances++
				metrics.InstancesAutoCompleted.Inc()
			} else {
				sum.AutoCancelledInstances++
				metrics.InstancesAutoCancelled.Inc()
			}
			closed, err := r.closeGroupIfDone(ctx, inst.GroupJourneyID, now)
			if err != nil {
				return err
			}
			if closed {
				sum.GroupJourneysClosed++
				metrics.GroupJourneysClosed.Inc()
			}
		}
		if len(batch) < r.cfg.BatchSize {
			return nil
		}
	}
}

func (r *Reconciler) reconcilePaused(ctx context.Context, now time.Time, sum *Summary) error {
	cutoff := now.Add(-r.cfg.PausedStaleThreshold)
	for {
		batch, err := r.repo.FindStalePaused(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("scan stale paused instances: %w", err)
		}
		for _, inst := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			// A paused instance's TotalTime already reflects its moving time
			// up to the pause; wall time since start would overstate it.
			finalized, err := r.finalize(ctx, inst, InstancePaused, InstanceCancelled, now, inst.TotalTime)
			if err != nil {
				return err
			}
			if !finalized {
				continue
			}
			sum.AutoCancelledInstances++
			metrics.InstancesAutoCancelled.Inc()
			closed, err := r.closeGroupIfDone(ctx, inst.GroupJourneyID, now)
			if err != nil {
				return err
			}
			if closed {
				sum.GroupJourneysClosed++
				metrics.GroupJourneysClosed.Inc()
			}
		}
		if len(batch) < r.cfg.BatchSize {
			return nil
		}
	}
}

// finalize applies the terminal transition. A conflict means the row changed
// under us and is logged at debug, not treated as a failure.
func (r *Reconciler) finalize(ctx context.Context, inst *Instance, expected, status string, now time.Time, totalTime int64) (bool, error) {
	patch := InstancePatch{
		Status:    status,
		EndTime:   now,
		TotalTime: totalTime,
	}
	err := r.repo.FinalizeInstance(ctx, inst.ID, expected, patch)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		r.log.Debug("instance changed before finalization, skipping",
			"instance_id", inst.ID, "expected_status", expected)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finalize instance %s: %w", inst.ID, err)
	}
	r.log.Info("finalized stale journey instance",
		"instance_id", inst.ID,
		"group_journey_id", inst.GroupJourneyID,
		"from", expected,
		"to", status,
		"distance_m", inst.TotalDistance)
	return true, nil
}

// closeGroupIfDone completes the group journey when no open instances remain
// and the group is still ACTIVE. The conditional update makes the cascade
// exactly-once even when two instances of the same group finalize in the
// same pass.
func (r *Reconciler) closeGroupIfDone(ctx context.Context, groupJourneyID string, now time.Time) (bool, error) {
	if groupJourneyID == "" {
		return false, nil
	}
	open, err := r.repo.CountNonTerminal(ctx, groupJourneyID)
	if err != nil {
		return false, fmt.Errorf("count open instances for group %s: %w", groupJourneyID, err)
	}
	if open > 0 {
		return false, nil
	}
	status, err := r.repo.GroupStatus(ctx, groupJourneyID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status != GroupActive {
		return false, nil
	}
	err = r.repo.CompleteGroup(ctx, groupJourneyID, now)
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete group journey %s: %w", groupJourneyID, err)
	}
	r.log.Info("completed group journey", "group_journey_id", groupJourneyID)
	return true, nil
}

// derivedTotalTime prefers the accumulated moving time when the tracker
// reported one, falling back to wall time since the instance started.
func derivedTotalTime(inst *Instance, now time.Time) int64 {
	if inst.TotalTime > 0 {
		return inst.TotalTime
	}
	secs := int64(now.Sub(inst.StartTime).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}
