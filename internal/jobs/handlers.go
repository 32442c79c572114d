package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/waytrail/waytrail-jobs/internal/core"
	"github.com/waytrail/waytrail-jobs/internal/journey"
	"github.com/waytrail/waytrail-jobs/internal/queue"
	"github.com/waytrail/waytrail-jobs/internal/worker"
)

// Notifier delivers a notification to one user. Delivery problems are the
// notifier's to report; the job layer logs them without failing the job,
// since a retried push would duplicate the notification.
type Notifier interface {
	Send(ctx context.Context, userID, kind string, data json.RawMessage) error
}

// CacheInvalidator drops cached entries matching a key pattern.
type CacheInvalidator interface {
	InvalidateByPattern(ctx context.Context, pattern string) error
}

// PhotoProcessor produces resized variants of a stored photo.
type PhotoProcessor interface {
	Resize(ctx context.Context, photoID string, variants []int) error
}

// StatsRepository recomputes aggregate user statistics.
type StatsRepository interface {
	RollupUser(ctx context.Context, userID string) error
	RollupAll(ctx context.Context) error
}

// RetentionPolicy is how long terminal job records are kept before purge.
type RetentionPolicy struct {
	Completed time.Duration
	Failed    time.Duration
}

// DefaultRetention keeps failed records longer than completed ones so dead
// letters stay inspectable.
var DefaultRetention = RetentionPolicy{
	Completed: time.Hour,
	Failed:    5 * time.Hour,
}

// Deps bundles the collaborators the handlers close over. Nil fields are
// allowed; handlers that need a missing collaborator fail permanently.
type Deps struct {
	Store      queue.Store
	Reconciler *journey.Reconciler
	Notifier   Notifier
	Cache      CacheInvalidator
	Photos     PhotoProcessor
	Stats      StatsRepository
	Retention  RetentionPolicy
	Log        *slog.Logger
}

// RegisterAll wires every known job type into the registry. Handlers whose
// collaborator is absent are skipped, so a deployment without a photo
// pipeline simply never claims resize jobs as known work.
func RegisterAll(reg *worker.Registry, deps Deps) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Retention == (RetentionPolicy{}) {
		deps.Retention = DefaultRetention
	}

	if deps.Reconciler != nil {
		reg.Register(TypeReconcileStale, ReconcileStaleHandler(deps.Reconciler))
	}
	if deps.Store != nil {
		reg.Register(TypePurgeJobRecords, PurgeJobRecordsHandler(deps.Store, deps.Retention, deps.Log))
	}
	if deps.Notifier != nil {
		reg.Register(TypeSendNotification, SendNotificationHandler(deps.Notifier, deps.Log))
	}
	if deps.Cache != nil {
		reg.Register(TypeWarmCache, WarmCacheHandler(deps.Cache, deps.Log))
	}
	if deps.Photos != nil {
		reg.Register(TypeResizePhoto, ResizePhotoHandler(deps.Photos))
	}
	if deps.Stats != nil {
		reg.Register(TypeRollupUserStats, RollupUserStatsHandler(deps.Stats))
	}
}

// ReconcileStaleHandler runs one reconciliation pass and reports the summary
// as the job result.
func ReconcileStaleHandler(rec *journey.Reconciler) worker.Handler {
	return func(ctx context.Context, job *core.Job) (json.RawMessage, error) {
		sum, err := rec.Run(ctx)
		if err != nil {
			return nil, core.NewStoreUnavailableError(fmt.Errorf("reconciliation pass: %w", err))
		}
		return json.Marshal(sum)
	}
}

// PurgeJobRecordsHandler trims terminal job records past their retention
// window.
func PurgeJobRecordsHandler(store queue.Store, retention RetentionPolicy, log *slog.Logger) worker.Handler {
	return func(ctx context.Context, job *core.Job) (json.RawMessage, error) {
		now := time.Now()
		purged, err := store.PurgeTerminal(ctx, now.Add(-retention.Completed), now.Add(-retention.Failed))
		if err != nil {
			return nil, core.NewStoreUnavailableError(fmt.Errorf("purge terminal job records: %w", err))
		}
		log.Info("purged terminal job records", "purged", purged)
		return json.Marshal(map[string]int{"purged": purged})
	}
}

// SendNotificationHandler pushes one notification. A delivery failure is
// logged and the job still completes: at-least-once execution would
// otherwise re-send on every retry.
func SendNotificationHandler(n Notifier, log *slog.Logger) worker.Handler {
	return func(ctx context.Context, job *core.Job) (json.RawMessage, error) {
		decoded, err := DecodePayload(job.Type, job.Payload)
		if err != nil {
			return nil, core.NewInvalidPayloadError(job.Type, err)
		}
		p := decoded.(*SendNotificationPayload)
		if err := n.Send(ctx, p.UserID, p.Kind, p.Data); err != nil {
			log.Warn("notification delivery failed",
				"user_id", p.UserID, "kind", p.Kind, "error", err)
			return json.Marshal(map[string]bool{"delivered": false})
		}
		return json.Marshal(map[string]bool{"delivered": true})
	}
}

// cacheSegmentPatterns maps warm-cache segments to the key patterns they
// invalidate. Refreshing here means dropping the stale entries so the next
// read rebuilds them.
var cacheSegmentPatterns = map[string]string{
	"leaderboards": "waytrail:cache:leaderboard:*",
	"feeds":        "waytrail:cache:feed:*",
	"profiles":     "waytrail:cache:profile:*",
}

// WarmCacheHandler invalidates the requested cache segments, or all of them
// when the payload names none.
func WarmCacheHandler(cache CacheInvalidator, log *slog.Logger) worker.Handler {
	return func(ctx context.Context, job *core.Job) (json.RawMessage, error) {
		decoded, err := DecodePayload(job.Type, job.Payload)
		if err != nil {
			return nil, core.NewInvalidPayloadError(job.Type, err)
		}
		p := decoded.(*WarmCachePayload)

		segments := p.Segments
		if len(segments) == 0 {
			for seg := range cacheSegmentPatterns {
				segments = append(segments, seg)
			}
		}
		for _, seg := range segments {
			pattern, ok := cacheSegmentPatterns[seg]
			if !ok {
				log.Warn("unknown cache segment, skipping", "segment", seg)
				continue
			}
			if err := cache.InvalidateByPattern(ctx, pattern); err != nil {
				return nil, core.NewStoreUnavailableError(
					fmt.Errorf("invalidate cache segment %s: %w", seg, err))
			}
		}
		return json.Marshal(map[string]any{"segments": segments})
	}
}

// ResizePhotoHandler produces the requested photo variants.
func ResizePhotoHandler(photos PhotoProcessor) worker.Handler {
	return func(ctx context.Context, job *core.Job) (json.RawMessage, error) {
		decoded, err := DecodePayload(job.Type, job.Payload)
		if err != nil {
			return nil, core.NewInvalidPayloadError(job.Type, err)
		}
		p := decoded.(*ResizePhotoPayload)
		if err := photos.Resize(ctx, p.PhotoID, p.Variants); err != nil {
			return nil, fmt.Errorf("resize photo %s: %w", p.PhotoID, err)
		}
		return json.Marshal(map[string]string{"photoId": p.PhotoID})
	}
}

// RollupUserStatsHandler recomputes aggregates for one user or everyone.
func RollupUserStatsHandler(stats StatsRepository) worker.Handler {
	return func(ctx context.Context, job *core.Job) (json.RawMessage, error) {
		decoded, err := DecodePayload(job.Type, job.Payload)
		if err != nil {
			return nil, core.NewInvalidPayloadError(job.Type, err)
		}
		p := decoded.(*RollupUserStatsPayload)
		if p.UserID != "" {
			if err := stats.RollupUser(ctx, p.UserID); err != nil {
				return nil, fmt.Errorf("rollup stats for user %s: %w", p.UserID, err)
			}
			return json.Marshal(map[string]string{"userId": p.UserID})
		}
		if err := stats.RollupAll(ctx); err != nil {
			return nil, fmt.Errorf("rollup stats for all users: %w", err)
		}
		return json.Marshal(map[string]string{"scope": "all"})
	}
}
