package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/waytrail/waytrail-jobs/internal/core"
)

const (
	keyPrefix   = "waytrail:jobs:"
	wakeChannel = keyPrefix + "wake"

	// prioritySpan separates priority bands in the composite sort key. One
	// band must outweigh any realistic scheduled_at in epoch milliseconds;
	// 1e13 keeps the sum exactly representable in a float64 score.
	prioritySpan = 1e13

	// claimPage bounds how many head-of-queue candidates one claim attempt
	// inspects. Delayed members can sort ahead of ready ones, so the claim
	// skips past them instead of stopping at the head.
	claimPage = 32
)

func jobKey(id string) string { return keyPrefix + "job:" + id }
func readyKey(queue string) string { return keyPrefix + "ready:" + queue }

func doneKey() string { return keyPrefix + "done" }
func deadKey() string { return keyPrefix + "dead" }

// readyScore computes the composite sort key: priority descending first (ZSET
// range returns ascending scores, so priority is negated), scheduled_at
// ascending within a band.
func readyScore(priority int, scheduledAt time.Time) float64 {
	return float64(-priority)*prioritySpan + float64(scheduledAt.UnixMilli())
}

// RedisStore is the durable Store implementation, shared by multiple worker
// processes. Pending references live in one sorted set per partition; the
// claim is a ZREM, which exactly one concurrent claimer can win. Job records
// are JSON strings; terminal jobs are indexed in time-scored sets so the
// purge can range-delete by age.
type RedisStore struct {
	rdb    *r.Client
	wake   chan struct{}
	pubsub *r.PubSub
	now    func() time.Time
}

// NewRedisStore wraps an existing Redis client and subscribes to the wake
// channel. The caller owns the client's lifecycle.
func NewRedisStore(rdb *r.Client) *RedisStore {
	s := &RedisStore{
		rdb:  rdb,
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
	s.pubsub = rdb.Subscribe(context.Background(), wakeChannel)
	go s.forwardWake()
	return s
}

// Ping verifies connectivity. Called once at startup; failure there is fatal
// to accepting new work.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return core.NewStoreUnavailableError(err)
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, readyKey(job.Queue), r.Z{
		Score:  readyScore(job.Priority, job.ScheduledAt),
		Member: job.ID,
	})
	pipe.Publish(ctx, wakeChannel, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewStoreUnavailableError(err)
	}
	return nil
}

func (s *RedisStore) ClaimNext(ctx context.Context, queues []string) (*core.Job, error) {
	now := s.now()
	for _, q := range queues {
		ids, err := s.rdb.ZRange(ctx, readyKey(q), 0, claimPage-1).Result()
		if err != nil {
			return nil, core.NewStoreUnavailableError(err)
		}

		for _, id := range ids {
			job, err := s.loadJob(ctx, id)
			if err == r.Nil {
				// Record purged out from under its reference.
				s.rdb.ZRem(ctx, readyKey(q), id)
				continue
			}
			if err != nil {
				return nil, core.NewStoreUnavailableError(err)
			}
			if !job.Ready(now) {
				continue
			}

			// The atomic claim: whoever removes the member owns the job.
			removed, err := s.rdb.ZRem(ctx, readyKey(q), id).Result()
			if err != nil {
				return nil, core.NewStoreUnavailableError(err)
			}
			if removed == 0 {
				// Another claimer won; try the next candidate.
				continue
			}
			return job, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) MarkActive(ctx context.Context, id string) error {
	return s.update(ctx, id, func(j *core.Job) {
		now := s.now()
		j.Status = core.StatusActive
		j.StartedAt = &now
	})
}

func (s *RedisStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	now := s.now()
	err := s.update(ctx, id, func(j *core.Job) {
		j.Status = core.StatusCompleted
		j.CompletedAt = &now
		j.Result = result
	})
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, doneKey(), r.Z{Score: float64(now.UnixMilli()), Member: id}).Err()
}

func (s *RedisStore) MarkFailed(ctx context.Context, id string, errMsg string, retryAt *time.Time) error {
	job, err := s.loadJob(ctx, id)
	if err == r.Nil {
		return core.NewNotFoundError("job", id)
	}
	if err != nil {
		return core.NewStoreUnavailableError(err)
	}

	job.Attempts++
	job.Error = errMsg

	if retryAt != nil {
		job.Status = core.StatusWaiting
		job.ScheduledAt = *retryAt
		job.StartedAt = nil
		data, mErr := json.Marshal(job)
		if mErr != nil {
			return fmt.Errorf("marshal job %s: %w", id, mErr)
		}
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, jobKey(id), data, 0)
		pipe.ZAdd(ctx, readyKey(job.Queue), r.Z{
			Score:  readyScore(job.Priority, job.ScheduledAt),
			Member: id,
		})
		pipe.Publish(ctx, wakeChannel, id)
		_, err = pipe.Exec(ctx)
		return err
	}

	now := s.now()
	job.Status = core.StatusFailed
	job.FailedAt = &now
	data, mErr := json.Marshal(job)
	if mErr != nil {
		return fmt.Errorf("marshal job %s: %w", id, mErr)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(id), data, 0)
	pipe.ZAdd(ctx, deadKey(), r.Z{Score: float64(now.UnixMilli()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Cancel(ctx context.Context, id string) (*core.Job, error) {
	job, err := s.loadJob(ctx, id)
	if err == r.Nil {
		return nil, core.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, core.NewStoreUnavailableError(err)
	}

	// Winning the reference removal is what makes the cancel safe: a job a
	// worker already claimed has no reference left to remove.
	removed, err := s.rdb.ZRem(ctx, readyKey(job.Queue), id).Result()
	if err != nil {
		return nil, core.NewStoreUnavailableError(err)
	}
	if removed == 0 || job.Status != core.StatusWaiting {
		return nil, core.NewConflictError(
			"only waiting jobs can be cancelled",
			map[string]any{"job_id": id, "status": job.Status},
		)
	}

	now := s.now()
	job.Status = core.StatusCancelled
	job.CancelledAt = &now
	data, mErr := json.Marshal(job)
	if mErr != nil {
		return nil, fmt.Errorf("marshal job %s: %w", id, mErr)
	}
	if err := s.rdb.Set(ctx, jobKey(id), data, 0).Err(); err != nil {
		return nil, core.NewStoreUnavailableError(err)
	}
	s.rdb.ZAdd(ctx, doneKey(), r.Z{Score: float64(now.UnixMilli()), Member: id})
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*core.Job, error) {
	job, err := s.loadJob(ctx, id)
	if err == r.Nil {
		return nil, core.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, core.NewStoreUnavailableError(err)
	}
	return job, nil
}

func (s *RedisStore) HasWaiting(ctx context.Context, queues []string) (bool, error) {
	for _, q := range queues {
		n, err := s.rdb.ZCard(ctx, readyKey(q)).Result()
		if err != nil {
			return false, core.NewStoreUnavailableError(err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *RedisStore) Depths(ctx context.Context, queues []string) (map[string]int64, error) {
	depths := make(map[string]int64, len(queues))
	for _, q := range queues {
		n, err := s.rdb.ZCard(ctx, readyKey(q)).Result()
		if err != nil {
			return nil, core.NewStoreUnavailableError(err)
		}
		depths[q] = n
	}
	return depths, nil
}

func (s *RedisStore) ListDeadLetter(ctx context.Context, limit, offset int) ([]*core.Job, int, error) {
	total, err := s.rdb.ZCard(ctx, deadKey()).Result()
	if err != nil {
		return nil, 0, core.NewStoreUnavailableError(err)
	}

	ids, err := s.rdb.ZRevRange(ctx, deadKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, core.NewStoreUnavailableError(err)
	}

	jobs := make([]*core.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.loadJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, int(total), nil
}

func (s *RedisStore) RetryDeadLetter(ctx context.Context, id string) (*core.Job, error) {
	removed, err := s.rdb.ZRem(ctx, deadKey(), id).Result()
	if err != nil {
		return nil, core.NewStoreUnavailableError(err)
	}
	if removed == 0 {
		return nil, core.NewNotFoundError("dead-letter job", id)
	}

	job, err := s.loadJob(ctx, id)
	if err != nil {
		return nil, core.NewNotFoundError("dead-letter job", id)
	}

	job.Status = core.StatusWaiting
	job.Attempts = 0
	job.Error = ""
	job.FailedAt = nil
	job.ScheduledAt = s.now()

	data, mErr := json.Marshal(job)
	if mErr != nil {
		return nil, fmt.Errorf("marshal job %s: %w", id, mErr)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(id), data, 0)
	pipe.ZAdd(ctx, readyKey(job.Queue), r.Z{
		Score:  readyScore(job.Priority, job.ScheduledAt),
		Member: id,
	})
	pipe.Publish(ctx, wakeChannel, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, core.NewStoreUnavailableError(err)
	}
	return job, nil
}

func (s *RedisStore) DeleteDeadLetter(ctx context.Context, id string) error {
	removed, err := s.rdb.ZRem(ctx, deadKey(), id).Result()
	if err != nil {
		return core.NewStoreUnavailableError(err)
	}
	if removed == 0 {
		return core.NewNotFoundError("dead-letter job", id)
	}
	return s.rdb.Del(ctx, jobKey(id)).Err()
}

func (s *RedisStore) PurgeTerminal(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	purged, err := s.purgeIndexed(ctx, doneKey(), completedBefore)
	if err != nil {
		return purged, err
	}
	n, err := s.purgeIndexed(ctx, deadKey(), failedBefore)
	return purged + n, err
}

func (s *RedisStore) purgeIndexed(ctx context.Context, index string, before time.Time) (int, error) {
	max := strconv.FormatInt(before.UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, index, &r.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, core.NewStoreUnavailableError(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, index, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, core.NewStoreUnavailableError(err)
	}
	return len(ids), nil
}

func (s *RedisStore) Wake() <-chan struct{} {
	return s.wake
}

func (s *RedisStore) Close() error {
	return s.pubsub.Close()
}

func (s *RedisStore) loadJob(ctx context.Context, id string) (*core.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) update(ctx context.Context, id string, mutate func(*core.Job)) error {
	job, err := s.loadJob(ctx, id)
	if err == r.Nil {
		return core.NewNotFoundError("job", id)
	}
	if err != nil {
		return core.NewStoreUnavailableError(err)
	}
	mutate(job)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, jobKey(id), data, 0).Err(); err != nil {
		return core.NewStoreUnavailableError(err)
	}
	return nil
}

// forwardWake collapses pub/sub notifications into the non-blocking wake
// channel the dispatcher selects on.
func (s *RedisStore) forwardWake() {
	for range s.pubsub.Channel() {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	slog.Debug("queue wake subscription closed")
}
