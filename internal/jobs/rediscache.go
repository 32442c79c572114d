package jobs

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCacheInvalidator drops cache keys by glob pattern using SCAN so a
// large keyspace is never blocked the way KEYS would.
type RedisCacheInvalidator struct {
	client *redis.Client
}

// NewRedisCacheInvalidator wraps an existing client. The client is owned by
// the caller.
func NewRedisCacheInvalidator(client *redis.Client) *RedisCacheInvalidator {
	return &RedisCacheInvalidator{client: client}
}

func (c *RedisCacheInvalidator) InvalidateByPattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()

	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("delete cache keys: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys %q: %w", pattern, err)
	}
	return flush()
}
