// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Queue backend selection values.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is everything the process reads from its environment.
type Config struct {
	// ListenAddr is the ops HTTP server bind address.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// QueueBackend selects redis or memory for job storage.
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"redis"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// PostgresDSN connects the journey repository. Empty selects the
	// in-memory repository, which only makes sense in development.
	PostgresDSN string `env:"POSTGRES_DSN"`

	Concurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	DefaultTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`
	MaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	DrainTimeout   time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`

	BackoffStrategy string        `env:"BACKOFF_STRATEGY" envDefault:"exponential"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE" envDefault:"5s"`
	BackoffMax      time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`

	CompletedRetention time.Duration `env:"COMPLETED_RETENTION" envDefault:"1h"`
	FailedRetention    time.Duration `env:"FAILED_RETENTION" envDefault:"5h"`

	ActiveStaleThreshold  time.Duration `env:"ACTIVE_STALE_THRESHOLD" envDefault:"60m"`
	PausedStaleThreshold  time.Duration `env:"PAUSED_STALE_THRESHOLD" envDefault:"12h"`
	MinCompletionDistance float64       `env:"MIN_COMPLETION_DISTANCE" envDefault:"200"`
	ReconcileBatchSize    int           `env:"RECONCILE_BATCH_SIZE" envDefault:"25"`

	CacheWarmInterval time.Duration `env:"CACHE_WARM_INTERVAL" envDefault:"30m"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"6h"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"15m"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would misconfigure the process in ways not
// caught until much later.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q",
			BackendRedis, BackendMemory, c.QueueBackend)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MinCompletionDistance < 0 {
		return fmt.Errorf("MIN_COMPLETION_DISTANCE must not be negative, got %v", c.MinCompletionDistance)
	}
	return nil
}
