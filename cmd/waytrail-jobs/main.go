package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/waytrail/waytrail-jobs/internal/config"
	"github.com/waytrail/waytrail-jobs/internal/core"
	"github.com/waytrail/waytrail-jobs/internal/events"
	"github.com/waytrail/waytrail-jobs/internal/jobs"
	"github.com/waytrail/waytrail-jobs/internal/journey"
	"github.com/waytrail/waytrail-jobs/internal/metrics"
	"github.com/waytrail/waytrail-jobs/internal/queue"
	"github.com/waytrail/waytrail-jobs/internal/scheduler"
	"github.com/waytrail/waytrail-jobs/internal/server"
	"github.com/waytrail/waytrail-jobs/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Job store. A Redis deployment that is unreachable at startup is a
	// deployment problem, so fail fast rather than limp along.
	var (
		store       queue.Store
		redisClient *redis.Client
	)
	switch cfg.QueueBackend {
	case config.BackendRedis:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := queue.NewRedisStore(redisClient)
		if err := rs.Ping(ctx); err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		store = rs
		slog.Info("connected to redis", "addr", cfg.RedisAddr)
	case config.BackendMemory:
		store = queue.NewMemoryStore()
		slog.Warn("using in-memory job store, jobs will not survive a restart")
	}
	defer store.Close()

	// Journey repository. Without Postgres the reconciler runs against an
	// empty in-memory repository, which only makes sense in development.
	var repo journey.Repository
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres pool", "error", err)
			os.Exit(1)
		}
		if err := pool.Ping(ctx); err != nil {
			slog.Error("failed to reach postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		repo = journey.NewPostgresRepository(pool)
		slog.Info("connected to postgres")
	} else {
		repo = journey.NewMemoryRepository()
		slog.Warn("no POSTGRES_DSN set, journey reconciliation runs against an empty in-memory repository")
	}

	metrics.Init(core.Version, cfg.QueueBackend)

	reconciler := journey.NewReconciler(repo, journey.ReconcilerConfig{
		ActiveStaleThreshold:  cfg.ActiveStaleThreshold,
		PausedStaleThreshold:  cfg.PausedStaleThreshold,
		MinCompletionDistance: cfg.MinCompletionDistance,
		BatchSize:             cfg.ReconcileBatchSize,
	}, slog.Default())

	registry := worker.NewRegistry()
	deps := jobs.Deps{
		Store:      store,
		Reconciler: reconciler,
		Notifier:   jobs.LogNotifier{},
		Retention: jobs.RetentionPolicy{
			Completed: cfg.CompletedRetention,
			Failed:    cfg.FailedRetention,
		},
	}
	if redisClient != nil {
		deps.Cache = jobs.NewRedisCacheInvalidator(redisClient)
	}
	jobs.RegisterAll(registry, deps)

	bus := events.NewBus()
	hub := events.NewHub(bus)
	defer hub.Close()

	dispatcher := worker.NewDispatcher(store, registry, bus, worker.Config{
		Concurrency:        cfg.Concurrency,
		PollInterval:       cfg.PollInterval,
		DefaultMaxAttempts: cfg.MaxAttempts,
		DefaultTimeout:     cfg.DefaultTimeout,
		DrainTimeout:       cfg.DrainTimeout,
		Retry: &core.RetryPolicy{
			Strategy: cfg.BackoffStrategy,
			Base:     cfg.BackoffBase,
			Max:      cfg.BackoffMax,
			Jitter:   true,
		},
	})
	dispatcher.Start()

	sched := scheduler.New(dispatcher, scheduler.Config{
		CacheWarmInterval: cfg.CacheWarmInterval,
		CleanupInterval:   cfg.CleanupInterval,
		ReconcileInterval: cfg.ReconcileInterval,
	}, slog.Default())
	if err := sched.Start(); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(dispatcher, registry, hub, cfg.QueueBackend, core.Version).Router(),
	}
	go func() {
		slog.Info("ops server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	sched.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := dispatcher.Stop(drainCtx); err != nil {
		slog.Error("dispatcher drain incomplete", "error", err)
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("stopped")
}
