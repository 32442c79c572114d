package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueBackend != BackendRedis {
		t.Errorf("QueueBackend = %q, want %q", cfg.QueueBackend, BackendRedis)
	}
	if cfg.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", cfg.Concurrency)
	}
	if cfg.ActiveStaleThreshold != 60*time.Minute {
		t.Errorf("ActiveStaleThreshold = %v, want 60m", cfg.ActiveStaleThreshold)
	}
	if cfg.MinCompletionDistance != 200 {
		t.Errorf("MinCompletionDistance = %v, want 200", cfg.MinCompletionDistance)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("RECONCILE_INTERVAL", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueBackend != BackendMemory {
		t.Errorf("QueueBackend = %q, want memory", cfg.QueueBackend)
	}
	if cfg.Concurrency != 12 {
		t.Errorf("Concurrency = %d, want 12", cfg.Concurrency)
	}
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("ReconcileInterval = %v, want 5m", cfg.ReconcileInterval)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown backend", "QUEUE_BACKEND", "kafka"},
		{"zero concurrency", "WORKER_CONCURRENCY", "0"},
		{"zero attempts", "JOB_MAX_ATTEMPTS", "0"},
		{"negative distance", "MIN_COMPLETION_DISTANCE", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}
