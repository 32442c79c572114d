package core

import (
	"testing"
	"time"
)

func TestBackoff_Constant(t *testing.T) {
	policy := &RetryPolicy{Strategy: BackoffConstant, Base: 5 * time.Second}

	for attempt := 1; attempt <= 5; attempt++ {
		got := Backoff(policy, attempt)
		if got != 5*time.Second {
			t.Errorf("Backoff(constant, attempt=%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestBackoff_Exponential(t *testing.T) {
	policy := &RetryPolicy{Strategy: BackoffExponential, Base: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}

	for _, tt := range tests {
		got := Backoff(policy, tt.attempt)
		if got != tt.want {
			t.Errorf("Backoff(exponential, attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_MaxCap(t *testing.T) {
	policy := &RetryPolicy{Strategy: BackoffExponential, Base: time.Second, Max: 10 * time.Second}

	// attempt 5 would be 16s but is capped at 10s
	got := Backoff(policy, 5)
	if got != 10*time.Second {
		t.Errorf("Backoff with cap = %v, want %v", got, 10*time.Second)
	}
}

func TestBackoff_NilPolicy(t *testing.T) {
	if got := Backoff(nil, 1); got != DefaultBackoff {
		t.Errorf("Backoff(nil, 1) = %v, want %v", got, DefaultBackoff)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	policy := &RetryPolicy{Strategy: BackoffConstant, Base: 10 * time.Second, Jitter: true}

	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		d := Backoff(policy, 1)
		seen[d] = true
		// Jitter range: 0.5x to 1.5x -> 5s to 15s
		if d < 5*time.Second || d > 15*time.Second {
			t.Errorf("Backoff with jitter = %v, outside expected range [5s, 15s]", d)
		}
	}
	if len(seen) < 2 {
		t.Error("Backoff with jitter produced no variation in 20 attempts")
	}
}

func TestBackoff_ZeroAttemptClamped(t *testing.T) {
	policy := &RetryPolicy{Strategy: BackoffExponential, Base: 2 * time.Second}
	if got := Backoff(policy, 0); got != 2*time.Second {
		t.Errorf("Backoff(attempt=0) = %v, want %v", got, 2*time.Second)
	}
}
