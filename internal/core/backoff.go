package core

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// DefaultBackoff is used when no policy is configured.
const DefaultBackoff = 5 * time.Second

// RetryPolicy controls the delay between failed attempts of a job.
type RetryPolicy struct {
	Strategy string        // constant (default) or exponential
	Base     time.Duration // delay for the first retry
	Max      time.Duration // cap for exponential growth; 0 = uncapped
	Jitter   bool          // randomize to 0.5x..1.5x to avoid thundering herds
}

// Backoff returns the delay before the given retry attempt (1-based).
func Backoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Base <= 0 {
		return DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}

	d := policy.Base
	if policy.Strategy == BackoffExponential {
		d = time.Duration(float64(policy.Base) * math.Pow(2, float64(attempt-1)))
	}
	if policy.Max > 0 && d > policy.Max {
		d = policy.Max
	}
	if policy.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}
