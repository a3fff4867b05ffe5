package loom

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// activity steps.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing maxAttempts deliveries in total,
// the first one included.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - base is the delay before the first retry.
//   - factor > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	loom.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(base time.Duration, factor float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.BackoffBase = Duration(base)
	p.BackoffMax = Duration(max)
	if factor <= 0 {
		factor = 2.0
	}
	p.BackoffFactor = factor
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries. This is
// an exponential backoff with factor 1.0 and no cap.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.BackoffBase = Duration(delay)
	p.BackoffMax = 0
	p.BackoffFactor = 1.0
	return RetryBuilder{policy: p}
}

// WithJitter spreads each delay by the given fraction in [0, 1], so
// simultaneous failures don't retry in lockstep.
func (r RetryBuilder) WithJitter(fraction float64) RetryBuilder {
	p := r.policy
	p.Jitter = fraction
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries. Retries still respect
// MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.BackoffBase = 0
	p.BackoffMax = 0
	p.BackoffFactor = 0
	p.Jitter = 0
	return RetryBuilder{policy: p}
}

// Policy returns the assembled RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
