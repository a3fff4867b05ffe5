package api

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls how a failed activity attempt is retried.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before attempt n+1 is BackoffBase * BackoffFactor^(n-1), capped
// at BackoffMax. Jitter in [0,1] randomizes each delay by up to that
// fraction, which only affects wall-clock timing, never recorded decisions.
type RetryPolicy struct {
	MaxAttempts   int      `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffBase   Duration `json:"backoffBase,omitempty" yaml:"backoffBase,omitempty"`
	BackoffFactor float64  `json:"backoffFactor,omitempty" yaml:"backoffFactor,omitempty"`
	BackoffMax    Duration `json:"backoffMax,omitempty" yaml:"backoffMax,omitempty"`
	Jitter        float64  `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

func (p *RetryPolicy) validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("retry maxAttempts must not be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("retry jitter must be in [0,1]")
	}
	if p.BackoffFactor < 0 {
		return errors.New("retry backoffFactor must not be negative")
	}
	return nil
}

// Attempts returns the effective attempt budget (at least 1).
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// BackoffFor returns the delay to apply before attempt+1, where attempt is
// the 1-based attempt that just failed.
func (p *RetryPolicy) BackoffFor(attempt int) time.Duration {
	if p == nil || p.BackoffBase <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(p.BackoffBase)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if p.BackoffMax > 0 && delay >= float64(p.BackoffMax) {
			delay = float64(p.BackoffMax)
			break
		}
	}
	if p.BackoffMax > 0 && delay > float64(p.BackoffMax) {
		delay = float64(p.BackoffMax)
	}
	if p.Jitter > 0 {
		// Spread in [delay*(1-jitter), delay].
		delay -= delay * p.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}
