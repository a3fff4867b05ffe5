package engine

import (
	"context"
	"errors"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

// dispatchActivity runs the step's activity handler with per-attempt
// timeout and the step's retry policy, renewing the run lease between
// attempts. It returns the output and the 1-based attempt that produced
// the final verdict.
//
// Delivery is at-least-once: a crash after the handler ran but before the
// completion event was recorded re-dispatches on the next pump. The
// first recorded completion per step path is the observed outcome.
func (e *engineImpl) dispatchActivity(ctx context.Context, run *api.Run, step *api.Step, path string, args any) (any, int, error) {
	name := step.Config.Activity
	fn, opts, ok := e.registry.Activity(name)
	if !ok {
		return nil, 1, &api.UnknownActivityError{Name: name}
	}

	timeout := step.Config.Timeout.Std()
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}
	policy := step.Config.Retry
	if policy == nil {
		policy = opts.DefaultRetry
	}
	attempts := policy.Attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}
		// Keep the lease alive across long handler calls and backoffs.
		if err := e.runs.RenewLease(ctx, run.ID, e.owner, e.leaseTTL); err != nil {
			return nil, attempt, err
		}

		e.observer.OnStepStart(ctx, run, path)
		started := time.Now()

		out, err := e.invokeActivity(ctx, fn, timeout, name, args)

		e.observer.OnStepCompleted(ctx, run, path, err, time.Since(started))

		if err == nil {
			return out, attempt, nil
		}
		lastErr = err

		if api.IsTerminal(err) {
			return nil, attempt, &api.ActivityExecutionError{Activity: name, Attempt: attempt, Cause: err}
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		if delay := policy.BackoffFor(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	var timeoutErr *api.ActivityTimeoutError
	if errors.As(lastErr, &timeoutErr) {
		return nil, attempts, lastErr
	}
	return nil, attempts, &api.ActivityExecutionError{Activity: name, Attempt: attempts, Cause: lastErr}
}

// invokeActivity performs a single attempt, converting a blown deadline
// into an ActivityTimeoutError.
func (e *engineImpl) invokeActivity(ctx context.Context, fn api.ActivityFunc, timeout time.Duration, name string, args any) (any, error) {
	if timeout <= 0 {
		return fn(ctx, args)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := fn(actx, args)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &api.ActivityTimeoutError{Activity: name, Timeout: timeout}
	}
	return out, err
}
