package api

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a malformed blueprint or step config. It is
// returned before any execution happens.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid blueprint: " + e.Reason
	}
	return fmt.Sprintf("invalid blueprint at %s: %s", e.Path, e.Reason)
}

// DeterminismViolationError is fatal: a decision produced during replay
// disagrees with recorded history. The run is marked corrupted and requires
// manual intervention.
type DeterminismViolationError struct {
	StepPath string
	Recorded string
	Produced string
}

func (e *DeterminismViolationError) Error() string {
	return fmt.Sprintf("determinism violation at %s: history recorded %q, replay produced %q",
		e.StepPath, e.Recorded, e.Produced)
}

// UnknownActivityError is returned when an activity name has no registered
// handler at dispatch time.
type UnknownActivityError struct {
	Name string
}

func (e *UnknownActivityError) Error() string {
	return "unknown activity: " + e.Name
}

// ActivityExecutionError wraps a failure returned by an activity handler.
// It is retryable unless the handler marked the cause terminal.
type ActivityExecutionError struct {
	Activity string
	Attempt  int
	Cause    error
}

func (e *ActivityExecutionError) Error() string {
	return fmt.Sprintf("activity %s failed (attempt %d): %v", e.Activity, e.Attempt, e.Cause)
}

func (e *ActivityExecutionError) Unwrap() error { return e.Cause }

// ActivityTimeoutError is returned when a single activity attempt exceeds
// its timeout. It is retryable by policy.
type ActivityTimeoutError struct {
	Activity string
	Timeout  time.Duration
}

func (e *ActivityTimeoutError) Error() string {
	return fmt.Sprintf("activity %s timed out after %s", e.Activity, e.Timeout)
}

// DuplicateRunError is returned when Start is called with an id that already
// exists in a non-terminal state with a different input.
type DuplicateRunError struct {
	RunID string
}

func (e *DuplicateRunError) Error() string {
	return "run already exists with different input: " + e.RunID
}

// DuplicateChildIDError is returned when a child step tries to spawn a run
// whose id already belongs to an unrelated run.
type DuplicateChildIDError struct {
	ChildID string
}

func (e *DuplicateChildIDError) Error() string {
	return "child run id already in use: " + e.ChildID
}

// NoBranchMatchedError is returned by a conditional step with requireMatch
// set when no branch predicate holds.
type NoBranchMatchedError struct {
	StepID string
}

func (e *NoBranchMatchedError) Error() string {
	return "no branch matched in conditional step: " + e.StepID
}

// CancellationError marks a run (or step) that was cancelled. Cancellation
// is a distinct terminal outcome, not a failure.
type CancellationError struct {
	RunID string
}

func (e *CancellationError) Error() string {
	return "run cancelled: " + e.RunID
}

// IsCancellation reports whether err represents cancellation.
func IsCancellation(err error) bool {
	var c *CancellationError
	return errors.As(err, &c)
}

// ErrRunNotFound is returned when an operation names a run id the engine
// does not know. Signals and queries against unknown runs surface it
// explicitly rather than being dropped.
var ErrRunNotFound = errors.New("run not found")

// ErrRunTerminal is returned when a signal is delivered to a run that has
// already reached a terminal state.
var ErrRunTerminal = errors.New("run already terminal")

// ErrUnknownQuery is returned by Query for an unregistered query name.
var ErrUnknownQuery = errors.New("unknown query")

// terminalError marks an activity failure as not retryable.
type terminalError struct {
	cause error
}

func (e *terminalError) Error() string { return "terminal: " + e.cause.Error() }
func (e *terminalError) Unwrap() error { return e.cause }

// Terminal wraps err so the dispatcher will not retry it regardless of the
// step's retry policy.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{cause: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
