package engine

import (
	"errors"
	"fmt"
)

// suspendError is the sentinel returned by the interpreter when a step
// cannot make progress without an external event. The pump catches it,
// parks the run in StatusSuspended, and releases the lease. It never
// escapes the engine.
type suspendError struct {
	// StepPath is the path of the step that parked the run.
	StepPath string

	// Reason is a short tag for logs: "signal", "timer", "child",
	// "activity", "join".
	Reason string
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("run suspended at %s (waiting for %s)", e.StepPath, e.Reason)
}

func suspendAt(path, reason string) error {
	return &suspendError{StepPath: path, Reason: reason}
}

func isSuspend(err error) (*suspendError, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}
