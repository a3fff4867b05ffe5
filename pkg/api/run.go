package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(SignalPayload{})
	gob.Register(SignalOutcome{})
	gob.Register(BranchOutcome{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParentClosePolicy governs what happens to a still-running child run
// when its parent reaches a terminal state.
type ParentClosePolicy string

const (
	// CloseTerminate cancels the child immediately; in-flight work is discarded.
	CloseTerminate ParentClosePolicy = "TERMINATE"

	// CloseAbandon leaves the child running as an independent run.
	CloseAbandon ParentClosePolicy = "ABANDON"

	// CloseRequestCancel records a cancellation; the child observes it at
	// its next suspension boundary.
	CloseRequestCancel ParentClosePolicy = "REQUEST_CANCEL"
)

// Run is one execution instance of a registered blueprint.
type Run struct {
	ID           string
	WorkflowType string
	Status       Status

	// Input is the original input provided at submission. It is kept for
	// deterministic replay and for idempotent resubmission checks.
	Input any

	// InputHash fingerprints Input so a resubmission with the same id can be
	// classified as idempotent (same hash) or conflicting (different hash).
	InputHash string

	// Output is set when the run completes.
	Output any

	// Failure describes the terminal failure, if any.
	Failure *RunFailure

	// HistoryCursor is the sequence number of the last history event this
	// run's owner has applied.
	HistoryCursor int64

	// ParentID links a child run back to the run that spawned it.
	ParentID string

	// ParentClosePolicy applies when the parent terminates while this run
	// is still live. Empty means CloseAbandon.
	ParentClosePolicy ParentClosePolicy

	// State accumulates outputs of completed named steps, keyed by step id.
	// Predicates and queries evaluate against it.
	State map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot returns a copy of the run that is safe to hand to query handlers
// while the original may still be mutated by its owning engine.
func (r *Run) Snapshot() *Run {
	cp := *r
	if r.State != nil {
		st := make(map[string]any, len(r.State))
		for k, v := range r.State {
			st[k] = v
		}
		cp.State = st
	}
	if r.Failure != nil {
		f := *r.Failure
		cp.Failure = &f
	}
	return &cp
}

// RunFailure is the user-visible description of a failed run.
type RunFailure struct {
	// StepPath identifies the step whose failure terminated the run,
	// e.g. "pipeline/fanout/fetch[2]".
	StepPath string

	// Kind is the error taxonomy name, e.g. "ActivityExecutionError".
	Kind string

	// Message is the root cause message.
	Message string
}

func (f *RunFailure) Error() string {
	if f.StepPath == "" {
		return f.Kind + ": " + f.Message
	}
	return f.Kind + " at " + f.StepPath + ": " + f.Message
}

// RunListOptions controls how runs are listed.
// Zero values mean "no filter" for that field.
type RunListOptions struct {
	WorkflowType string
	Status       Status
	ParentID     string
}

// Signal is an external input delivered to a possibly-suspended run.
// Signals are buffered FIFO per name until a wait step consumes them.
type Signal struct {
	Name       string
	Payload    any
	ReceivedAt time.Time
}

// SignalPayload is the run state value recorded when a wait step consumes
// a signal.
type SignalPayload struct {
	Name string
	Data any
}

// SignalOutcome is the output of a wait-signal step. Received is false when
// the wait timed out before a matching signal arrived.
type SignalOutcome struct {
	Received bool
	Payload  any
}

// BranchOutcome is one entry in the output list of a best-effort parallel
// step: either the branch output or its failure message.
type BranchOutcome struct {
	StepID string
	Output any
	Err    string
}

// OK reports whether the branch succeeded.
func (o BranchOutcome) OK() bool { return o.Err == "" }
