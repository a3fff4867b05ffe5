package api

import "context"

// Engine is the durable execution engine API. One engine instance drives
// many runs concurrently, but each run has at most one active decision
// phase at a time, guarded by a per-run lease.
type Engine interface {
	// Registry exposes the process-wide name registries used by this engine.
	Registry() *Registry

	// Start submits a run of the named blueprint. If id is empty a fresh id
	// is generated. Resubmitting an existing id with identical input returns
	// the existing run; a different input yields a DuplicateRunError.
	//
	// Start drives the run synchronously until it completes or reaches its
	// first suspension point; queue-backed engines may instead enqueue it.
	Start(ctx context.Context, workflowType, id string, input any) (*Run, error)

	// Signal appends a SignalReceived event to the run's history. Signals
	// are buffered FIFO per name; if the run is parked on a matching wait it
	// is woken. Unknown runs return ErrRunNotFound, terminal runs
	// ErrRunTerminal.
	Signal(ctx context.Context, id, name string, payload any) error

	// Query answers a synchronous query against a frozen snapshot of the
	// run. It never appends an event and never observes a half-applied
	// decision. Built-in queries "status", "state", and "result" are always
	// available.
	Query(ctx context.Context, id, name string, args any) (any, error)

	// Cancel records a cancellation for the run. Cancellation is
	// cooperative: the run observes it at its next suspension boundary.
	// Terminating a parent cascades to live children per their close policy.
	Cancel(ctx context.Context, id string) error

	// GetResult blocks until the run reaches a terminal state, then returns
	// its output. Failed runs return the typed RunFailure; cancelled runs a
	// CancellationError.
	GetResult(ctx context.Context, id string) (any, error)

	// GetRun returns a snapshot of the run.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs matching the given options.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*Run, error)

	// ListEvents returns the run's history strictly in seq order.
	ListEvents(ctx context.Context, id string) ([]Event, error)

	// RecoverStuckRuns scans for runs left in StatusRunning by a crashed
	// owner, marks them suspended, and schedules them for resumption. It is
	// meant to be called on process startup before any workers start, and
	// returns the number of runs it touched.
	RecoverStuckRuns(ctx context.Context) (int, error)
}

// Pumper is implemented by engines that let workers drive an existing run
// directly, without re-enqueueing.
type Pumper interface {
	// PumpRun acquires the run's lease and advances it until it completes,
	// fails, or suspends again. It is a no-op for terminal runs.
	PumpRun(ctx context.Context, id string) (*Run, error)

	// FireTimer records a durable timer expiry for the given wait step and
	// pumps the run. Late timers for already-resolved waits are harmless.
	FireTimer(ctx context.Context, id, stepPath string) error
}
