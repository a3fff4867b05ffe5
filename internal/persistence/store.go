package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned by SaveRun when the id is already taken.
	ErrRunExists = errors.New("run already exists")

	// ErrDuplicateEvent is returned when an append would record a second
	// completion for the same step instance, or a second terminal event
	// for the run.
	ErrDuplicateEvent = errors.New("duplicate history event")

	// ErrLeaseNotHeld is returned by RenewLease when the caller does not
	// hold the run's lease.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// RunFilter selects runs from the store. Empty fields mean "no filter".
type RunFilter struct {
	WorkflowType string
	Status       api.Status
	ParentID     string
}

// RunStore handles storage of run records.
//
// The lease methods implement the per-run single-writer guarantee: exactly
// one lease-holder may mutate a run and append to its history segment at a
// time. Implementations should treat a lease held by the same owner as
// re-entrant, and an expired lease as free.
type RunStore interface {
	SaveRun(ctx context.Context, run *api.Run) error
	UpdateRun(ctx context.Context, run *api.Run) error
	GetRun(ctx context.Context, id string) (*api.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the run's lease.
	// If another owner holds an unexpired lease it returns acquired=false,
	// err=nil.
	TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, runID, owner string) error
}

// HistoryStore is the append-only per-run event log backing replay and
// crash recovery.
type HistoryStore interface {
	// AppendEvent assigns the next sequence number for the run and persists
	// the event. Seq is strictly increasing per run with no gaps. Appending
	// a second terminal event, or a second activity/child completion for the
	// same step path, returns ErrDuplicateEvent.
	AppendEvent(ctx context.Context, ev *api.Event) (int64, error)

	// ListEvents returns all events for a run strictly in seq order.
	ListEvents(ctx context.Context, runID string) ([]api.Event, error)

	// LastSeq returns the highest assigned seq for the run (0 if none).
	LastSeq(ctx context.Context, runID string) (int64, error)
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Runs    RunStore
	History HistoryStore
}
