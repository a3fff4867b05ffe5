package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of RunStore and
// HistoryStore backed by maps. It is non-durable and intended for tests and
// development.
type InMemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*api.Run
	events map[string][]api.Event
	leases map[string]leaseRecord
}

type leaseRecord struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:   make(map[string]*api.Run),
		events: make(map[string][]api.Event),
		leases: make(map[string]leaseRecord),
	}
}

var (
	_ RunStore     = (*InMemoryStore)(nil)
	_ HistoryStore = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	s.runs[run.ID] = run.Snapshot()
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = run.Snapshot()
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	// Hand out a copy so readers get a consistent snapshot while an owner
	// keeps mutating its working copy.
	return run.Snapshot(), nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Run
	for _, run := range s.runs {
		if filter.WorkflowType != "" && run.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && run.ParentID != filter.ParentID {
			continue
		}
		result = append(result, run.Snapshot())
	}
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec, ok := s.leases[runID]; ok && rec.expires.After(now) && rec.owner != owner {
		return false, nil
	}
	s.leases[runID] = leaseRecord{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.leases[runID]
	if !ok || rec.owner != owner {
		return ErrLeaseNotHeld
	}
	rec.expires = time.Now().Add(ttl)
	s.leases[runID] = rec
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.leases[runID]; ok && rec.owner == owner {
		delete(s.leases, runID)
	}
	return nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev *api.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.events[ev.RunID]
	if err := checkAppend(history, ev); err != nil {
		return 0, err
	}

	ev.Seq = int64(len(history)) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events[ev.RunID] = append(history, *ev)
	return ev.Seq, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[runID]
	out := make([]api.Event, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemoryStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[runID])), nil
}

// checkAppend enforces the append-only invariants shared by all history
// implementations: one terminal event per run, and one completion per
// scheduled step instance. Late duplicate completions from retried-but-
// still-running handlers are rejected here and discarded by the engine.
func checkAppend(history []api.Event, ev *api.Event) error {
	for i := range history {
		prior := &history[i]
		if ev.Type.TerminalEvent() && prior.Type.TerminalEvent() {
			return ErrDuplicateEvent
		}
		if prior.StepPath != ev.StepPath || ev.StepPath == "" {
			continue
		}
		switch ev.Type {
		case api.EventActivityCompleted, api.EventActivityFailed:
			if prior.Type == api.EventActivityCompleted || prior.Type == api.EventActivityFailed {
				return ErrDuplicateEvent
			}
		case api.EventChildCompleted:
			if prior.Type == api.EventChildCompleted {
				return ErrDuplicateEvent
			}
		}
	}
	return nil
}
