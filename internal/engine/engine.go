package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/pkarhu/loom/internal/persistence"
	"github.com/pkarhu/loom/internal/taskqueue"
	"github.com/pkarhu/loom/pkg/api"
)

// engineImpl drives runs of registered blueprints. Each run's decision
// phase is single-writer, guarded by a per-run lease on the RunStore;
// activities inside one decision phase may still execute in parallel.
type engineImpl struct {
	registry *api.Registry
	runs     persistence.RunStore
	history  persistence.HistoryStore

	// queue is optional. With a queue, Start/Signal/Cancel enqueue work
	// for external workers; without one the engine pumps runs inline and
	// timers fall back to process-local time.AfterFunc.
	queue taskqueue.Queue

	observer api.Observer

	// owner identifies this engine instance as a lease holder.
	owner    string
	leaseTTL time.Duration

	pollInterval time.Duration

	// pumpMu guards inflight: the runs this instance is currently
	// pumping. The value flips to true when a wake arrived while the
	// pump was in flight, meaning the run owes another walk.
	pumpMu   sync.Mutex
	inflight map[string]bool
}

// Config describes how to construct an engine. Only used inside this
// package; external callers use the helper constructors.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
	Registry    *api.Registry
	LeaseTTL    time.Duration
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = api.NewRegistry()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &engineImpl{
		registry:     reg,
		runs:         cfg.Persistence.Runs,
		history:      cfg.Persistence.History,
		queue:        cfg.Queue,
		observer:     obs,
		owner:        "engine-" + uuid.NewString(),
		leaseTTL:     ttl,
		pollInterval: 20 * time.Millisecond,
		inflight:     map[string]bool{},
	}
}

// NewEngine returns an Engine over the given stores with default settings.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewInMemoryEngine returns a fully in-process engine: in-memory stores,
// no queue, runs pumped inline.
func NewInMemoryEngine(opts ...Option) api.Engine {
	mem := persistence.NewInMemoryStore()
	cfg := Config{
		Persistence: persistence.Persistence{Runs: mem, History: mem},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewEngineWithConfig(cfg)
}

// Option tweaks engine construction.
type Option func(*Config)

// WithObserver attaches an observer to the engine.
func WithObserver(obs api.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

// WithQueue makes the engine hand work to external workers via q instead
// of pumping runs inline.
func WithQueue(q taskqueue.Queue) Option {
	return func(c *Config) { c.Queue = q }
}

// WithLeaseTTL overrides the per-run lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Config) { c.LeaseTTL = ttl }
}

// NewSQLiteEngine returns an engine with SQLite-backed runs and history.
// Runs are pumped inline unless a queue is attached with WithQueue.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (api.Engine, error) {
	runs, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	history, err := persistence.NewSQLiteHistoryStore(db)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		Persistence: persistence.Persistence{Runs: runs, History: history},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewEngineWithConfig(cfg), nil
}

// NewPostgresEngine returns an engine with Postgres-backed runs and history.
func NewPostgresEngine(db *sql.DB, opts ...Option) (api.Engine, error) {
	runs, err := persistence.NewPostgresRunStore(db)
	if err != nil {
		return nil, err
	}
	history, err := persistence.NewPostgresHistoryStore(db)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		Persistence: persistence.Persistence{Runs: runs, History: history},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewEngineWithConfig(cfg), nil
}

// NewRedisEngine returns an engine with Redis-backed runs and history
// under the given key prefix.
func NewRedisEngine(client *redis.Client, prefix string, opts ...Option) api.Engine {
	cfg := Config{
		Persistence: persistence.Persistence{
			Runs:    persistence.NewRedisRunStore(client, prefix),
			History: persistence.NewRedisHistoryStore(client, prefix),
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewEngineWithConfig(cfg)
}

// NewMongoEngine returns an engine with Mongo-backed runs and history in
// the named database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (api.Engine, error) {
	history, err := persistence.NewMongoHistoryStore(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	cfg := Config{
		Persistence: persistence.Persistence{
			Runs:    persistence.NewMongoRunStore(client, dbName, ""),
			History: history,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewEngineWithConfig(cfg), nil
}

var (
	_ api.Engine = (*engineImpl)(nil)
	_ api.Pumper = (*engineImpl)(nil)
)

func (e *engineImpl) Registry() *api.Registry { return e.registry }

func (e *engineImpl) Start(ctx context.Context, workflowType, id string, input any) (*api.Run, error) {
	if _, ok := e.registry.Blueprint(workflowType); !ok {
		return nil, fmt.Errorf("unknown workflow type: %s", workflowType)
	}

	if id == "" {
		id = uuid.NewString()
	}
	hash, err := persistence.Fingerprint(input)
	if err != nil {
		return nil, fmt.Errorf("fingerprint input: %w", err)
	}

	now := time.Now()
	run := &api.Run{
		ID:           id,
		WorkflowType: workflowType,
		Status:       api.StatusCreated,
		Input:        input,
		InputHash:    hash,
		State:        map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.runs.SaveRun(ctx, run); err != nil {
		if errors.Is(err, persistence.ErrRunExists) {
			existing, gerr := e.runs.GetRun(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			if existing.WorkflowType == workflowType && existing.InputHash == hash {
				// Idempotent resubmission: same id, same input.
				return existing, nil
			}
			return nil, &api.DuplicateRunError{RunID: id}
		}
		return nil, err
	}

	e.observer.OnRunStart(ctx, run)

	if e.queue != nil {
		task := taskqueue.Task{
			ID:           uuid.NewString(),
			Type:         taskqueue.TaskTypeStartRun,
			RunID:        id,
			WorkflowType: workflowType,
		}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			return nil, err
		}
		return run, nil
	}
	return e.PumpRun(ctx, id)
}

func (e *engineImpl) Signal(ctx context.Context, id, name string, payload any) error {
	run, err := e.getRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return api.ErrRunTerminal
	}

	ev := &api.Event{
		RunID:   id,
		Type:    api.EventSignalReceived,
		Name:    name,
		Payload: payload,
	}
	if _, err := e.history.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, persistence.ErrDuplicateEvent) {
			return api.ErrRunTerminal
		}
		return err
	}
	e.observer.OnSignal(ctx, run, name)

	return e.wake(ctx, id)
}

func (e *engineImpl) Query(ctx context.Context, id, name string, args any) (any, error) {
	run, err := e.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := run.Snapshot()

	switch name {
	case "status":
		return snap.Status, nil
	case "state":
		return snap.State, nil
	case "result":
		if !snap.Status.Terminal() {
			return nil, fmt.Errorf("run %s is not terminal yet", id)
		}
		if snap.Failure != nil {
			return nil, snap.Failure
		}
		if snap.Status == api.StatusCancelled {
			return nil, &api.CancellationError{RunID: id}
		}
		return snap.Output, nil
	}

	fn, ok := e.registry.Query(snap.WorkflowType, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownQuery, name)
	}
	return fn(snap, args)
}

func (e *engineImpl) Cancel(ctx context.Context, id string) error {
	run, err := e.getRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return api.ErrRunTerminal
	}

	ev := &api.Event{RunID: id, Type: api.EventCancelled}
	if _, err := e.history.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, persistence.ErrDuplicateEvent) {
			// A terminal event beat us to it.
			return api.ErrRunTerminal
		}
		return err
	}

	return e.wake(ctx, id)
}

func (e *engineImpl) GetResult(ctx context.Context, id string) (any, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		run, err := e.getRun(ctx, id)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case api.StatusCompleted:
			return run.Output, nil
		case api.StatusFailed:
			return nil, run.Failure
		case api.StatusCancelled:
			return nil, &api.CancellationError{RunID: id}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.Run, error) {
	return e.getRun(ctx, id)
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	return e.runs.ListRuns(ctx, persistence.RunFilter{
		WorkflowType: opts.WorkflowType,
		Status:       opts.Status,
		ParentID:     opts.ParentID,
	})
}

func (e *engineImpl) ListEvents(ctx context.Context, id string) ([]api.Event, error) {
	if _, err := e.getRun(ctx, id); err != nil {
		return nil, err
	}
	return e.history.ListEvents(ctx, id)
}

func (e *engineImpl) RecoverStuckRuns(ctx context.Context) (int, error) {
	stuck, err := e.runs.ListRuns(ctx, persistence.RunFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range stuck {
		// A live owner still holds the lease; skip those.
		acquired, err := e.runs.TryAcquireLease(ctx, run.ID, e.owner, e.leaseTTL)
		if err != nil {
			return recovered, err
		}
		if !acquired {
			continue
		}

		run.Status = api.StatusSuspended
		run.UpdatedAt = time.Now()
		if err := e.runs.UpdateRun(ctx, run); err != nil {
			_ = e.runs.ReleaseLease(ctx, run.ID, e.owner)
			return recovered, err
		}
		if err := e.runs.ReleaseLease(ctx, run.ID, e.owner); err != nil {
			return recovered, err
		}
		recovered++

		if err := e.wake(ctx, run.ID); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// FireTimer records a durable timer expiry and pumps the run. Late timers
// for waits already resolved by a signal are harmless: the recorded event
// order decides the winner.
func (e *engineImpl) FireTimer(ctx context.Context, id, stepPath string) error {
	run, err := e.getRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	ev := &api.Event{RunID: id, Type: api.EventTimerFired, StepPath: stepPath}
	if _, err := e.history.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, persistence.ErrDuplicateEvent) {
			return nil
		}
		return err
	}
	_, err = e.PumpRun(ctx, id)
	return err
}

// PumpRun acquires the run's lease and advances the run until it
// completes, fails, cancels, or suspends again. If another owner holds the
// lease the call returns the current snapshot without error.
func (e *engineImpl) PumpRun(ctx context.Context, id string) (*api.Run, error) {
	run, err := e.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	// A wake can land while this instance is already pumping the run: a
	// child reaching terminal inside the parent's own walk, or a signal
	// sent from an activity handler. Re-entering here would re-acquire
	// the lease under the same owner and then release it out from under
	// the in-flight walk, so record the wake and let that walk take it.
	e.pumpMu.Lock()
	if _, busy := e.inflight[id]; busy {
		e.inflight[id] = true
		e.pumpMu.Unlock()
		return run, nil
	}
	e.inflight[id] = false
	e.pumpMu.Unlock()

	defer func() {
		e.pumpMu.Lock()
		repump := e.inflight[id]
		delete(e.inflight, id)
		e.pumpMu.Unlock()
		// A wake swallowed after the suspension check ran would be lost
		// without this catch-up pump.
		if repump {
			_, _ = e.PumpRun(context.WithoutCancel(ctx), id)
		}
	}()

	acquired, err := e.runs.TryAcquireLease(ctx, id, e.owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return run, nil
	}

	// Heartbeat keeps the lease alive while a long decision phase or a
	// slow activity is in flight, so a live owner is never stolen from.
	hbStop := make(chan struct{})
	interval := e.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-tick.C:
				_ = e.runs.RenewLease(ctx, id, e.owner, e.leaseTTL)
			}
		}
	}()

	var notifyParent string
	defer func() {
		close(hbStop)
		_ = e.runs.ReleaseLease(context.WithoutCancel(ctx), id, e.owner)
		if notifyParent != "" {
			_ = e.wake(context.WithoutCancel(ctx), notifyParent)
		}
	}()

	for {
		// Reload under the lease; the pre-lease snapshot may be stale.
		run, err = e.getRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		events, err := e.history.ListEvents(ctx, id)
		if err != nil {
			return nil, err
		}

		if hasCancelEvent(events) {
			if err := e.finalizeCancelled(ctx, run); err != nil {
				return nil, err
			}
			notifyParent = run.ParentID
			return run, nil
		}

		bp, ok := e.registry.Blueprint(run.WorkflowType)
		if !ok {
			return nil, fmt.Errorf("unknown workflow type: %s", run.WorkflowType)
		}

		if err := transition(run, triggerPump); err != nil {
			return nil, err
		}
		run.UpdatedAt = time.Now()
		if err := e.runs.UpdateRun(ctx, run); err != nil {
			return nil, err
		}

		walk := newWalkState(e, run, bp, events)
		out, walkErr := walk.execStep(ctx, &bp.Root, bp.Name+"/"+bp.Root.ID, run.Input)

		if walkErr == nil {
			if err := e.finalizeCompleted(ctx, run, out); err != nil {
				if errors.Is(err, persistence.ErrDuplicateEvent) {
					// Lost the terminal race, almost certainly to Cancel.
					continue
				}
				return nil, err
			}
			notifyParent = run.ParentID
			return run, nil
		}

		if _, suspended := isSuspend(walkErr); suspended {
			if err := transition(run, triggerSuspend); err != nil {
				return nil, err
			}
			run.UpdatedAt = time.Now()
			if err := e.runs.UpdateRun(ctx, run); err != nil {
				return nil, err
			}
			// New events or wakes may have arrived while we were
			// walking; re-walk instead of dropping them.
			last, err := e.history.LastSeq(ctx, id)
			if err != nil {
				return nil, err
			}
			e.pumpMu.Lock()
			repump := e.inflight[id]
			e.inflight[id] = false
			e.pumpMu.Unlock()
			if grown(events, last) || repump {
				continue
			}
			return run, nil
		}

		if err := e.finalizeFailed(ctx, run, walkErr); err != nil {
			if errors.Is(err, persistence.ErrDuplicateEvent) {
				continue
			}
			return nil, err
		}
		notifyParent = run.ParentID
		return run, nil
	}
}

func (e *engineImpl) getRun(ctx context.Context, id string) (*api.Run, error) {
	run, err := e.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// wake schedules a pump for the run: a queue task when a queue is
// configured, an inline pump otherwise.
func (e *engineImpl) wake(ctx context.Context, id string) error {
	if e.queue != nil {
		return e.queue.Enqueue(ctx, taskqueue.Task{
			ID:    uuid.NewString(),
			Type:  taskqueue.TaskTypeResumeRun,
			RunID: id,
		})
	}
	_, err := e.PumpRun(ctx, id)
	return err
}

// scheduleTimer arranges for FireTimer(id, stepPath) at the deadline. With
// a queue the deadline survives a crash as a NotBefore task; without one a
// process-local timer is the best we can do.
func (e *engineImpl) scheduleTimer(ctx context.Context, id, stepPath string, deadline time.Time) error {
	if e.queue != nil {
		return e.queue.Enqueue(ctx, taskqueue.Task{
			ID:        uuid.NewString(),
			Type:      taskqueue.TaskTypeTimerFired,
			RunID:     id,
			StepPath:  stepPath,
			NotBefore: deadline,
		})
	}
	time.AfterFunc(time.Until(deadline), func() {
		_ = e.FireTimer(context.Background(), id, stepPath)
	})
	return nil
}

func (e *engineImpl) finalizeCompleted(ctx context.Context, run *api.Run, out any) error {
	ev := &api.Event{RunID: run.ID, Type: api.EventRunCompleted, Payload: out}
	if _, err := e.history.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if err := transition(run, triggerComplete); err != nil {
		return err
	}
	run.Output = out
	run.UpdatedAt = time.Now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.observer.OnRunCompleted(ctx, run)
	return e.closeChildren(ctx, run)
}

func (e *engineImpl) finalizeFailed(ctx context.Context, run *api.Run, cause error) error {
	failure := failureFrom(cause)
	ev := &api.Event{RunID: run.ID, Type: api.EventRunFailed, StepPath: failure.StepPath, Error: failure.Message}
	if _, err := e.history.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if err := transition(run, triggerFail); err != nil {
		return err
	}
	run.Failure = failure
	run.UpdatedAt = time.Now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.observer.OnRunFailed(ctx, run, cause)
	return e.closeChildren(ctx, run)
}

func (e *engineImpl) finalizeCancelled(ctx context.Context, run *api.Run) error {
	if err := transition(run, triggerCancel); err != nil {
		return err
	}
	run.UpdatedAt = time.Now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.observer.OnRunCancelled(ctx, run)
	return e.closeChildren(ctx, run)
}

func hasCancelEvent(events []api.Event) bool {
	for i := range events {
		if events[i].Type == api.EventCancelled {
			return true
		}
	}
	return false
}

func grown(events []api.Event, lastSeq int64) bool {
	if len(events) == 0 {
		return lastSeq > 0
	}
	return lastSeq > events[len(events)-1].Seq
}

// failureFrom maps an interpreter error to the user-visible RunFailure.
func failureFrom(err error) *api.RunFailure {
	var sf *stepFailure
	if errors.As(err, &sf) {
		return &api.RunFailure{StepPath: sf.Path, Kind: sf.Kind, Message: sf.Message}
	}
	return &api.RunFailure{Kind: errorKind(err), Message: err.Error()}
}
