package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkarhu/loom/internal/engine"
	"github.com/pkarhu/loom/internal/taskqueue"
	"github.com/pkarhu/loom/pkg/api"
)

// queueBacked wires an in-memory engine to an in-memory queue so that Start
// enqueues work instead of pumping inline.
func queueBacked(t *testing.T) (Engine, *taskqueue.InMemoryQueue) {
	t.Helper()
	q := taskqueue.NewInMemoryQueue(64)
	eng, ok := engine.NewInMemoryEngine(engine.WithQueue(q)).(Engine)
	if !ok {
		t.Fatalf("engine does not expose the worker surface")
	}
	return eng, q
}

func registerPipeline(t *testing.T, eng Engine) {
	t.Helper()
	reg := eng.(api.Engine).Registry()
	bp := &api.Blueprint{
		Name: "billing",
		Root: api.Step{
			Type: api.StepSequence,
			ID:   "flow",
			Children: []api.Step{
				{Type: api.StepActivity, ID: "invoice", Config: api.StepConfig{Activity: "make-invoice"}},
			},
		},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if err := reg.RegisterActivity("make-invoice", func(ctx context.Context, args any) (any, error) {
		return fmt.Sprintf("invoiced(%v)", args), nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
}

func TestWorker_ProcessesStartTask(t *testing.T) {
	ctx := context.Background()
	eng, q := queueBacked(t)
	registerPipeline(t, eng)
	w := New(eng, q)

	run, err := eng.(api.Engine).Start(ctx, "billing", "bill-1", "acct-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.StatusCreated {
		t.Fatalf("queue-backed Start should not pump inline, got status %s", run.Status)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one queued task, got %d", q.Len())
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		t.Fatalf("expected a task to be processed")
	}

	out, err := eng.(api.Engine).GetResult(ctx, "bill-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if out != "invoiced(acct-9)" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestWorker_SignalWakeFlowsThroughQueue(t *testing.T) {
	ctx := context.Background()
	eng, q := queueBacked(t)
	reg := eng.(api.Engine).Registry()

	bp := &api.Blueprint{
		Name: "approval",
		Root: api.Step{
			Type: api.StepSequence,
			ID:   "flow",
			Children: []api.Step{
				{Type: api.StepWaitSignal, ID: "gate", Config: api.StepConfig{Signal: "approve"}},
				{Type: api.StepActivity, ID: "ship", Config: api.StepConfig{Activity: "ship-order"}},
			},
		},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if err := reg.RegisterActivity("ship-order", func(ctx context.Context, args any) (any, error) {
		return "shipped", nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	w := New(eng, q)

	if _, err := eng.(api.Engine).Start(ctx, "approval", "ap-1", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Start task: pump until the run parks at the wait step.
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne start: %v", err)
	}
	run, err := eng.(api.Engine).GetRun(ctx, "ap-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != api.StatusSuspended {
		t.Fatalf("expected SUSPENDED, got %s", run.Status)
	}

	// Signal appends the event and enqueues a resume task.
	if err := eng.Signal(ctx, "ap-1", "approve", "go"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne resume: %v", err)
	}

	out, err := eng.(api.Engine).GetResult(ctx, "ap-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if out != "shipped" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestWorker_DurableTimerTaskFires(t *testing.T) {
	ctx := context.Background()
	eng, q := queueBacked(t)
	reg := eng.(api.Engine).Registry()

	bp := &api.Blueprint{
		Name: "delayed",
		Root: api.Step{
			Type: api.StepSequence,
			ID:   "flow",
			Children: []api.Step{
				{Type: api.StepTimer, ID: "nap", Config: api.StepConfig{Duration: api.Duration(30 * time.Millisecond)}},
				{Type: api.StepActivity, ID: "after", Config: api.StepConfig{Activity: "wake-up"}},
			},
		},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if err := reg.RegisterActivity("wake-up", func(ctx context.Context, args any) (any, error) {
		return "rested", nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	w := New(eng, q)

	started := time.Now()
	if _, err := eng.(api.Engine).Start(ctx, "delayed", "nap-1", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Start task parks the run and enqueues a timer-fired task with a
	// NotBefore at the deadline.
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne start: %v", err)
	}
	// Timer task: Dequeue blocks until the deadline has passed.
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne timer: %v", err)
	}

	out, err := eng.(api.Engine).GetResult(ctx, "nap-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if out != "rested" {
		t.Fatalf("unexpected output %v", out)
	}
	if time.Since(started) < 30*time.Millisecond {
		t.Fatalf("timer task was delivered before its deadline")
	}
}

func TestWorker_DeferredSignalToTerminalRunIsDropped(t *testing.T) {
	ctx := context.Background()
	eng, q := queueBacked(t)
	registerPipeline(t, eng)
	w := New(eng, q)

	if _, err := eng.(api.Engine).Start(ctx, "billing", "bill-2", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne start: %v", err)
	}
	if _, err := eng.(api.Engine).GetResult(ctx, "bill-2"); err != nil {
		t.Fatalf("GetResult: %v", err)
	}

	if err := w.EnqueueSignal(ctx, "bill-2", "nudge", nil); err != nil {
		t.Fatalf("EnqueueSignal: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("late signal should be dropped without error, got %v", err)
	}
	if !processed {
		t.Fatalf("expected the signal task to be consumed")
	}
}

func TestWorker_EnqueueCancelCancelsRun(t *testing.T) {
	ctx := context.Background()
	eng, q := queueBacked(t)
	reg := eng.(api.Engine).Registry()

	bp := &api.Blueprint{
		Name: "parked",
		Root: api.Step{
			Type: api.StepWaitSignal, ID: "gate", Config: api.StepConfig{Signal: "never"},
		},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	w := New(eng, q)

	if _, err := eng.(api.Engine).Start(ctx, "parked", "park-1", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne start: %v", err)
	}

	if err := w.EnqueueCancel(ctx, "park-1"); err != nil {
		t.Fatalf("EnqueueCancel: %v", err)
	}
	// Cancel task records the cancellation and enqueues a resume task.
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne cancel: %v", err)
	}
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne resume: %v", err)
	}

	run, err := eng.(api.Engine).GetRun(ctx, "park-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != api.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", run.Status)
	}
}

// flakyEngine fails PumpRun a fixed number of times before succeeding.
type flakyEngine struct {
	failures atomic.Int64
	calls    atomic.Int64
}

func (e *flakyEngine) PumpRun(ctx context.Context, id string) (*api.Run, error) {
	n := e.calls.Add(1)
	if n <= e.failures.Load() {
		return nil, errors.New("store unavailable")
	}
	return &api.Run{ID: id, Status: api.StatusCompleted}, nil
}

func (e *flakyEngine) FireTimer(ctx context.Context, id, stepPath string) error { return nil }
func (e *flakyEngine) Signal(ctx context.Context, id, name string, payload any) error {
	return nil
}
func (e *flakyEngine) Cancel(ctx context.Context, id string) error { return nil }

func TestWorker_RetriesFailedTaskWithDelay(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(8)
	eng := &flakyEngine{}
	eng.failures.Store(2)
	w := NewWithConfig(eng, q, Config{MaxAttempts: 3, RetryDelay: 5 * time.Millisecond})

	if err := q.Enqueue(ctx, taskqueue.Task{
		ID:    "t-1",
		Type:  taskqueue.TaskTypeResumeRun,
		RunID: "r-1",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if !processed {
			t.Fatalf("attempt %d: nothing processed", i+1)
		}
	}
	if got := eng.calls.Load(); got != 3 {
		t.Fatalf("expected 3 pump attempts, got %d", got)
	}
	if q.Len() != 0 {
		t.Fatalf("task should not be requeued after success, %d left", q.Len())
	}
}

func TestWorker_ExhaustedTaskSurfacesError(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(8)
	eng := &flakyEngine{}
	eng.failures.Store(100)
	w := NewWithConfig(eng, q, Config{MaxAttempts: 2, RetryDelay: time.Millisecond})

	if err := q.Enqueue(ctx, taskqueue.Task{
		ID:    "t-2",
		Type:  taskqueue.TaskTypeResumeRun,
		RunID: "r-2",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First delivery fails and is requeued silently.
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("first attempt should defer, got %v", err)
	}
	// Second delivery exhausts the budget and surfaces the error.
	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("expected the task to be delivered")
	}
	if err == nil {
		t.Fatalf("expected the final attempt to surface the handler error")
	}
	if q.Len() != 0 {
		t.Fatalf("exhausted task must not be requeued, %d left", q.Len())
	}
}

func TestWorker_UnknownTaskTypeIsAnError(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(&flakyEngine{}, q, Config{MaxAttempts: 1})

	if err := q.Enqueue(ctx, taskqueue.Task{ID: "t-3", Type: taskqueue.TaskType("mystery")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if !processed || err == nil {
		t.Fatalf("expected processed=true with an error, got processed=%v err=%v", processed, err)
	}
}

func TestWorker_ProcessOneHonoursContext(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(8)
	w := New(&flakyEngine{}, q)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	if processed {
		t.Fatalf("nothing should be processed on an empty queue")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestWorker_RunDrainsQueueConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, q := queueBacked(t)
	registerPipeline(t, eng)
	w := NewWithConfig(eng, q, Config{Concurrency: 4})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	const runs = 10
	for i := 0; i < runs; i++ {
		id := fmt.Sprintf("bulk-%d", i)
		if _, err := eng.(api.Engine).Start(ctx, "billing", id, i); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	for i := 0; i < runs; i++ {
		id := fmt.Sprintf("bulk-%d", i)
		out, err := eng.(api.Engine).GetResult(ctx, id)
		if err != nil {
			t.Fatalf("GetResult %s: %v", id, err)
		}
		if out != fmt.Sprintf("invoiced(%d)", i) {
			t.Fatalf("run %s: unexpected output %v", id, out)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run should return the context error, got %v", err)
	}
}
