package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pkarhu/loom/internal/taskqueue"
	"github.com/pkarhu/loom/pkg/api"
)

// Engine is the slice of engine behaviour a worker drives. Signals and
// cancellations are applied through the public engine API; start, resume
// and timer tasks are pumped directly.
type Engine interface {
	api.Pumper

	// Signal delivers an external signal to a run's mailbox.
	Signal(ctx context.Context, id, name string, payload any) error

	// Cancel records a cooperative cancellation request for a run.
	Cancel(ctx context.Context, id string) error
}

// Config tunes a worker's processing loop.
type Config struct {
	// Concurrency is the number of parallel task handlers Run starts.
	// Values below 1 mean a single handler.
	Concurrency int

	// PollInterval is how long a handler backs off after a dequeue error
	// before polling the queue again. Defaults to 100ms.
	PollInterval time.Duration

	// MaxAttempts bounds delivery attempts per task, including the first.
	// A task whose handler keeps failing is dropped after this many tries.
	// Defaults to 3.
	MaxAttempts int

	// RetryDelay is the base delay before a failed task becomes eligible
	// again. The actual delay grows linearly with the attempt count.
	// Defaults to 250ms.
	RetryDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
}

// Worker pulls tasks from a Queue and drives runs forward on an Engine.
// Multiple workers may share one queue; per-run exclusivity is enforced by
// the engine's run lease, not by the worker.
type Worker struct {
	engine Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a worker with default settings.
func New(engine Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a worker with the given settings.
func NewWithConfig(engine Engine, queue taskqueue.Queue, cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{engine: engine, queue: queue, cfg: cfg}
}

// EnqueueSignal schedules asynchronous delivery of a signal. The signal is
// applied by whichever worker dequeues the task, not by this call.
func (w *Worker) EnqueueSignal(ctx context.Context, runID, name string, payload any) error {
	return w.EnqueueSignalAt(ctx, runID, name, payload, time.Time{})
}

// EnqueueSignalAt schedules a signal for delivery no earlier than at. A
// zero time means as soon as possible. Deferred signals to a run that has
// since reached a terminal state are dropped without error.
func (w *Worker) EnqueueSignalAt(ctx context.Context, runID, name string, payload any, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeSignal,
		RunID:      runID,
		SignalName: name,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// EnqueueCancel schedules asynchronous cancellation of a run.
func (w *Worker) EnqueueCancel(ctx context.Context, runID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeCancelRun,
		RunID:      runID,
		EnqueuedAt: time.Now(),
	})
}

// ProcessOne pulls a single task and processes it. It reports
// (false, err) when no task was obtained, and (true, err) when a task was
// handled, err carrying the handler outcome. A failed task is re-enqueued
// with a delay until its attempts are exhausted; ProcessOne returns nil
// for such deferred failures and the terminal error on the last attempt.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	herr := w.handle(ctx, task)
	if herr == nil {
		return true, nil
	}

	task.Attempts++
	if task.Attempts >= w.cfg.MaxAttempts {
		return true, herr
	}
	task.NotBefore = time.Now().Add(w.cfg.RetryDelay * time.Duration(task.Attempts))
	if qerr := w.queue.Enqueue(context.WithoutCancel(ctx), *task); qerr != nil {
		return true, errors.Join(herr, qerr)
	}
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeStartRun, taskqueue.TaskTypeResumeRun:
		_, err := w.engine.PumpRun(ctx, task.RunID)
		return err

	case taskqueue.TaskTypeTimerFired:
		return w.engine.FireTimer(ctx, task.RunID, task.StepPath)

	case taskqueue.TaskTypeSignal:
		err := w.engine.Signal(ctx, task.RunID, task.SignalName, task.Payload)
		if errors.Is(err, api.ErrRunTerminal) {
			// A deferred signal raced the run to completion; dropping it
			// matches what a late durable timer does.
			return nil
		}
		return err

	case taskqueue.TaskTypeCancelRun:
		err := w.engine.Cancel(ctx, task.RunID)
		if errors.Is(err, api.ErrRunTerminal) {
			return nil
		}
		return err

	default:
		return fmt.Errorf("unknown task type: %s", task.Type)
	}
}

// Run processes tasks until ctx is cancelled, using cfg.Concurrency
// parallel handlers. It always returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.ProcessOne(ctx)
		if err != nil && !processed {
			if ctx.Err() != nil {
				return
			}
			// Transient dequeue failure; back off before the next poll.
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}
