package loom

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pkarhu/loom/internal/engine"
	"github.com/pkarhu/loom/internal/taskqueue"
	"github.com/pkarhu/loom/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker into a simple process-local runtime for development and tests.
//
// The engine is wired to the queue, so Start enqueues work instead of
// pumping inline; the runner's workers drive every run. Timers are durable
// within the process.
//
// Typical usage:
//
//	runner := loom.NewLocalRunner()
//	defer runner.Stop()
//	_ = runner.StartWorkers(ctx, 2)
//
//	// register blueprints and activities on runner.Engine.Registry()
//
//	run, _ := runner.Engine.Start(ctx, "my-flow", "", input)
//	out, err := runner.Engine.GetResult(ctx, run.ID)
type LocalRunner struct {
	// Engine is the queue-wired in-memory engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue feeding the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	log *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with default config.
func NewLocalRunner(opts ...Option) *LocalRunner {
	q := taskqueue.NewInMemoryQueue(1024)
	eng := engine.NewInMemoryEngine(append(opts, engine.WithQueue(q))...)
	w := worker.New(eng.(worker.Engine), q)

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
		log:    slog.Default(),
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously
// call Worker.ProcessOne until Stop cancels them.
//
// Calling StartWorkers again without an intervening Stop is an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("loom: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			for {
				_, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// A bad task must not kill the loop.
					r.log.Warn("local runner task failed", "error", err)
				}
			}
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// SignalAsync enqueues a task to deliver a signal to a run. The run
// processes the signal when a worker picks up the task.
func (r *LocalRunner) SignalAsync(ctx context.Context, runID, name string, payload any) error {
	return r.Worker.EnqueueSignal(ctx, runID, name, payload)
}

// CancelAsync enqueues a cancellation request for a run.
func (r *LocalRunner) CancelAsync(ctx context.Context, runID string) error {
	return r.Worker.EnqueueCancel(ctx, runID)
}
