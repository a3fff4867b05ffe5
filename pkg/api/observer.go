package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay the decision phase.
type Observer interface {
	// OnRunStart is called once when a run is first started, before the
	// interpreter walks the blueprint.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, run *Run)

	// OnRunFailed is called when a run transitions to StatusFailed.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnRunCancelled is called when a run reaches StatusCancelled.
	OnRunCancelled(ctx context.Context, run *Run)

	// OnStepStart is called before a leaf step executes. Replayed steps
	// whose results are reused from history do not fire it.
	OnStepStart(ctx context.Context, run *Run, stepPath string)

	// OnStepCompleted is called after a leaf step finishes, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *Run, stepPath string, err error, duration time.Duration)

	// OnSignal is called when a signal is appended to a run's history.
	OnSignal(ctx context.Context, run *Run, name string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)               {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *Run)           {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)   {}
func (NoopObserver) OnRunCancelled(ctx context.Context, run *Run)           {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, path string) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, path string, err error, d time.Duration) {
}
func (NoopObserver) OnSignal(ctx context.Context, run *Run, name string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunCancelled(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCancelled(ctx, run)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, path string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, path)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, path string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, path, err, d)
	}
}

func (c *CompositeObserver) OnSignal(ctx context.Context, run *Run, name string) {
	for _, o := range c.observers {
		o.OnSignal(ctx, run, name)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", run.WorkflowType),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow", run.WorkflowType),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow", run.WorkflowType),
		slog.String("run_id", run.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunCancelled(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_cancelled",
		slog.String("workflow", run.WorkflowType),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, path string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", run.WorkflowType),
		slog.String("run_id", run.ID),
		slog.String("step", path),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, path string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", run.WorkflowType),
		slog.String("run_id", run.ID),
		slog.String("step", path),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSignal(ctx context.Context, run *Run, name string) {
	o.Logger.InfoContext(ctx, "signal_received",
		slog.String("workflow", run.WorkflowType),
		slog.String("run_id", run.ID),
		slog.String("signal", name),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsCancelled     atomic.Int64
	signalsDelivered  atomic.Int64
	stepsCompleted    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted      int64
	RunsCompleted    int64
	RunsFailed       int64
	RunsCancelled    int64
	LiveRuns         int64
	SignalsDelivered int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *Run) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunCancelled(ctx context.Context, run *Run) {
	m.runsCancelled.Add(1)
}

func (m *BasicMetrics) OnSignal(ctx context.Context, run *Run, name string) {
	m.signalsDelivered.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, path string, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:      started,
		RunsCompleted:    completed,
		RunsFailed:       failed,
		RunsCancelled:    cancelled,
		LiveRuns:         started - completed - failed - cancelled,
		SignalsDelivered: m.signalsDelivered.Load(),
		StepsCompleted:   steps,
		AvgStepDuration:  avg,
	}
}
