package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what a worker should do with a task.
type TaskType string

const (
	// TaskTypeStartRun asks a worker to begin interpreting a newly
	// created run from the root of its blueprint.
	TaskTypeStartRun TaskType = "start-run"

	// TaskTypeResumeRun asks a worker to pump a suspended run, typically
	// after an activity completion or a child run reaching a terminal state.
	TaskTypeResumeRun TaskType = "resume-run"

	// TaskTypeSignal delivers an external signal to a run's mailbox.
	TaskTypeSignal TaskType = "signal"

	// TaskTypeTimerFired marks a durable timer as elapsed. These tasks
	// carry a NotBefore equal to the timer deadline.
	TaskTypeTimerFired TaskType = "timer-fired"

	// TaskTypeCancelRun requests cooperative cancellation of a run.
	TaskTypeCancelRun TaskType = "cancel-run"
)

// Task represents a unit of work for a worker.
type Task struct {
	ID   string
	Type TaskType

	RunID        string
	WorkflowType string

	// For signal tasks.
	SignalName string

	// For timer-fired tasks: the path of the timer or wait step.
	StepPath string

	// Payload is task-type specific; for signal tasks it is the signal
	// payload to deliver.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for
	// processing. Zero means immediately.
	NotBefore time.Time

	Attempts int
}

// Queue is the async hand-off between the engine and its workers.
// Implementations must not deliver a task before its NotBefore time.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until
	// one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, including ones
	// whose NotBefore has not elapsed yet.
	Len() int
}
