package api

import "time"

// EventType identifies a history event.
type EventType string

const (
	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"

	EventSignalReceived EventType = "signal.received"
	EventTimerScheduled EventType = "timer.scheduled"
	EventTimerFired     EventType = "timer.fired"

	EventChildStarted   EventType = "child.started"
	EventChildCompleted EventType = "child.completed"

	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventCancelled    EventType = "run.cancelled"
)

// TerminalEvent reports whether t closes a run's history. Every run records
// exactly one terminal event.
func (t EventType) TerminalEvent() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventCancelled:
		return true
	}
	return false
}

// Event is one append-only history record. Seq is assigned by the history
// store and is strictly increasing per run; replaying events strictly in
// Seq order reproduces every decision the run ever made.
type Event struct {
	Seq   int64
	RunID string
	Type  EventType

	// StepPath identifies the step instance the event belongs to, including
	// iteration indices, e.g. "pipeline/fanout/fetch[2]". Empty for
	// run-level events.
	StepPath string

	// Name carries the activity, signal, or child workflow type name.
	Name string

	// Attempt is the 1-based dispatch attempt for activity events.
	Attempt int

	// Payload is the event's data: activity result, signal payload, child
	// output, or run output for the terminal event.
	Payload any

	// Error holds the failure message for failure events.
	Error string

	Timestamp time.Time
}
