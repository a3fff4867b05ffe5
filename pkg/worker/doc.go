// Package worker provides the background worker that drives loom runs
// forward when an engine is wired to a durable task queue.
//
// Workers consume tasks from a task queue and dispatch them to an engine:
// start and resume tasks pump the run's interpreter, timer tasks record a
// durable timer expiry, and signal and cancel tasks apply the matching
// engine operation. The worker itself is stateless; per-run exclusivity
// comes from the engine's run lease, so any number of workers can share a
// queue and scale horizontally.
//
// # Configuration
//
// Config controls the processing loop:
//
//   - Concurrency: number of parallel task handlers started by Run
//   - PollInterval: back-off after a failed dequeue
//   - MaxAttempts and RetryDelay: worker-level redelivery of failed tasks
//
// Task redelivery is deliberately coarse. Fine-grained retry of activities
// belongs to the engine's retry policies; the worker only retries whole
// tasks, which covers transient infrastructure failures such as a lost
// database connection mid-pump.
//
// # Deferred delivery
//
// EnqueueSignalAt and EnqueueCancel use the queue's NotBefore field to
// deliver operations in the future, for example a reminder signal or an
// escalation timeout. A deferred signal that arrives after its run reached
// a terminal state is dropped, the same way a late durable timer is.
//
// Most applications do not construct workers directly; the loom package
// wires engines, queues and workers together with sensible defaults.
package worker
