// Package loom provides a lightweight, embeddable workflow orchestration
// engine for Go.
//
// Loom is built for backend services that need reliable long-lived
// workflows, human-in-the-loop approvals, or multi-step sagas without
// standing up dedicated orchestration infrastructure. Workflows are plain
// data (blueprints), side effects live in registered activity functions,
// and progress is an append-only event history that the engine can replay
// deterministically after any crash.
//
// # Core Concepts
//
//  1. Blueprint
//  2. Engine
//  3. Activity
//  4. Worker
//  5. LocalRunner and bundles
//
// # Blueprint
//
// A blueprint is a named tree of steps: activities, sequences, parallel
// fan-outs with join policies, conditionals, loops, durable timers,
// signal waits and child runs. Blueprints can be parsed from JSON or YAML
// documents or assembled in code with BlueprintBuilder and the step
// constructors:
//
//	bp := loom.NewBlueprint("onboard-user").
//	    Activity("create", "create-account").
//	    WaitSignal("activated", "account-activated").
//	    Activity("welcome", "send-welcome-email").
//	    MustBuild()
//
// Because a blueprint carries no code, the same document can be stored,
// versioned and shipped between services.
//
// # Engine
//
// The Engine persists runs and their histories, interprets blueprints,
// and exposes the run lifecycle: Start, Signal, Query, Cancel, GetResult,
// ListRuns, ListEvents and RecoverStuckRuns. Progress is recorded as
// events; on resume the interpreter replays history and re-executes only
// work without a recorded verdict.
//
// Engines can be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each durable backend has a matching task queue implementation so
// workers can reliably fetch work and durable timers survive restarts.
//
// # Activity
//
// An activity is a registered Go function holding the workflow's side
// effects:
//
//	reg.RegisterActivity("charge-card", func(ctx context.Context, args any) (any, error) { ... })
//
// Activities should be idempotent: after a crash between execution and
// recording, the engine runs the activity again. Retry policies, timeouts
// and terminal-error classification are applied per attempt.
//
// # Worker
//
// A Worker pulls start, resume, signal, timer and cancel tasks from a
// queue and drives runs on an engine. Workers are stateless; per-run
// exclusivity comes from the engine's run lease, so workers scale
// horizontally over a shared queue.
//
// # LocalRunner and bundles
//
// LocalRunner wires an in-memory engine, queue and worker into a
// process-local runtime for development and tests. The bundle
// constructors (NewSQLiteBundle, NewPostgresBundle, NewRedisBundle,
// NewMongoBundle) do the same over a durable backend, sharing one
// database between run state and the task queue.
//
// For examples, see the /examples directory.
package loom
