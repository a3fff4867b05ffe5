package loom

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/pkarhu/loom/internal/engine"
	"github.com/pkarhu/loom/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine         = api.Engine
	Run            = api.Run
	RunListOptions = api.RunListOptions
	Status         = api.Status
	Event          = api.Event

	Blueprint  = api.Blueprint
	Step       = api.Step
	StepConfig = api.StepConfig
	StepType   = api.StepType
	JoinPolicy = api.JoinPolicy
	Predicate  = api.Predicate
	Duration   = api.Duration

	ParentClosePolicy = api.ParentClosePolicy

	Registry      = api.Registry
	ActivityFunc  = api.ActivityFunc
	QueryFunc     = api.QueryFunc
	PredicateFunc = api.PredicateFunc
	RetryPolicy   = api.RetryPolicy

	RunFailure    = api.RunFailure
	SignalOutcome = api.SignalOutcome
	BranchOutcome = api.BranchOutcome

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusCreated   = api.StatusCreated
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
)

// Re-export join policies and blueprint parsers.

const (
	JoinAllSuccess = api.JoinAllSuccess
	JoinAnySuccess = api.JoinAnySuccess
	JoinBestEffort = api.JoinBestEffort
)

// Re-export predicate operators.

const (
	OpEq       = api.OpEq
	OpNe       = api.OpNe
	OpGt       = api.OpGt
	OpGte      = api.OpGte
	OpLt       = api.OpLt
	OpLte      = api.OpLte
	OpExists   = api.OpExists
	OpContains = api.OpContains
)

// Re-export parent close policies.

const (
	CloseTerminate     = api.CloseTerminate
	CloseAbandon       = api.CloseAbandon
	CloseRequestCancel = api.CloseRequestCancel
)

var (
	ParseBlueprint     = api.ParseBlueprint
	ParseBlueprintYAML = api.ParseBlueprintYAML
	Terminal           = api.Terminal
	IsTerminal         = api.IsTerminal
	IsCancellation     = api.IsCancellation
)

// Engine options. These wrap the internal/engine package so external
// callers never need to import internal packages.

type Option = engine.Option

var (
	WithObserver = engine.WithObserver
	WithLeaseTTL = engine.WithLeaseTTL
)

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Runs do not survive a process restart; use it for tests and development.
func NewInMemoryEngine(opts ...Option) Engine {
	return engine.NewInMemoryEngine(opts...)
}

// NewSQLiteEngine returns an Engine that persists runs and history in a
// SQLite database. Blueprints and activities stay in the process registry.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	return engine.NewSQLiteEngine(db, opts...)
}

// NewPostgresEngine returns an Engine that persists runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts ...Option) (Engine, error) {
	return engine.NewPostgresEngine(db, opts...)
}

// NewRedisEngine returns an Engine that persists runs in Redis under the
// given key prefix.
func NewRedisEngine(client *redis.Client, prefix string, opts ...Option) Engine {
	return engine.NewRedisEngine(client, prefix, opts...)
}

// NewMongoEngine returns an Engine that persists runs in MongoDB.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (Engine, error) {
	return engine.NewMongoEngine(ctx, client, dbName, opts...)
}

// Convenience helpers that just forward to the underlying Engine.

// Start submits a run of the named blueprint.
func Start(ctx context.Context, eng Engine, workflowType, id string, input any) (*Run, error) {
	return eng.Start(ctx, workflowType, id, input)
}

// Signal delivers a signal to a run's mailbox.
func Signal(ctx context.Context, eng Engine, id, name string, payload any) error {
	return eng.Signal(ctx, id, name, payload)
}

// Query answers a synchronous query against a frozen run snapshot.
func Query(ctx context.Context, eng Engine, id, name string, args any) (any, error) {
	return eng.Query(ctx, id, name, args)
}

// Cancel requests cooperative cancellation of a run.
func Cancel(ctx context.Context, eng Engine, id string) error {
	return eng.Cancel(ctx, id)
}

// GetResult blocks until the run reaches a terminal state.
func GetResult(ctx context.Context, eng Engine, id string) (any, error) {
	return eng.GetResult(ctx, id)
}

// ListRuns lists runs according to the given options.
func ListRuns(ctx context.Context, eng Engine, opts RunListOptions) ([]*Run, error) {
	return eng.ListRuns(ctx, opts)
}

// RecoverStuckRuns delegates to eng.RecoverStuckRuns.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := loom.RecoverStuckRuns(ctx, engine)
func RecoverStuckRuns(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckRuns(ctx)
}
