package loom

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/pkarhu/loom/internal/engine"
	"github.com/pkarhu/loom/internal/taskqueue"
	workerpkg "github.com/pkarhu/loom/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a
// Worker that consumes tasks from that queue. The engine enqueues start,
// resume and timer tasks instead of pumping runs inline, so a bundle's
// runs survive a crash: call RecoverStuckRuns on startup and restart the
// workers.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; the public surface is Engine and Worker.
	queue taskqueue.Queue
}

// Run starts the bundle's worker loop and blocks until ctx is cancelled.
func (b *WorkerBundle) Run(ctx context.Context) error {
	return b.Worker.Run(ctx)
}

func newBundle(eng Engine, q taskqueue.Queue, cfg workerpkg.Config) *WorkerBundle {
	w := workerpkg.NewWithConfig(eng.(workerpkg.Engine), q, cfg)
	return &WorkerBundle{Engine: eng, Worker: w, queue: q}
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo
// sharing the same SQLite database. Runs, history and queued tasks are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:loom.db?_journal=WAL")
//	bundle, err := loom.NewSQLiteBundle(db, worker.Config{Concurrency: 2})
//	// register blueprints on bundle.Engine.Registry()
//	go bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewSQLiteEngine(db, append(opts, engine.WithQueue(q))...)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, q, cfg), nil
}

// NewPostgresBundle constructs a durable bundle over a PostgreSQL
// database, with runs and tasks in the same *sql.DB.
func NewPostgresBundle(db *sql.DB, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewPostgresEngine(db, append(opts, engine.WithQueue(q))...)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, q, cfg), nil
}

// NewRedisBundle constructs a durable bundle over a Redis client. Run
// state and queue keys share the given prefix.
func NewRedisBundle(client *redis.Client, prefix string, cfg workerpkg.Config, opts ...Option) *WorkerBundle {
	q := taskqueue.NewRedisQueue(client, prefix)
	eng := engine.NewRedisEngine(client, prefix, append(opts, engine.WithQueue(q))...)
	return newBundle(eng, q, cfg)
}

// NewMongoBundle constructs a durable bundle over a MongoDB client, with
// runs, history and tasks in the named database.
func NewMongoBundle(ctx context.Context, client *mongo.Client, dbName string, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	q := taskqueue.NewMongoQueue(client, dbName, "")
	eng, err := engine.NewMongoEngine(ctx, client, dbName, append(opts, engine.WithQueue(q))...)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, q, cfg), nil
}
