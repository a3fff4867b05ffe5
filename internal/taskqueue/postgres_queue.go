package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// A single oldest eligible row is claimed with SELECT ... FOR UPDATE
// SKIP LOCKED and deleted in the same transaction, so concurrent workers
// never process the same task twice. The queue is FIFO by not_before,
// then insertion order.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 100 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			id         BIGSERIAL PRIMARY KEY,
			payload    BYTEA NOT NULL,
			not_before BIGINT NOT NULL
		);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	notBefore := t.EnqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (payload, not_before)
		VALUES ($1, $2)
	`, data, notBefore)
	return err
}

// Dequeue blocks (with polling) until an eligible task is available or
// ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id      int64
			payload []byte
		)
		err = tx.QueryRowContext(ctx, `
			SELECT id, payload
			FROM queue_tasks
			WHERE not_before <= $1
			ORDER BY not_before, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`, time.Now().UnixNano()).Scan(&id, &payload)

		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = $1`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		return DecodeTask(payload)
	}
}

// Len returns the approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
