package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

// PostgresRunStore is a RunStore backed by PostgreSQL.
//
// It expects an *sql.DB using a Postgres driver; the tests use
// "github.com/jackc/pgx/v5/stdlib".
type PostgresRunStore struct {
	db *sql.DB
}

var _ RunStore = (*PostgresRunStore)(nil)

func NewPostgresRunStore(db *sql.DB) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			input_hash TEXT NOT NULL DEFAULT '',
			output BYTEA,
			failure_step TEXT NOT NULL DEFAULT '',
			failure_kind TEXT NOT NULL DEFAULT '',
			failure_msg TEXT NOT NULL DEFAULT '',
			history_cursor BIGINT NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			close_policy TEXT NOT NULL DEFAULT '',
			state BYTEA,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
	)
	return err
}

func (s *PostgresRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	input, state, err := encodeRunBlobs(run)
	if err != nil {
		return err
	}
	output, err := EncodeValue(run.Output)
	if err != nil {
		return err
	}

	fstep, fkind, fmsg := failureColumns(run)
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_type, status, input, input_hash, output,
			failure_step, failure_kind, failure_msg, history_cursor,
			parent_id, close_policy, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID,
		run.WorkflowType,
		string(run.Status),
		input,
		run.InputHash,
		output,
		fstep, fkind, fmsg,
		run.HistoryCursor,
		run.ParentID,
		string(run.ParentClosePolicy),
		state,
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrRunExists
	}
	return err
}

func (s *PostgresRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	input, state, err := encodeRunBlobs(run)
	if err != nil {
		return err
	}
	output, err := EncodeValue(run.Output)
	if err != nil {
		return err
	}

	fstep, fkind, fmsg := failureColumns(run)
	run.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET workflow_type = $1, status = $2, input = $3, input_hash = $4, output = $5,
			failure_step = $6, failure_kind = $7, failure_msg = $8,
			history_cursor = $9, parent_id = $10, close_policy = $11, state = $12, updated_at = $13
		WHERE id = $14`,
		run.WorkflowType,
		string(run.Status),
		input,
		run.InputHash,
		output,
		fstep, fkind, fmsg,
		run.HistoryCursor,
		run.ParentID,
		string(run.ParentClosePolicy),
		state,
		run.UpdatedAt.UnixNano(),
		run.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		clauses = append(clauses, fmt.Sprintf("workflow_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		clauses = append(clauses, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresRunStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET lease_owner = $1, lease_expires = $2
		WHERE id = $3 AND (lease_owner = '' OR lease_owner = $1 OR lease_expires < $4)`,
		owner,
		now.Add(ttl).UnixNano(),
		runID,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresRunStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_expires = $1 WHERE id = $2 AND lease_owner = $3`,
		time.Now().Add(ttl).UnixNano(),
		runID,
		owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *PostgresRunStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_owner = '', lease_expires = 0
		WHERE id = $1 AND lease_owner = $2`,
		runID,
		owner,
	)
	return err
}

// PostgresHistoryStore stores run history events in PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

var _ HistoryStore = (*PostgresHistoryStore)(nil)

func NewPostgresHistoryStore(db *sql.DB) (*PostgresHistoryStore, error) {
	s := &PostgresHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresHistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			step_path TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			payload BYTEA,
			error TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	)
	return err
}

func (s *PostgresHistoryStore) AppendEvent(ctx context.Context, ev *api.Event) (int64, error) {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return 0, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if ev.Type.TerminalEvent() {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM run_events
			WHERE run_id = $1 AND type IN ($2, $3, $4)`,
			ev.RunID,
			string(api.EventRunCompleted),
			string(api.EventRunFailed),
			string(api.EventCancelled),
		).Scan(&n); err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, ErrDuplicateEvent
		}
	}
	switch ev.Type {
	case api.EventActivityCompleted, api.EventActivityFailed:
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM run_events
			WHERE run_id = $1 AND step_path = $2 AND type IN ($3, $4)`,
			ev.RunID,
			ev.StepPath,
			string(api.EventActivityCompleted),
			string(api.EventActivityFailed),
		).Scan(&n); err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, ErrDuplicateEvent
		}
	case api.EventChildCompleted:
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM run_events
			WHERE run_id = $1 AND step_path = $2 AND type = $3`,
			ev.RunID,
			ev.StepPath,
			string(api.EventChildCompleted),
		).Scan(&n); err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, ErrDuplicateEvent
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = $1`,
		ev.RunID).Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, step_path, name, attempt, payload, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.RunID,
		seq,
		string(ev.Type),
		ev.StepPath,
		ev.Name,
		ev.Attempt,
		payload,
		ev.Error,
		ev.Timestamp.UnixNano(),
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	ev.Seq = seq
	return seq, nil
}

func (s *PostgresHistoryStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, type, step_path, name, attempt, payload, error, at
		FROM run_events
		WHERE run_id = $1
		ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev      api.Event
			typeStr string
			payload []byte
			atN     int64
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &typeStr, &ev.StepPath, &ev.Name,
			&ev.Attempt, &payload, &ev.Error, &atN); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typeStr)
		ev.Timestamp = time.Unix(0, atN)
		val, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = val
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresHistoryStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = $1`, runID).Scan(&seq)
	return seq, err
}
