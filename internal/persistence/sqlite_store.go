package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore initializes the required schema in the given database
// and returns a new SQLiteRunStore.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			input_hash TEXT NOT NULL DEFAULT '',
			output BLOB,
			failure_step TEXT NOT NULL DEFAULT '',
			failure_kind TEXT NOT NULL DEFAULT '',
			failure_msg TEXT NOT NULL DEFAULT '',
			history_cursor INTEGER NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			close_policy TEXT NOT NULL DEFAULT '',
			state BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
	)
	return err
}

func (s *SQLiteRunStore) SaveRun(ctx context.Context, run *api.Run) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrRunExists
	}
	return err
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
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
		SET workflow_type = ?, status = ?, input = ?, input_hash = ?, output = ?,
			failure_step = ?, failure_kind = ?, failure_msg = ?,
			history_cursor = ?, parent_id = ?, close_policy = ?, state = ?, updated_at = ?
		WHERE id = ?`,
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

const runColumns = `id, workflow_type, status, input, input_hash, output,
	failure_step, failure_kind, failure_msg, history_cursor,
	parent_id, close_policy, state, created_at, updated_at`

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, filter.ParentID)
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

func (s *SQLiteRunStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET lease_owner = ?, lease_expires = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires < ?)`,
		owner,
		now.Add(ttl).UnixNano(),
		runID,
		owner,
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

func (s *SQLiteRunStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_expires = ? WHERE id = ? AND lease_owner = ?`,
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

func (s *SQLiteRunStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_owner = '', lease_expires = 0
		WHERE id = ? AND lease_owner = ?`,
		runID,
		owner,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.Run, error) {
	var (
		run              api.Run
		statusStr        string
		input, output    []byte
		state            []byte
		fstep            string
		fkind            string
		fmsg             string
		closePolicy      string
		created, updated int64
	)
	if err := row.Scan(&run.ID, &run.WorkflowType, &statusStr, &input, &run.InputHash,
		&output, &fstep, &fkind, &fmsg, &run.HistoryCursor,
		&run.ParentID, &closePolicy, &state, &created, &updated); err != nil {
		return nil, err
	}

	run.Status = api.Status(statusStr)
	run.ParentClosePolicy = api.ParentClosePolicy(closePolicy)
	run.CreatedAt = time.Unix(0, created)
	run.UpdatedAt = time.Unix(0, updated)

	inVal, err := DecodeValue(input)
	if err != nil {
		return nil, err
	}
	run.Input = inVal

	outVal, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	run.Output = outVal

	stVal, err := DecodeValue(state)
	if err != nil {
		return nil, err
	}
	if m, ok := stVal.(map[string]any); ok {
		run.State = m
	}

	if fkind != "" || fmsg != "" {
		run.Failure = &api.RunFailure{StepPath: fstep, Kind: fkind, Message: fmsg}
	}
	return &run, nil
}

func encodeRunBlobs(run *api.Run) (input, state []byte, err error) {
	input, err = EncodeValue(run.Input)
	if err != nil {
		return nil, nil, err
	}
	if run.State != nil {
		state, err = EncodeValue(run.State)
		if err != nil {
			return nil, nil, err
		}
	}
	return input, state, nil
}

func failureColumns(run *api.Run) (step, kind, msg string) {
	if run.Failure == nil {
		return "", "", ""
	}
	return run.Failure.StepPath, run.Failure.Kind, run.Failure.Message
}
