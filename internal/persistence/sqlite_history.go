package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

// SQLiteHistoryStore stores run history events in SQLite. Seq numbers are
// assigned transactionally so they are strictly increasing per run with no
// gaps even across process restarts.
type SQLiteHistoryStore struct {
	db *sql.DB
}

var _ HistoryStore = (*SQLiteHistoryStore)(nil)

func NewSQLiteHistoryStore(db *sql.DB) (*SQLiteHistoryStore, error) {
	s := &SQLiteHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			step_path TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			error TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}

func (s *SQLiteHistoryStore) AppendEvent(ctx context.Context, ev *api.Event) (int64, error) {
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

	if err := s.checkDuplicates(ctx, tx, ev); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`,
		ev.RunID).Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, step_path, name, attempt, payload, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteHistoryStore) checkDuplicates(ctx context.Context, tx *sql.Tx, ev *api.Event) error {
	if ev.Type.TerminalEvent() {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM run_events
			WHERE run_id = ? AND type IN (?, ?, ?)`,
			ev.RunID,
			string(api.EventRunCompleted),
			string(api.EventRunFailed),
			string(api.EventCancelled),
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateEvent
		}
	}

	switch ev.Type {
	case api.EventActivityCompleted, api.EventActivityFailed:
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM run_events
			WHERE run_id = ? AND step_path = ? AND type IN (?, ?)`,
			ev.RunID,
			ev.StepPath,
			string(api.EventActivityCompleted),
			string(api.EventActivityFailed),
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateEvent
		}
	case api.EventChildCompleted:
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM run_events
			WHERE run_id = ? AND step_path = ? AND type = ?`,
			ev.RunID,
			ev.StepPath,
			string(api.EventChildCompleted),
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateEvent
		}
	}
	return nil
}

func (s *SQLiteHistoryStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, type, step_path, name, attempt, payload, error, at
		FROM run_events
		WHERE run_id = ?
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

func (s *SQLiteHistoryStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?`, runID).Scan(&seq)
	return seq, err
}
