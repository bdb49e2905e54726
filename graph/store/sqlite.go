package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCheckpointer is a SQLite-backed Checkpointer, useful for local
// development and single-process deployments that want a durable store
// without running a database server. It enables WAL journal mode; the pool
// is capped at one connection, so reads and writes run one at a time.
type SQLiteCheckpointer struct {
	db *sql.DB
}

// NewSQLiteCheckpointer opens (creating if necessary) a SQLite database at
// path and ensures the checkpoints table exists.
func NewSQLiteCheckpointer(path string) (*SQLiteCheckpointer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite checkpointer: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite + WAL: single writer is simplest and correct here
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("sqlite checkpointer: wal mode: %w", err)
	}
	if _, err := db.Exec(schemaSQLite); err != nil {
		return nil, fmt.Errorf("sqlite checkpointer: schema: %w", err)
	}
	return &SQLiteCheckpointer{db: db}, nil
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	state_bytes BLOB NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	event_hint BLOB,
	created_at INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	UNIQUE(thread_id, step)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_step ON checkpoints(thread_id, step);
`

func (s *SQLiteCheckpointer) Save(ctx context.Context, threadID string, step int, stateBytes []byte, parentID string, eventHint []byte) (string, error) {
	id := fmt.Sprintf("%s:%d", threadID, step)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, step) DO NOTHING`,
		id, threadID, step, stateBytes, parentID, eventHint, time.Now().UnixMilli(), SchemaVersion)
	if err != nil {
		return "", fmt.Errorf("sqlite checkpointer: save: %w", err)
	}
	return id, nil
}

func (s *SQLiteCheckpointer) LoadHead(ctx context.Context, threadID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version
		FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`, threadID)
	return scanRecord(row)
}

func (s *SQLiteCheckpointer) LoadAt(ctx context.Context, threadID string, step int) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version
		FROM checkpoints WHERE thread_id = ? AND step = ?`, threadID, step)
	return scanRecord(row)
}

func (s *SQLiteCheckpointer) List(ctx context.Context, threadID string) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, step, parent_id, created_at FROM checkpoints
		WHERE thread_id = ? ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("sqlite checkpointer: list: %w", err)
	}
	defer rows.Close()
	var out []Meta
	for rows.Next() {
		var m Meta
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Step, &m.ParentCheckpointID, &createdMS); err != nil {
			return nil, fmt.Errorf("sqlite checkpointer: scan: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteCheckpointer) Prune(ctx context.Context, threadID string, keepN int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE thread_id = ? AND step NOT IN (
			SELECT step FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT ?
		)`, threadID, threadID, keepN)
	if err != nil {
		return fmt.Errorf("sqlite checkpointer: prune: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteCheckpointer) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var createdMS int64
	if err := row.Scan(&r.ID, &r.ThreadID, &r.Step, &r.StateBytes, &r.ParentCheckpointID, &r.EventHint, &createdMS, &r.SchemaVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite checkpointer: scan: %w", err)
	}
	if r.SchemaVersion != SchemaVersion {
		return nil, ErrSchemaMismatch
	}
	r.CreatedAt = time.UnixMilli(createdMS)
	return &r, nil
}
