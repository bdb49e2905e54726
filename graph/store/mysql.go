package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLCheckpointer is a MySQL-backed Checkpointer for deployments that
// already run MySQL and want checkpoints alongside other operational data.
// Transient network failures are classified as ErrConnectionLost so callers
// can apply backoff-retry instead of treating them as fatal.
type MySQLCheckpointer struct {
	db *sql.DB
}

// NewMySQLCheckpointer opens a connection pool to dsn and ensures the
// checkpoints table exists.
func NewMySQLCheckpointer(ctx context.Context, dsn string) (*MySQLCheckpointer, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql checkpointer: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, classifyMySQLErr(err)
	}
	if _, err := db.ExecContext(ctx, schemaMySQL); err != nil {
		return nil, fmt.Errorf("mysql checkpointer: schema: %w", err)
	}
	return &MySQLCheckpointer{db: db}, nil
}

const schemaMySQL = `
CREATE TABLE IF NOT EXISTS dashflow_checkpoints (
	id VARCHAR(255) PRIMARY KEY,
	thread_id VARCHAR(255) NOT NULL,
	step INT NOT NULL,
	state_bytes LONGBLOB NOT NULL,
	parent_id VARCHAR(255) NOT NULL DEFAULT '',
	event_hint BLOB,
	created_at BIGINT NOT NULL,
	schema_version INT NOT NULL,
	UNIQUE KEY uq_thread_step (thread_id, step),
	KEY idx_thread (thread_id)
) ENGINE=InnoDB;
`

func classifyMySQLErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}

func (m *MySQLCheckpointer) Save(ctx context.Context, threadID string, step int, stateBytes []byte, parentID string, eventHint []byte) (string, error) {
	id := fmt.Sprintf("%s:%d", threadID, step)
	_, err := m.db.ExecContext(ctx, `
		INSERT IGNORE INTO dashflow_checkpoints
			(id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, threadID, step, stateBytes, parentID, eventHint, time.Now().UnixMilli(), SchemaVersion)
	if err != nil {
		return "", classifyMySQLErr(fmt.Errorf("mysql checkpointer: save: %w", err))
	}
	return id, nil
}

func (m *MySQLCheckpointer) LoadHead(ctx context.Context, threadID string) (*Record, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version
		FROM dashflow_checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`, threadID)
	return scanRecord(row)
}

func (m *MySQLCheckpointer) LoadAt(ctx context.Context, threadID string, step int) (*Record, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version
		FROM dashflow_checkpoints WHERE thread_id = ? AND step = ?`, threadID, step)
	return scanRecord(row)
}

func (m *MySQLCheckpointer) List(ctx context.Context, threadID string) ([]Meta, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, thread_id, step, parent_id, created_at FROM dashflow_checkpoints
		WHERE thread_id = ? ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, classifyMySQLErr(fmt.Errorf("mysql checkpointer: list: %w", err))
	}
	defer rows.Close()
	var out []Meta
	for rows.Next() {
		var mt Meta
		var createdMS int64
		if err := rows.Scan(&mt.ID, &mt.ThreadID, &mt.Step, &mt.ParentCheckpointID, &createdMS); err != nil {
			return nil, fmt.Errorf("mysql checkpointer: scan: %w", err)
		}
		mt.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, mt)
	}
	return out, rows.Err()
}

func (m *MySQLCheckpointer) Prune(ctx context.Context, threadID string, keepN int) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM dashflow_checkpoints WHERE thread_id = ? AND step NOT IN (
			SELECT step FROM (
				SELECT step FROM dashflow_checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT ?
			) keep
		)`, threadID, threadID, keepN)
	if err != nil {
		return classifyMySQLErr(fmt.Errorf("mysql checkpointer: prune: %w", err))
	}
	return nil
}

// Close releases the underlying connection pool.
func (m *MySQLCheckpointer) Close() error { return m.db.Close() }
