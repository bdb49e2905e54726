package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxIface is the subset of *pgxpool.Pool DashFlow relies on, so tests can
// substitute pgxmock's connection/pool mock.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconnTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// pgconnTag mirrors pgconn.CommandTag's shape without importing it directly.
// Neither *pgxpool.Pool nor pgxmock names it in Exec's signature, so each is
// wrapped (pgxPoolAdapter here, an adapter in the tests) to satisfy pgxIface.
type pgconnTag interface {
	RowsAffected() int64
}

// pgxPoolAdapter lets a *pgxpool.Pool satisfy pgxIface.
type pgxPoolAdapter struct{ *pgxpool.Pool }

func (a pgxPoolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconnTag, error) {
	return a.Pool.Exec(ctx, sql, args...)
}

// PostgresCheckpointer is a Postgres-backed Checkpointer built on pgx,
// suitable for production deployments that already run Postgres and want
// the checkpointer collocated with other relational data.
type PostgresCheckpointer struct {
	pool pgxIface
}

// NewPostgresCheckpointer connects to dsn via pgxpool and ensures the
// checkpoints table exists.
func NewPostgresCheckpointer(ctx context.Context, dsn string) (*PostgresCheckpointer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres checkpointer: connect: %w", err)
	}
	pc := &PostgresCheckpointer{pool: pgxPoolAdapter{pool}}
	if _, err := pool.Exec(ctx, schemaPostgres); err != nil {
		return nil, fmt.Errorf("postgres checkpointer: schema: %w", err)
	}
	return pc, nil
}

// newPostgresCheckpointerWithPool is used by tests to inject a pgxmock pool.
func newPostgresCheckpointerWithPool(pool pgxIface) *PostgresCheckpointer {
	return &PostgresCheckpointer{pool: pool}
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS dashflow_checkpoints (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	step INT NOT NULL,
	state_bytes BYTEA NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	event_hint BYTEA,
	created_at BIGINT NOT NULL,
	schema_version INT NOT NULL,
	UNIQUE (thread_id, step)
);
`

func (p *PostgresCheckpointer) Save(ctx context.Context, threadID string, step int, stateBytes []byte, parentID string, eventHint []byte) (string, error) {
	id := fmt.Sprintf("%s:%d", threadID, step)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO dashflow_checkpoints (id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, step) DO NOTHING`,
		id, threadID, step, stateBytes, parentID, eventHint, time.Now().UnixMilli(), SchemaVersion)
	if err != nil {
		return "", classifyPgErr(fmt.Errorf("postgres checkpointer: save: %w", err))
	}
	return id, nil
}

func (p *PostgresCheckpointer) LoadHead(ctx context.Context, threadID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version
		FROM dashflow_checkpoints WHERE thread_id = $1 ORDER BY step DESC LIMIT 1`, threadID)
	return scanPgRecord(row)
}

func (p *PostgresCheckpointer) LoadAt(ctx context.Context, threadID string, step int) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, thread_id, step, state_bytes, parent_id, event_hint, created_at, schema_version
		FROM dashflow_checkpoints WHERE thread_id = $1 AND step = $2`, threadID, step)
	return scanPgRecord(row)
}

func (p *PostgresCheckpointer) List(ctx context.Context, threadID string) ([]Meta, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, thread_id, step, parent_id, created_at FROM dashflow_checkpoints
		WHERE thread_id = $1 ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, classifyPgErr(fmt.Errorf("postgres checkpointer: list: %w", err))
	}
	defer rows.Close()
	var out []Meta
	for rows.Next() {
		var m Meta
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Step, &m.ParentCheckpointID, &createdMS); err != nil {
			return nil, fmt.Errorf("postgres checkpointer: scan: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresCheckpointer) Prune(ctx context.Context, threadID string, keepN int) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM dashflow_checkpoints WHERE thread_id = $1 AND step NOT IN (
			SELECT step FROM dashflow_checkpoints WHERE thread_id = $1 ORDER BY step DESC LIMIT $2
		)`, threadID, keepN)
	if err != nil {
		return classifyPgErr(fmt.Errorf("postgres checkpointer: prune: %w", err))
	}
	return nil
}

func classifyPgErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	var r Record
	var createdMS int64
	if err := row.Scan(&r.ID, &r.ThreadID, &r.Step, &r.StateBytes, &r.ParentCheckpointID, &r.EventHint, &createdMS, &r.SchemaVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres checkpointer: scan: %w", err)
	}
	if r.SchemaVersion != SchemaVersion {
		return nil, ErrSchemaMismatch
	}
	r.CreatedAt = time.UnixMilli(createdMS)
	return &r, nil
}
