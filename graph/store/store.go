// Package store provides Checkpointer implementations for DashFlow: the
// thread-scoped, append-only persistence layer backing durable execution.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the Checkpointer failure taxonomy.
var (
	// ErrNotFound is returned when a requested thread or step does not
	// exist, including a load_at for a step that retention pruning has
	// removed: a pruned step reads back as NotFound, never as corruption.
	ErrNotFound = errors.New("store: not found")

	// ErrStorageFull indicates the backing medium has no remaining
	// capacity. Fatal to the thread; not retried.
	ErrStorageFull = errors.New("store: storage full")

	// ErrIntegrityCheckFailed indicates corruption was detected (checksum
	// mismatch, truncated-but-not-trailing record). Fatal to the thread;
	// never silently dropped.
	ErrIntegrityCheckFailed = errors.New("store: integrity check failed")

	// ErrSchemaMismatch indicates the on-disk/stored schema major version
	// differs from this binary's. The store refuses to operate on the
	// thread rather than attempt a silent migration.
	ErrSchemaMismatch = errors.New("store: schema version mismatch")

	// ErrConnectionLost indicates a transient connectivity failure to a
	// remote backend (MySQL, Postgres, Redis). Callers should retry with
	// backoff.
	ErrConnectionLost = errors.New("store: connection lost")

	// ErrLockContention indicates a transient failure to acquire the
	// per-thread single-writer lock. Retried with backoff like
	// ErrConnectionLost.
	ErrLockContention = errors.New("store: lock contention")
)

// SchemaVersion is the major version this build of the store package
// writes and expects to read. A stored record whose major version differs
// causes ErrSchemaMismatch rather than an attempted silent upgrade.
const SchemaVersion = 1

// Record is a single durable checkpoint: (thread_id, step, state_bytes,
// parent_checkpoint_id, created_at, event_hint). Two independent thread
// IDs never share state, and step strictly increases within a thread.
type Record struct {
	ID                 string
	ThreadID           string
	Step               int
	StateBytes         []byte
	ParentCheckpointID string
	CreatedAt          time.Time
	EventHint          []byte
	SchemaVersion      int
}

// Meta is the lightweight listing form of a Record, omitting the
// (potentially large) state payload.
type Meta struct {
	ID                 string
	ThreadID           string
	Step               int
	ParentCheckpointID string
	CreatedAt          time.Time
}

// Checkpointer is the narrow persistence contract the execution engine
// depends on. Implementations trade durability for speed; Memory has none,
// File is the reference durable WAL, and SQLite/MySQL/Postgres/Redis are
// additional backends suited to different deployment shapes, including
// distributed/replicated setups whose own consistency story is the
// backend's concern, not this package's.
//
// Every implementation must enforce single-writer discipline per thread:
// at most one in-flight Save for a given threadID at a time. The engine's
// own thread_id serialization guarantees callers never violate this in
// normal operation, but implementations still hold a per-thread lock as a
// backstop.
type Checkpointer interface {
	// Save appends a new checkpoint for threadID at step, durably. Saving a
	// step the thread already holds is an idempotent no-op: the existing
	// checkpoint is kept unchanged and its ID is returned.
	Save(ctx context.Context, threadID string, step int, stateBytes []byte, parentID string, eventHint []byte) (id string, err error)

	// LoadHead returns the highest-step checkpoint for threadID, or
	// ErrNotFound if the thread has none.
	LoadHead(ctx context.Context, threadID string) (*Record, error)

	// LoadAt returns the checkpoint at the given step for threadID, or
	// ErrNotFound if it does not exist (including because it was pruned).
	LoadAt(ctx context.Context, threadID string, step int) (*Record, error)

	// List returns metadata for every live checkpoint of threadID, ordered
	// by ascending step.
	List(ctx context.Context, threadID string) ([]Meta, error)

	// Prune retains only the keep_n highest-step checkpoints for threadID,
	// discarding the rest. With keepN >= 1 the current head is always kept;
	// keepN of 0 removes every checkpoint of the thread.
	Prune(ctx context.Context, threadID string, keepN int) error
}
