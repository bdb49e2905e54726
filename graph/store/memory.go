package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCheckpointer is the in-memory Checkpointer implementation: a
// mapping thread_id -> ordered list of (step, bytes), guarded by a
// single-writer-per-thread lock held across Save. It provides no durability
// and is intended for tests and short-lived local runs.
type MemoryCheckpointer struct {
	mu      sync.RWMutex
	threads map[string]*threadLog
}

type threadLog struct {
	mu      sync.Mutex // single-writer lock for this thread
	records []Record   // ascending by Step
}

// NewMemoryCheckpointer returns an empty MemoryCheckpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{threads: make(map[string]*threadLog)}
}

func (m *MemoryCheckpointer) thread(threadID string) *threadLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		t = &threadLog{}
		m.threads[threadID] = t
	}
	return t
}

func (m *MemoryCheckpointer) Save(_ context.Context, threadID string, step int, stateBytes []byte, parentID string, eventHint []byte) (string, error) {
	t := m.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) > 0 && step <= t.records[len(t.records)-1].Step {
		// Idempotent re-save of an already-committed step is a no-op
		// rather than corruption.
		for _, r := range t.records {
			if r.Step == step {
				return r.ID, nil
			}
		}
	}

	id := uuid.NewString()
	t.records = append(t.records, Record{
		ID:                 id,
		ThreadID:           threadID,
		Step:               step,
		StateBytes:         append([]byte(nil), stateBytes...),
		ParentCheckpointID: parentID,
		CreatedAt:          time.Now(),
		EventHint:          append([]byte(nil), eventHint...),
		SchemaVersion:      SchemaVersion,
	})
	return id, nil
}

func (m *MemoryCheckpointer) LoadHead(_ context.Context, threadID string) (*Record, error) {
	t := m.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) == 0 {
		return nil, ErrNotFound
	}
	rec := t.records[len(t.records)-1]
	return &rec, nil
}

func (m *MemoryCheckpointer) LoadAt(_ context.Context, threadID string, step int) (*Record, error) {
	t := m.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if r.Step == step {
			rec := r
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryCheckpointer) List(_ context.Context, threadID string) ([]Meta, error) {
	t := m.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Meta, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, Meta{ID: r.ID, ThreadID: r.ThreadID, Step: r.Step, ParentCheckpointID: r.ParentCheckpointID, CreatedAt: r.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (m *MemoryCheckpointer) Prune(_ context.Context, threadID string, keepN int) error {
	t := m.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if keepN < 0 || len(t.records) <= keepN {
		return nil
	}
	t.records = t.records[len(t.records)-keepN:]
	return nil
}
