package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisCheckpointer(t *testing.T) *RedisCheckpointer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCheckpointer(client, "dashflow:test:")
}

func TestRedisCheckpointerRoundTrip(t *testing.T) {
	cp := newMiniredisCheckpointer(t)
	ctx := context.Background()
	threadID := "thread-1"

	if _, err := cp.LoadHead(ctx, threadID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadHead on empty thread: got %v, want ErrNotFound", err)
	}

	if _, err := cp.Save(ctx, threadID, 1, []byte(`{"n":1}`), "", nil); err != nil {
		t.Fatalf("save step 1: %v", err)
	}
	id2, err := cp.Save(ctx, threadID, 2, []byte(`{"n":2}`), threadID+":1", nil)
	if err != nil {
		t.Fatalf("save step 2: %v", err)
	}

	head, err := cp.LoadHead(ctx, threadID)
	if err != nil {
		t.Fatalf("load head: %v", err)
	}
	if head.Step != 2 || head.ID != id2 {
		t.Errorf("head = %+v, want step 2 id %s", head, id2)
	}

	at1, err := cp.LoadAt(ctx, threadID, 1)
	if err != nil {
		t.Fatalf("load at 1: %v", err)
	}
	if string(at1.StateBytes) != `{"n":1}` {
		t.Errorf("load at 1 state = %s", at1.StateBytes)
	}

	if _, err := cp.LoadAt(ctx, threadID, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("load missing step: got %v, want ErrNotFound", err)
	}

	metas, err := cp.List(ctx, threadID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 2 || metas[0].Step != 1 || metas[1].Step != 2 {
		t.Errorf("list = %+v, want ascending steps 1,2", metas)
	}

	if err := cp.Prune(ctx, threadID, 1); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := cp.LoadAt(ctx, threadID, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned step 1: got %v, want ErrNotFound", err)
	}
	head, err = cp.LoadHead(ctx, threadID)
	if err != nil || head.Step != 2 {
		t.Errorf("head after prune: %+v, %v", head, err)
	}
}

func TestRedisCheckpointerSaveIsIdempotentPerStep(t *testing.T) {
	cp := newMiniredisCheckpointer(t)
	ctx := context.Background()
	threadID := "thread-idem"

	id, err := cp.Save(ctx, threadID, 1, []byte(`{"n":1}`), "", nil)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	idAgain, err := cp.Save(ctx, threadID, 1, []byte(`{"n":2}`), "", nil)
	if err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	if id != idAgain {
		t.Errorf("re-saving the same committed step returned a different id: %s vs %s", id, idAgain)
	}

	rec, err := cp.LoadAt(ctx, threadID, 1)
	if err != nil {
		t.Fatalf("load at 1: %v", err)
	}
	if string(rec.StateBytes) != `{"n":1}` {
		t.Errorf("second save overwrote the first: %s", rec.StateBytes)
	}
}

func TestRedisCheckpointerThreadsAreIndependent(t *testing.T) {
	cp := newMiniredisCheckpointer(t)
	ctx := context.Background()

	if _, err := cp.Save(ctx, "thread-a", 1, []byte(`{"who":"a"}`), "", nil); err != nil {
		t.Fatalf("save thread-a: %v", err)
	}
	if _, err := cp.Save(ctx, "thread-b", 1, []byte(`{"who":"b"}`), "", nil); err != nil {
		t.Fatalf("save thread-b: %v", err)
	}

	a, err := cp.LoadHead(ctx, "thread-a")
	if err != nil {
		t.Fatalf("load thread-a: %v", err)
	}
	b, err := cp.LoadHead(ctx, "thread-b")
	if err != nil {
		t.Fatalf("load thread-b: %v", err)
	}
	if string(a.StateBytes) == string(b.StateBytes) {
		t.Errorf("two independent threads share state: %s", a.StateBytes)
	}
}
