package graph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dashflow/dashflow/graph/emit"
	"github.com/dashflow/dashflow/graph/store"
)

// capturingEmitter records every event it receives, guarded by a mutex since
// a parallel frontier emits from multiple goroutines concurrently.
type capturingEmitter struct {
	mu     sync.Mutex
	events []emit.Event
}

func (c *capturingEmitter) Emit(event emit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturingEmitter) EmitBatch(_ context.Context, events []emit.Event) error {
	for _, ev := range events {
		c.Emit(ev)
	}
	return nil
}

func (c *capturingEmitter) Flush(context.Context) error { return nil }

func (c *capturingEmitter) snapshot() []emit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emit.Event(nil), c.events...)
}

func kinds(events []emit.Event) []emit.Kind {
	out := make([]emit.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// counterState is a minimal linear-graph state: one incrementing counter.
type counterState struct {
	N int `json:"n"`
}

func incNode(_ context.Context, s counterState) (counterState, error) {
	s.N++
	return s, nil
}

// TestEngine_LinearThreeNode exercises a straight-line A->B->C graph: every
// node runs exactly once, in order, and each step persists a checkpoint
// before the next node starts (invariant: steps strictly increase; every
// event for step N is durable before step N+1 begins).
func TestEngine_LinearThreeNode(t *testing.T) {
	b := NewBuilder[counterState]()
	b.AddNode("A", incNode)
	b.AddNode("B", incNode)
	b.AddNode("C", incNode)
	b.AddEdge("A", "B")
	b.AddEdge("B", "C")
	b.AddEdge("C", End)
	b.SetEntryPoint("A")
	topo, err := b.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	eng := New(topo)
	cp := store.NewMemoryCheckpointer()
	sink := &capturingEmitter{}

	final, err := eng.Invoke(context.Background(), counterState{N: 0},
		WithThreadID("t-linear"), WithCheckpointer(cp), WithEventSink(sink))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if final.N != 3 {
		t.Fatalf("final state = %+v, want N=3", final)
	}

	got := kinds(sink.snapshot())
	want := []emit.Kind{
		emit.GraphStart,
		emit.NodeStart, emit.NodeEnd, emit.EdgeTraversal, emit.StateChanged,
		emit.NodeStart, emit.NodeEnd, emit.EdgeTraversal, emit.StateChanged,
		emit.NodeStart, emit.NodeEnd, emit.EdgeTraversal, emit.StateChanged,
		emit.GraphEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v (full: %v)", i, got[i], want[i], got)
		}
	}

	// Sequence numbers are strictly increasing and start at 1.
	events := sink.snapshot()
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event[%d].Sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}

	// Every checkpoint's step strictly increases, and steps 1-3 hold the
	// post-node state for A, B, C respectively; step 4 is the terminal
	// checkpoint carrying the same state as step 3.
	metas, err := cp.List(context.Background(), "t-linear")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 4 {
		t.Fatalf("checkpoint count = %d, want 4", len(metas))
	}
	lastStep := -1
	for _, m := range metas {
		if m.Step <= lastStep {
			t.Fatalf("checkpoint steps not strictly increasing: %+v", metas)
		}
		lastStep = m.Step
	}
	for step, wantN := range map[int]int{1: 1, 2: 2, 3: 3, 4: 3} {
		rec, err := cp.LoadAt(context.Background(), "t-linear", step)
		if err != nil {
			t.Fatalf("load step %d: %v", step, err)
		}
		st, err := deserializeState[counterState](rec.StateBytes)
		if err != nil {
			t.Fatalf("deserialize step %d: %v", step, err)
		}
		if st.N != wantN {
			t.Fatalf("step %d state = %+v, want N=%d", step, st, wantN)
		}
	}
}

// mergeState is a parallel-branch state whose Merge is order-independent:
// it unions tags into a sorted slice regardless of which branch's output
// the reduce loop sees first.
type mergeState struct {
	Tags []string `json:"tags"`
}

func (m mergeState) Merge(other mergeState) mergeState {
	out := append([]string(nil), m.Tags...)
	out = append(out, other.Tags...)
	sort.Strings(out)
	return mergeState{Tags: out}
}

func tagNode(tag string) NodeFunc[mergeState] {
	return func(_ context.Context, s mergeState) (mergeState, error) {
		return mergeState{Tags: []string{tag}}, nil
	}
}

func tagNodeDelayed(tag string, delay time.Duration) NodeFunc[mergeState] {
	return func(_ context.Context, s mergeState) (mergeState, error) {
		time.Sleep(delay)
		return mergeState{Tags: []string{tag}}, nil
	}
}

// TestEngine_ParallelMergeOrderIndependent runs the same parallel fan-out
// topology twice with the per-branch delays inverted between runs, forcing
// a different real completion order each time. The reduce step sorts branch
// results by OrderKey before merging rather than by completion order, so
// the merged result must come back identical across both runs regardless.
func TestEngine_ParallelMergeOrderIndependent(t *testing.T) {
	build := func(delays [3]time.Duration) *Topology[mergeState] {
		b := NewBuilder[mergeState]()
		b.AddNode("split", func(_ context.Context, s mergeState) (mergeState, error) { return s, nil })
		b.AddNode("p", tagNodeDelayed("p", delays[0]))
		b.AddNode("q", tagNodeDelayed("q", delays[1]))
		b.AddNode("r", tagNodeDelayed("r", delays[2]))
		b.AddParallelEdges("split", []NodeID{"p", "q", "r"})
		b.AddEdge("p", End)
		b.AddEdge("q", End)
		b.AddEdge("r", End)
		b.SetEntryPoint("split")
		topo, err := b.Compile()
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		return topo
	}

	delaySets := [2][3]time.Duration{
		{5 * time.Millisecond, 1 * time.Millisecond, 3 * time.Millisecond},
		{1 * time.Millisecond, 3 * time.Millisecond, 5 * time.Millisecond},
	}

	var results [][]string
	for i, delays := range delaySets {
		topo := build(delays)
		eng := New(topo)
		final, err := eng.Invoke(context.Background(), mergeState{}, WithThreadID("t-merge"))
		if err != nil {
			t.Fatalf("run %d: invoke: %v", i, err)
		}
		results = append(results, final.Tags)
	}
	want := []string{"p", "q", "r"}
	for i, tags := range results {
		if len(tags) != len(want) {
			t.Fatalf("run %d: tags = %v, want %v", i, tags, want)
		}
		for j := range want {
			if tags[j] != want[j] {
				t.Fatalf("run %d: tags = %v, want %v", i, tags, want)
			}
		}
	}
}

// TestEngine_ParallelMergeThreeBranches mirrors a concrete embedding: three
// parallel nodes each contribute one tag, and the merged state's tags come
// back sorted regardless of merge fold order, since Merge sorts on every
// call.
func TestEngine_ParallelMergeThreeBranches(t *testing.T) {
	b := NewBuilder[mergeState]()
	b.AddNode("split", func(_ context.Context, s mergeState) (mergeState, error) { return s, nil })
	b.AddNode("p", tagNode("tag_p"))
	b.AddNode("q", tagNode("tag_q"))
	b.AddNode("r", tagNode("tag_r"))
	b.AddParallelEdges("split", []NodeID{"p", "q", "r"})
	b.AddEdge("p", End)
	b.AddEdge("q", End)
	b.AddEdge("r", End)
	b.SetEntryPoint("split")
	topo, err := b.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	eng := New(topo)
	final, err := eng.Invoke(context.Background(), mergeState{}, WithThreadID("t-merge3"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := []string{"tag_p", "tag_q", "tag_r"}
	if len(final.Tags) != len(want) {
		t.Fatalf("tags = %v, want %v", final.Tags, want)
	}
	for i := range want {
		if final.Tags[i] != want[i] {
			t.Fatalf("tags = %v, want %v", final.Tags, want)
		}
	}
}

// TestEngine_CrashRecovery simulates a crash mid-execution: a node that
// faults once (external fault flag, not a retry) leaves the thread's head
// checkpoint at the last successfully completed step, and Resume continues
// from exactly that point using the checkpoint's event_hint to reconstruct
// the pending frontier.
func TestEngine_CrashRecovery(t *testing.T) {
	var fault sync.Once
	faulted := false

	faultyC := func(_ context.Context, s counterState) (counterState, error) {
		var err error
		fault.Do(func() {
			faulted = true
			err = errors.New("simulated crash")
		})
		if err != nil {
			return counterState{}, err
		}
		s.N++
		return s, nil
	}

	b := NewBuilder[counterState]()
	b.AddNode("A", incNode)
	b.AddNode("B", incNode)
	b.AddNode("C", faultyC)
	b.AddEdge("A", "B")
	b.AddEdge("B", "C")
	b.AddEdge("C", End)
	b.SetEntryPoint("A")
	topo, err := b.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	eng := New(topo)
	cp := store.NewMemoryCheckpointer()

	_, err = eng.Invoke(context.Background(), counterState{N: 0},
		WithThreadID("t-crash"), WithCheckpointer(cp))
	if err == nil {
		t.Fatal("expected crash error, got nil")
	}
	if !faulted {
		t.Fatal("faulty node never ran")
	}

	// Invariant: the head checkpoint reflects the last successful step (B),
	// not a partial or missing record for the failed step.
	state, ok, err := eng.GetState(context.Background(), "t-crash", cp)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !ok {
		t.Fatal("expected a checkpoint to exist")
	}
	if state.N != 2 {
		t.Fatalf("post-crash state = %+v, want N=2", state)
	}

	// Resume re-enters at the frontier recorded in the checkpoint's
	// event_hint (node C) and completes normally this time.
	final, err := eng.Resume(context.Background(), WithThreadID("t-crash"), WithCheckpointer(cp))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.N != 3 {
		t.Fatalf("resumed final state = %+v, want N=3", final)
	}

	metas, err := cp.List(context.Background(), "t-crash")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lastStep := -1
	for _, m := range metas {
		if m.Step <= lastStep {
			t.Fatalf("checkpoint steps not strictly increasing across resume: %+v", metas)
		}
		lastStep = m.Step
	}
}

// TestEngine_RecursionLimit exercises a self-looping node against a
// configured recursion limit: the engine must fail with
// ErrRecursionLimitExceeded at exactly the step the limit is reached,
// leaving the last successfully completed step's checkpoint as the head and
// never persisting one for the step that exceeded the limit.
func TestEngine_RecursionLimit(t *testing.T) {
	b := NewBuilder[counterState]()
	b.AddNode("tick", incNode)
	b.AddEdge("tick", "tick")
	b.SetEntryPoint("tick")
	topo, err := b.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	eng := New(topo)
	cp := store.NewMemoryCheckpointer()
	sink := &capturingEmitter{}

	_, err = eng.Invoke(context.Background(), counterState{N: 0},
		WithThreadID("t-recur"), WithCheckpointer(cp), WithEventSink(sink),
		WithRecursionLimit(3))
	if err == nil {
		t.Fatal("expected recursion limit error, got nil")
	}
	if !errors.Is(err, ErrRecursionLimitExceeded) {
		t.Fatalf("err = %v, want ErrRecursionLimitExceeded", err)
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecError", err)
	}
	if execErr.Step != 3 {
		t.Fatalf("ExecError.Step = %d, want 3", execErr.Step)
	}

	rec, err := cp.LoadHead(context.Background(), "t-recur")
	if err != nil {
		t.Fatalf("load head: %v", err)
	}
	if rec.Step != 3 {
		t.Fatalf("head checkpoint step = %d, want 3 (no checkpoint for the step that exceeded the limit)", rec.Step)
	}
	state, err := deserializeState[counterState](rec.StateBytes)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if state.N != 3 {
		t.Fatalf("head state = %+v, want N=3", state)
	}
	if _, err := cp.LoadAt(context.Background(), "t-recur", 4); err == nil {
		t.Fatal("step 4 checkpoint should not exist")
	}

	events := sink.snapshot()
	last := events[len(events)-1]
	if last.Kind != emit.GraphEnd {
		t.Fatalf("last event kind = %v, want GraphEnd", last.Kind)
	}
	if last.Payload["status"] != "failed" {
		t.Fatalf("GraphEnd payload = %v, want status=failed", last.Payload)
	}
}
