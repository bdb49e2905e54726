package scheduler

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/dashflow/dashflow/graph"
)

type counterState struct {
	Seen []string
}

func runner(ctx context.Context, node graph.NodeID, s counterState) (counterState, error) {
	s.Seen = append(s.Seen, string(node))
	return s, nil
}

func failingRunner(fail map[string]bool) NodeRunner[counterState] {
	return func(ctx context.Context, node graph.NodeID, s counterState) (counterState, error) {
		if fail[string(node)] {
			return counterState{}, fmt.Errorf("boom: %s", node)
		}
		s.Seen = append(s.Seen, string(node))
		return s, nil
	}
}

func tasksFor(nodes ...string) []graph.Task[counterState] {
	out := make([]graph.Task[counterState], len(nodes))
	for i, n := range nodes {
		out[i] = graph.Task[counterState]{NodeID: graph.NodeID(n), State: counterState{}, OrderKey: uint64(i)}
	}
	return out
}

func TestExecuteParallelBelowTheta(t *testing.T) {
	c := New[counterState](runner, 4, 10, 4, Random, 0, 0)
	results, err := c.ExecuteParallel(context.Background(), tasksFor("a", "b", "c"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if len(results[i].Seen) != 1 || results[i].Seen[0] != want {
			t.Errorf("result %d: want [%s], got %v", i, want, results[i].Seen)
		}
	}
}

func TestExecuteParallelDistributed(t *testing.T) {
	for _, strat := range []Strategy{Random, LeastLoaded, RoundRobin} {
		c := New[counterState](runner, 3, 1, 2, strat, 0, 0)
		nodes := []string{"a", "b", "c", "d", "e", "f", "g"}
		results, err := c.ExecuteParallel(context.Background(), tasksFor(nodes...))
		if err != nil {
			t.Fatalf("strategy %v: unexpected error: %v", strat, err)
		}
		got := make([]string, len(results))
		for i, r := range results {
			if len(r.Seen) != 1 {
				t.Fatalf("strategy %v: result %d ran %d times, want 1: %v", strat, i, len(r.Seen), r.Seen)
			}
			got[i] = r.Seen[0]
		}
		want := append([]string(nil), nodes...)
		sort.Strings(got)
		sort.Strings(want)
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("strategy %v: want every node to run exactly once, got %v", strat, got)
				break
			}
		}
	}
}

func TestExecuteParallelFallsBackWhenAllWorkersFail(t *testing.T) {
	run := func(ctx context.Context, node graph.NodeID, s counterState) (counterState, error) {
		panic("worker unavailable")
	}
	c := New[counterState](run, 2, 1, 2, Random, 0, 0)
	_, err := c.ExecuteParallel(context.Background(), tasksFor("a", "b", "c", "d"))
	if err == nil {
		t.Fatal("want an error once every worker has failed and the fallback run also panics, got nil")
	}
	if c.Metrics().FallbacksTotal != 1 {
		t.Errorf("want one fallback recorded, got %d", c.Metrics().FallbacksTotal)
	}
}

func TestExecuteParallelPropagatesFirstError(t *testing.T) {
	c := New[counterState](failingRunner(map[string]bool{"c": true}), 3, 1, 2, Random, 0, 0)
	_, err := c.ExecuteParallel(context.Background(), tasksFor("a", "b", "c", "d"))
	if err == nil {
		t.Fatal("want an error from the failing node, got nil")
	}
}

func TestStealing(t *testing.T) {
	c := New[counterState](runner, 2, 1, 8, LeastLoaded, 0, 0)
	nodes := make([]string, 20)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("n%d", i)
	}
	results, err := c.ExecuteParallel(context.Background(), tasksFor(nodes...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 20 {
		t.Fatalf("want 20 results, got %d", len(results))
	}
	for i, r := range results {
		if len(r.Seen) != 1 {
			t.Errorf("result %d: want exactly one run, got %v", i, r.Seen)
		}
	}
}
