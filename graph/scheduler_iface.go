package graph

import "context"

// Task is one unit of parallel-frontier work handed to a Scheduler: a node
// to run and the state clone it should run against.
type Task[S any] struct {
	NodeID   NodeID
	State    S
	OrderKey uint64
}

// Scheduler is the extension point a work-stealing coordinator implements
// to take over parallel-frontier execution from the engine's own
// cooperative fan-out. Implementations may dispatch tasks to remote
// workers; ExecuteParallel must return exactly one resulting state per
// input task, in the same order, or an error.
type Scheduler[S any] interface {
	ExecuteParallel(ctx context.Context, tasks []Task[S]) ([]S, error)
}
