package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dashflow/dashflow/graph"
)

// Strategy picks which worker a task is assigned to when the coordinator's
// own backlog crosses Theta.
type Strategy int

const (
	// Random assigns to a uniformly chosen worker.
	Random Strategy = iota
	// LeastLoaded assigns to whichever worker currently has the shortest
	// deque.
	LeastLoaded
	// RoundRobin assigns to workers in rotating order.
	RoundRobin
)

type workerStatus int32

const (
	statusIdle workerStatus = iota
	statusBusy
	statusFailed
)

// worker owns one deque and runs a goroutine that drains it, pulling from
// the coordinator's pending overflow and stealing from siblings when its
// own deque runs dry.
type worker[S any] struct {
	id      int
	dq      deque[S]
	status  atomic.Int32
	limiter *rate.Limiter
}

func (w *worker[S]) setStatus(s workerStatus) { w.status.Store(int32(s)) }
func (w *worker[S]) getStatus() workerStatus  { return workerStatus(w.status.Load()) }

// NodeRunner executes a single node against a state clone. Coordinator
// calls it from worker goroutines, so it must be safe for concurrent use
// across distinct states (the same contract graph.NodeFunc already carries).
type NodeRunner[S any] func(ctx context.Context, nodeID graph.NodeID, state S) (S, error)

// Coordinator implements graph.Scheduler[S] with a fixed pool of worker
// goroutines, each owning a deque, that steal from one another when idle.
// It satisfies the engine's ExecuteParallel contract: exactly one resulting
// state per input task, in input order, or an error.
type Coordinator[S any] struct {
	run         NodeRunner[S]
	theta       int
	strategy    Strategy
	maxQueueLen int
	workers     []*worker[S]
	rrNext      atomic.Int64

	stealsTotal    atomic.Int64
	fallbacksTotal atomic.Int64
}

// New returns a Coordinator with numWorkers workers. theta is the local
// backlog size below which ExecuteParallel just runs every task itself
// without touching the worker pool; maxQueueLen bounds how many tasks the
// coordinator will push onto any one worker's deque before leaving the
// remainder pending for idle workers and thieves to pick up. dispatchQPS
// caps how often any one worker may start a new task (0 disables the
// limit); dispatchBurst is the token bucket's burst size, ignored when
// dispatchQPS is 0.
func New[S any](run NodeRunner[S], numWorkers, theta, maxQueueLen int, strategy Strategy, dispatchQPS float64, dispatchBurst int) *Coordinator[S] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	c := &Coordinator[S]{run: run, theta: theta, strategy: strategy, maxQueueLen: maxQueueLen}
	c.workers = make([]*worker[S], numWorkers)
	for i := range c.workers {
		w := &worker[S]{id: i}
		if dispatchQPS > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(dispatchQPS), dispatchBurst)
		}
		c.workers[i] = w
	}
	return c
}

// Metrics reports cumulative steal and fallback counts since the
// Coordinator was created.
type Metrics struct {
	StealsTotal    int64
	FallbacksTotal int64
}

func (c *Coordinator[S]) Metrics() Metrics {
	return Metrics{
		StealsTotal:    c.stealsTotal.Load(),
		FallbacksTotal: c.fallbacksTotal.Load(),
	}
}

// safeRun calls run, converting a panic into an error rather than letting it
// cross the goroutine boundary. Used by every code path that executes a
// node outside the worker pool's own failure-recovery machinery (below
// Theta, and the distributed_fallback path), where there is no worker left
// to mark failed and re-queue the task.
func (c *Coordinator[S]) safeRun(ctx context.Context, node graph.NodeID, state S) (out S, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dashflow: node %s panicked: %v", node, r)
		}
	}()
	return c.run(ctx, node, state)
}

// ExecuteParallel runs tasks to completion, returning one result per input
// task in the same order. Below Theta it runs every task directly. At or
// above Theta it distributes tasks across the worker pool using the
// configured Strategy, falls back to local sequential execution of whatever
// remains pending if every worker has failed, and reports distributed
// results in task order regardless of which worker (or thief) ran them.
func (c *Coordinator[S]) ExecuteParallel(ctx context.Context, tasks []graph.Task[S]) ([]S, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	results := make([]S, len(tasks))
	errs := make([]error, len(tasks))

	if len(tasks) < c.theta {
		var g errgroup.Group
		for i, t := range tasks {
			i, t := i, t
			g.Go(func() error {
				out, err := c.safeRun(ctx, t.NodeID, t.State)
				results[i] = out
				errs[i] = err
				return nil
			})
		}
		_ = g.Wait()
		return results, firstError(errs)
	}

	return c.distribute(ctx, tasks, results, errs)
}

// distribute assigns tasks to workers per Strategy up to maxQueueLen per
// worker, leaving any overflow in a pending pool that idle workers and
// thieves drain before going idle. Whatever is still pending once every
// worker has stopped runs locally; when every worker ended up failed this
// counts as a fallback (execution_type=distributed_fallback).
func (c *Coordinator[S]) distribute(ctx context.Context, tasks []graph.Task[S], results []S, errs []error) ([]S, error) {
	pending := &pendingPool[S]{}
	assigned := make([]int, len(c.workers))

	for i, t := range tasks {
		wt := task[S]{idx: i, nodeID: string(t.NodeID), state: t.State, orderKey: t.OrderKey}
		w := c.pickWorker(assigned)
		if w == nil || assigned[w.id] >= c.maxQueueLen {
			pending.push(wt)
			continue
		}
		w.dq.pushBottom(wt)
		assigned[w.id]++
	}

	var g errgroup.Group
	for _, w := range c.workers {
		w := w
		g.Go(func() error {
			c.runWorker(ctx, w, pending, results, errs)
			return nil
		})
	}
	_ = g.Wait()

	if c.allFailed() {
		c.fallbacksTotal.Add(1)
	}
	// A worker that fails after its siblings have already returned leaves
	// its tasks in pending with nobody left to drain them; run those here.
	for {
		wt, ok := pending.pop()
		if !ok {
			break
		}
		out, err := c.safeRun(ctx, graph.NodeID(wt.nodeID), wt.state)
		results[wt.idx] = out
		errs[wt.idx] = err
	}

	return results, firstError(errs)
}

func (c *Coordinator[S]) pickWorker(assigned []int) *worker[S] {
	switch c.strategy {
	case LeastLoaded:
		var best *worker[S]
		bestLen := -1
		for i, w := range c.workers {
			if w.getStatus() == statusFailed {
				continue
			}
			if bestLen == -1 || assigned[i] < bestLen {
				best, bestLen = w, assigned[i]
			}
		}
		return best
	case RoundRobin:
		n := int64(len(c.workers))
		for tries := int64(0); tries < n; tries++ {
			idx := int(c.rrNext.Add(1)-1) % len(c.workers)
			if c.workers[idx].getStatus() != statusFailed {
				return c.workers[idx]
			}
		}
		return nil
	default: // Random
		live := make([]*worker[S], 0, len(c.workers))
		for _, w := range c.workers {
			if w.getStatus() != statusFailed {
				live = append(live, w)
			}
		}
		if len(live) == 0 {
			return nil
		}
		return live[rand.Intn(len(live))] // #nosec G404 -- load-balancing choice, not security-sensitive
	}
}

// runWorker drains w's own deque LIFO, then the shared pending pool, then
// steals from a randomly chosen sibling with a stealable deque, until no
// work remains anywhere. A panic from run is treated as the worker failing:
// its in-flight task goes back to pending for another worker to pick up,
// and the worker takes no further assignments.
func (c *Coordinator[S]) runWorker(ctx context.Context, w *worker[S], pending *pendingPool[S], results []S, errs []error) {
	for {
		if w.getStatus() == statusFailed {
			// Drain whatever is still sitting in our own deque back to
			// pending rather than abandoning it: a failed worker executes
			// nothing further, but its queued tasks must still run.
			for {
				wt, ok := w.dq.popBottom()
				if !ok {
					break
				}
				pending.push(wt)
			}
			return
		}
		wt, ok := w.dq.popBottom()
		if !ok {
			wt, ok = pending.pop()
		}
		if !ok {
			wt, ok = c.steal(w)
		}
		if !ok {
			return
		}
		c.execute(ctx, w, wt, pending, results, errs)
	}
}

// execute runs one task on w. A panic marks w permanently failed and
// re-queues the task for another worker (or the local fallback) to retry;
// the panicking call's own error slot is left untouched since whichever
// later attempt actually completes the task writes the authoritative
// result and error.
func (c *Coordinator[S]) execute(ctx context.Context, w *worker[S], wt task[S], pending *pendingPool[S], results []S, errs []error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			errs[wt.idx] = err
			return
		}
	}
	w.setStatus(statusBusy)
	failed := true
	defer func() {
		if r := recover(); r != nil || failed {
			w.setStatus(statusFailed)
			pending.push(wt)
			return
		}
	}()
	out, err := c.run(ctx, graph.NodeID(wt.nodeID), wt.state)
	results[wt.idx] = out
	errs[wt.idx] = err
	w.setStatus(statusIdle)
	failed = false
}

// steal picks a random sibling with a stealable deque and takes its oldest
// task. Returns false if no sibling currently has more than one item.
func (c *Coordinator[S]) steal(self *worker[S]) (task[S], bool) {
	candidates := make([]*worker[S], 0, len(c.workers)-1)
	for _, w := range c.workers {
		if w.id != self.id && w.getStatus() != statusFailed && w.dq.stealable() {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		var zero task[S]
		return zero, false
	}
	victim := candidates[rand.Intn(len(candidates))] // #nosec G404 -- victim selection, not security-sensitive
	wt, ok := victim.dq.popTop()
	if ok {
		c.stealsTotal.Add(1)
	}
	return wt, ok
}

func (c *Coordinator[S]) allFailed() bool {
	for _, w := range c.workers {
		if w.getStatus() != statusFailed {
			return false
		}
	}
	return true
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// pendingPool is the shared overflow queue workers drain from before
// resorting to stealing.
type pendingPool[S any] struct {
	items deque[S]
}

func (p *pendingPool[S]) push(t task[S])       { p.items.pushBottom(t) }
func (p *pendingPool[S]) pop() (task[S], bool) { return p.items.popBottom() }
