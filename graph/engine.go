// Package graph provides the core graph execution engine for DashFlow.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dashflow/dashflow/graph/emit"
	"github.com/dashflow/dashflow/graph/store"
)

// contextKey namespaces values the engine injects into a node's context so
// user code (and WithRetry) can recover them without a parallel parameter.
type contextKey string

const (
	threadIDKey contextKey = "dashflow.thread_id"
	stepKey     contextKey = "dashflow.step"
	nodeIDKey   contextKey = "dashflow.node_id"
	rngKey      contextKey = "dashflow.rng"
)

// initRNG derives a deterministic *rand.Rand from threadID.
//
// The seed is the first eight bytes of SHA-256(threadID), interpreted as a
// big-endian int64. This gives two properties a replay-oriented engine
// needs:
//   - Same thread_id always produces the same random sequence, so retrying
//     a failed step (or replaying a thread end to end) derives identical
//     jitter, tie-breaks, or sampling decisions every time.
//   - Different thread_ids produce statistically independent sequences,
//     so concurrent threads never correlate.
//
// WithRetry recovers the RNG for the current thread via rngKey on the
// context passed into a node, so its backoff jitter replays
// deterministically. rngKey is unexported, so only code inside package
// graph can read it:
//
//	rng, _ := ctx.Value(rngKey).(*rand.Rand)
//	choice := rng.Intn(len(options))
func initRNG(threadID string) *rand.Rand {
	sum := sha256.Sum256([]byte(threadID))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic replay seed, not security-sensitive
}

// ErrInterrupted is returned by Invoke/Stream/Resume when execution paused
// at an interrupt-before marker. The returned state is the pre-node
// checkpointed state; resume with the same thread_id to continue.
var ErrInterrupted = errors.New("dashflow: execution interrupted")

// Engine drives a compiled Topology to completion. It is safe for
// concurrent use by multiple goroutines invoking distinct thread_ids; two
// concurrent calls must never share a thread_id (see graph/store's
// single-writer discipline).
type Engine[S any] struct {
	topology *Topology[S]

	mu   sync.Mutex
	seqs map[string]*emit.Sequencer
}

// New returns an Engine for the given compiled topology.
func New[S any](t *Topology[S]) *Engine[S] {
	return &Engine[S]{topology: t, seqs: make(map[string]*emit.Sequencer)}
}

func (e *Engine[S]) sequencerFor(threadID string) *emit.Sequencer {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.seqs[threadID]
	if !ok {
		s = &emit.Sequencer{}
		e.seqs[threadID] = s
	}
	return s
}

// Invoke drives initial to termination and returns the final state. A
// failed invocation leaves the thread's head checkpoint at the last
// successful step. Invoke always starts at the entry point from step 0 and
// does not load an existing checkpoint for the thread; continuing a thread
// from its head checkpoint is done with Resume.
func (e *Engine[S]) Invoke(ctx context.Context, initial S, opts ...Option) (S, error) {
	cfg := newConfig(opts)
	_, final, err := e.run(ctx, cfg, initial, []NodeID{e.topology.entry}, 0, false, nil)
	return final, err
}

// StreamItem is one value delivered on Stream's output channel. Which
// fields are populated depends on Config.StreamMode: StreamValues and
// StreamUpdates populate State, StreamEvents populates Event.
type StreamItem[S any] struct {
	State S
	Event emit.Event
}

// Stream is like Invoke but exposes intermediate progress on a channel
// instead of only the final result. The state channel closes when
// execution terminates (successfully, on error, or on interrupt); the
// error channel then carries exactly one value.
func (e *Engine[S]) Stream(ctx context.Context, initial S, opts ...Option) (<-chan StreamItem[S], <-chan error) {
	cfg := newConfig(opts)
	items := make(chan StreamItem[S], cfg.EventBufferSize)
	errc := make(chan error, 1)

	userSink := cfg.EventSink
	cfg.EventSink = streamTeeEmitter[S]{items: items, mode: cfg.StreamMode, inner: userSink}

	var onState func(S)
	if cfg.StreamMode == StreamValues || cfg.StreamMode == StreamUpdates {
		onState = func(s S) {
			select {
			case items <- StreamItem[S]{State: s}:
			default:
			}
		}
	}

	go func() {
		defer close(items)
		_, _, err := e.run(ctx, cfg, initial, []NodeID{e.topology.entry}, 0, false, onState)
		errc <- err
		close(errc)
	}()
	return items, errc
}

// streamTeeEmitter forwards every event to the user's configured sink (if
// any) and additionally pushes a StreamItem for StreamEvents mode. Values
// and Updates modes are pushed directly by the step loop, not here, since
// they carry typed state the Event payload does not.
type streamTeeEmitter[S any] struct {
	items chan<- StreamItem[S]
	mode  StreamMode
	inner emit.Emitter
}

func (t streamTeeEmitter[S]) Emit(ev emit.Event) {
	if t.inner != nil {
		t.inner.Emit(ev)
	}
	if t.mode == StreamEvents {
		select {
		case t.items <- StreamItem[S]{Event: ev}:
		default:
		}
	}
}

func (t streamTeeEmitter[S]) EmitBatch(ctx context.Context, evs []emit.Event) error {
	for _, ev := range evs {
		t.Emit(ev)
	}
	return nil
}

func (t streamTeeEmitter[S]) Flush(ctx context.Context) error {
	if t.inner != nil {
		return t.inner.Flush(ctx)
	}
	return nil
}

// Resume continues execution of a previously interrupted or crashed thread
// from its last durable checkpoint, reconstructing the pending frontier
// from the checkpoint's event_hint.
func (e *Engine[S]) Resume(ctx context.Context, opts ...Option) (S, error) {
	cfg := newConfig(opts)
	var zero S
	if cfg.Checkpointer == nil {
		return zero, ErrResumeWithoutCheckpointer
	}
	if cfg.ThreadID == "" {
		return zero, ErrNoCheckpointToResume
	}
	rec, err := cfg.Checkpointer.LoadHead(ctx, cfg.ThreadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return zero, ErrNoCheckpointToResume
		}
		return zero, err
	}
	state, err := deserializeState[S](rec.StateBytes)
	if err != nil {
		return zero, fmt.Errorf("resume: %w", err)
	}
	frontier, err := decodeEventHint(rec.EventHint)
	if err != nil {
		return zero, fmt.Errorf("resume: %w", err)
	}
	if frontier == nil {
		frontier = []NodeID{e.topology.entry}
	}
	_, final, runErr := e.run(ctx, cfg, state, frontier, rec.Step, true, nil)
	return final, runErr
}

// GetState returns the head checkpoint's state for threadID, or ok=false if
// the thread has no checkpoints.
func (e *Engine[S]) GetState(ctx context.Context, threadID string, cp store.Checkpointer) (S, bool, error) {
	var zero S
	rec, err := cp.LoadHead(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	state, err := deserializeState[S](rec.StateBytes)
	if err != nil {
		return zero, false, err
	}
	return state, true, nil
}

// ListCheckpoints returns metadata for every live checkpoint of threadID.
func (e *Engine[S]) ListCheckpoints(ctx context.Context, threadID string, cp store.Checkpointer) ([]store.Meta, error) {
	return cp.List(ctx, threadID)
}

// run is the shared step loop behind Invoke, Stream, and Resume. startStep
// is the step number of state (0 for a fresh invocation, the loaded
// checkpoint's step for a resume); frontier is the set of nodes due to run
// next; resumed is true for a Resume.
func (e *Engine[S]) run(ctx context.Context, cfg Config, state S, frontier []NodeID, startStep int, resumed bool, onState func(S)) (execID string, final S, err error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	execID = uuid.NewString()
	threadID := cfg.ThreadID
	if threadID == "" {
		threadID = execID
	}
	ctx = context.WithValue(ctx, threadIDKey, threadID)
	ctx = context.WithValue(ctx, rngKey, initRNG(threadID))

	seq := e.sequencerFor(threadID)
	sink := cfg.EventSink
	if sink == nil {
		sink = emit.NewNullEmitter()
	}

	emitEvent := func(kind emit.Kind, node NodeID, payload map[string]any) {
		sink.Emit(emit.Event{
			ExecID:       execID,
			ParentExecID: "",
			RootExecID:   execID,
			Depth:        0,
			ThreadID:     threadID,
			Sequence:     seq.Next(),
			Timestamp:    timeNow(),
			Kind:         kind,
			Node:         string(node),
			Payload:      payload,
		})
	}

	emitEvent(emit.GraphStart, e.topology.entry, nil)

	step := startStep
	recursionCount := 0

	for {
		// 1. Terminal frontier: only End remains.
		if isTerminalFrontier(frontier) {
			emitEvent(emit.GraphEnd, "", map[string]any{"status": "ok"})
			if cfg.Checkpointer != nil {
				e.persistTerminal(ctx, cfg, threadID, step, state)
			}
			return execID, state, nil
		}

		if ctx.Err() != nil {
			emitEvent(emit.GraphEnd, "", map[string]any{"status": "failed", "error": ctx.Err().Error()})
			return execID, state, &ExecError{Step: step, Err: ctx.Err()}
		}

		// 2. Recursion limit.
		recursionCount++
		if cfg.RecursionLimit > 0 && recursionCount > cfg.RecursionLimit {
			emitEvent(emit.GraphEnd, "", map[string]any{"status": "failed", "error": ErrRecursionLimitExceeded.Error()})
			return execID, state, &ExecError{Step: step, Err: ErrRecursionLimitExceeded}
		}

		// Interrupt-before: pause in place of running any marked node in
		// this frontier. A resumed run's first frontier is the one it
		// paused at, so it runs instead of pausing again.
		if node, ok := firstInterruptBefore(e.topology, frontier); ok && !(resumed && step == startStep) {
			if cfg.Checkpointer == nil {
				return execID, state, ErrInterruptWithoutCheckpointer
			}
			hint, hintErr := encodeEventHint(frontier)
			if hintErr != nil {
				return execID, state, fmt.Errorf("interrupt: encode frontier: %w", hintErr)
			}
			if err := e.persistStep(ctx, cfg, threadID, step, state, hint); err != nil {
				return execID, state, fmt.Errorf("interrupt: persist checkpoint: %w", err)
			}
			emitEvent(emit.GraphEnd, node, map[string]any{"status": "paused"})
			return execID, state, ErrInterrupted
		}

		merged, nextFrontier, stepErr := e.step(ctx, cfg, threadID, step, state, frontier, emitEvent)
		if stepErr != nil {
			var nodeErr *NodeError
			node := NodeID("")
			if errors.As(stepErr, &nodeErr) {
				node = nodeErr.NodeID
			}
			emitEvent(emit.GraphEnd, node, map[string]any{"status": "failed", "error": stepErr.Error()})
			return execID, state, &ExecError{Step: step, NodeID: node, Err: stepErr}
		}

		hint, hintErr := encodeEventHint(nextFrontier)
		if hintErr != nil {
			return execID, state, fmt.Errorf("encode next frontier: %w", hintErr)
		}
		if err := e.persistStep(ctx, cfg, threadID, step+1, merged, hint); err != nil {
			return execID, state, fmt.Errorf("persist checkpoint: %w", err)
		}
		emitEvent(emit.StateChanged, "", map[string]any{"step": step + 1})

		state = merged
		frontier = nextFrontier
		step++
		if onState != nil {
			onState(state)
		}
	}
}

// step advances execution by exactly one frontier.
//
// Three phases:
//  1. Run. A single-node frontier runs inline on the calling goroutine. A
//     multi-node (parallel) frontier runs every node against its own clone
//     of the input state, either through a configured Scheduler[S] (one
//     Task[S] per node, tagged with its deterministic OrderKey) or, absent
//     one, through the engine's own per-node goroutine with a WaitGroup
//     barrier. Either way every branch sees the *pre-step* state; branches
//     never observe each other's results.
//  2. Reduce. Branch outputs are sorted by OrderKey (not by completion
//     order) and folded left-to-right with reduceMerge into one state. A
//     single-node frontier has one result, so there is nothing to merge.
//  3. Route. Each node that ran evaluates its own outgoing edge against the
//     merged state (not its own branch's pre-merge output), so a
//     conditional edge's router always sees the fully reduced state. The
//     union of every node's resolved targets, minus End, becomes the next
//     frontier; an empty union collapses to []NodeID{End}, the terminal
//     frontier run checks for on its next iteration.
//
// A failure at any node short-circuits the whole step: no merge, no
// routing, no next frontier. The caller (run) is responsible for turning
// that into an ExecError and leaving the last successfully persisted
// checkpoint as the resume point.
func (e *Engine[S]) step(
	ctx context.Context,
	cfg Config,
	threadID string,
	stepNum int,
	state S,
	frontier []NodeID,
	emitEvent func(emit.Kind, NodeID, map[string]any),
) (S, []NodeID, error) {
	var zero S

	type result struct {
		node  NodeID
		state S
		order uint64
	}

	runOne := func(nodeCtx context.Context, node NodeID, input S) (S, error) {
		fn, ok := e.topology.nodes[node]
		if !ok {
			return zero, &NodeError{NodeID: node, Step: stepNum, Cause: fmt.Errorf("unknown node")}
		}
		timeout := e.topology.nodeTimeouts[node]
		start := timeNow()
		out, err := runNodeWithTimeout(nodeCtx, fn, input, timeout)
		cfg.Metrics.recordStepLatency(threadID, node, timeSince(start), statusOf(err))
		if err != nil {
			return zero, &NodeError{NodeID: node, Step: stepNum, Cause: err}
		}
		return out, nil
	}

	var results []result

	if len(frontier) == 1 {
		node := frontier[0]
		nodeCtx := context.WithValue(context.WithValue(ctx, nodeIDKey, node), stepKey, stepNum)
		emitEvent(emit.NodeStart, node, nil)
		out, err := runOne(nodeCtx, node, state)
		if err != nil {
			emitEvent(emit.NodeError, node, map[string]any{"error": err.Error()})
			return zero, nil, err
		}
		emitEvent(emit.NodeEnd, node, nil)
		results = []result{{node: node, state: out, order: ComputeOrderKey(node, 0)}}
	} else {
		cfg.Metrics.setInflight(len(frontier))
		if cfg.Scheduler != nil {
			sched, ok := cfg.Scheduler.(Scheduler[S])
			if !ok {
				return zero, nil, fmt.Errorf("dashflow: configured scheduler does not implement Scheduler[%T]", state)
			}
			tasks := make([]Task[S], len(frontier))
			for i, node := range frontier {
				clone, err := cloneState(state)
				if err != nil {
					return zero, nil, fmt.Errorf("clone state for %s: %w", node, err)
				}
				tasks[i] = Task[S]{NodeID: node, State: clone, OrderKey: ComputeOrderKey(node, i)}
				emitEvent(emit.NodeStart, node, nil)
			}
			states, err := sched.ExecuteParallel(ctx, tasks)
			if err != nil {
				for _, t := range tasks {
					emitEvent(emit.NodeError, t.NodeID, map[string]any{"error": err.Error()})
				}
				return zero, nil, &NodeError{NodeID: tasks[0].NodeID, Step: stepNum, Cause: err}
			}
			results = make([]result, len(tasks))
			for i, t := range tasks {
				emitEvent(emit.NodeEnd, t.NodeID, nil)
				results[i] = result{node: t.NodeID, state: states[i], order: t.OrderKey}
			}
		} else {
			var wg sync.WaitGroup
			results = make([]result, len(frontier))
			errs := make([]error, len(frontier))
			for i, node := range frontier {
				clone, err := cloneState(state)
				if err != nil {
					return zero, nil, fmt.Errorf("clone state for %s: %w", node, err)
				}
				emitEvent(emit.NodeStart, node, nil)
				wg.Add(1)
				go func(i int, node NodeID, input S) {
					defer wg.Done()
					nodeCtx := context.WithValue(context.WithValue(ctx, nodeIDKey, node), stepKey, stepNum)
					out, err := runOne(nodeCtx, node, input)
					if err != nil {
						errs[i] = err
						return
					}
					results[i] = result{node: node, state: out, order: ComputeOrderKey(node, i)}
				}(i, node, clone)
			}
			wg.Wait()
			for i, err := range errs {
				if err != nil {
					emitEvent(emit.NodeError, frontier[i], map[string]any{"error": err.Error()})
					return zero, nil, err
				}
			}
			for _, r := range results {
				emitEvent(emit.NodeEnd, r.node, nil)
			}
		}
		cfg.Metrics.setInflight(0)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].order < results[j].order })
	states := make([]S, len(results))
	for i, r := range results {
		states[i] = r.state
	}
	if len(states) > 1 {
		cfg.Metrics.incMergeConflict(threadID)
	}
	merged := reduceMerge(states, e.topology.mergeFn)

	nextSet := make(map[NodeID]struct{})
	for _, r := range results {
		out := e.topology.out[r.node]
		targets, err := out.resolve(merged)
		if err != nil {
			return zero, nil, &NodeError{NodeID: r.node, Step: stepNum, Cause: err}
		}
		emitEvent(emit.EdgeTraversal, r.node, map[string]any{"targets": targetStrings(targets)})
		for _, t := range targets {
			if t == End {
				continue
			}
			nextSet[t] = struct{}{}
		}
	}
	next := make([]NodeID, 0, len(nextSet))
	for n := range nextSet {
		next = append(next, n)
	}
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	if len(next) == 0 {
		next = []NodeID{End}
	}
	return merged, next, nil
}

func (e *Engine[S]) persistStep(ctx context.Context, cfg Config, threadID string, step int, state S, hint []byte) error {
	if cfg.Checkpointer == nil {
		return nil
	}
	bytes, err := serializeState(state)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	_, err = saveWithRetry(ctx, cfg.Checkpointer, threadID, step, bytes, "", hint)
	return err
}

func (e *Engine[S]) persistTerminal(ctx context.Context, cfg Config, threadID string, step int, state S) {
	hint, err := encodeEventHint(nil)
	if err != nil {
		return
	}
	_ = e.persistStep(ctx, cfg, threadID, step+1, state, hint)
}

// saveWithRetry retries transient checkpointer failures (connection lost,
// lock contention) with exponential backoff and jitter, up to a bounded
// number of attempts. Other failures (storage full, integrity, schema
// mismatch) are returned immediately: they are fatal to the thread.
func saveWithRetry(ctx context.Context, cp store.Checkpointer, threadID string, step int, state []byte, parentID string, hint []byte) (string, error) {
	const maxAttempts = 5
	base := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := cp.Save(ctx, threadID, step, state, parentID, hint)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrConnectionLost) && !errors.Is(err, store.ErrLockContention) {
			return "", err
		}
		delay := computeBackoff(attempt, base, 2*time.Second, nil)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

func isTerminalFrontier(frontier []NodeID) bool {
	for _, n := range frontier {
		if n != End {
			return false
		}
	}
	return true
}

func firstInterruptBefore[S any](t *Topology[S], frontier []NodeID) (NodeID, bool) {
	for _, n := range frontier {
		if t.interruptBefore[n] {
			return n, true
		}
	}
	return "", false
}

func targetStrings(ids []NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func statusOf(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// timeNow and timeSince are indirected so tests can substitute deterministic
// clocks without the engine reaching for time.Now() directly in the hot
// path; production code simply delegates to the time package.
var timeNow = time.Now

func timeSince(t time.Time) time.Duration { return time.Since(t) }
