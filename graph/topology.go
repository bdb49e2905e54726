package graph

import (
	"sort"
	"time"
)

// Topology is the immutable, compiled representation of a graph: nodes,
// their single outgoing connection each, the entry point, and whether any
// parallel fan-out is present. It is produced by Builder.Compile or
// Builder.CompileWithMerge and is safe for concurrent use by any number of
// executions.
type Topology[S any] struct {
	nodes           map[NodeID]NodeFunc[S]
	out             map[NodeID]outgoing[S]
	entry           NodeID
	hasParallel     bool
	mergeFn         MergeFunc[S]
	nodeTimeouts    map[NodeID]time.Duration
	interruptBefore map[NodeID]bool
}

// Builder assembles a Topology incrementally. It is not safe for concurrent
// use; build the graph from a single goroutine and Compile it once.
type Builder[S any] struct {
	nodes           map[NodeID]NodeFunc[S]
	out             map[NodeID]outgoing[S]
	entry           NodeID
	err             *StructuralError
	nodeTimeouts    map[NodeID]time.Duration
	interruptBefore map[NodeID]bool
}

// NewBuilder returns an empty Builder for state type S.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{
		nodes:           make(map[NodeID]NodeFunc[S]),
		out:             make(map[NodeID]outgoing[S]),
		nodeTimeouts:    make(map[NodeID]time.Duration),
		interruptBefore: make(map[NodeID]bool),
	}
}

// SetNodeTimeout sets a per-node execution timeout for name. It applies
// inside the invocation's Config.Timeout deadline, so whichever of the two
// expires first ends the node. A node with no override runs under whatever
// timeout the invocation's Config establishes.
func (b *Builder[S]) SetNodeTimeout(name NodeID, d time.Duration) *Builder[S] {
	b.nodeTimeouts[name] = d
	return b
}

// SetInterruptBefore marks name as an interrupt-before point: the engine
// pauses before running it, persisting a checkpoint of the pre-node state
// and returning control to the caller instead of executing the node.
func (b *Builder[S]) SetInterruptBefore(name NodeID) *Builder[S] {
	b.interruptBefore[name] = true
	return b
}

// AddNode registers a node under name. It fails (recorded, surfaced at
// Compile) if name is empty or already registered; use AddNodeReplace to
// override an existing node deliberately.
func (b *Builder[S]) AddNode(name NodeID, fn NodeFunc[S]) *Builder[S] {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = &StructuralError{Kind: ErrEmptyNodeName, Message: "node name must not be empty"}
		return b
	}
	if _, exists := b.nodes[name]; exists {
		b.err = &StructuralError{Kind: ErrDuplicateNode, NodeID: name, Message: "duplicate node: " + string(name)}
		return b
	}
	b.nodes[name] = fn
	return b
}

// AddNodeReplace registers a node under name, overwriting any existing
// registration for that name without error.
func (b *Builder[S]) AddNodeReplace(name NodeID, fn NodeFunc[S]) *Builder[S] {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = &StructuralError{Kind: ErrEmptyNodeName, Message: "node name must not be empty"}
		return b
	}
	b.nodes[name] = fn
	return b
}

// AddEdge declares a static edge: from always routes to to after
// completing, regardless of its output state.
func (b *Builder[S]) AddEdge(from, to NodeID) *Builder[S] {
	if b.err != nil {
		return b
	}
	if _, exists := b.out[from]; exists {
		b.err = &StructuralError{Kind: ErrMultipleOutgoing, NodeID: from, Message: "node already has an outgoing edge: " + string(from)}
		return b
	}
	b.out[from] = outgoing[S]{kind: edgeStatic, staticTo: to}
	return b
}

// AddConditionalEdges declares a conditional edge: after from completes,
// router is evaluated against the post-node state and the returned label
// selects the successor from targets. The full label set must be supplied
// up front; routing to a label missing from targets is a structural error.
func (b *Builder[S]) AddConditionalEdges(from NodeID, router Router[S], targets map[string]NodeID) *Builder[S] {
	if b.err != nil {
		return b
	}
	if _, exists := b.out[from]; exists {
		b.err = &StructuralError{Kind: ErrMultipleOutgoing, NodeID: from, Message: "node already has an outgoing edge: " + string(from)}
		return b
	}
	labels := make([]string, 0, len(targets))
	for l := range targets {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	tcopy := make(map[string]NodeID, len(targets))
	for k, v := range targets {
		tcopy[k] = v
	}
	b.out[from] = outgoing[S]{kind: edgeConditional, router: router, labelTargets: tcopy, labels: labels}
	return b
}

// AddParallelEdges declares a parallel fan-out: after from completes, every
// node in targets runs concurrently against a clone of from's post-state,
// and their results are reduced via merge before the engine computes the
// next frontier from each target's own outgoing edge. Declaring a parallel
// edge sets the topology's hasParallel flag, which Compile checks against
// the state type's merge capability.
func (b *Builder[S]) AddParallelEdges(from NodeID, targets []NodeID) *Builder[S] {
	if b.err != nil {
		return b
	}
	if _, exists := b.out[from]; exists {
		b.err = &StructuralError{Kind: ErrMultipleOutgoing, NodeID: from, Message: "node already has an outgoing edge: " + string(from)}
		return b
	}
	b.out[from] = outgoing[S]{kind: edgeParallel, parallelTargets: append([]NodeID(nil), targets...)}
	return b
}

// SetEntryPoint designates the node at which execution begins.
func (b *Builder[S]) SetEntryPoint(name NodeID) *Builder[S] {
	if b.err != nil {
		return b
	}
	b.entry = name
	return b
}

// validate performs the structural checks common to both Compile and
// CompileWithMerge, returning the first violation found. An unreachable
// entry point (a node with no inbound edge from anywhere other than being
// the entry itself) is not checked here: it is treated as a warning, not a
// hard failure, and the engine never needs reachability information to
// execute correctly.
func (b *Builder[S]) validate() (*Topology[S], error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.entry == "" {
		return nil, &StructuralError{Kind: ErrMissingEntry, Message: "no entry point set"}
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, &StructuralError{Kind: ErrUnknownNode, NodeID: b.entry, Message: "entry point references unknown node: " + string(b.entry)}
	}
	hasParallel := false
	for from, o := range b.out {
		if _, ok := b.nodes[from]; !ok {
			return nil, &StructuralError{Kind: ErrUnknownNode, NodeID: from, Message: "edge references unknown source node: " + string(from)}
		}
		switch o.kind {
		case edgeStatic:
			if o.staticTo != End {
				if _, ok := b.nodes[o.staticTo]; !ok {
					return nil, &StructuralError{Kind: ErrUnknownNode, NodeID: o.staticTo, Message: "edge references unknown target node: " + string(o.staticTo)}
				}
			}
		case edgeConditional:
			for _, label := range o.labels {
				target := o.labelTargets[label]
				if target != End {
					if _, ok := b.nodes[target]; !ok {
						return nil, &StructuralError{Kind: ErrUnknownNode, NodeID: target, Message: "conditional edge references unknown target node: " + string(target)}
					}
				}
			}
		case edgeParallel:
			hasParallel = true
			for _, t := range o.parallelTargets {
				if t != End {
					if _, ok := b.nodes[t]; !ok {
						return nil, &StructuralError{Kind: ErrUnknownNode, NodeID: t, Message: "parallel edge references unknown target node: " + string(t)}
					}
				}
			}
		}
	}
	return &Topology[S]{
		nodes:           b.nodes,
		out:             b.out,
		entry:           b.entry,
		hasParallel:     hasParallel,
		nodeTimeouts:    b.nodeTimeouts,
		interruptBefore: b.interruptBefore,
	}, nil
}

// Compile freezes the builder into an immutable Topology. If the topology
// contains parallel edges, S must implement Merger; otherwise Compile
// fails with ErrParallelRequiresMerge. Graphs without parallel fan-out
// compile with no merge requirement at all.
func (b *Builder[S]) Compile() (*Topology[S], error) {
	t, err := b.validate()
	if err != nil {
		return nil, err
	}
	if t.hasParallel && !stateSupportsMerge[S]() {
		return nil, &StructuralError{
			Kind:    ErrParallelRequiresMerge,
			Message: "topology has parallel edges but state type does not implement Merger; use CompileWithMerge",
		}
	}
	return t, nil
}

// CompileWithMerge is like Compile but accepts an explicit merge function
// to use for parallel-frontier reduction, for state types that cannot or
// should not implement Merger directly. If merge is nil and the state type
// implements Merger, that implementation is used; if neither is available
// the default derive policy (defaultMerge) applies. CompileWithMerge never
// fails with ErrParallelRequiresMerge since it always has a merge strategy
// available, even if it is only the default derive policy.
func (b *Builder[S]) CompileWithMerge(merge MergeFunc[S]) (*Topology[S], error) {
	t, err := b.validate()
	if err != nil {
		return nil, err
	}
	t.mergeFn = merge
	return t, nil
}
