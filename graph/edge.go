package graph

// Router is a pure function of post-node state that selects a label for a
// conditional edge. It must not have side effects: the engine may
// re-evaluate it cheaply on retries and during replay.
type Router[S any] func(state S) string

// edgeKind distinguishes the three edge shapes a node's single outgoing
// connection can take. A node has at most one of these.
type edgeKind int

const (
	edgeNone edgeKind = iota
	edgeStatic
	edgeConditional
	edgeParallel
)

// outgoing captures the single outgoing connection declared for a node,
// whichever kind it is. Exactly one of the kind-specific fields is
// populated, selected by kind.
type outgoing[S any] struct {
	kind edgeKind

	// edgeStatic
	staticTo NodeID

	// edgeConditional
	router       Router[S]
	labelTargets map[string]NodeID
	labels       []string // declared order, for reproducible validation errors

	// edgeParallel
	parallelTargets []NodeID
}

// resolve computes the set of successor NodeIDs for a node that just
// finished executing, given the merged post-step state. For a conditional
// edge this evaluates the router; an unknown returned label is a
// programming error surfaced by the caller (the router is validated to
// only return declared labels at the time the graph was compiled, but a
// router can still misbehave at runtime, e.g. by returning a label computed
// from data it shouldn't have seen).
func (o outgoing[S]) resolve(state S) ([]NodeID, error) {
	switch o.kind {
	case edgeStatic:
		return []NodeID{o.staticTo}, nil
	case edgeConditional:
		label := o.router(state)
		target, ok := o.labelTargets[label]
		if !ok {
			return nil, &StructuralError{
				Kind:    ErrUnknownLabel,
				Message: "router returned undeclared label " + label,
			}
		}
		return []NodeID{target}, nil
	case edgeParallel:
		return append([]NodeID(nil), o.parallelTargets...), nil
	default:
		// No outgoing edge declared: treat as implicit end.
		return []NodeID{End}, nil
	}
}
