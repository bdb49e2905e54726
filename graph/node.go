package graph

import (
	"context"
	"strconv"
)

// NodeID names a node within a topology. Names are unique within a single
// topology (enforced by Builder.AddNode).
type NodeID string

// End is the distinguished terminal target. A branch that routes to End
// contributes nothing to the next frontier; the first frontier containing
// only End targets terminates execution.
const End NodeID = ""

// NodeFunc is a node's run function: given the current state it produces
// the next state or an error. It may suspend on I/O and must be safe to
// re-enter across retries.
//
// Unlike NodeResult-based designs that let a node choose its own successor,
// routing here is entirely an edge concern (static, conditional, parallel);
// NodeFunc returns only the next state value.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// NodeError wraps an error raised by user node code with the identity of
// the node and the step at which it occurred.
type NodeError struct {
	NodeID NodeID
	Step   int
	Cause  error
}

func (e *NodeError) Error() string {
	return "node " + string(e.NodeID) + " at step " + strconv.Itoa(e.Step) + ": " + e.Cause.Error()
}

func (e *NodeError) Unwrap() error { return e.Cause }
