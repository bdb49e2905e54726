package graph

import (
	"errors"
	"strconv"
)

// StructuralErrorKind enumerates the compile-time validation failures a
// topology can have. Structural errors are reported at compile time and
// are never retried.
type StructuralErrorKind int

const (
	// ErrMissingEntry indicates no entry point was set before Compile.
	ErrMissingEntry StructuralErrorKind = iota
	// ErrUnknownNode indicates an edge references a node that was never added.
	ErrUnknownNode
	// ErrDuplicateNode indicates AddNode was called twice for the same name
	// without the explicit replace variant.
	ErrDuplicateNode
	// ErrUnknownLabel indicates a conditional edge's router can reach a
	// label that has no declared target, or returned one at runtime.
	ErrUnknownLabel
	// ErrParallelRequiresMerge indicates a topology has parallel edges but
	// the state type has no merge capability and none was supplied.
	ErrParallelRequiresMerge
	// ErrEmptyNodeName indicates AddNode was called with an empty name.
	ErrEmptyNodeName
	// ErrMultipleOutgoing indicates a node already has an outgoing edge of a
	// different kind declared.
	ErrMultipleOutgoing
)

// StructuralError is returned by Builder.Compile/CompileWithMerge when the
// topology fails validation. It is never retried.
type StructuralError struct {
	Kind    StructuralErrorKind
	NodeID  NodeID
	Message string
}

func (e *StructuralError) Error() string { return "graph: " + e.Message }

// Resource errors: fatal to the invocation that raised them, but previous
// checkpoints remain valid.
var (
	// ErrRecursionLimitExceeded is returned when an execution's step counter
	// exceeds the configured recursion limit.
	ErrRecursionLimitExceeded = errors.New("dashflow: recursion limit exceeded")

	// ErrStepTimeout names the step-timeout failure. No code path in this
	// module returns it: an expired Config.Timeout or per-node timeout is
	// reported through the context's own error, context.DeadlineExceeded.
	ErrStepTimeout = errors.New("dashflow: step timeout exceeded")

	// ErrStateSizeExceeded names the state-too-large failure. No code path
	// in this module returns it, and there is no setting for a maximum
	// checkpoint payload size.
	ErrStateSizeExceeded = errors.New("dashflow: state size exceeds limit")
)

// Interrupt/resume errors.
var (
	// ErrNoCheckpointToResume is returned by Resume when no checkpoint
	// exists yet for the given thread.
	ErrNoCheckpointToResume = errors.New("dashflow: no checkpoint to resume from")

	// ErrInterruptWithoutCheckpointer is returned when an interrupt point is
	// reached but the engine has no configured checkpointer.
	ErrInterruptWithoutCheckpointer = errors.New("dashflow: interrupt requires a checkpointer")

	// ErrResumeWithoutCheckpointer is returned by Resume when the engine has
	// no configured checkpointer.
	ErrResumeWithoutCheckpointer = errors.New("dashflow: resume requires a checkpointer")
)

// ExecError is the typed, caller-visible failure returned by Invoke/Stream.
// It names the step at which the failure occurred and the node when
// applicable.
type ExecError struct {
	Step   int
	NodeID NodeID
	Err    error
}

func (e *ExecError) Error() string {
	if e.NodeID != "" {
		return "dashflow: step " + strconv.Itoa(e.Step) + ": node " + string(e.NodeID) + ": " + e.Err.Error()
	}
	return "dashflow: step " + strconv.Itoa(e.Step) + ": " + e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }
