package graph

import (
	"time"

	"github.com/dashflow/dashflow/graph/emit"
	"github.com/dashflow/dashflow/graph/store"
)

// StreamMode selects what Stream emits on its output channel.
type StreamMode int

const (
	// StreamValues emits the full state after every step.
	StreamValues StreamMode = iota
	// StreamUpdates is intended to emit only the per-node delta rather than
	// the full merged state, but the engine does not track per-node deltas
	// separately from the merged state today: it currently emits the same
	// full post-step state as StreamValues. Treat it as an alias of
	// StreamValues until per-node delta tracking is implemented.
	StreamUpdates
	// StreamEvents emits the raw emit.Event stream the engine produces
	// internally, with no state values at all.
	StreamEvents
)

// Config collects the per-invocation settings accepted by Invoke, Stream
// and Resume. Zero value is a usable default: no thread_id (an
// ephemeral, non-resumable run), no recursion limit, no timeout, no
// checkpointer, no scheduler, and a NullEmitter event sink.
type Config struct {
	ThreadID       string
	RecursionLimit int
	Timeout        time.Duration
	Checkpointer   store.Checkpointer
	// Scheduler holds a Scheduler[S] for whatever state type the engine it
	// is passed to was instantiated with. Config itself cannot name S (one
	// Config value is shared by every Engine[S] regardless of S), so it is
	// stored type-erased here and recovered with a type assertion at the
	// point of use; a mismatched type fails that call with a clear error
	// rather than panicking.
	Scheduler       any
	EventSink       emit.Emitter
	StreamMode      StreamMode
	EventBufferSize int
	Metrics         *Metrics
}

// Option configures a Config. Options compose left to right; later options
// override earlier ones for the same field.
type Option func(*Config)

// WithThreadID sets the thread_id used to partition checkpoints and event
// sequence numbers. Required for Resume and for any run that should survive
// a crash.
func WithThreadID(id string) Option {
	return func(c *Config) { c.ThreadID = id }
}

// WithRecursionLimit caps the number of steps an invocation may take before
// failing with ErrRecursionLimitExceeded. Zero (the default) means no limit.
func WithRecursionLimit(n int) Option {
	return func(c *Config) { c.RecursionLimit = n }
}

// WithTimeout bounds the wall-clock duration of a single Invoke/Stream/Resume
// call. Zero (the default) means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithCheckpointer attaches durable storage. Required for Resume, for
// interrupt-before nodes, and for any run that must survive a crash.
func WithCheckpointer(cp store.Checkpointer) Option {
	return func(c *Config) { c.Checkpointer = cp }
}

// WithScheduler delegates parallel-frontier execution to a work-stealing
// scheduler instead of the engine's own cooperative fan-out. s must
// implement Scheduler[S] for whatever state type the Engine it is passed to
// was built with; a mismatch surfaces as an error from the run rather than
// at Option-application time, since Config cannot check that here.
func WithScheduler[S any](s Scheduler[S]) Option {
	return func(c *Config) { c.Scheduler = s }
}

// WithEventSink attaches the emit.Emitter every lifecycle event is sent to.
// Defaults to emit.NewNullEmitter() when unset.
func WithEventSink(sink emit.Emitter) Option {
	return func(c *Config) { c.EventSink = sink }
}

// WithStreamMode selects what Stream's output channel carries.
func WithStreamMode(mode StreamMode) Option {
	return func(c *Config) { c.StreamMode = mode }
}

// WithEventBufferSize sets the capacity of Stream's output channel and of
// any internal broadcast buffering the engine performs. Default 1000,
// matching the bounded-broadcast backpressure-drop depth.
func WithEventBufferSize(n int) Option {
	return func(c *Config) { c.EventBufferSize = n }
}

// WithMetrics attaches a Prometheus metrics collector. Unset, the engine
// records nothing (all Metrics methods tolerate a nil receiver).
func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

func newConfig(opts []Option) Config {
	cfg := Config{
		EventSink:       emit.NewNullEmitter(),
		EventBufferSize: 1000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
