package emit

import "context"

// Emitter receives observability events from the execution engine. Emit
// must be effectively infallible from the engine's perspective: it must
// not block the step loop and must not panic. Implementations that need to
// shed load (a lagging subscriber, a full downstream queue) drop events
// and account for the drop rather than stalling the producer.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}

// Sequencer hands out strictly increasing, per-thread sequence numbers.
// The engine owns one Sequencer per running thread and stamps every Event
// it produces before handing it to an Emitter.
type Sequencer struct {
	next uint64
}

// Next returns the next sequence number for this thread, starting at 1.
func (s *Sequencer) Next() uint64 {
	s.next++
	return s.next
}
