package emit

import (
	"context"
	"sync/atomic"
)

// BroadcastEmitter fans events out to a set of bounded per-subscriber
// channels. When a subscriber's channel is full, the event is dropped for
// that subscriber and DroppedCount is incremented: a slow consumer must
// never stall the engine's step loop.
type BroadcastEmitter struct {
	depth int

	subCh   chan chan Event
	unsubCh chan chan Event
	eventCh chan Event
	flushCh chan chan struct{}

	dropped atomic.Int64
}

// NewBroadcastEmitter starts a BroadcastEmitter with the given per-subscriber
// channel depth (the configurable bounded broadcast channel; default 1000
// matches the engine's own default event buffer size).
func NewBroadcastEmitter(depth int) *BroadcastEmitter {
	if depth <= 0 {
		depth = 1000
	}
	b := &BroadcastEmitter{
		depth:   depth,
		subCh:   make(chan chan Event),
		unsubCh: make(chan chan Event),
		eventCh: make(chan Event, depth),
		flushCh: make(chan chan struct{}),
	}
	go b.loop()
	return b
}

// Subscribe registers a new bounded channel that receives every
// subsequently emitted event. Call Unsubscribe when done.
func (b *BroadcastEmitter) Subscribe() chan Event {
	ch := make(chan Event, b.depth)
	b.subCh <- ch
	return ch
}

// Unsubscribe removes a previously subscribed channel.
func (b *BroadcastEmitter) Unsubscribe(ch chan Event) {
	b.unsubCh <- ch
}

// DroppedCount reports how many (subscriber, event) deliveries were
// skipped because the subscriber's channel was full (dropped_messages
// with reason=lagged_receiver).
func (b *BroadcastEmitter) DroppedCount() int64 {
	return b.dropped.Load()
}

func (b *BroadcastEmitter) loop() {
	subs := make(map[chan Event]struct{})
	for {
		select {
		case ch := <-b.subCh:
			subs[ch] = struct{}{}
		case ch := <-b.unsubCh:
			delete(subs, ch)
		case ev := <-b.eventCh:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
					b.dropped.Add(1)
				}
			}
		case reply := <-b.flushCh:
			// Deliver everything already queued before acknowledging, so
			// events emitted before Flush are not left behind in eventCh.
			for len(b.eventCh) > 0 {
				ev := <-b.eventCh
				for ch := range subs {
					select {
					case ch <- ev:
					default:
						b.dropped.Add(1)
					}
				}
			}
			close(reply)
		}
	}
}

func (b *BroadcastEmitter) Emit(event Event) {
	select {
	case b.eventCh <- event:
	default:
		// The intake buffer itself is full: same backpressure-drop
		// semantics apply at the producer boundary.
		b.dropped.Add(1)
	}
}

func (b *BroadcastEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

// Flush blocks until every event enqueued before the call has been
// delivered (or dropped) to all current subscribers.
func (b *BroadcastEmitter) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case b.flushCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
