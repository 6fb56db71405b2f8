package flow

import (
	"context"
	"sync"
	"time"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/flow/store"
)

// Publisher stamps outgoing events with the per-thread sequence number and
// position, fans them out to the configured sinks, and appends a durable
// copy to the event trail.
//
// Nodes obtain the run's publisher from the context via Emitter and emit
// with only the type-specific fields set.
type Publisher struct {
	threadID string
	sink     event.Sink
	trail    store.TrailStore

	mu   sync.Mutex
	seq  uint64
	step int
	node string
}

// NewPublisher creates a publisher starting after lastSeq. Sink and trail
// may be nil (events are then dropped or not persisted respectively).
func NewPublisher(threadID string, sink event.Sink, trail store.TrailStore, lastSeq uint64) *Publisher {
	return &Publisher{threadID: threadID, sink: sink, trail: trail, seq: lastSeq}
}

// at positions the publisher before a node executes.
func (p *Publisher) at(step int, node string) {
	p.mu.Lock()
	p.step = step
	p.node = node
	p.mu.Unlock()
}

// Emit stamps and delivers one event. The returned error is the sink's:
// a stalled subscriber surfaces here and aborts the run.
//
// The lock is held through the trail append and the sink send, so
// concurrent emitters from a parallel batch cannot reorder the trail or
// the subscriber's view relative to the assigned sequence numbers.
func (p *Publisher) Emit(ctx context.Context, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	ev.Seq = p.seq
	ev.ThreadID = p.threadID
	if ev.Step == 0 {
		ev.Step = p.step
	}
	if ev.Node == "" {
		ev.Node = p.node
	}
	ev.Timestamp = time.Now()

	if p.trail != nil {
		// Trail writes are best effort for display deltas; critical events
		// must land so reconnect replay stays complete.
		if err := p.trail.AppendEvents(ctx, p.threadID, []event.Event{ev}); err != nil && !ev.Coalescible() {
			return Wrap(KindInternal, err, "persist event trail")
		}
	}
	if p.sink == nil {
		return nil
	}
	return p.sink.Send(ctx, ev)
}

// LastSeq returns the newest assigned sequence number.
func (p *Publisher) LastSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

type publisherKey struct{}

// WithEmitter attaches a publisher to the context. The engine does this
// before driving nodes.
func WithEmitter(ctx context.Context, p *Publisher) context.Context {
	return context.WithValue(ctx, publisherKey{}, p)
}

// Emitter returns the run's publisher, or a discard publisher when none is
// attached (unit tests driving nodes directly).
func Emitter(ctx context.Context) *Publisher {
	if p, ok := ctx.Value(publisherKey{}).(*Publisher); ok {
		return p
	}
	return &Publisher{}
}
