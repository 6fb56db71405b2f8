package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/olavnet/olav/flow/event"
)

// Broker fans published events out to the HTTP connections subscribed to
// their thread. It is the sink wired into the workflow runtime; handlers
// subscribe per request and read events off a bounded stream.
//
// A subscriber that stops draining is dropped rather than allowed to stall
// the run: the durable trail still holds every event, so a dropped client
// reconnects through the replay endpoint.
type Broker struct {
	buffer  int
	timeout time.Duration

	// OnCoalesce observes display deltas merged under backpressure,
	// typically flow.Metrics.EventCoalesced.
	OnCoalesce func()

	mu   sync.Mutex
	subs map[string][]*Subscription
	next int
}

// NewBroker creates a broker. Buffer is the per-subscription event
// capacity (zero means 256); timeout bounds how long a publish waits on a
// full subscriber before dropping it (zero means 2s).
func NewBroker(buffer int, timeout time.Duration) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Broker{
		buffer:  buffer,
		timeout: timeout,
		subs:    make(map[string][]*Subscription),
	}
}

// Subscription is one connection's view of a thread's live events.
type Subscription struct {
	broker   *Broker
	threadID string
	id       int
	stream   *event.Stream
}

// Subscribe registers a live listener for a thread. Close it when the
// connection ends.
func (b *Broker) Subscribe(threadID string) *Subscription {
	st := event.NewStream(b.buffer, b.timeout)
	st.OnCoalesce = b.OnCoalesce

	b.mu.Lock()
	b.next++
	sub := &Subscription{broker: b, threadID: threadID, id: b.next, stream: st}
	b.subs[threadID] = append(b.subs[threadID], sub)
	b.mu.Unlock()
	return sub
}

// Next blocks for the next event. Returns event.ErrStreamClosed once the
// subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (event.Event, error) {
	return s.stream.Next(ctx)
}

// Close detaches the subscription. Buffered events remain readable.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.stream.Close()
}

// Send routes one event to the subscribers of its thread. A full or closed
// subscription is dropped; Send never fails the publishing run.
func (b *Broker) Send(ctx context.Context, ev event.Event) error {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs[ev.ThreadID]))
	copy(subs, b.subs[ev.ThreadID])
	b.mu.Unlock()

	for _, sub := range subs {
		err := sub.stream.Publish(ctx, ev)
		if errors.Is(err, event.ErrStreamStalled) || errors.Is(err, event.ErrStreamClosed) {
			sub.Close()
		}
	}
	return nil
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.threadID]
	for i, sub := range subs {
		if sub.id == s.id {
			b.subs[s.threadID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.threadID]) == 0 {
		delete(b.subs, s.threadID)
	}
}
