package event

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStreamClosed is returned by Publish after Close and by Next once the
// buffer drains after Close.
var ErrStreamClosed = errors.New("event stream closed")

// ErrStreamStalled is returned when a non-coalescible event cannot be
// buffered within the publish timeout: the subscriber is not draining.
var ErrStreamStalled = errors.New("event stream stalled: subscriber not draining")

// Stream is the bounded one-producer, one-subscriber conduit between a
// workflow run and its SSE connection.
//
// Ordering is strict FIFO. Under backpressure, adjacent token and thinking
// deltas coalesce (their text concatenates) instead of being dropped;
// tool lifecycle, interrupt, and terminal events never coalesce. When the
// buffer is full and the event cannot coalesce, Publish blocks up to the
// publish timeout and then fails with ErrStreamStalled so the engine can
// abort the run with a resource error rather than hang.
type Stream struct {
	mu     sync.Mutex
	buf    []Event
	max    int
	closed bool

	items chan struct{} // signals buffered data
	space chan struct{} // signals freed capacity

	timeout time.Duration

	// OnCoalesce observes each merge, for metrics.
	OnCoalesce func()
}

// NewStream creates a stream with the given buffer capacity (minimum 1)
// and publish timeout (zero means 5s).
func NewStream(capacity int, timeout time.Duration) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Stream{
		max:     capacity,
		items:   make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		timeout: timeout,
	}
}

// Publish appends an event, coalescing or blocking under backpressure.
func (s *Stream) Publish(ctx context.Context, ev Event) error {
	var timer *time.Timer
	var expired <-chan time.Time
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrStreamClosed
		}
		if len(s.buf) < s.max {
			s.buf = append(s.buf, ev)
			s.mu.Unlock()
			signal(s.items)
			return nil
		}
		if ev.Coalescible() {
			if s.coalesceLocked(ev) {
				s.mu.Unlock()
				signal(s.items)
				return nil
			}
		}
		s.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(s.timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-s.space:
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return ErrStreamStalled
		}
	}
}

// coalesceLocked merges ev into the newest buffered event of the same type,
// provided no non-coalescible event was published after it. Merging across
// a tool or interrupt boundary would reorder the display.
func (s *Stream) coalesceLocked(ev Event) bool {
	for i := len(s.buf) - 1; i >= 0; i-- {
		if !s.buf[i].Coalescible() {
			return false
		}
		if s.buf[i].Type == ev.Type {
			s.buf[i].Text += ev.Text
			if s.OnCoalesce != nil {
				s.OnCoalesce()
			}
			return true
		}
	}
	return false
}

// Send makes Stream usable as a Sink.
func (s *Stream) Send(ctx context.Context, ev Event) error {
	return s.Publish(ctx, ev)
}

// Next blocks until an event is available, the context ends, or the stream
// is closed and drained.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			remaining := len(s.buf)
			s.mu.Unlock()
			signal(s.space)
			if remaining > 0 {
				signal(s.items)
			}
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrStreamClosed
		}

		select {
		case <-s.items:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close stops publication. Buffered events remain readable via Next.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	signal(s.items)
	signal(s.space)
}

// Len returns the number of buffered events.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
