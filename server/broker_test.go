package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olavnet/olav/flow/event"
)

func TestBrokerRoutesByThread(t *testing.T) {
	b := NewBroker(8, time.Second)
	subA := b.Subscribe("thread-a")
	defer subA.Close()
	subB := b.Subscribe("thread-b")
	defer subB.Close()

	ctx := context.Background()
	if err := b.Send(ctx, event.Event{Seq: 1, ThreadID: "thread-a", Type: event.TypeMessage, Text: "for a"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Send(ctx, event.Event{Seq: 1, ThreadID: "thread-b", Type: event.TypeMessage, Text: "for b"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev, err := subA.Next(ctx)
	if err != nil {
		t.Fatalf("next a: %v", err)
	}
	if ev.Text != "for a" {
		t.Errorf("subscriber a got %q", ev.Text)
	}
	ev, err = subB.Next(ctx)
	if err != nil {
		t.Fatalf("next b: %v", err)
	}
	if ev.Text != "for b" {
		t.Errorf("subscriber b got %q", ev.Text)
	}
}

func TestBrokerFansOutToAllSubscribers(t *testing.T) {
	b := NewBroker(8, time.Second)
	first := b.Subscribe("t")
	defer first.Close()
	second := b.Subscribe("t")
	defer second.Close()

	ctx := context.Background()
	if err := b.Send(ctx, event.Event{Seq: 1, ThreadID: "t", Type: event.TypeThinking, Text: "shared"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i, sub := range []*Subscription{first, second} {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("subscriber %d: %v", i, err)
		}
		if ev.Text != "shared" {
			t.Errorf("subscriber %d got %q", i, ev.Text)
		}
	}
}

func TestBrokerDropsStalledSubscriber(t *testing.T) {
	b := NewBroker(1, 20*time.Millisecond)
	sub := b.Subscribe("t")
	defer sub.Close()

	ctx := context.Background()
	// Fill the buffer, then force a publish that cannot coalesce. The
	// broker must drop the subscriber instead of failing the run.
	if err := b.Send(ctx, event.Event{Seq: 1, ThreadID: "t", Type: event.TypeToolStart, Tool: "a"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Send(ctx, event.Event{Seq: 2, ThreadID: "t", Type: event.TypeToolStart, Tool: "b"}); err != nil {
		t.Fatalf("send after stall: %v", err)
	}

	// The buffered event drains, then the closed stream surfaces.
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, event.ErrStreamClosed) {
		t.Fatalf("expected closed stream, got %v", err)
	}

	b.mu.Lock()
	remaining := len(b.subs["t"])
	b.mu.Unlock()
	if remaining != 0 {
		t.Errorf("stalled subscriber still registered: %d", remaining)
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewBroker(8, time.Second)
	sub := b.Subscribe("t")
	sub.Close()

	ctx := context.Background()
	if err := b.Send(ctx, event.Event{Seq: 1, ThreadID: "t", Type: event.TypeMessage}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, event.ErrStreamClosed) {
		t.Fatalf("expected closed stream, got %v", err)
	}
}
