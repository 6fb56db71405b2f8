package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/flow/store"
)

// Concurrent emitters from a parallel batch must land in the trail in the
// order their sequence numbers were assigned.
func TestPublisherConcurrentEmitsKeepTrailOrdered(t *testing.T) {
	st := store.NewMemStore[struct{}]()
	p := NewPublisher("t1", nil, st, 0)

	const workers, perWorker = 8, 40
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := p.Emit(context.Background(), event.Event{Type: event.TypeMessage, Text: "x"}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	evs, err := st.EventsSince(context.Background(), "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != workers*perWorker {
		t.Fatalf("trail has %d events, want %d", len(evs), workers*perWorker)
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("trail out of order at index %d: seq %d", i, ev.Seq)
		}
	}
	if p.LastSeq() != uint64(workers*perWorker) {
		t.Fatalf("LastSeq = %d", p.LastSeq())
	}
}

func TestPublisherStampsPosition(t *testing.T) {
	st := store.NewMemStore[struct{}]()
	p := NewPublisher("t2", nil, st, 10)
	p.at(3, "macro_read")
	if err := p.Emit(context.Background(), event.Event{Type: event.TypeThinking, Text: "scanning"}); err != nil {
		t.Fatal(err)
	}
	evs, err := st.EventsSince(context.Background(), "t2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
	ev := evs[0]
	if ev.Seq != 11 || ev.ThreadID != "t2" || ev.Step != 3 || ev.Node != "macro_read" {
		t.Fatalf("stamped event = %+v", ev)
	}
}
