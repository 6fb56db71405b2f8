package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/gate"
)

type testState struct {
	Query    string   `json:"query"`
	Findings []string `json:"findings,omitempty"`
}

// closer lets the conformance suite clean up SQL-backed stores.
type closer interface{ Close() error }

func runStoreConformance(t *testing.T, name string, open func(t *testing.T) Store[testState]) {
	t.Run(name+"/checkpoints", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		if _, err := s.Latest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("latest on empty thread: %v", err)
		}

		for step := 1; step <= 3; step++ {
			err := s.Put(ctx, "t1", StepRecord[testState]{
				Step:     step,
				NodeID:   "node",
				NextNode: "next",
				State:    testState{Query: "q", Findings: []string{"f"}},
				SavedAt:  time.Now(),
			})
			if err != nil {
				t.Fatalf("put step %d: %v", step, err)
			}
		}

		latest, err := s.Latest(ctx, "t1")
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if latest.Step != 3 || latest.NextNode != "next" || latest.State.Query != "q" {
			t.Fatalf("latest = %+v", latest)
		}

		history, err := s.History(ctx, "t1")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 3 || history[0].Step != 1 {
			t.Fatalf("history = %+v", history)
		}
	})

	t.Run(name+"/stale step rejected", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.Put(ctx, "t1", StepRecord[testState]{Step: 1, NodeID: "a"}); err != nil {
			t.Fatalf("put: %v", err)
		}
		// Duplicate commit of the same step, as after a crash replay.
		if err := s.Put(ctx, "t1", StepRecord[testState]{Step: 1, NodeID: "a"}); !errors.Is(err, ErrStaleStep) {
			t.Fatalf("duplicate put: %v", err)
		}
		// Gaps are rejected too.
		if err := s.Put(ctx, "t1", StepRecord[testState]{Step: 5, NodeID: "a"}); !errors.Is(err, ErrStaleStep) {
			t.Fatalf("gap put: %v", err)
		}
	})

	t.Run(name+"/interrupts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		if _, err := s.PendingInterrupt(ctx, "t1"); !errors.Is(err, ErrNoInterrupt) {
			t.Fatalf("pending on clean thread: %v", err)
		}

		ir := InterruptRecord{
			NodeID: "propose",
			Plan: gate.ExecutionPlan{
				ID:       "plan-1",
				ThreadID: "t1",
				Tool:     "device_config",
				Args:     map[string]any{"device": "r1"},
				Risk:     gate.RiskMedium,
			},
			CreatedAt: time.Now(),
		}
		if err := s.MarkInterrupt(ctx, "t1", ir); err != nil {
			t.Fatalf("mark: %v", err)
		}
		got, err := s.PendingInterrupt(ctx, "t1")
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if got.NodeID != "propose" || got.Plan.ID != "plan-1" || got.Plan.Args["device"] != "r1" {
			t.Fatalf("got %+v", got)
		}

		if err := s.ClearInterrupt(ctx, "t1"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if _, err := s.PendingInterrupt(ctx, "t1"); !errors.Is(err, ErrNoInterrupt) {
			t.Fatalf("pending after clear: %v", err)
		}
		// Clearing again is a no-op.
		if err := s.ClearInterrupt(ctx, "t1"); err != nil {
			t.Fatalf("double clear: %v", err)
		}
	})

	t.Run(name+"/audit range", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 3; i++ {
			err := s.AppendAudit(ctx, gate.AuditRecord{
				ID:          string(rune('a' + i)),
				ThreadID:    "t1",
				Tool:        "device_config",
				Risk:        gate.RiskMedium,
				Decision:    gate.ActionApprove,
				RequestedAt: base.Add(time.Duration(i) * time.Hour),
			})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		s.AppendAudit(ctx, gate.AuditRecord{ID: "x", ThreadID: "t2", RequestedAt: base})

		all, err := s.AuditRange(ctx, "t1", time.Time{}, time.Time{})
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("all = %d records", len(all))
		}
		mid, err := s.AuditRange(ctx, "t1", base.Add(30*time.Minute), base.Add(90*time.Minute))
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if len(mid) != 1 || mid[0].ID != "b" {
			t.Fatalf("mid = %+v", mid)
		}
	})

	t.Run(name+"/event trail", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		evs := []event.Event{
			{Seq: 1, ThreadID: "t1", Type: event.TypeToolStart, Tool: "telemetry_read"},
			{Seq: 2, ThreadID: "t1", Type: event.TypeToolEnd, Rows: 4},
			{Seq: 3, ThreadID: "t1", Type: event.TypeDone, Outcome: "completed"},
		}
		if err := s.AppendEvents(ctx, "t1", evs); err != nil {
			t.Fatalf("append: %v", err)
		}
		// Replayed append of an already-stored seq keeps the first copy.
		if err := s.AppendEvents(ctx, "t1", evs[:1]); err != nil {
			t.Fatalf("replay append: %v", err)
		}

		tail, err := s.EventsSince(ctx, "t1", 1)
		if err != nil {
			t.Fatalf("since: %v", err)
		}
		if len(tail) != 2 || tail[0].Seq != 2 || tail[1].Type != event.TypeDone {
			t.Fatalf("tail = %+v", tail)
		}
		all, _ := s.EventsSince(ctx, "t1", 0)
		if len(all) != 3 {
			t.Fatalf("all = %d events", len(all))
		}
	})

	t.Run(name+"/list threads", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		s.Put(ctx, "t1", StepRecord[testState]{Step: 1, NodeID: "a", SavedAt: time.Now().Add(-time.Hour)})
		s.Put(ctx, "t2", StepRecord[testState]{Step: 1, NodeID: "b", SavedAt: time.Now()})
		s.MarkInterrupt(ctx, "t2", InterruptRecord{NodeID: "b"})

		threads, err := s.ListThreads(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(threads) != 2 {
			t.Fatalf("threads = %+v", threads)
		}
		if threads[0].ThreadID != "t2" || !threads[0].Interrupted {
			t.Fatalf("first = %+v", threads[0])
		}
		if threads[1].ThreadID != "t1" || threads[1].Interrupted {
			t.Fatalf("second = %+v", threads[1])
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreConformance(t, "mem", func(t *testing.T) Store[testState] {
		return NewMemStore[testState]()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreConformance(t, "sqlite", func(t *testing.T) Store[testState] {
		s, err := NewSQLiteStore[testState](filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoreClose(t *testing.T) {
	s, err := NewSQLiteStore[testState](filepath.Join(t.TempDir(), "close.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if err := s.Put(context.Background(), "t1", StepRecord[testState]{Step: 1}); err == nil {
		t.Fatal("put on closed store succeeded")
	}
}
