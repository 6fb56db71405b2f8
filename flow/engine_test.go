package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/flow/store"
	"github.com/olavnet/olav/gate"
)

type testState struct {
	Query    string         `json:"query"`
	Steps    []string       `json:"steps,omitempty"`
	Decision *gate.Decision `json:"decision,omitempty"`
	Outcome  string         `json:"outcome,omitempty"`
}

func testReducer(prev, delta testState) testState {
	if delta.Query != "" {
		prev.Query = delta.Query
	}
	prev.Steps = append(prev.Steps, delta.Steps...)
	if delta.Decision != nil {
		prev.Decision = delta.Decision
	}
	if delta.Outcome != "" {
		prev.Outcome = delta.Outcome
	}
	return prev
}

func install(s testState, d gate.Decision) testState {
	s.Decision = &d
	return s
}

func newEngine(t *testing.T, st store.Store[testState], sink event.Sink) *Engine[testState] {
	t.Helper()
	return New(testReducer, st, sink,
		WithResumeInstaller[testState](install),
		WithOutcome[testState](func(s testState) string { return s.Outcome }),
	)
}

func step(name string, route Next) NodeFunc[testState] {
	return func(_ context.Context, _ testState) NodeResult[testState] {
		return NodeResult[testState]{Delta: testState{Steps: []string{name}}, Route: route}
	}
}

func TestEngineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("linear run checkpoints every node", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		eng := newEngine(t, st, nil)
		eng.Add("a", step("a", Goto("b")))
		eng.Add("b", step("b", Goto("c")))
		eng.Add("c", step("c", Stop()))
		eng.StartAt("a")

		final, err := eng.Run(ctx, "t1", testState{Query: "q"})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(final.Steps) != 3 || final.Steps[2] != "c" {
			t.Fatalf("steps = %v", final.Steps)
		}

		history, err := st.History(ctx, "t1")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 3 {
			t.Fatalf("checkpoints = %d, want 3", len(history))
		}
		if history[0].NextNode != "b" || history[2].NextNode != "" {
			t.Fatalf("next nodes = %q, %q", history[0].NextNode, history[2].NextNode)
		}
	})

	t.Run("edge routing when node gives no route", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		eng := newEngine(t, st, nil)
		eng.Add("start", step("start", Next{}))
		eng.Add("low", step("low", Stop()))
		eng.Add("high", step("high", Stop()))
		eng.Connect("start", "high", func(s testState) bool { return s.Query == "big" })
		eng.Connect("start", "low", nil)
		eng.StartAt("start")

		final, err := eng.Run(ctx, "t1", testState{Query: "big"})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if final.Steps[len(final.Steps)-1] != "high" {
			t.Fatalf("steps = %v", final.Steps)
		}
	})

	t.Run("done event carries outcome", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		sink := event.NewBufferedSink()
		eng := newEngine(t, st, sink)
		eng.Add("a", NodeFunc[testState](func(context.Context, testState) NodeResult[testState] {
			return NodeResult[testState]{Delta: testState{Outcome: "rejected"}, Route: Stop()}
		}))
		eng.StartAt("a")

		if _, err := eng.Run(ctx, "t1", testState{}); err != nil {
			t.Fatalf("run: %v", err)
		}
		dones := sink.ByType(event.TypeDone)
		if len(dones) != 1 || dones[0].Outcome != "rejected" {
			t.Fatalf("done events = %+v", dones)
		}
	})

	t.Run("max steps aborts with resource error", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		eng := New(testReducer, st, nil, WithMaxSteps[testState](5))
		eng.Add("loop", step("loop", Goto("loop")))
		eng.StartAt("loop")

		_, err := eng.Run(ctx, "t1", testState{})
		var fe *Error
		if !errors.As(err, &fe) || fe.Kind != KindResource {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("node error surfaces classified", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		sink := event.NewBufferedSink()
		eng := newEngine(t, st, sink)
		eng.Add("boom", NodeFunc[testState](func(context.Context, testState) NodeResult[testState] {
			return NodeResult[testState]{Err: Errf(KindPlanner, "unusable plan")}
		}))
		eng.StartAt("boom")

		_, err := eng.Run(ctx, "t1", testState{})
		var fe *Error
		if !errors.As(err, &fe) || fe.Kind != KindPlanner || fe.Node != "boom" {
			t.Fatalf("err = %v", err)
		}
		if len(sink.ByType(event.TypeError)) != 1 {
			t.Fatal("missing error event")
		}
	})
}

func TestEngineInterruptResume(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	sink := event.NewBufferedSink()
	eng := newEngine(t, st, sink)

	// The gated node interrupts until a decision is present, then routes
	// on it, mirroring how workflow approval nodes behave.
	eng.Add("plan", step("plan", Goto("gate")))
	eng.Add("gate", NodeFunc[testState](func(_ context.Context, s testState) NodeResult[testState] {
		if s.Decision == nil {
			return NodeResult[testState]{
				Delta: testState{Steps: []string{"gate-ask"}},
				Interrupt: &gate.ExecutionPlan{
					ID: "plan-1", ThreadID: "t1", Tool: "device_config", Risk: gate.RiskMedium,
				},
			}
		}
		if s.Decision.Action == gate.ActionApprove {
			return NodeResult[testState]{Delta: testState{Steps: []string{"gate-ok"}}, Route: Goto("apply")}
		}
		return NodeResult[testState]{Delta: testState{Outcome: "rejected"}, Route: Stop()}
	}))
	eng.Add("apply", step("apply", Stop()))
	eng.StartAt("plan")

	_, err := eng.Run(ctx, "t1", testState{Query: "change"})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("run: %v, want ErrInterrupted", err)
	}

	// The interrupt is durable and visible.
	ir, err := st.PendingInterrupt(ctx, "t1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if ir.NodeID != "gate" || ir.Plan.ID != "plan-1" {
		t.Fatalf("interrupt = %+v", ir)
	}
	interrupts := sink.ByType(event.TypeInterrupt)
	if len(interrupts) != 1 || interrupts[0].Plan.ID != "plan-1" {
		t.Fatalf("interrupt events = %+v", interrupts)
	}

	// Run on an interrupted thread is refused.
	if _, err := eng.Run(ctx, "t1", testState{}); !errors.Is(err, ErrAwaitingDecision) {
		t.Fatalf("run while interrupted: %v", err)
	}

	final, err := eng.Resume(ctx, "t1", gate.Decision{Action: gate.ActionApprove, Approver: "noc"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := []string{"plan", "gate-ask", "gate-ok", "apply"}
	if len(final.Steps) != len(want) {
		t.Fatalf("steps = %v, want %v", final.Steps, want)
	}
	for i := range want {
		if final.Steps[i] != want[i] {
			t.Fatalf("steps = %v, want %v", final.Steps, want)
		}
	}
	if _, err := st.PendingInterrupt(ctx, "t1"); !errors.Is(err, store.ErrNoInterrupt) {
		t.Fatalf("interrupt not cleared: %v", err)
	}

	// Sequence numbers continue across the resume without duplicates.
	var last uint64
	for _, ev := range sink.Events() {
		if ev.Seq <= last {
			t.Fatalf("sequence regressed: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestEngineResumeReject(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	eng := newEngine(t, st, nil)
	eng.Add("gate", NodeFunc[testState](func(_ context.Context, s testState) NodeResult[testState] {
		if s.Decision == nil {
			return NodeResult[testState]{Interrupt: &gate.ExecutionPlan{ID: "p"}}
		}
		return NodeResult[testState]{Delta: testState{Outcome: "rejected"}, Route: Stop()}
	}))
	eng.StartAt("gate")

	if _, err := eng.Run(ctx, "t1", testState{}); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("run: %v", err)
	}
	final, err := eng.Resume(ctx, "t1", gate.Decision{Action: gate.ActionReject, Reason: "no"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Outcome != "rejected" {
		t.Fatalf("outcome = %q", final.Outcome)
	}
	if final.Decision == nil || final.Decision.Reason != "no" {
		t.Fatalf("decision = %+v", final.Decision)
	}
}

func TestEngineCrashRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()

	// First engine: run half the graph, then "crash" by stopping at b
	// via a node error after the checkpoint of a.
	eng1 := newEngine(t, st, nil)
	eng1.Add("a", step("a", Goto("b")))
	eng1.Add("b", NodeFunc[testState](func(context.Context, testState) NodeResult[testState] {
		return NodeResult[testState]{Err: Errf(KindTransient, "backend flap")}
	}))
	eng1.StartAt("a")
	if _, err := eng1.Run(ctx, "t1", testState{Query: "q"}); err == nil {
		t.Fatal("expected failure")
	}

	// New process: same store, healthy node b. Run continues from the
	// frontier instead of restarting at a.
	eng2 := newEngine(t, st, nil)
	eng2.Add("a", step("a", Goto("b")))
	eng2.Add("b", step("b", Stop()))
	eng2.StartAt("a")

	final, err := eng2.Run(ctx, "t1", testState{})
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	want := []string{"a", "b"}
	if len(final.Steps) != 2 || final.Steps[0] != want[0] || final.Steps[1] != want[1] {
		t.Fatalf("steps = %v, duplicate or missing work after recovery", final.Steps)
	}

	// A fully completed thread returns its final state untouched.
	again, err := eng2.Run(ctx, "t1", testState{})
	if err != nil {
		t.Fatalf("idempotent rerun: %v", err)
	}
	if len(again.Steps) != 2 {
		t.Fatalf("rerun steps = %v", again.Steps)
	}
	history, _ := st.History(ctx, "t1")
	if len(history) != 2 {
		t.Fatalf("checkpoints = %d, rerun must not add steps", len(history))
	}
}

func TestEngineCancel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	eng := newEngine(t, st, nil)

	started := make(chan struct{})
	eng.Add("slow", NodeFunc[testState](func(ctx context.Context, _ testState) NodeResult[testState] {
		close(started)
		<-ctx.Done()
		return NodeResult[testState]{Err: ctx.Err()}
	}))
	eng.StartAt("slow")

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(ctx, "t1", testState{})
		done <- err
	}()

	<-started
	if !eng.Cancel("t1") {
		t.Fatal("cancel found no running thread")
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if eng.Cancel("t1") {
		t.Fatal("cancel on idle thread reported true")
	}
}

// A true return from Cancel must actually stop the run, including when the
// cancel lands before the first node starts executing.
func TestEngineCancelRightAfterStart(t *testing.T) {
	st := store.NewMemStore[testState]()
	eng := newEngine(t, st, nil)
	eng.Add("wait", NodeFunc[testState](func(ctx context.Context, _ testState) NodeResult[testState] {
		<-ctx.Done()
		return NodeResult[testState]{Err: ctx.Err()}
	}))
	eng.StartAt("wait")

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), "t1", testState{})
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for !eng.Cancel("t1") {
		select {
		case <-deadline:
			t.Fatal("run never became cancellable")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel returned true but the run kept going")
	}
}

func TestEngineThreadBusy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	eng := newEngine(t, st, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	eng.Add("hold", NodeFunc[testState](func(context.Context, testState) NodeResult[testState] {
		close(started)
		<-release
		return NodeResult[testState]{Route: Stop()}
	}))
	eng.StartAt("hold")

	go eng.Run(ctx, "t1", testState{})
	<-started

	if _, err := eng.Run(ctx, "t1", testState{}); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("concurrent run: %v", err)
	}
	close(release)
}

func TestEngineHardTimeout(t *testing.T) {
	st := store.NewMemStore[testState]()
	eng := New(testReducer, st, nil,
		WithNodeTimeout[testState](0, 50*time.Millisecond),
	)
	eng.Add("stuck", NodeFunc[testState](func(ctx context.Context, _ testState) NodeResult[testState] {
		<-ctx.Done()
		// Simulate a node that ignores cancellation for a while.
		time.Sleep(2 * time.Second)
		return NodeResult[testState]{Route: Stop()}
	}))
	eng.StartAt("stuck")

	_, err := eng.Run(context.Background(), "t1", testState{})
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindResource {
		t.Fatalf("err = %v", err)
	}
}
