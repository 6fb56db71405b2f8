package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olavnet/olav/flow"
	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/gate"
	"github.com/olavnet/olav/model"
	"github.com/olavnet/olav/tool"
)

// perTable returns telemetry results keyed by the requested table.
func perTable(results map[string]tool.Result) *fakeTool {
	ft := telemetryTool(nil, nil)
	ft.fn = func(ctx context.Context, args map[string]any) (tool.Result, error) {
		table, _ := args["table"].(string)
		return results[table], nil
	}
	return ft
}

func todoByID(t *testing.T, s State, id string) Todo {
	t.Helper()
	td := s.Plan.Todo(id)
	if td == nil {
		t.Fatalf("todo %s not in plan: %+v", id, s.Plan.Todos)
	}
	return *td
}

// Infeasible todos are shown to the approver but never dispatched; the
// feasible ones run in one parallel batch.
func TestDeepDiveInfeasibleSkipped(t *testing.T) {
	chat := text(
		`{"todos": [
			{"id": "t1", "description": "bgp neighbor state", "kind": "audit", "tool": "telemetry_read", "args": {"table": "bgp"}},
			{"id": "t2", "description": "interfaces mpls enabled", "kind": "audit", "tool": "telemetry_read", "args": {"table": "interfaces"}},
			{"id": "t3", "description": "ldp session state", "kind": "audit"}
		]}`,
		"mpls is enabled on the border interfaces; ldp could not be verified, suggest a live device read",
	)
	tele := perTable(map[string]tool.Result{
		"bgp":        {Columns: []string{"neighbor", "state"}, Rows: []map[string]any{{"neighbor": "10.0.0.2", "state": "Established"}}},
		"interfaces": {Columns: []string{"name", "mpls_enabled"}, Rows: []map[string]any{{"name": "Gi0/1", "mpls_enabled": true}}},
	})
	e := newEnv(t, chat, tele)

	_, err := e.rt.Submit(context.Background(), "t-dive", "Audit MPLS LDP on all border routers", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}

	ints := e.sink.ByType(event.TypeInterrupt)
	if len(ints) != 1 {
		t.Fatalf("interrupts = %d", len(ints))
	}
	steps := ints[0].Plan.Steps
	if len(steps) != 3 {
		t.Fatalf("plan steps = %+v", steps)
	}
	byID := map[string]gate.PlannedStep{}
	for _, st := range steps {
		byID[st.TodoID] = st
	}
	if byID["t1"].Status != string(TodoFeasible) || byID["t2"].Status != string(TodoFeasible) {
		t.Fatalf("feasible classification wrong: %+v", byID)
	}
	if byID["t3"].Status != string(TodoInfeasible) || byID["t3"].Reason == "" {
		t.Fatalf("t3 = %+v", byID["t3"])
	}

	final, err := e.rt.Resume(context.Background(), "t-dive", gate.Decision{Action: gate.ActionApprove, Approver: "alex"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", final.Outcome)
	}

	if got := todoByID(t, final, "t1").Status; got != TodoDone {
		t.Fatalf("t1 = %s", got)
	}
	if got := todoByID(t, final, "t2").Status; got != TodoDone {
		t.Fatalf("t2 = %s", got)
	}
	if got := todoByID(t, final, "t3").Status; got != TodoInfeasible {
		t.Fatalf("t3 = %s", got)
	}

	// Skipped todos never produce tool events.
	if starts := e.sink.ByType(event.TypeToolStart); len(starts) != 2 {
		t.Fatalf("tool starts = %d", len(starts))
	}
}

// modify_plan feeds the instruction back into planning and re-requests
// approval with the revised plan.
func TestDeepDiveModifyPlan(t *testing.T) {
	chat := text(
		`{"todos": [
			{"id": "t1", "description": "bgp neighbor state", "kind": "audit", "tool": "telemetry_read", "args": {"table": "bgp"}},
			{"id": "t3", "description": "ldp session state", "kind": "audit"}
		]}`,
		`{"todos": [
			{"id": "t4", "description": "interfaces mpls enabled", "kind": "audit", "tool": "telemetry_read", "args": {"table": "interfaces"}}
		]}`,
		"mpls flags verified via lldp-adjacent data",
	)
	tele := perTable(map[string]tool.Result{
		"interfaces": {Columns: []string{"name", "mpls_enabled"}, Rows: []map[string]any{{"name": "Gi0/1", "mpls_enabled": true}}},
	})
	e := newEnv(t, chat, tele)

	_, err := e.rt.Submit(context.Background(), "t-modify", "Audit MPLS LDP on all border routers", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}

	_, err = e.rt.Resume(context.Background(), "t-modify", gate.Decision{
		Action:   gate.ActionModifyPlan,
		Text:     "skip BGP, use LLDP instead of MPLS flags",
		Approver: "alex",
	})
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("expected revised-plan interrupt, got %v", err)
	}

	ints := e.sink.ByType(event.TypeInterrupt)
	if len(ints) != 2 {
		t.Fatalf("interrupts = %d", len(ints))
	}
	if ints[0].Plan.ID == ints[1].Plan.ID {
		t.Fatal("revised plan reused the old plan ID")
	}
	revised := ints[1].Plan.Steps
	if len(revised) != 1 || revised[0].TodoID != "t4" {
		t.Fatalf("revised steps = %+v", revised)
	}

	final, err := e.rt.Resume(context.Background(), "t-modify", gate.Decision{Action: gate.ActionApprove, Approver: "alex"})
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if len(final.Plan.Instructions) != 1 || final.Plan.Instructions[0] != "skip BGP, use LLDP instead of MPLS flags" {
		t.Fatalf("instructions = %+v", final.Plan.Instructions)
	}
	if got := todoByID(t, final, "t4").Status; got != TodoDone {
		t.Fatalf("t4 = %s", got)
	}
}

// Rejection terminates the run as aborted-by-user without dispatching
// anything.
func TestDeepDiveRejected(t *testing.T) {
	chat := text(
		`{"todos": [{"id": "t1", "description": "bgp neighbor state", "kind": "audit", "tool": "telemetry_read", "args": {"table": "bgp"}}]}`,
	)
	tele := perTable(nil)
	e := newEnv(t, chat, tele)

	_, err := e.rt.Submit(context.Background(), "t-abort", "audit bgp", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}
	final, err := e.rt.Resume(context.Background(), "t-abort", gate.Decision{Action: gate.ActionReject, Approver: "alex"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s", final.Outcome)
	}
	if tele.callCount() != 0 {
		t.Fatal("rejected plan dispatched tools")
	}
	if doneOutcome(t, e.sink) != OutcomeAborted {
		t.Fatalf("done outcome = %s", doneOutcome(t, e.sink))
	}
}

// An empty plan terminates before approval with nothing to do.
func TestDeepDiveEmptyPlan(t *testing.T) {
	chat := text(`{"todos": []}`)
	e := newEnv(t, chat, perTable(nil))

	final, err := e.rt.Submit(context.Background(), "t-empty", "do nothing in particular", ModeExpert)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final.Outcome != OutcomeNothingToDo {
		t.Fatalf("outcome = %s", final.Outcome)
	}
	if got := len(e.sink.ByType(event.TypeInterrupt)); got != 0 {
		t.Fatalf("interrupts = %d", got)
	}
}

// A dependency cycle is replanned once with the cycle named in the
// follow-up prompt.
func TestDeepDiveCycleReplanned(t *testing.T) {
	chat := text(
		`{"todos": [
			{"id": "x", "description": "bgp neighbor state", "kind": "audit", "depends_on": ["y"]},
			{"id": "y", "description": "interfaces mpls enabled", "kind": "audit", "depends_on": ["x"]}
		]}`,
		`{"todos": [{"id": "x", "description": "bgp neighbor state", "kind": "audit", "tool": "telemetry_read", "args": {"table": "bgp"}}]}`,
	)
	e := newEnv(t, chat, perTable(nil))

	final, err := e.rt.Submit(context.Background(), "t-cycle", "audit bgp", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}
	if !final.Plan.Replanned {
		t.Fatal("replan not recorded")
	}
	if len(final.Plan.Todos) != 1 {
		t.Fatalf("todos = %+v", final.Plan.Todos)
	}
	if e.chat.CallCount() != 2 {
		t.Fatalf("planning calls = %d", e.chat.CallCount())
	}
}

// Parallel batches respect the dependency DAG: a dependent todo runs only
// after its prerequisite batch drained.
func TestDeepDiveBatchOrdering(t *testing.T) {
	chat := text(
		`{"todos": [
			{"id": "b1", "description": "bgp neighbor state", "kind": "query", "tool": "telemetry_read", "args": {"table": "bgp"}},
			{"id": "b2", "description": "interfaces mpls enabled", "kind": "query", "tool": "telemetry_read", "args": {"table": "interfaces"}, "depends_on": ["b1"]},
			{"id": "b3", "description": "bgp neighbor state", "kind": "query", "tool": "telemetry_read", "args": {"table": "bgp"}}
		]}`,
		"done",
	)
	tele := perTable(map[string]tool.Result{
		"bgp":        {Columns: []string{"neighbor", "state"}, Rows: []map[string]any{{"state": "Established"}}},
		"interfaces": {Columns: []string{"name"}, Rows: []map[string]any{{"name": "Gi0/1"}}},
	})
	e := newEnv(t, chat, tele)

	_, err := e.rt.Submit(context.Background(), "t-batch", "audit bgp and mpls", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}
	if _, err := e.rt.Resume(context.Background(), "t-batch", gate.Decision{Action: gate.ActionApprove}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if tele.callCount() != 3 {
		t.Fatalf("tool calls = %d", tele.callCount())
	}
	// b2 depends on b1, so the interfaces read is dispatched last.
	if got := tele.lastArgs()["table"]; got != "interfaces" {
		t.Fatalf("last dispatched table = %v", got)
	}

	// Parallel calls to the same tool stay distinguishable: every start
	// has a unique id and exactly one end matches it.
	starts := e.sink.ByType(event.TypeToolStart)
	ends := e.sink.ByType(event.TypeToolEnd)
	if len(starts) != 3 || len(ends) != 3 {
		t.Fatalf("tool events = %d starts, %d ends", len(starts), len(ends))
	}
	endByID := map[string]int{}
	for _, ev := range ends {
		endByID[ev.CallID]++
	}
	for _, ev := range starts {
		if ev.CallID == "" || endByID[ev.CallID] != 1 {
			t.Fatalf("start %q matched %d ends", ev.CallID, endByID[ev.CallID])
		}
	}
}

// Failed todos spawn one level of children; at the recursion cap failures
// are reported as-is.
func TestDeepDiveRecursiveDescent(t *testing.T) {
	chat := text(
		`{"todos": [{"id": "a1", "description": "bgp neighbor state", "kind": "audit", "tool": "telemetry_read", "args": {"table": "bgp"}}]}`,
		`{"todos": [{"id": "c1", "description": "bgp neighbor state", "kind": "audit", "tool": "telemetry_read", "args": {"table": "bgp"}, "parent": "a1"}]}`,
		"bgp audit failed at every level; the table is empty",
	)
	// Empty results: audits fail, which is what drives the descent.
	tele := perTable(map[string]tool.Result{"bgp": {Columns: []string{"neighbor", "state"}}})
	e := newEnvCfg(t, chat, func(c *Config) { c.MaxDepth = 1 }, tele)

	_, err := e.rt.Submit(context.Background(), "t-descend", "audit bgp", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}
	// Approve the root plan; execution fails a1 and descends into a child
	// plan that needs its own approval.
	_, err = e.rt.Resume(context.Background(), "t-descend", gate.Decision{Action: gate.ActionApprove})
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("expected child-plan interrupt, got %v", err)
	}

	final, err := e.rt.Resume(context.Background(), "t-descend", gate.Decision{Action: gate.ActionApprove})
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}

	if final.Depth != 1 {
		t.Fatalf("depth = %d", final.Depth)
	}
	if len(final.Plan.Todos) != 2 {
		t.Fatalf("todos = %+v", final.Plan.Todos)
	}
	a1 := todoByID(t, final, "a1")
	if a1.Status != TodoFailed || !a1.ChildSpawned {
		t.Fatalf("a1 = %+v", a1)
	}
	c1 := todoByID(t, final, "c1")
	if c1.Status != TodoFailed || c1.ParentID != "a1" {
		t.Fatalf("c1 = %+v", c1)
	}
	// Depth cap reached: the child's failure spawns nothing further.
	if c1.ChildSpawned {
		t.Fatal("child spawned past the recursion cap")
	}
	if final.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", final.Outcome)
	}
}

// A query todo that returns no data passes with a note instead of failing.
func TestDeepDiveQueryEmptyPasses(t *testing.T) {
	chat := text(
		`{"todos": [{"id": "q1", "description": "bgp neighbor state", "kind": "query", "tool": "telemetry_read", "args": {"table": "bgp"}}]}`,
		"no bgp neighbors are configured",
	)
	tele := perTable(map[string]tool.Result{"bgp": {Columns: []string{"neighbor", "state"}}})
	e := newEnv(t, chat, tele)

	_, err := e.rt.Submit(context.Background(), "t-qempty", "query bgp", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}
	final, err := e.rt.Resume(context.Background(), "t-qempty", gate.Decision{Action: gate.ActionApprove})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	q1 := todoByID(t, final, "q1")
	if q1.Status != TodoDone || q1.Note == "" {
		t.Fatalf("q1 = %+v", q1)
	}
}

// A write-tool todo inside an approved plan still goes through the gate
// before dispatch.
func TestDeepDiveWriteTodoGated(t *testing.T) {
	chat := text(
		`{"todos": [{"id": "w1", "description": "bgp neighbor state", "kind": "query", "tool": "device_write", "args": {"device": "r1", "commands": ["clear bgp neighbor"]}}]}`,
		"the bgp session was cleared",
	)
	dev := deviceWriteTool()
	e := newEnv(t, chat, perTable(nil), dev)

	_, err := e.rt.Submit(context.Background(), "t-write", "remediate bgp", ModeExpert)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}
	// First resume approves the plan; the write todo then raises its own
	// dispatch interrupt.
	_, err = e.rt.Resume(context.Background(), "t-write", gate.Decision{Action: gate.ActionApprove, Approver: "alex"})
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("expected dispatch interrupt, got %v", err)
	}

	ints := e.sink.ByType(event.TypeInterrupt)
	if len(ints) != 2 {
		t.Fatalf("interrupts = %d", len(ints))
	}
	if ints[1].Plan.Tool != "device_write" {
		t.Fatalf("dispatch plan = %+v", ints[1].Plan)
	}
	if dev.callCount() != 0 {
		t.Fatal("write dispatched before approval")
	}

	final, err := e.rt.Resume(context.Background(), "t-write", gate.Decision{Action: gate.ActionApprove, Approver: "alex"})
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if dev.callCount() != 1 {
		t.Fatalf("write dispatched %d times", dev.callCount())
	}
	if got := todoByID(t, final, "w1").Status; got != TodoDone {
		t.Fatalf("w1 = %s", got)
	}
}

// An expired pending decision is swept into an audited synthetic reject.
func TestExpirePending(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `{"workflow_name": "execute", "confidence": 0.95}`},
		{Text: `{"tool": "device_write", "args": {"device": "r1", "mtu": 9000}, "targets": ["r1"]}`},
		{Text: "the change expired without a decision and was rejected"},
	}}
	dev := deviceWriteTool()
	e := newEnvCfg(t, chat, func(c *Config) {
		c.Policy = gate.Policy{DecisionTTL: time.Nanosecond}
	}, telemetryTool(nil, nil), dev)

	_, err := e.rt.Submit(context.Background(), "t-expire", "Set MTU on R1 to 9000", ModeStandard)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}

	n, err := e.rt.ExpirePending(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d", n)
	}
	if dev.callCount() != 0 {
		t.Fatal("expired plan was dispatched")
	}
	if doneOutcome(t, e.sink) != OutcomeRejected {
		t.Fatalf("done outcome = %s", doneOutcome(t, e.sink))
	}

	recs := e.auditRecords(t, "t-expire")
	if len(recs) != 2 {
		t.Fatalf("audit records = %d", len(recs))
	}
	if recs[0].Approver != "policy" || recs[0].Reason != "decision timeout expired" {
		t.Fatalf("synthetic audit = %+v", recs[0])
	}
}
