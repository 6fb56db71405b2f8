package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/olavnet/olav/flow"
	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/gate"
	"github.com/olavnet/olav/model"
)

// A high-risk write is interrupted, rejected, and the run ends with the
// rejection recorded in the audit log.
func TestExecuteRejectedWrite(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `{"workflow_name": "execute", "confidence": 0.95}`},
		{Text: `{"tool": "device_write", "args": {"device": "r1", "commands": ["interface Gi0/1", "shutdown"]}, "targets": ["r1"], "preview": "interface Gi0/1\n shutdown"}`},
		{Text: "the shutdown of Gi0/1 was rejected by the approver"},
	}}
	dev := deviceWriteTool()
	e := newEnv(t, chat, telemetryTool(nil, nil), dev)

	_, err := e.rt.Submit(context.Background(), "t-reject", "Shutdown interface Gi0/1 on R1", ModeStandard)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}

	ints := e.sink.ByType(event.TypeInterrupt)
	if len(ints) != 1 {
		t.Fatalf("interrupts = %d", len(ints))
	}
	plan := ints[0].Plan
	if plan.Tool != "device_write" || plan.Risk != gate.RiskHigh {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.DryRun == "" {
		t.Fatal("no dry-run preview on the plan")
	}

	final, err := e.rt.Resume(context.Background(), "t-reject", gate.Decision{
		Action:   gate.ActionReject,
		Approver: "alex",
		Reason:   "not during business hours",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s", final.Outcome)
	}
	if dev.callCount() != 0 {
		t.Fatal("rejected write was dispatched")
	}
	if doneOutcome(t, e.sink) != OutcomeRejected {
		t.Fatalf("done outcome = %s", doneOutcome(t, e.sink))
	}

	recs := e.auditRecords(t, "t-reject")
	if len(recs) != 1 {
		t.Fatalf("audit records = %d", len(recs))
	}
	if recs[0].Decision != gate.ActionReject || recs[0].Approver != "alex" {
		t.Fatalf("audit = %+v", recs[0])
	}
}

// An edited decision revalidates the new args, dispatches with them, and
// audits both the original and the edited arguments.
func TestExecuteEditedWrite(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `{"workflow_name": "execute", "confidence": 0.95}`},
		{Text: `{"tool": "device_write", "args": {"device": "r1", "interface": "Gi0/1", "mtu": 9000}, "targets": ["r1"], "preview": "interface Gi0/1\n mtu 9000"}`},
		{Text: `{"tool": "telemetry_read", "args": {"table": "interfaces"}}`},
		{Text: `{"verified": true, "note": "mtu reads back as 1500"}`},
		{Text: "mtu on Gi0/1 is now 1500, verified by read-back"},
	}}
	dev := deviceWriteTool()
	tele := telemetryTool([]map[string]any{{"name": "Gi0/1", "mtu": 1500}}, []string{"name", "mtu"})
	e := newEnv(t, chat, tele, dev)

	_, err := e.rt.Submit(context.Background(), "t-edit", "Set MTU on R1 Gi0/1 to 9000", ModeStandard)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}

	final, err := e.rt.Resume(context.Background(), "t-edit", gate.Decision{
		Action:   gate.ActionEdit,
		Args:     map[string]any{"device": "r1", "interface": "Gi0/1", "mtu": 1500},
		Approver: "alex",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", final.Outcome)
	}

	if dev.callCount() != 1 {
		t.Fatalf("write dispatched %d times", dev.callCount())
	}
	if got := dev.lastArgs()["mtu"]; got != 1500 {
		t.Fatalf("dispatched mtu = %v", got)
	}
	if tele.callCount() != 1 {
		t.Fatalf("verification reads = %d", tele.callCount())
	}

	recs := e.auditRecords(t, "t-edit")
	if len(recs) != 1 {
		t.Fatalf("audit records = %d", len(recs))
	}
	if recs[0].Decision != gate.ActionEdit {
		t.Fatalf("audit decision = %s", recs[0].Decision)
	}
	if recs[0].Args["mtu"] != float64(9000) && recs[0].Args["mtu"] != 9000 {
		t.Fatalf("original args missing: %+v", recs[0].Args)
	}
	if recs[0].EditedArgs == nil || recs[0].EditedArgs["mtu"] != 1500 {
		t.Fatalf("edited args missing: %+v", recs[0].EditedArgs)
	}
}

// An invalid edit is rejected with the contract violation as reason.
func TestExecuteInvalidEditRejected(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `{"workflow_name": "execute", "confidence": 0.95}`},
		{Text: `{"tool": "device_write", "args": {"device": "r1", "mtu": 9000}, "targets": ["r1"]}`},
		{Text: "rejected: the edited arguments were invalid"},
	}}
	dev := deviceWriteTool()
	e := newEnv(t, chat, telemetryTool(nil, nil), dev)

	_, err := e.rt.Submit(context.Background(), "t-badedit", "Set MTU on R1 to 9000", ModeStandard)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}

	final, err := e.rt.Resume(context.Background(), "t-badedit", gate.Decision{
		Action: gate.ActionEdit,
		Args:   map[string]any{"mtu": "not-a-number"},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s", final.Outcome)
	}
	if dev.callCount() != 0 {
		t.Fatal("invalid edit was dispatched")
	}
}

// A verification mismatch plans a rollback, which re-enters the gate.
func TestExecuteVerificationMismatchRollsBack(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `{"workflow_name": "execute", "confidence": 0.95}`},
		{Text: `{"tool": "device_write", "args": {"device": "r1", "mtu": 9000}, "targets": ["r1"]}`},
		{Text: `{"verified": false, "note": "mtu still reads 1500"}`},
		{Text: `{"tool": "device_write", "args": {"device": "r1", "mtu": 1500}, "preview": "mtu 1500"}`},
		{Text: `{"verified": true, "note": "previous mtu restored"}`},
		{Text: "the change did not verify and was rolled back"},
	}}
	dev := deviceWriteTool()
	e := newEnv(t, chat, telemetryTool(nil, nil), dev)

	_, err := e.rt.Submit(context.Background(), "t-rollback", "Set MTU on R1 to 9000", ModeStandard)
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("submit err = %v", err)
	}
	_, err = e.rt.Resume(context.Background(), "t-rollback", gate.Decision{Action: gate.ActionApprove, Approver: "alex"})
	if !errors.Is(err, flow.ErrInterrupted) {
		t.Fatalf("expected rollback interrupt, got %v", err)
	}

	ints := e.sink.ByType(event.TypeInterrupt)
	if len(ints) != 2 {
		t.Fatalf("interrupts = %d", len(ints))
	}
	if args := ints[1].Plan.Args; args["mtu"] != float64(1500) && args["mtu"] != 1500 {
		t.Fatalf("rollback plan args = %+v", args)
	}

	final, err := e.rt.Resume(context.Background(), "t-rollback", gate.Decision{Action: gate.ActionApprove, Approver: "alex"})
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if dev.callCount() != 2 {
		t.Fatalf("writes dispatched = %d", dev.callCount())
	}
	if final.Outcome != OutcomePartial {
		t.Fatalf("outcome = %s", final.Outcome)
	}

	recs := e.auditRecords(t, "t-rollback")
	if len(recs) != 2 {
		t.Fatalf("audit records = %d", len(recs))
	}
}
