package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/olavnet/olav/flow"
)

// buildExecute assembles the device-change graph. The proposal is gated
// before apply; verification reads back the change and a mismatch routes
// through a rollback that itself re-enters the gate.
func buildExecute(rt *Runtime) (*flow.Engine[State], error) {
	eng := rt.newEngine()
	if err := errors.Join(
		eng.Add("plan", rt.changePlanNode()),
		eng.Add("gate", rt.approvalNode("apply", "summarize")),
		eng.Add("apply", rt.applyNode("verify")),
		eng.Add("verify", rt.verifyNode()),
		eng.Add("rollback", rt.rollbackNode()),
		eng.Add("summarize", rt.summarizeNode()),
		eng.StartAt("plan"),
	); err != nil {
		return nil, err
	}
	return eng, nil
}

const changePlanPrompt = `You plan a network device change. Given the
request and the available write tools, propose exactly one tool call.
Respond with JSON: {"tool": "<name>", "args": {...}, "targets":
["<device>", ...], "preview": "<commands or diff that will be applied>"}.`

// changePlanNode turns the request into a concrete gated proposal.
func (rt *Runtime) changePlanNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		var parsed struct {
			Tool    string         `json:"tool"`
			Args    map[string]any `json:"args"`
			Targets []string       `json:"targets"`
			Preview string         `json:"preview"`
		}
		err := rt.structured(ctx, changePlanPrompt, changePlanInput(rt, s), map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool":    map[string]any{"type": "string"},
				"args":    map[string]any{"type": "object"},
				"targets": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"preview": map[string]any{"type": "string"},
			},
			"required": []string{"tool", "args"},
		}, &parsed)
		if err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindTransient, err, "change planning")}
		}
		if _, err := rt.registry.Get(parsed.Tool); err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindPlanner, err, "planned change")}
		}
		emitThinking(ctx, fmt.Sprintf("proposing %s on %s", parsed.Tool, strings.Join(parsed.Targets, ", ")))
		return flow.NodeResult[State]{
			Delta: State{Proposal: &Proposal{
				Tool:    parsed.Tool,
				Args:    parsed.Args,
				Targets: parsed.Targets,
				Preview: parsed.Preview,
				Phase:   "apply",
			}},
			Route: flow.Goto("gate"),
		}
	}
}

// applyNode dispatches the approved proposal. A dispatch failure records
// the evidence and falls through to the summary; the gate has already
// audited the approval, so nothing is retried outside the tool's own
// retry policy.
func (rt *Runtime) applyNode(next string) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		if s.Proposal == nil {
			return flow.NodeResult[State]{Err: flow.Errf(flow.KindInternal, "no approved proposal to apply")}
		}
		f := rt.invoke(ctx, s.Proposal.Tool, s.Proposal.Args)
		delta := State{Findings: []Finding{f}}
		if f.Err != "" {
			delta.Outcome = OutcomePartial
			delta.Messages = assistant("change failed to apply: " + f.Err)
			return flow.NodeResult[State]{Delta: delta, Route: flow.Goto("summarize")}
		}
		return flow.NodeResult[State]{Delta: delta, Route: flow.Goto(next)}
	}
}

const verifyPrompt = `You verify a network change. Given the intended
change and the read-back evidence, decide whether the device now reflects
the intent. Respond with JSON: {"tool": "<read tool>", "args": {...}} to
request the read-back, or {"verified": bool, "note": "<finding>"} once
evidence is present.`

// verifyNode reads the device back and compares against the intent. The
// first pass schedules the read; the second judges it. A mismatch after
// the initial apply routes to rollback; rollback verification never loops.
func (rt *Runtime) verifyNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		var parsed struct {
			Tool     string         `json:"tool"`
			Args     map[string]any `json:"args"`
			Verified *bool          `json:"verified"`
			Note     string         `json:"note"`
		}
		err := rt.structured(ctx, verifyPrompt, verifyInput(s), map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool":     map[string]any{"type": "string"},
				"args":     map[string]any{"type": "object"},
				"verified": map[string]any{"type": "boolean"},
				"note":     map[string]any{"type": "string"},
			},
		}, &parsed)
		if err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindTransient, err, "verification")}
		}

		if parsed.Verified == nil {
			if parsed.Tool == "" || !rt.isReadTool(parsed.Tool) {
				// No usable read-back; report the change as applied but
				// unverified.
				return flow.NodeResult[State]{
					Delta: State{Messages: assistant("change applied; no verification read available")},
					Route: flow.Goto("summarize"),
				}
			}
			f := rt.invokeGuarded(ctx, s.ThreadID, parsed.Tool, parsed.Args)
			// Same node again, now with evidence in hand.
			return flow.NodeResult[State]{
				Delta: State{Findings: []Finding{f}},
				Route: flow.Goto("verify"),
			}
		}

		if parsed.Note != "" {
			emitThinking(ctx, parsed.Note)
		}
		if *parsed.Verified {
			return flow.NodeResult[State]{Route: flow.Goto("summarize")}
		}
		if s.Proposal != nil && s.Proposal.Phase == "rollback" {
			// Rollback itself did not verify; stop and report.
			return flow.NodeResult[State]{
				Delta: State{
					Outcome:  OutcomePartial,
					Messages: assistant("rollback did not verify: " + parsed.Note),
				},
				Route: flow.Goto("summarize"),
			}
		}
		return flow.NodeResult[State]{
			Delta: State{
				Outcome:  OutcomePartial,
				Messages: assistant("verification mismatch: " + parsed.Note),
			},
			Route: flow.Goto("rollback"),
		}
	}
}

const rollbackPrompt = `A network change did not verify and must be rolled
back. Given the applied change and the evidence, propose the single tool
call that restores the previous state. Respond with JSON: {"tool":
"<name>", "args": {...}, "preview": "<commands>"}.`

// rollbackNode builds the compensating proposal and re-enters the gate;
// a rollback is a write like any other and needs its own approval.
func (rt *Runtime) rollbackNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		var parsed struct {
			Tool    string         `json:"tool"`
			Args    map[string]any `json:"args"`
			Preview string         `json:"preview"`
		}
		err := rt.structured(ctx, rollbackPrompt, verifyInput(s), map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool":    map[string]any{"type": "string"},
				"args":    map[string]any{"type": "object"},
				"preview": map[string]any{"type": "string"},
			},
			"required": []string{"tool", "args"},
		}, &parsed)
		if err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindTransient, err, "rollback planning")}
		}
		var targets []string
		if s.Proposal != nil {
			targets = s.Proposal.Targets
		}
		emitThinking(ctx, "proposing rollback via "+parsed.Tool)
		return flow.NodeResult[State]{
			Delta: State{Proposal: &Proposal{
				Tool:    parsed.Tool,
				Args:    parsed.Args,
				Targets: targets,
				Preview: parsed.Preview,
				Phase:   "rollback",
			}},
			Route: flow.Goto("gate"),
		}
	}
}

func changePlanInput(rt *Runtime, s State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "request: %s\n\nwrite tools:\n", s.Query)
	for _, spec := range rt.registry.Specs() {
		if rt.isReadTool(spec.Name) {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", spec.Name, spec.Description)
	}
	return sb.String()
}

func verifyInput(s State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "request: %s\n", s.Query)
	if s.Proposal != nil {
		fmt.Fprintf(&sb, "applied: %s args=%v phase=%s\n", s.Proposal.Tool, s.Proposal.Args, s.Proposal.Phase)
	}
	sb.WriteString("\nevidence:\n")
	writeFindings(&sb, s.Findings)
	return sb.String()
}
