package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/olavnet/olav/flow"
)

// buildInventory assembles the inventory CRUD graph. Reads run unattended;
// any create, update, or delete is proposed, gated, applied, and confirmed
// with a read-back.
func buildInventory(rt *Runtime) (*flow.Engine[State], error) {
	eng := rt.newEngine()
	if err := errors.Join(
		eng.Add("propose", rt.inventoryProposeNode()),
		eng.Add("gate", rt.approvalNode("apply", "summarize")),
		eng.Add("apply", rt.applyNode("confirm")),
		eng.Add("confirm", rt.confirmNode()),
		eng.Add("summarize", rt.summarizeNode()),
		eng.StartAt("propose"),
	); err != nil {
		return nil, err
	}
	return eng, nil
}

const inventoryProposePrompt = `You operate the network inventory of
record. Given the request and the inventory tools, propose exactly one
tool call. Respond with JSON: {"tool": "<name>", "args": {...},
"targets": ["<object>", ...], "summary": "<what this does>"}.`

// inventoryProposeNode picks the inventory call. Read calls dispatch
// immediately; mutations become a gated proposal.
func (rt *Runtime) inventoryProposeNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		var parsed struct {
			Tool    string         `json:"tool"`
			Args    map[string]any `json:"args"`
			Targets []string       `json:"targets"`
			Summary string         `json:"summary"`
		}
		err := rt.structured(ctx, inventoryProposePrompt, changePlanAllToolsInput(rt, s), map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool":    map[string]any{"type": "string"},
				"args":    map[string]any{"type": "object"},
				"targets": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"summary": map[string]any{"type": "string"},
			},
			"required": []string{"tool", "args"},
		}, &parsed)
		if err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindTransient, err, "inventory proposal")}
		}
		if _, err := rt.registry.Get(parsed.Tool); err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindPlanner, err, "proposed inventory call")}
		}
		if parsed.Summary != "" {
			emitThinking(ctx, parsed.Summary)
		}

		if rt.isReadTool(parsed.Tool) {
			f := rt.invokeGuarded(ctx, s.ThreadID, parsed.Tool, parsed.Args)
			return flow.NodeResult[State]{
				Delta: State{Findings: []Finding{f}},
				Route: flow.Goto("summarize"),
			}
		}
		return flow.NodeResult[State]{
			Delta: State{Proposal: &Proposal{
				Tool:    parsed.Tool,
				Args:    parsed.Args,
				Targets: parsed.Targets,
				Preview: parsed.Summary,
				Phase:   "apply",
			}},
			Route: flow.Goto("gate"),
		}
	}
}

const confirmPrompt = `You confirm an inventory mutation. Given the applied
change and the tools, respond with JSON naming the read call that shows
the changed objects: {"tool": "<read tool>", "args": {...}}.`

// confirmNode reads the mutated objects back so the summary reflects the
// inventory as it now stands.
func (rt *Runtime) confirmNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		var parsed struct {
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		}
		err := rt.structured(ctx, confirmPrompt, verifyInput(s), map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool": map[string]any{"type": "string"},
				"args": map[string]any{"type": "object"},
			},
			"required": []string{"tool"},
		}, &parsed)
		if err != nil || parsed.Tool == "" || !rt.isReadTool(parsed.Tool) {
			return flow.NodeResult[State]{
				Delta: State{Messages: assistant("change applied; confirmation read unavailable")},
				Route: flow.Goto("summarize"),
			}
		}
		f := rt.invokeGuarded(ctx, s.ThreadID, parsed.Tool, parsed.Args)
		return flow.NodeResult[State]{
			Delta: State{Findings: []Finding{f}},
			Route: flow.Goto("summarize"),
		}
	}
}

func changePlanAllToolsInput(rt *Runtime, s State) string {
	out := fmt.Sprintf("request: %s\n\ntools:\n", s.Query)
	for _, spec := range rt.registry.Specs() {
		out += fmt.Sprintf("- %s: %s\n", spec.Name, spec.Description)
	}
	return out
}
