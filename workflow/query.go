package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/olavnet/olav/flow"
	"github.com/olavnet/olav/model"
	"github.com/olavnet/olav/tool"
)

// buildQuery assembles the diagnostic funnel: broad reads first, an
// assessment that decides whether a targeted follow-up read is worth it,
// then a streamed summary. The graph never touches write tools, so the
// gate never fires here.
func buildQuery(rt *Runtime) (*flow.Engine[State], error) {
	eng := rt.newEngine()
	if err := errors.Join(
		eng.Add("macro_read", rt.macroReadNode()),
		eng.Add("assess", rt.assessNode()),
		eng.Add("micro_read", rt.microReadNode()),
		eng.Add("summarize", rt.summarizeNode()),
		eng.StartAt("macro_read"),
	); err != nil {
		return nil, err
	}
	return eng, nil
}

const macroReadPrompt = `You are a network operations assistant gathering
broad telemetry for a diagnostic question. Call the read tools that cover
the question; do not answer yet. If no tool applies, answer briefly instead.`

// macroReadNode asks the LLM which broad reads cover the question and
// dispatches them. Only read-class tools are offered.
func (rt *Runtime) macroReadNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		specs := rt.readSpecs()
		out, err := rt.stream(ctx, model.ChatRequest{
			Messages: append([]model.Message{
				{Role: model.RoleSystem, Content: macroReadPrompt},
			}, s.Messages...),
			Tools: specs,
		})
		if err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindTransient, err, "macro read completion")}
		}

		var delta State
		if out.Text != "" {
			delta.Messages = assistant(out.Text)
		}
		for _, call := range out.ToolCalls {
			delta.Findings = append(delta.Findings, rt.invokeGuarded(ctx, s.ThreadID, call.Name, call.Input))
		}
		return flow.NodeResult[State]{Delta: delta, Route: flow.Goto("assess")}
	}
}

const assessPrompt = `You triage evidence for a network diagnostic. Given
the question and the collected tool results, decide whether one more
targeted read would materially improve the answer. Respond with JSON:
{"followup": bool, "tool": "<name>", "args": {...}, "rationale": "<why>"}.`

// assessNode examines the macro evidence and either schedules a single
// targeted read or moves straight to the summary.
func (rt *Runtime) assessNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		var parsed struct {
			Followup  bool           `json:"followup"`
			Tool      string         `json:"tool"`
			Args      map[string]any `json:"args"`
			Rationale string         `json:"rationale"`
		}
		err := rt.structured(ctx, assessPrompt, assessInput(s), map[string]any{
			"type": "object",
			"properties": map[string]any{
				"followup":  map[string]any{"type": "boolean"},
				"tool":      map[string]any{"type": "string"},
				"args":      map[string]any{"type": "object"},
				"rationale": map[string]any{"type": "string"},
			},
			"required": []string{"followup"},
		}, &parsed)
		if err != nil {
			// Assessment is an optimization; summarize what we have.
			emitThinking(ctx, "assessment unavailable, summarizing collected evidence")
			return flow.NodeResult[State]{Route: flow.Goto("summarize")}
		}
		if parsed.Rationale != "" {
			emitThinking(ctx, parsed.Rationale)
		}
		if !parsed.Followup || parsed.Tool == "" || !rt.isReadTool(parsed.Tool) {
			return flow.NodeResult[State]{Route: flow.Goto("summarize")}
		}
		return flow.NodeResult[State]{
			Delta: State{Pending: &Call{Tool: parsed.Tool, Args: parsed.Args}},
			Route: flow.Goto("micro_read"),
		}
	}
}

// microReadNode dispatches the scheduled targeted read.
func (rt *Runtime) microReadNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		if s.Pending == nil {
			return flow.NodeResult[State]{Route: flow.Goto("summarize")}
		}
		f := rt.invokeGuarded(ctx, s.ThreadID, s.Pending.Tool, s.Pending.Args)
		return flow.NodeResult[State]{
			Delta: State{Findings: []Finding{f}, ClearPending: true},
			Route: flow.Goto("summarize"),
		}
	}
}

const summarizePrompt = `You are a network operations assistant. Answer the
user's question strictly from the collected tool evidence. Render tabular
data as a compact table. Name anything the evidence leaves unverified.`

// summarizeNode streams the final answer over the collected evidence.
// Shared with the execute and inventory graphs as their terminal node.
func (rt *Runtime) summarizeNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		out, err := rt.stream(ctx, model.ChatRequest{
			Messages: []model.Message{
				{Role: model.RoleSystem, Content: summarizePrompt},
				{Role: model.RoleUser, Content: summaryInput(s)},
			},
		})
		if err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindTransient, err, "summary completion")}
		}
		emitMessage(ctx, out.Text)
		delta := State{
			Messages: assistant(out.Text),
			Summary:  out.Text,
		}
		if s.Outcome == "" {
			delta.Outcome = OutcomeCompleted
		}
		return flow.NodeResult[State]{Delta: delta, Route: flow.Stop()}
	}
}

// readSpecs returns the LLM-visible specs of read-class tools only.
func (rt *Runtime) readSpecs() []model.ToolSpec {
	descs := rt.registry.List(tool.Filter{Sensitivity: tool.SensitivityRead})
	out := make([]model.ToolSpec, len(descs))
	for i, d := range descs {
		out[i] = d.Spec()
	}
	return out
}

func (rt *Runtime) isReadTool(name string) bool {
	t, err := rt.registry.Get(name)
	return err == nil && t.Descriptor().Sensitivity == tool.SensitivityRead
}

// assessInput renders the question plus a compact view of the evidence.
func assessInput(s State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "question: %s\n\nevidence:\n", s.Query)
	writeFindings(&sb, s.Findings)
	return sb.String()
}

// summaryInput renders everything the summarizer may rely on.
func summaryInput(s State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "question: %s\n", s.Query)
	if s.Outcome != "" {
		fmt.Fprintf(&sb, "outcome so far: %s\n", s.Outcome)
	}
	sb.WriteString("\nevidence:\n")
	writeFindings(&sb, s.Findings)
	if s.Plan != nil {
		sb.WriteString("\ninvestigation plan:\n")
		for _, td := range s.Plan.Todos {
			fmt.Fprintf(&sb, "- [%s] %s: %s", td.ID, td.Status, td.Description)
			if td.Reason != "" {
				fmt.Fprintf(&sb, " (%s)", td.Reason)
			}
			if td.Note != "" {
				fmt.Fprintf(&sb, " (%s)", td.Note)
			}
			sb.WriteByte('\n')
			writeFindings(&sb, td.Evidence)
		}
	}
	return sb.String()
}

func writeFindings(sb *strings.Builder, findings []Finding) {
	if len(findings) == 0 {
		sb.WriteString("(none)\n")
		return
	}
	for _, f := range findings {
		if f.Err != "" {
			fmt.Fprintf(sb, "- %s failed: %s\n", f.Tool, f.Err)
			continue
		}
		rows, _ := json.Marshal(f.Result.Rows)
		fmt.Fprintf(sb, "- %s returned %d rows: %s\n", f.Tool, len(f.Result.Rows), truncate(string(rows), 2000))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
