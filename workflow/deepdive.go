package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/olavnet/olav/flow"
	"github.com/olavnet/olav/gate"
	"github.com/olavnet/olav/tool"
)

// Capability-index score thresholds for todo classification.
const (
	feasibleThreshold  = 0.60
	uncertainThreshold = 0.35
)

// buildDeepDive assembles the investigation graph: LLM planning, schema
// feasibility investigation, whole-plan approval, bounded-parallel
// execution, recursive descent on failures, and an evidence-only summary.
func buildDeepDive(rt *Runtime) (*flow.Engine[State], error) {
	eng := rt.newEngine()
	if err := errors.Join(
		eng.Add("plan", rt.divePlanNode()),
		eng.Add("investigate", rt.investigateNode()),
		eng.Add("approve", rt.planApprovalNode()),
		eng.Add("execute", rt.diveExecuteNode()),
		eng.Add("descend", rt.descendNode()),
		eng.Add("summarize", rt.summarizeNode()),
		eng.StartAt("plan"),
	); err != nil {
		return nil, err
	}
	return eng, nil
}

const divePlanPrompt = `You plan a network investigation. Break the query
into concrete tasks over the available tools. Each task gets a short id, a
description naming the exact data to collect, a kind ("audit" when the data
must exist for the check to pass, "query" when absence is informative),
optional tool and args bindings, and depends_on listing ids that must
complete first. Dependencies must be acyclic. For child investigations,
set parent to the id given in the sub-query. Respond with JSON:
{"todos": [{"id", "description", "kind", "tool", "args", "depends_on", "parent"}]}.`

var divePlanSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"todos": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"kind":        map[string]any{"type": "string", "enum": []string{"audit", "query"}},
					"tool":        map[string]any{"type": "string"},
					"args":        map[string]any{"type": "object"},
					"depends_on":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"parent":      map[string]any{"type": "string"},
				},
				"required": []string{"id", "description", "kind"},
			},
		},
	},
	"required": []string{"todos"},
}

// divePlanNode asks the LLM for an ordered todo set. A dependency cycle is
// replanned once with the cycle named; a second cycle fails the run as a
// planner error.
func (rt *Runtime) divePlanNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		plan := clonePlan(s.Plan)
		input := divePlanInput(rt, s)

		var note string
		for attempt := 0; attempt < 2; attempt++ {
			var parsed struct {
				Todos []struct {
					ID          string         `json:"id"`
					Description string         `json:"description"`
					Kind        string         `json:"kind"`
					Tool        string         `json:"tool"`
					Args        map[string]any `json:"args"`
					DependsOn   []string       `json:"depends_on"`
					Parent      string         `json:"parent"`
				} `json:"todos"`
			}
			if err := rt.structured(ctx, divePlanPrompt, input+note, divePlanSchema, &parsed); err != nil {
				return flow.NodeResult[State]{Err: flow.Wrap(flow.KindTransient, err, "investigation planning")}
			}

			existing := make(map[string]bool, len(plan.Todos))
			for _, td := range plan.Todos {
				existing[td.ID] = true
			}
			newTodos := make([]Todo, 0, len(parsed.Todos))
			for _, t := range parsed.Todos {
				kind := TodoKind(t.Kind)
				if kind != KindAudit && kind != KindQuery {
					kind = KindQuery
				}
				newTodos = append(newTodos, Todo{
					ID:          uniqueID(existing, t.ID),
					Description: t.Description,
					Kind:        kind,
					Tool:        t.Tool,
					Args:        t.Args,
					DependsOn:   t.DependsOn,
					ParentID:    t.Parent,
					Status:      TodoPending,
				})
			}

			all := append(append([]Todo{}, plan.Todos...), newTodos...)
			if cycle := detectCycle(all); cycle != nil {
				if attempt == 0 {
					plan.Replanned = true
					note = "\n\nThe previous plan had a dependency cycle through " +
						strings.Join(cycle, " -> ") + ". Produce an acyclic plan."
					continue
				}
				return flow.NodeResult[State]{Err: flow.Errf(flow.KindPlanner,
					"dependency cycle persists after replan: %s", strings.Join(cycle, " -> "))}
			}

			plan.Todos = all
			emitThinking(ctx, fmt.Sprintf("planned %d tasks", len(newTodos)))
			return flow.NodeResult[State]{
				Delta: State{Plan: plan, ClearSubQueries: true},
				Route: flow.Goto("investigate"),
			}
		}
		return flow.NodeResult[State]{Err: flow.Errf(flow.KindPlanner, "investigation planning produced no plan")}
	}
}

// investigateNode classifies each pending todo against the capability
// index. Nothing is executed here; the classification becomes the
// execution plan the approver sees.
func (rt *Runtime) investigateNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		plan := clonePlan(s.Plan)
		for i := range plan.Todos {
			td := &plan.Todos[i]
			if td.Status != TodoPending {
				continue
			}
			matches, err := rt.index.Search(ctx, td.Description, 5)
			if err != nil || len(matches) == 0 {
				td.Status = TodoInfeasible
				td.Reason = "no indexed capability matches; suggest live device read"
				continue
			}
			best := matches[0]
			switch {
			case best.Score >= feasibleThreshold:
				td.Status = TodoFeasible
				if td.Tool == "" || !rt.knownTool(td.Tool) {
					td.Tool = best.Tool.Name
				}
			case best.Score >= uncertainThreshold:
				td.Status = TodoUncertain
				td.Suggestion = fmt.Sprintf("closest match is %s (tool %s); name the table or field explicitly", best.Ref, best.Tool.Name)
				td.Reason = "fields are semantically close but unconfirmed"
			default:
				td.Status = TodoInfeasible
				td.Reason = "no indexed capability matches; suggest live device read"
			}
			emitThinking(ctx, fmt.Sprintf("task %s: %s", td.ID, td.Status))
		}
		return flow.NodeResult[State]{Delta: State{Plan: plan}, Route: flow.Goto("approve")}
	}
}

// planApprovalNode holds the classified plan for human review. Approval
// executes feasible todos only; rejection aborts; modify_plan feeds the
// instruction back into planning and the revised plan returns here for a
// fresh approval.
func (rt *Runtime) planApprovalNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		if s.Plan == nil {
			return flow.NodeResult[State]{Err: flow.Errf(flow.KindInternal, "no plan to approve")}
		}

		if s.Decision != nil && s.Plan.Approval != nil {
			return rt.resolvePlanDecision(ctx, s)
		}

		classified := classifiedTodos(s.Plan)
		if len(classified) == 0 {
			if executedCount(s.Plan) > 0 {
				return flow.NodeResult[State]{Route: flow.Goto("summarize")}
			}
			emitMessage(ctx, "nothing to do: planning produced no tasks")
			return flow.NodeResult[State]{
				Delta: State{
					Outcome:  OutcomeNothingToDo,
					Messages: assistant("nothing to do: planning produced no tasks"),
				},
				Route: flow.Stop(),
			}
		}

		steps := make([]gate.PlannedStep, len(classified))
		risk := gate.RiskMedium
		var feasible, uncertain, infeasible int
		for i, td := range classified {
			steps[i] = gate.PlannedStep{
				TodoID:      td.ID,
				Description: td.Description,
				Tool:        td.Tool,
				Status:      string(td.Status),
				Reason:      firstNonEmpty(td.Reason, td.Suggestion),
			}
			switch td.Status {
			case TodoFeasible:
				feasible++
				if rt.isWriteTool(td.Tool) {
					risk = gate.RiskHigh
				}
			case TodoUncertain:
				uncertain++
			case TodoInfeasible:
				infeasible++
			}
		}
		summary := fmt.Sprintf("investigation plan: %d feasible, %d uncertain, %d infeasible", feasible, uncertain, infeasible)

		v := rt.gate.EvaluatePlan(s.ThreadID, steps, risk, summary)
		plan := clonePlan(s.Plan)
		plan.Approval = v.Plan
		return flow.NodeResult[State]{
			Delta:     State{Plan: plan},
			Interrupt: v.Plan,
		}
	}
}

func (rt *Runtime) resolvePlanDecision(ctx context.Context, s State) flow.NodeResult[State] {
	v := rt.gate.Resolve(ctx, tool.Descriptor{}, s.Plan.Approval, *s.Decision)
	plan := clonePlan(s.Plan)
	plan.Approval = nil

	switch v.Kind {
	case gate.Proceed:
		return flow.NodeResult[State]{
			Delta: State{Plan: plan, ClearDecision: true},
			Route: flow.Goto("execute"),
		}

	case gate.PlanModified:
		plan.Instructions = append(plan.Instructions, v.ModifyText)
		// Drop classified-but-unexecuted todos so planning regenerates
		// them under the new instruction; executed evidence stays.
		kept := plan.Todos[:0]
		for _, td := range plan.Todos {
			if td.Status == TodoDone || td.Status == TodoFailed {
				kept = append(kept, td)
			}
		}
		plan.Todos = kept
		emitThinking(ctx, "replanning with approver instruction: "+v.ModifyText)
		return flow.NodeResult[State]{
			Delta: State{Plan: plan, ClearDecision: true},
			Route: flow.Goto("plan"),
		}

	default:
		text := "investigation aborted by approver"
		if v.Reason != "" {
			text += ": " + v.Reason
		}
		emitMessage(ctx, text)
		return flow.NodeResult[State]{
			Delta: State{
				Plan:          plan,
				Outcome:       OutcomeAborted,
				Messages:      assistant(text),
				ClearDecision: true,
			},
			Route: flow.Stop(),
		}
	}
}

func divePlanInput(rt *Runtime, s State) string {
	var sb strings.Builder
	if len(s.SubQueries) > 0 {
		sb.WriteString("sub-queries (child investigations; tag todos with the parent id):\n")
		for _, sq := range s.SubQueries {
			fmt.Fprintf(&sb, "- parent %s: %s\n", sq.ParentID, sq.Query)
		}
		sb.WriteString("\nparent evidence:\n")
		for _, td := range s.Plan.Todos {
			if td.Status != TodoDone && td.Status != TodoFailed {
				continue
			}
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", td.ID, td.Status, td.Description)
		}
	} else {
		fmt.Fprintf(&sb, "query: %s\n", s.Query)
	}
	if s.Plan != nil && len(s.Plan.Instructions) > 0 {
		sb.WriteString("\napprover instructions:\n")
		for _, in := range s.Plan.Instructions {
			fmt.Fprintf(&sb, "- %s\n", in)
		}
	}
	sb.WriteString("\ntools:\n")
	for _, spec := range rt.registry.Specs() {
		fmt.Fprintf(&sb, "- %s: %s\n", spec.Name, spec.Description)
	}
	return sb.String()
}

// classifiedTodos returns todos awaiting approval: investigated but not
// yet executed or skipped.
func classifiedTodos(p *Plan) []Todo {
	var out []Todo
	for _, td := range p.Todos {
		switch td.Status {
		case TodoFeasible, TodoUncertain, TodoInfeasible:
			out = append(out, td)
		}
	}
	return out
}

func executedCount(p *Plan) int {
	var n int
	for _, td := range p.Todos {
		if td.Status == TodoDone || td.Status == TodoFailed {
			n++
		}
	}
	return n
}

func (rt *Runtime) knownTool(name string) bool {
	_, err := rt.registry.Get(name)
	return err == nil
}

func (rt *Runtime) isWriteTool(name string) bool {
	t, err := rt.registry.Get(name)
	return err == nil && t.Descriptor().Sensitivity == tool.SensitivityWrite
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// uniqueID disambiguates an id against already-registered todos and
// records the result.
func uniqueID(existing map[string]bool, id string) string {
	if id == "" {
		id = "task"
	}
	out := id
	for n := 2; existing[out]; n++ {
		out = fmt.Sprintf("%s-%d", id, n)
	}
	existing[out] = true
	return out
}

// detectCycle returns a dependency cycle among the todos, or nil.
// Dependencies on unknown ids are ignored; the investigation marks those
// todos rather than the planner.
func detectCycle(todos []Todo) []string {
	deps := make(map[string][]string, len(todos))
	for _, td := range todos {
		deps[td.ID] = td.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(todos))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case gray:
				// Slice the stack from the first occurrence of dep.
				for i, v := range stack {
					if v == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, td := range todos {
		if color[td.ID] == white {
			if c := visit(td.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
