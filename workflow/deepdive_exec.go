package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/olavnet/olav/flow"
	"github.com/olavnet/olav/gate"
)

// diveExecuteNode runs the approved plan: every feasible todo passes the
// gate first (benign reads proceed without suspending), then the approved
// set is partitioned into independent batches by the dependency DAG and
// each batch dispatches in parallel under the fan-out cap. The node is
// re-driven after gate interrupts and after a crash; executed todos keep
// their terminal status, so finished work is never repeated.
func (rt *Runtime) diveExecuteNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		if s.Plan == nil {
			return flow.NodeResult[State]{Err: flow.Errf(flow.KindInternal, "no plan to execute")}
		}
		plan := clonePlan(s.Plan)
		clearDecision := false

		// Gate todos sequentially before any dispatch; benign reads proceed
		// without suspending. Uncertain and infeasible todos are skipped
		// here and everywhere below.
		for i := range plan.Todos {
			td := &plan.Todos[i]
			if td.Status != TodoFeasible || td.Approved {
				continue
			}

			if s.Decision != nil && !clearDecision && plan.Gating == td.ID && plan.Approval != nil {
				t, err := rt.registry.Get(td.Tool)
				if err != nil {
					td.Status = TodoFailed
					td.Reason = err.Error()
					plan.Gating = ""
					plan.Approval = nil
					clearDecision = true
					continue
				}
				v := rt.gate.Resolve(ctx, t.Descriptor(), plan.Approval, *s.Decision)
				plan.Gating = ""
				plan.Approval = nil
				clearDecision = true
				switch v.Kind {
				case gate.Proceed:
					td.Args = v.Args
					td.Approved = true
				default:
					td.Status = TodoFailed
					td.Reason = "write rejected: " + firstNonEmpty(v.Reason, v.Kind.String())
					if v.Kind == gate.PlanModified {
						td.Reason = "write rejected: modify_plan applies to plan approval, not dispatch"
					}
				}
				continue
			}

			t, err := rt.registry.Get(td.Tool)
			if err != nil {
				td.Status = TodoFailed
				td.Reason = err.Error()
				continue
			}
			v := rt.gate.Evaluate(ctx, t.Descriptor(), td.Args, s.ThreadID, nil)
			switch v.Kind {
			case gate.Proceed:
				td.Approved = true
			case gate.Suspend:
				plan.Gating = td.ID
				plan.Approval = v.Plan
				return flow.NodeResult[State]{
					Delta:     State{Plan: plan, ClearDecision: clearDecision},
					Interrupt: v.Plan,
				}
			default:
				td.Status = TodoFailed
				td.Reason = "write rejected: " + v.Reason
			}
		}

		// Partition into dependency levels and dispatch each level with a
		// bounded worker pool.
		for {
			batch := nextBatch(plan)
			if len(batch) == 0 {
				break
			}
			for _, i := range batch {
				plan.Todos[i].Status = TodoRunning
			}

			sem := make(chan struct{}, rt.cfg.FanOut)
			var wg sync.WaitGroup
			for _, i := range batch {
				wg.Add(1)
				go func(td *Todo) {
					defer wg.Done()
					sem <- struct{}{}
					defer func() { <-sem }()
					rt.runTodo(ctx, td)
				}(&plan.Todos[i])
			}
			wg.Wait()

			if ctx.Err() != nil {
				return flow.NodeResult[State]{Delta: State{Plan: plan}, Err: ctx.Err()}
			}
		}

		return flow.NodeResult[State]{
			Delta: State{Plan: plan, ClearDecision: clearDecision},
			Route: flow.Goto("descend"),
		}
	}
}

// nextBatch returns indices of feasible todos whose dependencies are all
// settled. Dependencies on skipped or unknown todos count as settled; a
// dependency on a running todo never appears because batches are drained
// before the next is formed.
func nextBatch(plan *Plan) []int {
	settled := make(map[string]bool, len(plan.Todos))
	for _, td := range plan.Todos {
		switch td.Status {
		case TodoDone, TodoFailed, TodoUncertain, TodoInfeasible:
			settled[td.ID] = true
		}
	}
	var batch []int
	for i, td := range plan.Todos {
		if td.Status != TodoFeasible {
			continue
		}
		ready := true
		for _, dep := range td.DependsOn {
			if plan.Todo(dep) != nil && !settled[dep] {
				ready = false
				break
			}
		}
		if ready {
			batch = append(batch, i)
		}
	}
	return batch
}

// runTodo dispatches one todo and evaluates the outcome. Each worker owns
// its todo exclusively; only the event publisher is shared.
func (rt *Runtime) runTodo(ctx context.Context, td *Todo) {
	f := rt.invoke(ctx, td.Tool, td.Args)
	td.Evidence = append(td.Evidence, f)
	td.Status, td.Reason, td.Note = evaluateTodo(*td, f)
}

// evaluateTodo is the evaluator: it judges a todo's result from execution
// status, data presence, and the lexical relevance of the returned fields
// to the todo's described intent. No per-protocol rules.
func evaluateTodo(td Todo, f Finding) (TodoStatus, string, string) {
	if f.Err != "" {
		return TodoFailed, f.Err, ""
	}
	if f.Result.Empty() {
		if td.Kind == KindAudit {
			return TodoFailed, "audit returned no data", ""
		}
		return TodoDone, "", "query returned no data"
	}
	if td.Kind == KindAudit && len(f.Result.Columns) > 0 {
		if fieldRelevance(td.Description, f.Result.Columns) == 0 {
			return TodoFailed, "returned fields do not match the audit intent", ""
		}
	}
	return TodoDone, "", ""
}

// fieldRelevance counts description tokens that appear inside column
// names, tolerating separators (intf_errors matches "errors").
func fieldRelevance(description string, columns []string) int {
	var hits int
	cols := strings.ToLower(strings.Join(columns, " "))
	for _, tok := range strings.Fields(strings.ToLower(description)) {
		tok = strings.Trim(tok, ".,:;()")
		if len(tok) < 3 {
			continue
		}
		if strings.Contains(cols, tok) {
			hits++
		}
	}
	return hits
}

// descendNode spawns child investigations for failed todos while the
// recursion budget allows, then hands the thread back to planning. With no
// spawnable failures the run moves to the summary.
func (rt *Runtime) descendNode() flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		if s.Plan == nil || s.Depth >= rt.cfg.MaxDepth {
			return flow.NodeResult[State]{Route: flow.Goto("summarize")}
		}

		plan := clonePlan(s.Plan)
		var subs []SubQuery
		for i := range plan.Todos {
			td := &plan.Todos[i]
			if td.Status != TodoFailed || td.ChildSpawned {
				continue
			}
			td.ChildSpawned = true
			subs = append(subs, SubQuery{
				ParentID: td.ID,
				Query:    fmt.Sprintf("analyze why task %q failed: %s (reason: %s)", td.ID, td.Description, td.Reason),
			})
		}
		if len(subs) == 0 {
			return flow.NodeResult[State]{Route: flow.Goto("summarize")}
		}

		emitThinking(ctx, fmt.Sprintf("descending into %d failed tasks (depth %d)", len(subs), s.Depth+1))
		return flow.NodeResult[State]{
			Delta: State{Plan: plan, SubQueries: subs, Depth: s.Depth + 1},
			Route: flow.Goto("plan"),
		}
	}
}
