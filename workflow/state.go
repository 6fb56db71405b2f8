// Package workflow assembles the orchestrator's named graphs on top of the
// flow engine: the diagnostic query funnel, the gated execute and inventory
// change flows, and the recursive deep-dive investigation. A Runtime is the
// composition root that routes incoming queries, drives runs, and resumes
// interrupted threads.
package workflow

import (
	"github.com/olavnet/olav/gate"
	"github.com/olavnet/olav/model"
	"github.com/olavnet/olav/router"
	"github.com/olavnet/olav/tool"
)

// Client-hinted modes. Expert mode routes straight to the deep-dive graph.
const (
	ModeStandard = "standard"
	ModeExpert   = "expert"
)

// Run outcomes carried on the terminal done event.
const (
	OutcomeCompleted   = "completed"
	OutcomeRejected    = "rejected"
	OutcomeAborted     = "aborted-by-user"
	OutcomeNothingToDo = "nothing-to-do"
	OutcomePartial     = "partial"
)

// Call is one concrete tool invocation a node has decided on but not yet
// dispatched.
type Call struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Finding is one piece of durable evidence: a tool result (or failure)
// attributed to the call that produced it.
type Finding struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result tool.Result    `json:"result"`
	Err    string         `json:"err,omitempty"`
	Note   string         `json:"note,omitempty"`
}

// Proposal is a pending sensitive change in the execute and inventory
// graphs. It survives the gate interrupt inside the checkpointed state so
// the resumed node can resolve the decision against the original plan.
type Proposal struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Targets []string       `json:"targets,omitempty"`

	// Preview is an optional rendered diff or command listing shown to the
	// approver as the plan's dry run.
	Preview string `json:"preview,omitempty"`

	// Phase distinguishes the initial change from a rollback re-entry.
	Phase string `json:"phase,omitempty"`

	// Plan is the gate's pending execution plan while suspended.
	Plan *gate.ExecutionPlan `json:"plan,omitempty"`
}

// TodoStatus is the deep-dive todo lifecycle.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoFeasible   TodoStatus = "feasible"
	TodoUncertain  TodoStatus = "uncertain"
	TodoInfeasible TodoStatus = "infeasible"
	TodoRunning    TodoStatus = "running"
	TodoDone       TodoStatus = "done"
	TodoFailed     TodoStatus = "failed"
)

// TodoKind separates audits (must return data to pass) from plain queries
// (empty data passes with a note).
type TodoKind string

const (
	KindAudit TodoKind = "audit"
	KindQuery TodoKind = "query"
)

// Todo is one unit of deep-dive work.
type Todo struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Kind        TodoKind       `json:"kind"`
	Tool        string         `json:"tool,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      TodoStatus     `json:"status"`

	// Reason explains uncertain, infeasible, and failed statuses.
	Reason string `json:"reason,omitempty"`

	// Suggestion is the human-readable hint attached to uncertain todos.
	Suggestion string `json:"suggestion,omitempty"`

	// Evidence holds the tool results collected for this todo.
	Evidence []Finding `json:"evidence,omitempty"`

	// Note annotates passes with caveats (query returned no data).
	Note string `json:"note,omitempty"`

	// ParentID links a child todo to the failed todo that spawned it.
	ParentID string `json:"parent_id,omitempty"`

	// ChildSpawned blocks a failed todo from spawning twice.
	ChildSpawned bool `json:"child_spawned,omitempty"`

	// Approved marks a write-tool todo cleared by the gate for dispatch.
	Approved bool `json:"approved,omitempty"`
}

// SubQuery is a synthesized child investigation spawned by a failed todo.
type SubQuery struct {
	ParentID string `json:"parent_id"`
	Query    string `json:"query"`
}

// Plan is the deep-dive investigation plan. Todos accumulate across
// replanning and recursive descent; executed todos keep their terminal
// status and evidence.
type Plan struct {
	Todos []Todo `json:"todos"`

	// Instructions accumulates modify_plan texts fed back into planning.
	Instructions []string `json:"instructions,omitempty"`

	// Replanned marks that the one allowed cycle-replan was spent.
	Replanned bool `json:"replanned,omitempty"`

	// Approval is the pending interrupt (plan approval, or a write-todo
	// gate) while suspended.
	Approval *gate.ExecutionPlan `json:"approval,omitempty"`

	// Gating names the todo whose write dispatch is awaiting a decision.
	// Empty while Approval is a whole-plan approval.
	Gating string `json:"gating,omitempty"`
}

// Todo returns the todo with the given ID, or nil.
func (p *Plan) Todo(id string) *Todo {
	for i := range p.Todos {
		if p.Todos[i].ID == id {
			return &p.Todos[i]
		}
	}
	return nil
}

// State is the checkpointed snapshot shared by every workflow graph. It is
// JSON-serialized into the checkpoint store, so all fields are exported and
// self-contained.
type State struct {
	ThreadID string `json:"thread_id"`
	Mode     string `json:"mode,omitempty"`
	Query    string `json:"query"`

	// Workflow is the routed graph name; the runtime uses it to pick the
	// engine when continuing or resuming a thread.
	Workflow string            `json:"workflow"`
	Route    *router.Selection `json:"route,omitempty"`

	// Messages is the conversation so far, oldest first.
	Messages []model.Message `json:"messages,omitempty"`

	// Findings is the evidence gathered outside the deep-dive plan.
	Findings []Finding `json:"findings,omitempty"`

	// Pending is a decided-but-not-dispatched read call (query funnel).
	Pending *Call `json:"pending,omitempty"`

	// Proposal is the gated change in flight (execute, inventory).
	Proposal *Proposal `json:"proposal,omitempty"`

	// Plan is the deep-dive investigation state.
	Plan *Plan `json:"plan,omitempty"`

	// SubQueries carries synthesized child investigations into replanning.
	SubQueries []SubQuery `json:"sub_queries,omitempty"`

	// Depth is the deep-dive recursion depth, zero for the root plan.
	Depth int `json:"depth,omitempty"`

	// Decision is installed by Resume before the interrupted node re-runs.
	Decision *gate.Decision `json:"decision,omitempty"`

	// ClearDecision, set on a delta, removes the consumed decision.
	ClearDecision bool `json:"-"`

	// ClearPending removes a dispatched Pending call.
	ClearPending bool `json:"-"`

	// ClearSubQueries removes consumed child sub-queries.
	ClearSubQueries bool `json:"-"`

	Outcome string `json:"outcome,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Reduce merges a node delta into the previous state. Scalars overwrite
// when set, slices append, pointers replace. Nodes that consume the
// installed decision set ClearDecision on their delta.
func Reduce(prev, delta State) State {
	out := prev
	if delta.ThreadID != "" {
		out.ThreadID = delta.ThreadID
	}
	if delta.Mode != "" {
		out.Mode = delta.Mode
	}
	if delta.Query != "" {
		out.Query = delta.Query
	}
	if delta.Workflow != "" {
		out.Workflow = delta.Workflow
	}
	if delta.Route != nil {
		out.Route = delta.Route
	}
	out.Messages = append(out.Messages, delta.Messages...)
	out.Findings = append(out.Findings, delta.Findings...)
	if delta.Pending != nil {
		out.Pending = delta.Pending
	}
	if delta.ClearPending {
		out.Pending = nil
	}
	if delta.Proposal != nil {
		out.Proposal = delta.Proposal
	}
	if delta.Plan != nil {
		out.Plan = delta.Plan
	}
	if len(delta.SubQueries) > 0 {
		out.SubQueries = delta.SubQueries
	}
	if delta.Depth != 0 {
		out.Depth = delta.Depth
	}
	if delta.Decision != nil {
		out.Decision = delta.Decision
	}
	if delta.ClearDecision {
		out.Decision = nil
	}
	if delta.ClearSubQueries {
		out.SubQueries = nil
	}
	if delta.Outcome != "" {
		out.Outcome = delta.Outcome
	}
	if delta.Summary != "" {
		out.Summary = delta.Summary
	}
	return out
}

// InstallDecision writes an approver decision into the snapshot; wired as
// the engine's resume installer.
func InstallDecision(s State, d gate.Decision) State {
	s.Decision = &d
	return s
}

// clonePlan deep-copies the plan so nodes can mutate todos without
// aliasing the engine's previous state.
func clonePlan(p *Plan) *Plan {
	if p == nil {
		return &Plan{}
	}
	cp := *p
	cp.Todos = make([]Todo, len(p.Todos))
	copy(cp.Todos, p.Todos)
	cp.Instructions = append([]string(nil), p.Instructions...)
	return &cp
}
