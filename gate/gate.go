// Package gate implements the human-in-the-loop chokepoint: every
// write-class tool dispatch (and any read matching configured risk
// patterns) is classified, packaged into an execution plan, and held until
// a human decision arrives. Every gate invocation is audited.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/olavnet/olav/tool"
)

// Risk is the classified severity of a proposed action.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Action is the approver's decision kind.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionEdit       Action = "edit"
	ActionModifyPlan Action = "modify_plan"
)

// Decision is the human response to an execution plan.
type Decision struct {
	Action Action `json:"action"`

	// Reason accompanies rejections.
	Reason string `json:"reason,omitempty"`

	// Args replaces the proposed arguments for ActionEdit.
	Args map[string]any `json:"args,omitempty"`

	// Text carries additional planning instruction for ActionModifyPlan.
	Text string `json:"text,omitempty"`

	// Approver identifies who decided.
	Approver string `json:"approver,omitempty"`

	// DecidedAt is stamped by the resume endpoint.
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// PlannedStep summarizes one deep-dive todo inside an execution plan so the
// approver sees exactly what will run.
type PlannedStep struct {
	TodoID      string `json:"todo_id"`
	Description string `json:"description"`
	Tool        string `json:"tool,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// ExecutionPlan is the interrupt payload shown to the approver.
type ExecutionPlan struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`

	// Tool and Args describe a single proposed call. Empty Tool with
	// non-empty Steps means a deep-dive plan approval.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// Targets names the affected devices or inventory objects.
	Targets []string `json:"targets,omitempty"`

	Risk    Risk   `json:"risk"`
	Summary string `json:"summary,omitempty"`

	// DryRun is an optional preview of the change (rendered config diff).
	DryRun string `json:"dry_run,omitempty"`

	// Steps carries the deep-dive todo classification for plan approvals.
	Steps []PlannedStep `json:"steps,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AuditRecord is the durable trace of one gate invocation. Records are
// append-only; nothing ever mutates or deletes them.
type AuditRecord struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	EditedArgs  map[string]any `json:"edited_args,omitempty"`
	Risk        Risk           `json:"risk"`
	Decision    Action         `json:"decision,omitempty"`
	Approver    string         `json:"approver,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   time.Time      `json:"decided_at,omitempty"`
}

// AuditAppender receives audit records. Implemented by the checkpoint
// stores; tests use in-memory appenders.
type AuditAppender interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
}

// VerdictKind discriminates gate outcomes.
type VerdictKind int

const (
	// Proceed: dispatch with Verdict.Args.
	Proceed VerdictKind = iota

	// Suspend: checkpoint with Verdict.Plan pending and halt the run.
	Suspend

	// Rejected: record the rejection and transition to a terminal or
	// recovery state.
	Rejected

	// PlanModified: re-enter planning with Verdict.ModifyText (deep-dive).
	PlanModified
)

var verdictKindNames = [...]string{"proceed", "suspend", "rejected", "plan_modified"}

// String returns the verdict label used in logs and rejection reasons.
func (k VerdictKind) String() string {
	if k >= 0 && int(k) < len(verdictKindNames) {
		return verdictKindNames[k]
	}
	return fmt.Sprintf("verdict(%d)", int(k))
}

// Verdict is the gate's answer at a dispatch point.
type Verdict struct {
	Kind       VerdictKind
	Args       map[string]any
	Plan       *ExecutionPlan
	Reason     string
	ModifyText string
}

// Gate classifies proposed tool calls and resolves approver decisions.
// Construct with New; the zero value has no policy and no audit sink.
type Gate struct {
	policy Policy
	audit  AuditAppender
	now    func() time.Time
	nextID func() string
}

// New creates a Gate. Audit may not be nil: an unauditable gate is a policy
// violation by construction.
func New(policy Policy, audit AuditAppender) *Gate {
	policy.applyDefaults()
	g := &Gate{
		policy: policy,
		audit:  audit,
		now:    time.Now,
	}
	// One gate serves every workflow engine, so concurrent threads mint
	// IDs at the same time; the atomic keeps them unique.
	var seq atomic.Int64
	g.nextID = func() string {
		return fmt.Sprintf("plan-%d-%d", g.now().UnixNano(), seq.Add(1))
	}
	return g
}

// Evaluate classifies a proposed call before dispatch.
//
// Returns:
//   - Proceed for unsensitive calls (read-class, no risk-pattern hit).
//   - Rejected immediately when high risk intersects the blacklist —
//     such calls are forbidden even with approval.
//   - Suspend with a built ExecutionPlan otherwise; the caller checkpoints
//     the plan and halts until a decision arrives.
func (g *Gate) Evaluate(ctx context.Context, desc tool.Descriptor, args map[string]any, threadID string, targets []string) Verdict {
	risk, sensitive := g.classify(ctx, desc, args)
	if !sensitive {
		return Verdict{Kind: Proceed, Args: args}
	}

	requestedAt := g.now()
	if risk == RiskHigh && g.blacklisted(args) {
		reason := "policy-forbidden: arguments touch blacklisted fields"
		g.writeAudit(ctx, AuditRecord{
			ID:          g.nextID(),
			ThreadID:    threadID,
			Tool:        desc.Name,
			Args:        args,
			Risk:        risk,
			Decision:    ActionReject,
			Approver:    "policy",
			Reason:      reason,
			RequestedAt: requestedAt,
			DecidedAt:   requestedAt,
		})
		return Verdict{Kind: Rejected, Reason: reason}
	}

	plan := &ExecutionPlan{
		ID:        g.nextID(),
		ThreadID:  threadID,
		Tool:      desc.Name,
		Args:      args,
		Targets:   targets,
		Risk:      risk,
		Summary:   fmt.Sprintf("%s (%s): %s", desc.Name, desc.Sensitivity, desc.Purpose),
		CreatedAt: requestedAt,
	}
	return Verdict{Kind: Suspend, Plan: plan}
}

// EvaluatePlan builds a deep-dive plan-approval interrupt. Deep-dive plans
// always suspend; the risk reflects the highest-risk step.
func (g *Gate) EvaluatePlan(threadID string, steps []PlannedStep, risk Risk, summary string) Verdict {
	if risk == "" {
		risk = RiskMedium
	}
	plan := &ExecutionPlan{
		ID:        g.nextID(),
		ThreadID:  threadID,
		Risk:      risk,
		Summary:   summary,
		Steps:     steps,
		CreatedAt: g.now(),
	}
	return Verdict{Kind: Suspend, Plan: plan}
}

// Resolve applies an approver decision to a pending plan.
//
//   - approve: Proceed with the original args.
//   - edit: new args are revalidated against the tool contract; invalid
//     edits become Rejected with the contract violation as reason.
//   - reject: Rejected.
//   - modify_plan: PlanModified with the instruction text.
//
// The blacklist is re-checked on edited args: approval never overrides the
// hard policy stop. Every resolution writes an audit record.
func (g *Gate) Resolve(ctx context.Context, desc tool.Descriptor, plan *ExecutionPlan, decision Decision) Verdict {
	rec := AuditRecord{
		ID:          plan.ID,
		ThreadID:    plan.ThreadID,
		Tool:        plan.Tool,
		Args:        plan.Args,
		Risk:        plan.Risk,
		Decision:    decision.Action,
		Approver:    decision.Approver,
		Reason:      decision.Reason,
		RequestedAt: plan.CreatedAt,
		DecidedAt:   g.decidedAt(decision),
	}

	switch decision.Action {
	case ActionApprove:
		g.writeAudit(ctx, rec)
		return Verdict{Kind: Proceed, Args: plan.Args}

	case ActionEdit:
		if err := tool.ValidateArgs(desc, decision.Args); err != nil {
			rec.Decision = ActionReject
			rec.Reason = "edited args invalid: " + err.Error()
			g.writeAudit(ctx, rec)
			return Verdict{Kind: Rejected, Reason: rec.Reason}
		}
		if plan.Risk == RiskHigh && g.blacklisted(decision.Args) {
			rec.Decision = ActionReject
			rec.Reason = "policy-forbidden: edited arguments touch blacklisted fields"
			g.writeAudit(ctx, rec)
			return Verdict{Kind: Rejected, Reason: rec.Reason}
		}
		rec.EditedArgs = decision.Args
		g.writeAudit(ctx, rec)
		return Verdict{Kind: Proceed, Args: decision.Args}

	case ActionModifyPlan:
		g.writeAudit(ctx, rec)
		return Verdict{Kind: PlanModified, ModifyText: decision.Text}

	case ActionReject:
		g.writeAudit(ctx, rec)
		reason := decision.Reason
		if reason == "" {
			reason = "rejected by approver"
		}
		return Verdict{Kind: Rejected, Reason: reason}

	default:
		rec.Decision = ActionReject
		rec.Reason = fmt.Sprintf("unknown decision action %q", decision.Action)
		g.writeAudit(ctx, rec)
		return Verdict{Kind: Rejected, Reason: rec.Reason}
	}
}

// ExpireDecision synthesizes an audited reject for a pending plan whose
// decision TTL elapsed. Returns the synthetic decision.
func (g *Gate) ExpireDecision(ctx context.Context, plan *ExecutionPlan) Decision {
	d := Decision{
		Action:    ActionReject,
		Reason:    "decision timeout expired",
		Approver:  "policy",
		DecidedAt: g.now(),
	}
	g.writeAudit(ctx, AuditRecord{
		ID:          plan.ID,
		ThreadID:    plan.ThreadID,
		Tool:        plan.Tool,
		Args:        plan.Args,
		Risk:        plan.Risk,
		Decision:    d.Action,
		Approver:    d.Approver,
		Reason:      d.Reason,
		RequestedAt: plan.CreatedAt,
		DecidedAt:   d.DecidedAt,
	})
	return d
}

// DecisionTTL exposes the configured pending-decision timeout (zero means
// no timeout).
func (g *Gate) DecisionTTL() time.Duration { return g.policy.DecisionTTL }

func (g *Gate) decidedAt(d Decision) time.Time {
	if !d.DecidedAt.IsZero() {
		return d.DecidedAt
	}
	return g.now()
}

func (g *Gate) writeAudit(ctx context.Context, rec AuditRecord) {
	if g.audit == nil {
		return
	}
	// Audit failures must not mask the verdict; the store surfaces its own
	// unavailability through the engine's checkpoint path.
	_ = g.audit.AppendAudit(ctx, rec)
}

func (g *Gate) blacklisted(args map[string]any) bool {
	for field := range args {
		for _, b := range g.policy.Blacklist {
			if field == b {
				return true
			}
		}
	}
	return false
}
