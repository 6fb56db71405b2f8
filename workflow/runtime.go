package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olavnet/olav/flow"
	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/flow/store"
	"github.com/olavnet/olav/gate"
	"github.com/olavnet/olav/model"
	"github.com/olavnet/olav/router"
	"github.com/olavnet/olav/tool"
)

// Config assembles a Runtime. Registry, Store, and Chat are required.
type Config struct {
	Registry *tool.Registry
	Store    store.Store[State]
	Chat     model.ChatModel

	// Embedder powers the router's semantic stage and the capability
	// index. Nil degrades both to lexical scoring.
	Embedder model.Embedder

	// Policy configures the HITL gate.
	Policy gate.Policy

	// Sink receives run events. Nil drops them (the durable trail is
	// written regardless).
	Sink event.Sink

	// Metrics attaches Prometheus instrumentation. Nil disables it.
	Metrics *flow.Metrics

	// Router tunes the intent router. Zero values take router defaults;
	// an empty Fallback defaults to the query workflow.
	Router router.Config

	// MaxDepth caps deep-dive recursive descent. Zero means 3.
	MaxDepth int

	// FanOut caps parallel todo dispatch inside a deep-dive batch.
	// Zero means 5.
	FanOut int

	// MaxSteps bounds node executions per run. Zero means the engine
	// default.
	MaxSteps int

	// SoftTimeout and HardTimeout bound individual node executions.
	SoftTimeout time.Duration
	HardTimeout time.Duration

	// ToolTimeout is the default per-call tool timeout.
	ToolTimeout time.Duration
}

// Runtime is the composition root: it owns the routed engines, the gate,
// the tool runner, and the capability index, and exposes the run lifecycle
// (Submit, Resume, Cancel) to the transport layer.
type Runtime struct {
	cfg      Config
	registry *tool.Registry
	index    *tool.Index
	runner   *tool.Runner
	gate     *gate.Gate
	router   *router.Router
	chat     model.ChatModel
	store    store.Store[State]
	usage    *model.UsageTracker
	engines  map[string]*flow.Engine[State]
}

// BuildRuntime wires the runtime from explicit dependencies. Nothing is
// global; tests swap any dependency for an in-memory double.
func BuildRuntime(cfg Config) (*Runtime, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("workflow: registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("workflow: store is required")
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("workflow: chat model is required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 5
	}
	if cfg.Router.Fallback == "" {
		cfg.Router.Fallback = WorkflowQuery
	}

	rt := &Runtime{
		cfg:      cfg,
		registry: cfg.Registry,
		chat:     cfg.Chat,
		store:    cfg.Store,
		usage:    model.NewUsageTracker(),
		engines:  make(map[string]*flow.Engine[State]),
	}
	rt.index = tool.BuildIndex(cfg.Registry, cfg.Embedder)
	rt.runner = &tool.Runner{
		DefaultTimeout: cfg.ToolTimeout,
		OnRetry: func(toolName string, attempt int, err error) {
			cfg.Metrics.ToolRetried(toolName)
		},
	}
	rt.gate = gate.New(cfg.Policy, cfg.Store)

	r, err := router.New(cfg.Router, Descriptors(), cfg.Embedder, cfg.Chat)
	if err != nil {
		return nil, err
	}
	rt.router = r

	builders := map[string]func(*Runtime) (*flow.Engine[State], error){
		WorkflowQuery:     buildQuery,
		WorkflowExecute:   buildExecute,
		WorkflowInventory: buildInventory,
		WorkflowDeepDive:  buildDeepDive,
	}
	for name, build := range builders {
		eng, err := build(rt)
		if err != nil {
			return nil, fmt.Errorf("workflow: build %s: %w", name, err)
		}
		rt.engines[name] = eng
	}
	return rt, nil
}

// Prepare embeds the router centroids and the capability index. Call once
// at startup; failures degrade semantic matching to lexical scoring, so
// the error is advisory.
func (rt *Runtime) Prepare(ctx context.Context) error {
	return errors.Join(rt.index.Prepare(ctx), rt.router.Prepare(ctx))
}

// Gate exposes the HITL gate for expiry sweeps and tests.
func (rt *Runtime) Gate() *gate.Gate { return rt.gate }

// Index exposes the capability index.
func (rt *Runtime) Index() *tool.Index { return rt.index }

// Usage returns the accumulated LLM usage tracker.
func (rt *Runtime) Usage() *model.UsageTracker { return rt.usage }

// Route dry-runs the intent router for a query without starting a run.
func (rt *Runtime) Route(ctx context.Context, query, mode string) router.Selection {
	if mode == ModeExpert {
		return router.Selection{Workflow: WorkflowDeepDive, Method: router.Method("mode")}
	}
	return rt.router.Route(ctx, query)
}

// Submit routes a query and drives the run until a terminal event or an
// interrupt. An existing thread continues from its latest checkpoint (the
// query argument is ignored for continuations).
//
// Returns flow.ErrInterrupted when the run halted for a decision, and
// flow.ErrAwaitingDecision when the thread already holds one.
func (rt *Runtime) Submit(ctx context.Context, threadID, query, mode string) (State, error) {
	if threadID == "" {
		return State{}, fmt.Errorf("workflow: thread ID is required")
	}

	if latest, err := rt.store.Latest(ctx, threadID); err == nil {
		eng, ok := rt.engines[latest.State.Workflow]
		if !ok {
			return State{}, fmt.Errorf("workflow: thread %s names unknown workflow %q", threadID, latest.State.Workflow)
		}
		return eng.Run(ctx, threadID, latest.State)
	} else if !errors.Is(err, store.ErrNotFound) {
		return State{}, err
	}

	sel := rt.Route(ctx, query, mode)
	eng, ok := rt.engines[sel.Workflow]
	if !ok {
		return State{}, fmt.Errorf("workflow: router selected unknown workflow %q", sel.Workflow)
	}
	initial := State{
		ThreadID: threadID,
		Mode:     mode,
		Query:    query,
		Workflow: sel.Workflow,
		Route:    &sel,
		Messages: []model.Message{{Role: model.RoleUser, Content: query}},
	}
	return eng.Run(ctx, threadID, initial)
}

// Resume applies an approver decision to an interrupted thread and
// continues the run.
func (rt *Runtime) Resume(ctx context.Context, threadID string, d gate.Decision) (State, error) {
	latest, err := rt.store.Latest(ctx, threadID)
	if err != nil {
		return State{}, err
	}
	eng, ok := rt.engines[latest.State.Workflow]
	if !ok {
		return State{}, fmt.Errorf("workflow: thread %s names unknown workflow %q", threadID, latest.State.Workflow)
	}
	return eng.Resume(ctx, threadID, d)
}

// Cancel aborts a running thread on whichever engine is driving it.
func (rt *Runtime) Cancel(threadID string) bool {
	for _, eng := range rt.engines {
		if eng.Cancel(threadID) {
			return true
		}
	}
	return false
}

// ExpirePending sweeps interrupted threads whose decision TTL elapsed,
// resuming each with a synthesized audited rejection. Returns the number
// of threads expired. A zero TTL disables the sweep.
func (rt *Runtime) ExpirePending(ctx context.Context) (int, error) {
	ttl := rt.gate.DecisionTTL()
	if ttl <= 0 {
		return 0, nil
	}
	threads, err := rt.store.ListThreads(ctx)
	if err != nil {
		return 0, err
	}
	var expired int
	for _, ti := range threads {
		if !ti.Interrupted {
			continue
		}
		ir, err := rt.store.PendingInterrupt(ctx, ti.ThreadID)
		if err != nil {
			continue
		}
		if time.Since(ir.Plan.CreatedAt) < ttl {
			continue
		}
		d := rt.gate.ExpireDecision(ctx, &ir.Plan)
		if _, err := rt.Resume(ctx, ti.ThreadID, d); err != nil && !errors.Is(err, flow.ErrInterrupted) {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// newEngine creates an engine with the runtime's shared options. Graph
// builders add their nodes on top.
func (rt *Runtime) newEngine() *flow.Engine[State] {
	return flow.New(Reduce, rt.store, rt.cfg.Sink,
		flow.WithMaxSteps[State](rt.cfg.MaxSteps),
		flow.WithNodeTimeout[State](rt.cfg.SoftTimeout, rt.cfg.HardTimeout),
		flow.WithResumeInstaller(InstallDecision),
		flow.WithOutcome(func(s State) string { return s.Outcome }),
		flow.WithMetrics[State](rt.cfg.Metrics),
	)
}

// invoke dispatches one tool call with lifecycle events and returns the
// evidence finding. Dispatch failures land in Finding.Err rather than
// aborting the node; callers decide how a failed call affects routing.
func (rt *Runtime) invoke(ctx context.Context, name string, args map[string]any) Finding {
	pub := flow.Emitter(ctx)
	f := Finding{Tool: name, Args: args}

	t, err := rt.registry.Get(name)
	if err != nil {
		f.Err = err.Error()
		return f
	}

	callID := uuid.NewString()
	_ = pub.Emit(ctx, event.Event{Type: event.TypeToolStart, CallID: callID, Tool: name, Args: args})
	started := time.Now()
	res, err := rt.runner.Run(ctx, t, args)
	end := event.Event{
		Type:     event.TypeToolEnd,
		CallID:   callID,
		Tool:     name,
		Duration: time.Since(started),
	}
	if err != nil {
		f.Err = err.Error()
		end.Outcome = "error"
		end.ErrMsg = err.Error()
	} else {
		f.Result = res
		end.Outcome = "success"
		end.Rows = len(res.Rows)
	}
	_ = pub.Emit(ctx, end)
	return f
}

// invokeGuarded routes a read dispatch through the gate first. The query
// funnel cannot suspend, so a read whose arguments trip the risk policy is
// refused with the reason recorded as evidence instead of interrupting.
func (rt *Runtime) invokeGuarded(ctx context.Context, threadID, name string, args map[string]any) Finding {
	t, err := rt.registry.Get(name)
	if err != nil {
		return Finding{Tool: name, Args: args, Err: err.Error()}
	}
	v := rt.gate.Evaluate(ctx, t.Descriptor(), args, threadID, nil)
	if v.Kind != gate.Proceed {
		reason := v.Reason
		if reason == "" {
			reason = "requires approval; rerun as a change request"
		}
		return Finding{Tool: name, Args: args, Err: "blocked by risk policy: " + reason}
	}
	return rt.invoke(ctx, name, v.Args)
}

// stream runs a chat completion with token deltas forwarded to the event
// stream, and records usage.
func (rt *Runtime) stream(ctx context.Context, req model.ChatRequest) (model.ChatOut, error) {
	pub := flow.Emitter(ctx)
	req.Stream = func(delta string) {
		_ = pub.Emit(ctx, event.Event{Type: event.TypeToken, Text: delta})
	}
	out, err := rt.chat.Chat(ctx, req)
	if err == nil {
		rt.usage.Record(out.Model, out.Usage)
	}
	return out, err
}

// structured runs a schema-constrained completion and unmarshals the JSON
// document into out.
func (rt *Runtime) structured(ctx context.Context, system, user string, schema map[string]any, out any) error {
	res, err := rt.chat.Chat(ctx, model.ChatRequest{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: system},
			{Role: model.RoleUser, Content: user},
		},
		ResponseSchema: schema,
	})
	if err != nil {
		return err
	}
	rt.usage.Record(res.Model, res.Usage)
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Text)), out); err != nil {
		return fmt.Errorf("malformed structured response: %w", err)
	}
	return nil
}

func emitThinking(ctx context.Context, text string) {
	_ = flow.Emitter(ctx).Emit(ctx, event.Event{Type: event.TypeThinking, Text: text})
}

func emitMessage(ctx context.Context, text string) {
	_ = flow.Emitter(ctx).Emit(ctx, event.Event{Type: event.TypeMessage, Text: text})
}

// assistant wraps text as a one-message conversation delta.
func assistant(text string) []model.Message {
	return []model.Message{{Role: model.RoleAssistant, Content: text}}
}

// approvalNode gates the pending proposal, shared by the execute and
// inventory graphs. On approval (or an unsensitive proposal) it routes to
// applyTo with the final arguments installed; on rejection it records the
// outcome and routes to summaryTo.
func (rt *Runtime) approvalNode(applyTo, summaryTo string) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		if s.Proposal == nil {
			return flow.NodeResult[State]{Err: flow.Errf(flow.KindInternal, "no proposal to gate")}
		}
		t, err := rt.registry.Get(s.Proposal.Tool)
		if err != nil {
			return flow.NodeResult[State]{Err: flow.Wrap(flow.KindContract, err, "proposal tool")}
		}
		desc := t.Descriptor()

		// Resume path: a decision awaits resolution against the held plan.
		if s.Decision != nil && s.Proposal.Plan != nil {
			v := rt.gate.Resolve(ctx, desc, s.Proposal.Plan, *s.Decision)
			switch v.Kind {
			case gate.Proceed:
				p := *s.Proposal
				p.Args = v.Args
				p.Plan = nil
				return flow.NodeResult[State]{
					Delta: State{Proposal: &p, ClearDecision: true},
					Route: flow.Goto(applyTo),
				}
			default:
				// Rejected, and modify_plan outside deep-dive.
				reason := v.Reason
				if v.Kind == gate.PlanModified {
					reason = "modify_plan is only supported for deep-dive plans"
				}
				return rt.rejectProposal(ctx, reason, summaryTo)
			}
		}

		v := rt.gate.Evaluate(ctx, desc, s.Proposal.Args, s.ThreadID, s.Proposal.Targets)
		switch v.Kind {
		case gate.Proceed:
			return flow.NodeResult[State]{Route: flow.Goto(applyTo)}
		case gate.Suspend:
			v.Plan.DryRun = s.Proposal.Preview
			p := *s.Proposal
			p.Plan = v.Plan
			return flow.NodeResult[State]{
				Delta:     State{Proposal: &p},
				Interrupt: v.Plan,
			}
		default:
			return rt.rejectProposal(ctx, v.Reason, summaryTo)
		}
	}
}

func (rt *Runtime) rejectProposal(ctx context.Context, reason, summaryTo string) flow.NodeResult[State] {
	text := "operation rejected by approver"
	if reason != "" {
		text += ": " + reason
	}
	emitMessage(ctx, text)
	return flow.NodeResult[State]{
		Delta: State{
			Messages:      assistant(text),
			Outcome:       OutcomeRejected,
			ClearDecision: true,
		},
		Route: flow.Goto(summaryTo),
	}
}
