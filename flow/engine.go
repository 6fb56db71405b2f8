package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/flow/store"
	"github.com/olavnet/olav/gate"
)

// ErrInterrupted is returned by Run and Resume when the workflow halted
// for a human decision. The thread's pending interrupt holds the plan;
// resume it with Engine.Resume once the decision arrives.
var ErrInterrupted = errors.New("run interrupted: awaiting decision")

// ErrThreadBusy is returned when a Run or Resume is attempted on a thread
// that is already executing.
var ErrThreadBusy = errors.New("thread is already running")

// ErrAwaitingDecision is returned by Run when the thread holds a pending
// interrupt; only Resume may continue it.
var ErrAwaitingDecision = errors.New("thread has a pending interrupt: resume with a decision")

// Engine drives a workflow graph with checkpoint-per-node semantics.
//
// Execution contract:
//   - Exactly one node executes at a time per thread; a per-thread run
//     lock rejects concurrent Run/Resume calls.
//   - After every node the merged state is committed as a checkpoint
//     carrying the next node, so the latest checkpoint alone is enough to
//     continue after a crash.
//   - A node returning an Interrupt halts the run: the plan is persisted,
//     an interrupt event is emitted, and Run returns ErrInterrupted.
//   - Resume installs the human decision into the snapshot (via the
//     configured installer) and re-drives the interrupted node.
//
// Example:
//
//	eng := flow.New(reducer, st, sink,
//	    flow.WithMaxSteps[State](64),
//	    flow.WithResumeInstaller(func(s State, d gate.Decision) State {
//	        s.Decision = &d
//	        return s
//	    }),
//	)
//	eng.Add("plan", planNode)
//	eng.StartAt("plan")
//	final, err := eng.Run(ctx, "thread-1", State{Query: q})
type Engine[S any] struct {
	mu      sync.RWMutex
	reducer Reducer[S]
	nodes   map[string]Node[S]
	edges   []Edge[S]
	start   string
	store   store.Store[S]
	sink    event.Sink
	opts    engineOptions[S]

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc
	seqs   map[string]uint64
}

type engineOptions[S any] struct {
	maxSteps    int
	softTimeout time.Duration
	hardTimeout time.Duration
	installer   func(S, gate.Decision) S
	outcome     func(S) string
	metrics     *Metrics
}

// Option configures an Engine.
type Option[S any] func(*engineOptions[S])

// WithMaxSteps bounds the number of node executions per run. Zero means
// the default of 64.
func WithMaxSteps[S any](n int) Option[S] {
	return func(o *engineOptions[S]) { o.maxSteps = n }
}

// WithNodeTimeout sets the soft (warning) and hard (abort) per-node
// timeouts. Zero disables the respective bound.
func WithNodeTimeout[S any](soft, hard time.Duration) Option[S] {
	return func(o *engineOptions[S]) {
		o.softTimeout = soft
		o.hardTimeout = hard
	}
}

// WithResumeInstaller sets the function that writes an approver decision
// into the state snapshot before the interrupted node is re-driven.
// Required for Resume.
func WithResumeInstaller[S any](install func(S, gate.Decision) S) Option[S] {
	return func(o *engineOptions[S]) { o.installer = install }
}

// WithOutcome sets the function that extracts the run outcome label from
// the final state for the terminal done event. Defaults to "completed".
func WithOutcome[S any](f func(S) string) Option[S] {
	return func(o *engineOptions[S]) { o.outcome = f }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics[S any](m *Metrics) Option[S] {
	return func(o *engineOptions[S]) { o.metrics = m }
}

// New creates an Engine. Reducer and store are required; sink may be nil.
func New[S any](reducer Reducer[S], st store.Store[S], sink event.Sink, opts ...Option[S]) *Engine[S] {
	e := &Engine[S]{
		reducer: reducer,
		nodes:   make(map[string]Node[S]),
		store:   st,
		sink:    sink,
		runs:    make(map[string]context.CancelFunc),
		seqs:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(&e.opts)
	}
	if e.opts.maxSteps <= 0 {
		e.opts.maxSteps = 64
	}
	return e
}

// Metrics returns the attached metrics (possibly nil), for wiring into
// tool runners and streams.
func (e *Engine[S]) Metrics() *Metrics { return e.opts.metrics }

// Add registers a node under a unique ID.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return Errf(KindInternal, "node ID cannot be empty")
	}
	if node == nil {
		return Errf(KindInternal, "node cannot be nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; exists {
		return Errf(KindInternal, "duplicate node ID: %s", nodeID)
	}
	e.nodes[nodeID] = node
	return nil
}

// Connect adds an edge used when a node returns no explicit route.
func (e *Engine[S]) Connect(from, to string, when Predicate[S]) error {
	if from == "" || to == "" {
		return Errf(KindInternal, "edge endpoints cannot be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: when})
	return nil
}

// StartAt sets the entry node. The node must already be registered.
func (e *Engine[S]) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; !exists {
		return Errf(KindInternal, "start node does not exist: %s", nodeID)
	}
	e.start = nodeID
	return nil
}

// Run executes a thread from the start node, or continues a crashed
// thread from its latest checkpoint. Threads with a pending interrupt must
// go through Resume instead.
func (e *Engine[S]) Run(ctx context.Context, threadID string, initial S) (S, error) {
	var zero S
	if err := e.validate(); err != nil {
		return zero, err
	}
	if threadID == "" {
		return zero, Errf(KindInternal, "thread ID cannot be empty")
	}

	if _, err := e.store.PendingInterrupt(ctx, threadID); err == nil {
		return zero, ErrAwaitingDecision
	} else if !errors.Is(err, store.ErrNoInterrupt) {
		return zero, Wrap(KindInternal, err, "check pending interrupt")
	}

	state := initial
	node := e.start
	step := 0

	// Crash recovery: continue from the persisted frontier.
	latest, err := e.store.Latest(ctx, threadID)
	switch {
	case err == nil:
		if latest.NextNode == "" {
			// Thread already ran to completion.
			return latest.State, nil
		}
		state = latest.State
		node = latest.NextNode
		step = latest.Step
	case errors.Is(err, store.ErrNotFound):
	default:
		return zero, Wrap(KindInternal, err, "load latest checkpoint")
	}

	return e.drive(ctx, threadID, state, node, step)
}

// Resume applies a decision to an interrupted thread and continues it.
// The interrupted node runs again with the decision installed into the
// state snapshot; it resolves the decision through the gate and routes
// accordingly.
func (e *Engine[S]) Resume(ctx context.Context, threadID string, decision gate.Decision) (S, error) {
	var zero S
	if err := e.validate(); err != nil {
		return zero, err
	}
	if e.opts.installer == nil {
		return zero, Errf(KindInternal, "resume requires WithResumeInstaller")
	}

	ir, err := e.store.PendingInterrupt(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNoInterrupt) {
			return zero, Errf(KindPolicy, "thread %s has no pending interrupt", threadID)
		}
		return zero, Wrap(KindInternal, err, "load pending interrupt")
	}
	latest, err := e.store.Latest(ctx, threadID)
	if err != nil {
		return zero, Wrap(KindInternal, err, "load latest checkpoint")
	}

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now()
	}
	state := e.opts.installer(latest.State, decision)

	if err := e.store.ClearInterrupt(ctx, threadID); err != nil {
		return zero, Wrap(KindInternal, err, "clear interrupt")
	}
	e.opts.metrics.InterruptCleared()

	return e.drive(ctx, threadID, state, ir.NodeID, latest.Step)
}

// Cancel aborts a running thread. Returns false when the thread is not
// currently executing. The checkpointed state survives; the thread can be
// continued later with Run.
func (e *Engine[S]) Cancel(threadID string) bool {
	e.runsMu.Lock()
	cancel, ok := e.runs[threadID]
	e.runsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// drive is the shared execution loop behind Run and Resume.
func (e *Engine[S]) drive(ctx context.Context, threadID string, state S, nodeID string, step int) (S, error) {
	var zero S

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.acquire(threadID, cancel); err != nil {
		return zero, err
	}
	defer func() {
		e.runsMu.Lock()
		delete(e.runs, threadID)
		e.runsMu.Unlock()
	}()

	pub := NewPublisher(threadID, e.sink, e.store, e.lastSeq(ctx, threadID))
	runCtx = WithEmitter(runCtx, pub)
	defer func() {
		e.runsMu.Lock()
		e.seqs[threadID] = pub.LastSeq()
		e.runsMu.Unlock()
	}()

	e.opts.metrics.RunStarted()
	outcome := "failed"
	defer func() { e.opts.metrics.RunFinished(outcome) }()

	for {
		step++
		if step > e.opts.maxSteps {
			err := Errf(KindResource, "run exceeded %d steps", e.opts.maxSteps)
			e.emitError(runCtx, pub, err)
			return zero, err
		}
		if runCtx.Err() != nil {
			outcome = "cancelled"
			_ = pub.Emit(runCtx, event.Event{Type: event.TypeDone, Outcome: "cancelled"})
			return state, runCtx.Err()
		}

		e.mu.RLock()
		node, exists := e.nodes[nodeID]
		e.mu.RUnlock()
		if !exists {
			err := Errf(KindInternal, "node not found: %s", nodeID)
			e.emitError(runCtx, pub, err)
			return zero, err
		}

		pub.at(step, nodeID)
		started := time.Now()
		res := runBounded(runCtx, nodeID, node, state, e.opts.softTimeout, e.opts.hardTimeout, func() {
			_ = pub.Emit(runCtx, event.Event{
				Type: event.TypeThinking,
				Text: "still working in " + nodeID + "...",
			})
		})

		status := "success"
		if res.Err != nil {
			status = "error"
		}
		e.opts.metrics.ObserveNode(nodeID, status, time.Since(started))

		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) {
				outcome = "cancelled"
				_ = pub.Emit(runCtx, event.Event{Type: event.TypeDone, Outcome: "cancelled"})
				return state, res.Err
			}
			err := classify(res.Err, nodeID)
			e.emitError(runCtx, pub, err)
			return zero, err
		}

		merged := e.reducer(state, res.Delta)

		if res.Interrupt != nil {
			// Re-drive the same node after the decision arrives.
			rec := store.StepRecord[S]{Step: step, NodeID: nodeID, NextNode: nodeID, State: merged}
			if err := e.store.Put(runCtx, threadID, rec); err != nil {
				err := Wrap(KindInternal, err, "checkpoint interrupt")
				e.emitError(runCtx, pub, err)
				return zero, err
			}
			if err := e.store.MarkInterrupt(runCtx, threadID, store.InterruptRecord{
				NodeID: nodeID,
				Plan:   *res.Interrupt,
			}); err != nil {
				err := Wrap(KindInternal, err, "persist interrupt")
				e.emitError(runCtx, pub, err)
				return zero, err
			}
			e.opts.metrics.InterruptMarked()
			if err := pub.Emit(runCtx, event.Event{Type: event.TypeInterrupt, Plan: res.Interrupt}); err != nil {
				return zero, classify(err, nodeID)
			}
			outcome = "interrupted"
			return merged, ErrInterrupted
		}

		next := ""
		if !res.Route.Terminal {
			next = res.Route.To
			if next == "" {
				next = e.route(nodeID, merged)
			}
			if next == "" {
				err := Errf(KindInternal, "no route from node %s", nodeID)
				e.emitError(runCtx, pub, err)
				return zero, err
			}
		}

		rec := store.StepRecord[S]{Step: step, NodeID: nodeID, NextNode: next, State: merged}
		if err := e.store.Put(runCtx, threadID, rec); err != nil {
			err := Wrap(KindInternal, err, "checkpoint step %d", step)
			e.emitError(runCtx, pub, err)
			return zero, err
		}

		state = merged
		if next == "" {
			outcome = "completed"
			if e.opts.outcome != nil {
				if o := e.opts.outcome(state); o != "" {
					outcome = o
				}
			}
			_ = pub.Emit(runCtx, event.Event{Type: event.TypeDone, Outcome: outcome})
			return state, nil
		}
		nodeID = next
	}
}

// route evaluates edges in registration order; first match wins.
func (e *Engine[S]) route(from string, state S) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

func (e *Engine[S]) validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.reducer == nil {
		return Errf(KindInternal, "reducer is required")
	}
	if e.store == nil {
		return Errf(KindInternal, "store is required")
	}
	if e.start == "" {
		return Errf(KindInternal, "start node not set")
	}
	return nil
}

// acquire claims the thread's run slot with its cancel func, so a Cancel
// that wins the race against the first node still aborts the run.
func (e *Engine[S]) acquire(threadID string, cancel context.CancelFunc) error {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if _, busy := e.runs[threadID]; busy {
		return ErrThreadBusy
	}
	e.runs[threadID] = cancel
	return nil
}

// lastSeq recovers the event sequence position for a thread, consulting
// the durable trail after a process restart.
func (e *Engine[S]) lastSeq(ctx context.Context, threadID string) uint64 {
	e.runsMu.Lock()
	seq, ok := e.seqs[threadID]
	e.runsMu.Unlock()
	if ok {
		return seq
	}
	evs, err := e.store.EventsSince(ctx, threadID, 0)
	if err != nil || len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].Seq
}

func (e *Engine[S]) emitError(ctx context.Context, pub *Publisher, err error) {
	var fe *Error
	kind := KindInternal
	if errors.As(err, &fe) {
		kind = fe.Kind
	}
	_ = pub.Emit(ctx, event.Event{
		Type:    event.TypeError,
		ErrKind: string(kind),
		ErrMsg:  err.Error(),
	})
}

// classify wraps an arbitrary node error into a *flow.Error.
func classify(err error, nodeID string) error {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Node == "" {
			fe.Node = nodeID
		}
		return fe
	}
	if errors.Is(err, event.ErrStreamStalled) {
		return &Error{Kind: KindResource, Node: nodeID, Message: "event stream stalled", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindResource, Node: nodeID, Message: "deadline exceeded", Cause: err}
	}
	return &Error{Kind: KindInternal, Node: nodeID, Message: "node failed", Cause: err}
}
