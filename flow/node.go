// Package flow provides the checkpointed workflow engine: a typed state
// graph whose nodes commit atomically, halt on human-in-the-loop
// interrupts, and resume deterministically after a crash or a decision.
package flow

import (
	"context"

	"github.com/olavnet/olav/gate"
)

// Node is one processing unit in a workflow graph. It receives the merged
// state, does its work (LLM calls, tool dispatch, evaluation), and returns
// a NodeResult with a state delta and a routing decision.
//
// Nodes must be deterministic with respect to their inputs wherever
// possible; the engine re-drives the current node after crash recovery and
// after interrupt resumption.
//
// Type parameter S is the workflow state shared across the graph.
type Node[S any] interface {
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult is the output of one node execution.
type NodeResult[S any] struct {
	// Delta is the partial state update, merged via the reducer.
	Delta S

	// Route selects the next hop. Ignored when Interrupt or Err is set.
	Route Next

	// Interrupt, when non-nil, halts the run for a human decision. The
	// engine checkpoints the merged state, persists the plan, and emits an
	// interrupt event. On resume the same node runs again with the
	// decision installed in the state.
	Interrupt *gate.ExecutionPlan

	// Err aborts the run. Use *flow.Error to classify the failure.
	Err error
}

// Next selects the next step after a node completes.
type Next struct {
	// To names the next node. Empty means fall back to edges.
	To string

	// Terminal stops the run.
	Terminal bool
}

// Stop returns a terminal Next.
func Stop() Next { return Next{Terminal: true} }

// Goto returns a Next routing to nodeID.
func Goto(nodeID string) Next { return Next{To: nodeID} }

// NodeFunc adapts a plain function to the Node interface.
//
//	summarize := flow.NodeFunc[State](func(ctx context.Context, s State) flow.NodeResult[State] {
//	    return flow.NodeResult[State]{Delta: State{Summary: render(s)}, Route: flow.Stop()}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// Reducer merges a node's delta into the previous state. It must be pure:
// same inputs, same output, no side effects. The engine relies on this for
// deterministic resumption.
type Reducer[S any] func(prev, delta S) S

// Predicate guards an edge.
type Predicate[S any] func(state S) bool

// Edge is a conditional transition used when a node returns no explicit
// route. Edges are evaluated in registration order; a nil predicate always
// matches.
type Edge[S any] struct {
	From string
	To   string
	When Predicate[S]
}
