package flow

import (
	"context"
	"time"
)

// runBounded executes a node under the soft/hard timeout pair.
//
// The soft timeout fires onSoft once (a warning, the node keeps running).
// The hard timeout cancels the node's context; if the node does not return
// promptly after cancellation, a resource error is returned and the
// node's goroutine is abandoned to finish against its dead context.
func runBounded[S any](ctx context.Context, nodeID string, node Node[S], state S, soft, hard time.Duration, onSoft func()) NodeResult[S] {
	if soft <= 0 && hard <= 0 {
		return node.Run(ctx, state)
	}

	nodeCtx := ctx
	var cancel context.CancelFunc
	if hard > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, hard)
		defer cancel()
	}

	done := make(chan NodeResult[S], 1)
	go func() {
		done <- node.Run(nodeCtx, state)
	}()

	var softC <-chan time.Time
	if soft > 0 && (hard <= 0 || soft < hard) {
		softTimer := time.NewTimer(soft)
		defer softTimer.Stop()
		softC = softTimer.C
	}

	for {
		select {
		case res := <-done:
			return res
		case <-softC:
			softC = nil
			if onSoft != nil {
				onSoft()
			}
		case <-nodeCtx.Done():
			// Grace period for the node to observe cancellation.
			select {
			case res := <-done:
				return res
			case <-time.After(500 * time.Millisecond):
			}
			if ctx.Err() != nil {
				return NodeResult[S]{Err: ctx.Err()}
			}
			return NodeResult[S]{Err: &Error{
				Kind:    KindResource,
				Node:    nodeID,
				Message: "node exceeded hard timeout " + hard.String(),
			}}
		}
	}
}
