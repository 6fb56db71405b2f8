// Package event defines the typed event stream a workflow run produces:
// token deltas, tool lifecycle, interrupts, and terminal outcomes.
//
// Events flow from workflow nodes through a bounded Stream to exactly one
// subscriber (the SSE transport), and fan out to sinks for logging,
// tracing, and the durable trail.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/olavnet/olav/gate"
)

// Type discriminates event payloads.
type Type string

const (
	// TypeToken is an incremental LLM output delta.
	TypeToken Type = "token"

	// TypeThinking is intermediate reasoning narration (plan progress,
	// classification notes). Thinking text is display-only.
	TypeThinking Type = "thinking"

	// TypeMessage is a complete assistant message.
	TypeMessage Type = "message"

	// TypeToolStart announces a tool dispatch with its arguments.
	TypeToolStart Type = "tool_start"

	// TypeToolEnd reports a completed tool call with row count and timing.
	TypeToolEnd Type = "tool_end"

	// TypeInterrupt carries an execution plan awaiting a human decision.
	// The run is checkpointed and halted when this event is emitted.
	TypeInterrupt Type = "interrupt"

	// TypeDone terminates the stream with the run outcome.
	TypeDone Type = "done"

	// TypeError terminates the stream with a failure.
	TypeError Type = "error"
)

// Event is the flat wire representation. Fields beyond the header apply
// only to specific types and marshal away when unset.
type Event struct {
	// Seq is the per-thread monotonic sequence number, assigned at
	// publication. Clients reconnect with the last Seq they saw.
	Seq uint64 `json:"seq"`

	ThreadID  string    `json:"thread_id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"ts"`

	// Step and Node locate the event in the workflow graph.
	Step int    `json:"step,omitempty"`
	Node string `json:"node,omitempty"`

	// Text carries token/thinking deltas and message content.
	Text string `json:"text,omitempty"`

	// Tool fields, for tool_start and tool_end. CallID correlates a
	// start/end pair; unique per dispatch, so interleaved parallel calls
	// to the same tool stay distinguishable.
	Tool     string         `json:"tool,omitempty"`
	CallID   string         `json:"id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Rows     int            `json:"rows,omitempty"`
	Duration time.Duration  `json:"-"`

	// Plan is the interrupt payload.
	Plan *gate.ExecutionPlan `json:"plan,omitempty"`

	// Outcome labels done events: completed, rejected, cancelled, partial.
	Outcome string `json:"outcome,omitempty"`

	// ErrKind and ErrMsg describe error events.
	ErrKind string `json:"err_kind,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

// eventJSON carries Duration on the wire as whole milliseconds under
// "duration_ms".
type eventJSON struct {
	eventAlias
	DurationMS int64 `json:"duration_ms,omitempty"`
}

type eventAlias Event

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		eventAlias: eventAlias(e),
		DurationMS: e.Duration.Milliseconds(),
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var aux eventJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = Event(aux.eventAlias)
	e.Duration = time.Duration(aux.DurationMS) * time.Millisecond
	return nil
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// Coalescible reports whether the event may be merged with an adjacent
// event of the same type under backpressure. Only display deltas qualify;
// tool lifecycle, interrupts, and terminals are never merged.
func (e Event) Coalescible() bool {
	return e.Type == TypeToken || e.Type == TypeThinking
}

// Sink receives published events. Implementations must tolerate concurrent
// Send calls and must not panic; a failing sink returns an error the
// publisher logs and moves past.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}
