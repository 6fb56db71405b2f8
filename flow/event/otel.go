package event

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelSink records each event as an OpenTelemetry span.
//
// Span name is the event type; the header fields and type-specific payload
// become attributes under the "olav." namespace. Error events set the span
// status to Error. Token and thinking deltas are skipped: they arrive at
// display rate and would swamp the trace.
//
// Usage:
//
//	tracer := otel.Tracer("olav")
//	sink := event.NewOTelSink(tracer)
type OTelSink struct {
	tracer trace.Tracer
}

// NewOTelSink creates an OTelSink from a tracer.
func NewOTelSink(tracer trace.Tracer) *OTelSink {
	return &OTelSink{tracer: tracer}
}

func (o *OTelSink) Send(ctx context.Context, ev Event) error {
	if ev.Type == TypeToken || ev.Type == TypeThinking {
		return nil
	}

	_, span := o.tracer.Start(ctx, string(ev.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("olav.thread_id", ev.ThreadID),
		attribute.Int64("olav.seq", int64(ev.Seq)),
		attribute.Int("olav.step", ev.Step),
		attribute.String("olav.node", ev.Node),
	)
	if ev.Tool != "" {
		span.SetAttributes(attribute.String("olav.tool", ev.Tool))
	}
	if ev.Type == TypeToolEnd {
		span.SetAttributes(
			attribute.Int("olav.tool.rows", ev.Rows),
			attribute.Int64("olav.tool.duration_ms", ev.Duration.Milliseconds()),
		)
	}
	if ev.Plan != nil {
		span.SetAttributes(
			attribute.String("olav.plan.id", ev.Plan.ID),
			attribute.String("olav.plan.risk", string(ev.Plan.Risk)),
		)
	}
	if ev.Outcome != "" {
		span.SetAttributes(attribute.String("olav.outcome", ev.Outcome))
	}
	if ev.Type == TypeError {
		span.SetStatus(codes.Error, ev.ErrMsg)
		span.RecordError(fmt.Errorf("%s: %s", ev.ErrKind, ev.ErrMsg))
	}
	return nil
}

// Flush forces export of pending spans. Call before shutdown.
func (o *OTelSink) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
