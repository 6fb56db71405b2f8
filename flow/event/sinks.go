package event

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogSink writes events to a writer, one per line.
//
// Two modes:
//   - Text (default): human-readable key=value pairs
//   - JSON: one JSON object per line (JSONL)
//
// Example text output:
//
//	[tool_start] thread=t-01 step=3 node=macro_read tool=telemetry_read
//
// Usage:
//
//	sink := event.NewLogSink(os.Stderr, false)
type LogSink struct {
	mu     sync.Mutex
	writer io.Writer
	asJSON bool
}

// NewLogSink creates a LogSink. A nil writer defaults to stdout.
func NewLogSink(w io.Writer, asJSON bool) *LogSink {
	if w == nil {
		w = os.Stdout
	}
	return &LogSink{writer: w, asJSON: asJSON}
}

func (l *LogSink) Send(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.asJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			_, werr := fmt.Fprintf(l.writer, "{\"err_msg\":%q}\n", err.Error())
			return werr
		}
		_, err = fmt.Fprintf(l.writer, "%s\n", data)
		return err
	}

	_, err := fmt.Fprintf(l.writer, "[%s] thread=%s seq=%d step=%d node=%s",
		ev.Type, ev.ThreadID, ev.Seq, ev.Step, ev.Node)
	if err != nil {
		return err
	}
	if ev.Tool != "" {
		fmt.Fprintf(l.writer, " tool=%s", ev.Tool)
	}
	if ev.Type == TypeToolEnd {
		fmt.Fprintf(l.writer, " rows=%d duration=%s", ev.Rows, ev.Duration)
	}
	if ev.Outcome != "" {
		fmt.Fprintf(l.writer, " outcome=%s", ev.Outcome)
	}
	if ev.ErrMsg != "" {
		fmt.Fprintf(l.writer, " err_kind=%s err=%q", ev.ErrKind, ev.ErrMsg)
	}
	if ev.Text != "" && ev.Type != TypeToken {
		fmt.Fprintf(l.writer, " text=%q", truncate(ev.Text, 120))
	}
	_, err = fmt.Fprintln(l.writer)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// BufferedSink collects events in memory. Used by tests and by the admin
// CLI to inspect a run after the fact.
type BufferedSink struct {
	mu     sync.Mutex
	events []Event
}

// NewBufferedSink creates an empty BufferedSink.
func NewBufferedSink() *BufferedSink {
	return &BufferedSink{}
}

func (b *BufferedSink) Send(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

// Events returns a copy of everything collected so far.
func (b *BufferedSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// ByType filters collected events.
func (b *BufferedSink) ByType(t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards collected events.
func (b *BufferedSink) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// MultiSink fans an event out to several sinks. The first error is
// returned after all sinks have been attempted.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink composes sinks. Nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) Send(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Send(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NullSink discards everything.
type NullSink struct{}

func (NullSink) Send(context.Context, Event) error { return nil }
