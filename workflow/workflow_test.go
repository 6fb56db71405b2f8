package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/flow/store"
	"github.com/olavnet/olav/gate"
	"github.com/olavnet/olav/model"
	"github.com/olavnet/olav/tool"
)

// fakeTool is a scriptable tool that records its calls.
type fakeTool struct {
	desc tool.Descriptor
	fn   func(ctx context.Context, args map[string]any) (tool.Result, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (t *fakeTool) Descriptor() tool.Descriptor { return t.desc }

func (t *fakeTool) Call(ctx context.Context, args map[string]any) (tool.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return tool.Result{}, nil
}

func (t *fakeTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *fakeTool) lastArgs() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return nil
	}
	return t.calls[len(t.calls)-1]
}

func telemetryTool(rows []map[string]any, columns []string) *fakeTool {
	return &fakeTool{
		desc: tool.Descriptor{
			Name:        "telemetry_read",
			Purpose:     "read normalized network telemetry tables",
			Sensitivity: tool.SensitivityRead,
			Input: map[string]tool.Field{
				"table": {Type: "string", Required: true},
			},
			Schema: &tool.SchemaDescriptor{
				Tables: []tool.SchemaTable{
					{
						Name: "bgp",
						Fields: []tool.SchemaField{
							{Name: "neighbor"},
							{Name: "state"},
							{Name: "peer_asn"},
						},
					},
					{
						Name: "interfaces",
						Fields: []tool.SchemaField{
							{Name: "name"},
							{Name: "status"},
							{Name: "mtu"},
							{Name: "mpls_enabled"},
						},
					},
				},
			},
		},
		fn: func(ctx context.Context, args map[string]any) (tool.Result, error) {
			return tool.Result{Columns: columns, Rows: rows}, nil
		},
	}
}

func deviceWriteTool() *fakeTool {
	return &fakeTool{
		desc: tool.Descriptor{
			Name:        "device_write",
			Purpose:     "push configuration commands to a device",
			Sensitivity: tool.SensitivityWrite,
			Input: map[string]tool.Field{
				"device":    {Type: "string", Required: true},
				"interface": {Type: "string"},
				"mtu":       {Type: "integer"},
				"commands":  {Type: "array"},
			},
		},
		fn: func(ctx context.Context, args map[string]any) (tool.Result, error) {
			return tool.Result{Columns: []string{"applied"}, Rows: []map[string]any{{"applied": true}}}, nil
		},
	}
}

// env bundles a runtime with its doubles.
type env struct {
	rt    *Runtime
	store *store.MemStore[State]
	sink  *event.BufferedSink
	chat  *model.MockChatModel
}

func newEnv(t *testing.T, chat *model.MockChatModel, tools ...tool.Tool) *env {
	return newEnvCfg(t, chat, nil, tools...)
}

func newEnvCfg(t *testing.T, chat *model.MockChatModel, tweak func(*Config), tools ...tool.Tool) *env {
	t.Helper()
	reg := tool.NewRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	st := store.NewMemStore[State]()
	sink := event.NewBufferedSink()
	cfg := Config{
		Registry: reg,
		Store:    st,
		Chat:     chat,
		Sink:     sink,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	rt, err := BuildRuntime(cfg)
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	if err := rt.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return &env{rt: rt, store: st, sink: sink, chat: chat}
}

func text(responses ...string) *model.MockChatModel {
	outs := make([]model.ChatOut, len(responses))
	for i, r := range responses {
		outs[i] = model.ChatOut{Text: r}
	}
	return &model.MockChatModel{Responses: outs}
}

func (e *env) auditRecords(t *testing.T, threadID string) []gate.AuditRecord {
	t.Helper()
	recs, err := e.store.AuditRange(context.Background(), threadID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("audit range: %v", err)
	}
	return recs
}

func doneOutcome(t *testing.T, sink *event.BufferedSink) string {
	t.Helper()
	done := sink.ByType(event.TypeDone)
	if len(done) == 0 {
		t.Fatal("no done event")
	}
	return done[len(done)-1].Outcome
}
