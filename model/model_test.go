package model

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestMockChatModel(t *testing.T) {
	t.Run("responses in order then last repeats", func(t *testing.T) {
		m := &MockChatModel{Responses: []ChatOut{{Text: "first"}, {Text: "second"}}}
		ctx := context.Background()
		for i, want := range []string{"first", "second", "second"} {
			out, err := m.Chat(ctx, ChatRequest{})
			if err != nil {
				t.Fatal(err)
			}
			if out.Text != want {
				t.Fatalf("call %d: text = %q, want %q", i, out.Text, want)
			}
		}
		if m.CallCount() != 3 {
			t.Fatalf("CallCount = %d, want 3", m.CallCount())
		}
	})

	t.Run("error injection still records the call", func(t *testing.T) {
		boom := errors.New("provider down")
		m := &MockChatModel{Err: boom}
		_, err := m.Chat(context.Background(), ChatRequest{})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		if m.CallCount() != 1 {
			t.Fatalf("CallCount = %d, want 1", m.CallCount())
		}
	})

	t.Run("stream callback receives the full text", func(t *testing.T) {
		const text = "the interface gi0/1 is administratively down"
		m := &MockChatModel{Responses: []ChatOut{{Text: text}}}
		var sb strings.Builder
		var chunks int
		out, err := m.Chat(context.Background(), ChatRequest{Stream: func(delta string) {
			chunks++
			sb.WriteString(delta)
		}})
		if err != nil {
			t.Fatal(err)
		}
		if sb.String() != text || out.Text != text {
			t.Fatalf("streamed %q, returned %q", sb.String(), out.Text)
		}
		if chunks < 2 {
			t.Fatalf("chunks = %d, want the text split up", chunks)
		}
	})

	t.Run("cancelled context wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m := &MockChatModel{Responses: []ChatOut{{Text: "x"}}}
		if _, err := m.Chat(ctx, ChatRequest{}); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestMockEmbedder(t *testing.T) {
	emb := &MockEmbedder{Vectors: map[string][]float32{"pinned": {1, 0, 0}}}
	vecs, err := emb.Embed(context.Background(), []string{"pinned", "interface mtu", "interface mtu", "bgp peers"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 4 {
		t.Fatalf("len = %d", len(vecs))
	}
	if vecs[0][0] != 1 || len(vecs[0]) != 3 {
		t.Fatalf("pinned vector not honored: %v", vecs[0])
	}
	if cos(vecs[1], vecs[2]) < 0.999 {
		t.Fatal("identical texts should embed identically")
	}
	if cos(vecs[1], vecs[3]) > 0.9 {
		t.Fatal("unrelated texts should not be near-identical")
	}
	if emb.Calls() != 1 {
		t.Fatalf("Calls = %d, want 1", emb.Calls())
	}
}

func cos(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestUsageTracker(t *testing.T) {
	tr := NewUsageTracker()
	tr.Record("gpt-4o-mini", Usage{InputTokens: 1_000_000, OutputTokens: 500_000})
	tr.Record("gpt-4o-mini", Usage{InputTokens: 1_000_000})
	tr.Record("unpriced-model", Usage{InputTokens: 999})

	by := tr.ByModel()
	mini := by["gpt-4o-mini"]
	if mini.Calls != 2 || mini.InputTokens != 2_000_000 || mini.OutputTokens != 500_000 {
		t.Fatalf("gpt-4o-mini usage = %+v", mini)
	}
	// 2M in at $0.15/1M plus 0.5M out at $0.60/1M.
	wantCost := 2*0.15 + 0.5*0.60
	if math.Abs(mini.CostUSD-wantCost) > 1e-9 {
		t.Fatalf("cost = %v, want %v", mini.CostUSD, wantCost)
	}
	if by["unpriced-model"].CostUSD != 0 {
		t.Fatal("unknown models must accumulate zero cost")
	}
	if math.Abs(tr.TotalCostUSD()-wantCost) > 1e-9 {
		t.Fatalf("total = %v", tr.TotalCostUSD())
	}
	if s := tr.String(); !strings.Contains(s, "3 calls") {
		t.Fatalf("String = %q", s)
	}
}

func TestUsageTrackerSetPricing(t *testing.T) {
	tr := NewUsageTracker()
	tr.SetPricing("lab-model", Pricing{InputPer1M: 1, OutputPer1M: 2})
	tr.Record("lab-model", Usage{InputTokens: 500_000, OutputTokens: 500_000})
	if got := tr.TotalCostUSD(); math.Abs(got-1.5) > 1e-9 {
		t.Fatalf("cost = %v, want 1.5", got)
	}

	// The default table must stay untouched for other trackers.
	other := NewUsageTracker()
	other.Record("lab-model", Usage{InputTokens: 1_000_000})
	if other.TotalCostUSD() != 0 {
		t.Fatal("SetPricing leaked into the shared default table")
	}
}
