package model

import (
	"fmt"
	"sync"
)

// Pricing defines input and output token costs for an LLM model, in USD per
// one million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for the supported providers (as of 2025-01-01). Prices are
// USD per 1M tokens and subject to change; unknown models are tracked with
// zero cost.
var defaultPricing = map[string]Pricing{
	// OpenAI
	"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},

	// Anthropic
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},

	// Google
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.5-flash": {InputPer1M: 0.15, OutputPer1M: 0.60},
}

// ModelUsage accumulates token counts and cost for one model.
type ModelUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Calls        int     `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// UsageTracker accumulates LLM token usage and cost across a run.
//
// Trackers are safe for concurrent use; the deep-dive execution node records
// usage from parallel workers.
type UsageTracker struct {
	mu      sync.Mutex
	byModel map[string]ModelUsage
	pricing map[string]Pricing
}

// NewUsageTracker creates a tracker using the built-in pricing table.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		byModel: make(map[string]ModelUsage),
		pricing: defaultPricing,
	}
}

// SetPricing overrides or adds pricing for a model.
func (t *UsageTracker) SetPricing(mdl string, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pricing == nil {
		t.pricing = make(map[string]Pricing)
	}
	// Copy-on-write so the shared default table is never mutated.
	cp := make(map[string]Pricing, len(t.pricing)+1)
	for k, v := range t.pricing {
		cp[k] = v
	}
	cp[mdl] = p
	t.pricing = cp
}

// Record adds one completion's usage to the tracker.
func (t *UsageTracker) Record(mdl string, u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu := t.byModel[mdl]
	mu.InputTokens += u.InputTokens
	mu.OutputTokens += u.OutputTokens
	mu.Calls++
	if p, ok := t.pricing[mdl]; ok {
		mu.CostUSD += float64(u.InputTokens)/1e6*p.InputPer1M +
			float64(u.OutputTokens)/1e6*p.OutputPer1M
	}
	t.byModel[mdl] = mu
}

// TotalCostUSD returns the accumulated cost across all models.
func (t *UsageTracker) TotalCostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, mu := range t.byModel {
		total += mu.CostUSD
	}
	return total
}

// ByModel returns a copy of the per-model usage breakdown.
func (t *UsageTracker) ByModel() map[string]ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelUsage, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

// String renders a short human-readable summary.
func (t *UsageTracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var in, out, calls int
	var cost float64
	for _, mu := range t.byModel {
		in += mu.InputTokens
		out += mu.OutputTokens
		calls += mu.Calls
		cost += mu.CostUSD
	}
	return fmt.Sprintf("%d calls, %d in / %d out tokens, $%.4f", calls, in, out, cost)
}
