// Package router maps a free-text operator query to a registered workflow
// using a two-stage scheme: fast embedding similarity against example
// utterances, then an LLM tiebreak over the closest candidates, then a
// configured fallback. Routing is read-only and never dispatches tools.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/olavnet/olav/model"
)

// Descriptor registers one routable workflow.
type Descriptor struct {
	// Name is the workflow identifier ("query", "execute", "deep_dive").
	Name string `json:"name"`

	// Purpose is the one-sentence description shown to the routing LLM.
	Purpose string `json:"purpose"`

	// Examples are representative user utterances. Their embedding
	// centroid represents the workflow in stage one.
	Examples []string `json:"examples"`

	// Keywords boost lexical matching when no embedder is available.
	Keywords []string `json:"keywords,omitempty"`
}

// Method records which stage produced the selection.
type Method string

const (
	MethodEmbedding Method = "embedding"
	MethodLLM       Method = "llm"
	MethodFallback  Method = "fallback"
)

// Selection is the routing verdict.
type Selection struct {
	Workflow   string  `json:"workflow"`
	Method     Method  `json:"method"`
	Score      float64 `json:"score,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Config tunes the router. Zero values take documented defaults.
type Config struct {
	// Tau is the similarity threshold that short-circuits to the
	// embedding winner without consulting the LLM. Default 0.78.
	Tau float64

	// TopK candidates are forwarded to the LLM stage. Default 3.
	TopK int

	// ConfidenceFloor rejects LLM picks below this confidence and falls
	// back. Default 0.5.
	ConfidenceFloor float64

	// Fallback is the workflow used when both stages fail to decide.
	// Required; routing must always produce a workflow.
	Fallback string
}

func (c *Config) applyDefaults() {
	if c.Tau == 0 {
		c.Tau = 0.78
	}
	if c.TopK == 0 {
		c.TopK = 3
	}
	if c.ConfidenceFloor == 0 {
		c.ConfidenceFloor = 0.5
	}
}

// Router selects workflows. Construct with New, then Prepare once to embed
// the example centroids.
type Router struct {
	cfg      Config
	embedder model.Embedder
	chat     model.ChatModel

	mu        sync.RWMutex
	workflows []Descriptor
	centroids map[string][]float32
}

// New creates a Router. Embedder and chat may each be nil; the router
// degrades stage by stage down to the fallback.
func New(cfg Config, workflows []Descriptor, embedder model.Embedder, chat model.ChatModel) (*Router, error) {
	cfg.applyDefaults()
	if cfg.Fallback == "" {
		return nil, fmt.Errorf("router: fallback workflow is required")
	}
	seen := make(map[string]bool, len(workflows))
	fallbackKnown := false
	for _, w := range workflows {
		if w.Name == "" {
			return nil, fmt.Errorf("router: workflow name cannot be empty")
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("router: duplicate workflow %s", w.Name)
		}
		seen[w.Name] = true
		if w.Name == cfg.Fallback {
			fallbackKnown = true
		}
	}
	if !fallbackKnown {
		return nil, fmt.Errorf("router: fallback %q is not a registered workflow", cfg.Fallback)
	}
	return &Router{
		cfg:       cfg,
		embedder:  embedder,
		chat:      chat,
		workflows: workflows,
		centroids: make(map[string][]float32),
	}, nil
}

// Prepare embeds every workflow's example centroid. Call once at startup;
// a failure leaves the router functional on the LLM and fallback stages.
func (r *Router) Prepare(ctx context.Context) error {
	if r.embedder == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workflows {
		if len(w.Examples) == 0 {
			continue
		}
		vecs, err := r.embedder.Embed(ctx, w.Examples)
		if err != nil {
			return fmt.Errorf("router: embed examples for %s: %w", w.Name, err)
		}
		r.centroids[w.Name] = centroid(vecs)
	}
	return nil
}

// candidate pairs a workflow with its stage-one score.
type candidate struct {
	name  string
	score float64
}

// Route selects the workflow for a query. It never returns an error for
// model unavailability; degradation ends at the configured fallback.
func (r *Router) Route(ctx context.Context, query string) Selection {
	candidates := r.rank(ctx, query)

	if len(candidates) > 0 && candidates[0].score >= r.cfg.Tau {
		return Selection{
			Workflow: candidates[0].name,
			Method:   MethodEmbedding,
			Score:    candidates[0].score,
		}
	}

	if sel, ok := r.llmPick(ctx, query, candidates); ok {
		return sel
	}

	return Selection{Workflow: r.cfg.Fallback, Method: MethodFallback}
}

// rank scores every workflow against the query, best first. Ties break on
// name so routing is reproducible.
func (r *Router) rank(ctx context.Context, query string) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var queryVec []float32
	if r.embedder != nil && len(r.centroids) > 0 {
		if vecs, err := r.embedder.Embed(ctx, []string{query}); err == nil && len(vecs) == 1 {
			queryVec = vecs[0]
		}
	}

	out := make([]candidate, 0, len(r.workflows))
	for _, w := range r.workflows {
		var score float64
		if queryVec != nil {
			if c, ok := r.centroids[w.Name]; ok {
				score = cosine(queryVec, c)
			}
		} else {
			score = keywordScore(query, w)
		}
		out = append(out, candidate{name: w.Name, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].name < out[j].name
	})
	if len(out) > r.cfg.TopK {
		out = out[:r.cfg.TopK]
	}
	return out
}

const routePrompt = `You route network operations requests to workflows.
Pick the single best workflow for the user query from the candidates.
Respond with JSON: {"workflow_name": "<name>", "confidence": <0..1>}`

func (r *Router) llmPick(ctx context.Context, query string, candidates []candidate) (Selection, bool) {
	if r.chat == nil || len(candidates) == 0 {
		return Selection{}, false
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "query: %s\n\ncandidates:\n", query)
	r.mu.RLock()
	for _, c := range candidates {
		for _, w := range r.workflows {
			if w.Name == c.name {
				fmt.Fprintf(&sb, "- %s: %s\n", w.Name, w.Purpose)
			}
		}
	}
	r.mu.RUnlock()

	out, err := r.chat.Chat(ctx, model.ChatRequest{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: routePrompt},
			{Role: model.RoleUser, Content: sb.String()},
		},
		ResponseSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"workflow_name": map[string]any{"type": "string"},
				"confidence":    map[string]any{"type": "number"},
			},
			"required": []string{"workflow_name", "confidence"},
		},
	})
	if err != nil {
		return Selection{}, false
	}

	var parsed struct {
		Workflow   string  `json:"workflow_name"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Text)), &parsed); err != nil {
		return Selection{}, false
	}
	if parsed.Confidence < r.cfg.ConfidenceFloor {
		return Selection{}, false
	}
	// The pick must be one of the offered candidates; anything else is a
	// hallucinated workflow name.
	for _, c := range candidates {
		if c.name == parsed.Workflow {
			return Selection{
				Workflow:   parsed.Workflow,
				Method:     MethodLLM,
				Score:      c.score,
				Confidence: parsed.Confidence,
			}, true
		}
	}
	return Selection{}, false
}

func centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	out := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range out {
			if i < len(v) {
				out[i] += v[i]
			}
		}
	}
	n := float32(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordScore is the embedder-free degradation: fraction of a workflow's
// keywords present in the query.
func keywordScore(query string, w Descriptor) float64 {
	if len(w.Keywords) == 0 {
		return 0
	}
	q := strings.ToLower(query)
	var hits int
	for _, kw := range w.Keywords {
		if strings.Contains(q, strings.ToLower(kw)) {
			hits++
		}
	}
	return float64(hits) / float64(len(w.Keywords))
}
