package tool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/olavnet/olav/model"
)

// Match is one capability-index hit: a table or field, its relevance score
// in [0,1], and the tool that owns it.
type Match struct {
	// Ref is "table" or "table.field".
	Ref string `json:"ref"`

	// Table and Field split the reference. Field is empty for table hits.
	Table string `json:"table"`
	Field string `json:"field,omitempty"`

	// Score is cosine similarity (embedding mode) or token overlap
	// (lexical mode), both normalized to [0,1].
	Score float64 `json:"score"`

	// Tool is the owning tool's descriptor.
	Tool Descriptor `json:"tool"`
}

// Index is the searchable schema catalog built from every registered
// tool's schema descriptor. It is the only sanctioned way for the deep-dive
// planner to assert that data is reachable.
//
// When an embedder is supplied, entries are embedded once at build time and
// queries use cosine similarity. Without one, a deterministic lexical
// token-overlap score is used; this keeps the index functional in air-gapped
// deployments and in tests.
type Index struct {
	mu       sync.RWMutex
	entries  []indexEntry
	embedder model.Embedder
	prepared bool
}

type indexEntry struct {
	ref   string
	table string
	field string
	text  string
	desc  Descriptor
	vec   []float32
}

// BuildIndex collects schema descriptors from the registry. Tools without a
// schema descriptor contribute nothing; that is not an error. Embedder may
// be nil.
func BuildIndex(reg *Registry, embedder model.Embedder) *Index {
	idx := &Index{embedder: embedder}
	for _, d := range reg.List(Filter{}) {
		if d.Schema == nil {
			continue
		}
		for _, table := range d.Schema.Tables {
			idx.entries = append(idx.entries, indexEntry{
				ref:   table.Name,
				table: table.Name,
				text:  table.Name + " " + table.Description,
				desc:  d,
			})
			for _, f := range table.Fields {
				idx.entries = append(idx.entries, indexEntry{
					ref:   table.Name + "." + f.Name,
					table: table.Name,
					field: f.Name,
					text:  table.Name + " " + f.Name + " " + f.Description,
					desc:  d,
				})
			}
		}
	}
	return idx
}

// Prepare embeds all entries. Call once at startup when an embedder is
// configured; Search falls back to lexical scoring for entries without
// vectors, so a failed Prepare degrades rather than breaks the index.
func (idx *Index) Prepare(ctx context.Context) error {
	if idx.embedder == nil {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.prepared {
		return nil
	}
	texts := make([]string, len(idx.entries))
	for i, e := range idx.entries {
		texts[i] = e.text
	}
	vecs, err := idx.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("index embed: %w", err)
	}
	if len(vecs) != len(idx.entries) {
		return fmt.Errorf("index embed: got %d vectors for %d entries", len(vecs), len(idx.entries))
	}
	for i := range idx.entries {
		idx.entries[i].vec = vecs[i]
	}
	idx.prepared = true
	return nil
}

// Len returns the number of indexed tables and fields.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Search returns the top-k matches for a free-text query, best first.
// Ties break on ref name so results are reproducible.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		k = 5
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var queryVec []float32
	if idx.embedder != nil && idx.prepared {
		vecs, err := idx.embedder.Embed(ctx, []string{query})
		if err == nil && len(vecs) == 1 {
			queryVec = vecs[0]
		}
		// Embedding failure falls through to lexical scoring.
	}

	queryTokens := tokenize(query)
	matches := make([]Match, 0, len(idx.entries))
	for _, e := range idx.entries {
		var score float64
		if queryVec != nil && e.vec != nil {
			score = clamp01(cosine(queryVec, e.vec))
		} else {
			score = overlap(queryTokens, tokenize(e.text))
		}
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{
			Ref:   e.ref,
			Table: e.table,
			Field: e.field,
			Score: score,
			Tool:  e.desc,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Ref < matches[j].Ref
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
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

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// overlap scores how many query tokens match the entry text, normalized by
// query length.
func overlap(query, entry []string) float64 {
	if len(query) == 0 {
		return 0
	}
	var hits int
	for _, q := range query {
		for _, e := range entry {
			if tokenMatches(q, e) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(query))
}

// tokenMatches tolerates inflection: "interface" matches "interfaces".
// Containment needs at least three characters on both sides so short tokens
// only match exactly.
func tokenMatches(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 { // single letters are noise
			out = append(out, f)
		}
	}
	return out
}
