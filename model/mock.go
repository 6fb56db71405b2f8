package model

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// MockChatModel is a test implementation of ChatModel.
//
// It returns canned responses in order, records every call, and supports
// error injection. When a request carries a Stream callback the response
// text is forwarded through it in small chunks so streaming paths are
// exercised in tests.
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: "first"}, {Text: "second"}},
//	}
type MockChatModel struct {
	// Responses is the sequence of responses to return. When exhausted the
	// last response repeats.
	Responses []ChatOut

	// Err, if set, is returned by Chat instead of a response.
	Err error

	// Calls records every invocation for assertions.
	Calls []ChatRequest

	mu        sync.Mutex
	callIndex int
}

// Chat implements ChatModel. The call is recorded even when Err is set.
func (m *MockChatModel) Chat(ctx context.Context, req ChatRequest) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		m.mu.Unlock()
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		m.mu.Unlock()
		return ChatOut{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.callIndex++
	out := m.Responses[idx]
	m.mu.Unlock()

	if req.Stream != nil && out.Text != "" {
		// Forward in word-sized chunks to exercise delta handling.
		const chunk = 8
		for i := 0; i < len(out.Text); i += chunk {
			end := i + chunk
			if end > len(out.Text) {
				end = len(out.Text)
			}
			req.Stream(out.Text[i:end])
		}
	}
	return out, nil
}

// CallCount returns the number of recorded Chat invocations.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockEmbedder is a deterministic test implementation of Embedder.
//
// Vectors are derived from token hashes so that texts sharing words produce
// similar vectors. Fixed mappings can be installed via Vectors for tests
// that need exact control.
type MockEmbedder struct {
	// Vectors maps exact texts to fixed embeddings. Texts not present fall
	// back to the deterministic hash embedding.
	Vectors map[string][]float32

	// Dim is the embedding width for hash embeddings. Zero means 32.
	Dim int

	// Err, if set, is returned by Embed.
	Err error

	mu    sync.Mutex
	calls int
}

// Embed implements Embedder.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	dim := m.Dim
	if dim == 0 {
		dim = 32
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := m.Vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = hashEmbed(t, dim)
	}
	return out, nil
}

// Calls returns the number of Embed invocations.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// hashEmbed builds a bag-of-words vector: each token bumps one dimension.
// Normalized so cosine similarity behaves sensibly.
func hashEmbed(text string, dim int) []float32 {
	v := make([]float32, dim)
	start := -1
	bump := func(tok string) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[int(h.Sum32())%dim]++
	}
	for i := 0; i <= len(text); i++ {
		if i < len(text) && isWordByte(text[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			bump(lowerASCII(text[start:i]))
			start = -1
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_' || b == '-'
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
