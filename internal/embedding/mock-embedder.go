package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"
)

// MockEmbedder is a deterministic bag-of-words embedder for tests. Texts that
// share words get similar vectors.
type MockEmbedder struct {
	dim        int
	docCalls   atomic.Int64
	queryCalls atomic.Int64
	texts      atomic.Int64
}

func NewMockEmbedder(dimensions int) *MockEmbedder {
	return &MockEmbedder{dim: dimensions}
}

func (m *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.docCalls.Add(1)
	m.texts.Add(int64(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.queryCalls.Add(1)
	return m.vector(text), nil
}

// DocumentCalls is the number of EmbedDocuments calls so far.
func (m *MockEmbedder) DocumentCalls() int64 { return m.docCalls.Load() }

// QueryCalls is the number of EmbedQuery calls so far.
func (m *MockEmbedder) QueryCalls() int64 { return m.queryCalls.Load() }

// EmbeddedTexts is the number of texts passed to EmbedDocuments so far.
func (m *MockEmbedder) EmbeddedTexts() int64 { return m.texts.Load() }

func (m *MockEmbedder) vector(text string) []float32 {
	vec := make([]float32, m.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%m.dim] += 1
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		vec[0] = 1
		return vec
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
