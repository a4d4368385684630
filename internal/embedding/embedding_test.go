package embedding

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/config"
	"guideline-rag/internal/llmservice"
)

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestMockEmbedderSimilarity(t *testing.T) {
	ctx := context.Background()
	m := NewMockEmbedder(256)

	vecs, err := m.EmbedDocuments(ctx, []string{
		"metformin dosage for type 2 diabetes",
		"blood pressure targets in hypertension",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	q, err := m.EmbedQuery(ctx, "what is the metformin dosage")
	require.NoError(t, err)

	assert.Greater(t, dot(q, vecs[0]), dot(q, vecs[1]))
	assert.Equal(t, int64(1), m.DocumentCalls())
	assert.Equal(t, int64(1), m.QueryCalls())
	assert.Equal(t, int64(2), m.EmbeddedTexts())
}

func TestMockEmbedderDeterministic(t *testing.T) {
	m := NewMockEmbedder(32)
	a, _ := m.EmbedQuery(context.Background(), "Hypertension")
	b, _ := m.EmbedQuery(context.Background(), "hypertension")
	assert.Equal(t, a, b)

	empty, _ := m.EmbedQuery(context.Background(), "")
	assert.Equal(t, float32(1), empty[0])
}

func TestRateLimitedEmbedderHonoursContext(t *testing.T) {
	inner := NewMockEmbedder(8)
	r := NewRateLimitedEmbedder(inner, 0.001, 1)

	_, err := r.EmbedQuery(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.EmbedDocuments(ctx, []string{"second"})
	assert.Error(t, err)
	assert.Equal(t, int64(0), inner.DocumentCalls())
}

func TestRateLimitedEmbedderUnlimited(t *testing.T) {
	inner := NewMockEmbedder(8)
	r := NewRateLimitedEmbedder(inner, 0, 0)
	for i := 0; i < 20; i++ {
		_, err := r.EmbedDocuments(context.Background(), []string{"x"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(20), inner.DocumentCalls())
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(&config.LLMConfig{Provider: "openai", Key: "sk-test", Model: "text-embedding-ada-002"})
	require.NoError(t, err)
	assert.NotNil(t, e)

	e, err = NewEmbedder(&config.LLMConfig{Provider: "ollama", Model: "nomic-embed-text"})
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestGenerateContext(t *testing.T) {
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{
		llmservice.TextResponse("  Section 3 covers first-line therapy.\n"),
	}}

	out, err := GenerateContext(context.Background(), model, "whole guideline", "start metformin")
	require.NoError(t, err)
	assert.Equal(t, "Section 3 covers first-line therapy.", out)

	prompt := llmservice.LastHumanText(model.Calls()[0])
	assert.True(t, strings.Contains(prompt, "<document>\nwhole guideline\n</document>"))
	assert.True(t, strings.Contains(prompt, "<chunk>\nstart metformin\n</chunk>"))
}
