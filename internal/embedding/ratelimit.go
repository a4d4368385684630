package embedding

import (
	"context"

	"github.com/tmc/langchaingo/embeddings"
	"golang.org/x/time/rate"
)

// RateLimitedEmbedder waits on a token bucket before every call to the
// wrapped embedder so parallel index builds stay under the provider's limits.
type RateLimitedEmbedder struct {
	inner   embeddings.Embedder
	limiter *rate.Limiter
}

func NewRateLimitedEmbedder(inner embeddings.Embedder, requestsPerSecond float64, burst int) *RateLimitedEmbedder {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimitedEmbedder{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimitedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.EmbedDocuments(ctx, texts)
}

func (r *RateLimitedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.EmbedQuery(ctx, text)
}
