package llm

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/Sitewise/internal/core"
)

// RateLimitedEmbedder caps the request rate to the wrapped embedder across
// every goroutine that shares it.
type RateLimitedEmbedder struct {
	next    core.EmbeddingProvider
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder allows perSecond calls with a burst of the same
// size. A non-positive rate disables limiting.
func NewRateLimitedEmbedder(next core.EmbeddingProvider, perSecond float64) *RateLimitedEmbedder {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimitedEmbedder{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Embed(ctx, text)
}

var _ core.EmbeddingProvider = (*RateLimitedEmbedder)(nil)
