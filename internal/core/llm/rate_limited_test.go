package llm

import (
	"context"
	"testing"
	"time"
)

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

func TestRateLimitedEmbedderHonoursContext(t *testing.T) {
	calls := 0
	inner := embedFunc(func(context.Context, string) ([]float32, error) {
		calls++
		return []float32{1}, nil
	})
	r := NewRateLimitedEmbedder(inner, 1)

	if _, err := r.Embed(context.Background(), "a"); err != nil {
		t.Fatalf("first Embed() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Embed(ctx, "b"); err == nil {
		t.Error("second Embed() inside the same second succeeded")
	}
	if calls != 1 {
		t.Errorf("inner calls = %d, want 1", calls)
	}
}

func TestRateLimitedEmbedderUnlimited(t *testing.T) {
	inner := embedFunc(func(context.Context, string) ([]float32, error) { return []float32{1}, nil })
	r := NewRateLimitedEmbedder(inner, 0)
	for i := 0; i < 100; i++ {
		if _, err := r.Embed(context.Background(), "x"); err != nil {
			t.Fatalf("Embed() error = %v", err)
		}
	}
}
