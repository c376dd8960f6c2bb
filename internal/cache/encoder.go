// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package cache

import (
	"context"

	"github.com/pdiddy/curation-engine/internal/backend"
)

// Encoder memoizes embeddings keyed by text.
type Encoder struct {
	next  backend.Encoder
	memo  *Memo[[]float32]
	guard *guard
	opts  Options
}

// NewEncoder wraps next with memoization, concurrency limits, and retries.
func NewEncoder(next backend.Encoder, opts Options) *Encoder {
	return &Encoder{
		next: next,
		memo: NewMemo("encoder", opts.Store, func(v []float32) bool {
			return len(v) > 0
		}),
		guard: newGuard("encoder", opts),
		opts:  opts,
	}
}

// Embed implements backend.Encoder.
func (c *Encoder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, hit, err := c.memo.Do(ctx, Key(text), func(ctx context.Context) ([]float32, error) {
		c.opts.Metrics.CacheMiss("encoder")
		return call(ctx, c.guard, func(ctx context.Context) ([]float32, error) {
			return c.next.Embed(ctx, text)
		})
	})
	if err != nil {
		return nil, err
	}
	if hit {
		c.opts.Metrics.CacheHit("encoder")
	}
	return out, nil
}
