// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package cache

import (
	"context"
	"strconv"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// Retriever memoizes search results keyed by query and topK. Empty result
// lists are cached; zero hits is a valid answer.
type Retriever struct {
	next  backend.Retriever
	memo  *Memo[[]types.Snippet]
	guard *guard
	opts  Options
}

// NewRetriever wraps next with memoization, concurrency limits, and retries.
func NewRetriever(next backend.Retriever, opts Options) *Retriever {
	return &Retriever{
		next:  next,
		memo:  NewMemo[[]types.Snippet]("rm", opts.Store, nil),
		guard: newGuard("rm", opts),
		opts:  opts,
	}
}

// Search implements backend.Retriever. Callers receive their own copy of
// the slice.
func (c *Retriever) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	key := Key(query, strconv.Itoa(topK))
	out, hit, err := c.memo.Do(ctx, key, func(ctx context.Context) ([]types.Snippet, error) {
		c.opts.Metrics.CacheMiss("rm")
		return call(ctx, c.guard, func(ctx context.Context) ([]types.Snippet, error) {
			return c.next.Search(ctx, query, topK)
		})
	})
	if err != nil {
		return nil, err
	}
	if hit {
		c.opts.Metrics.CacheHit("rm")
	}
	return append([]types.Snippet(nil), out...), nil
}

// Len returns the number of memoized queries.
func (c *Retriever) Len() int { return c.memo.Len() }
