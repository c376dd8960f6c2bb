// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package cache

import (
	"context"
	"strings"

	"github.com/pdiddy/curation-engine/internal/backend"
)

// LM memoizes completions keyed by prompt and generation parameters.
// Empty completions are returned but not cached.
type LM struct {
	next  backend.LanguageModel
	memo  *Memo[string]
	guard *guard
	opts  Options
}

// NewLM wraps next with memoization, concurrency limits, and retries.
func NewLM(next backend.LanguageModel, opts Options) *LM {
	return &LM{
		next: next,
		memo: NewMemo("lm", opts.Store, func(s string) bool {
			return strings.TrimSpace(s) != ""
		}),
		guard: newGuard("lm", opts),
		opts:  opts,
	}
}

// Complete implements backend.LanguageModel.
func (c *LM) Complete(ctx context.Context, prompt string, params backend.Params) (string, error) {
	key := Key(prompt, params.Key())
	out, hit, err := c.memo.Do(ctx, key, func(ctx context.Context) (string, error) {
		c.opts.Metrics.CacheMiss("lm")
		return call(ctx, c.guard, func(ctx context.Context) (string, error) {
			return c.next.Complete(ctx, prompt, params)
		})
	})
	if hit {
		c.opts.Metrics.CacheHit("lm")
	}
	return out, err
}

// Len returns the number of memoized completions.
func (c *LM) Len() int { return c.memo.Len() }
