// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"sync"

	"github.com/pdiddy/curation-engine/internal/backend"
)

// counter counts LM requests per purpose, cache hits included.
type counter struct {
	next backend.LanguageModel

	mu     sync.Mutex
	counts map[string]int
}

func newCounter(next backend.LanguageModel) *counter {
	return &counter{next: next, counts: make(map[string]int)}
}

// Complete implements backend.LanguageModel.
func (c *counter) Complete(ctx context.Context, prompt string, params backend.Params) (string, error) {
	c.mu.Lock()
	c.counts[string(params.Purpose)]++
	c.mu.Unlock()
	return c.next.Complete(ctx, prompt, params)
}

func (c *counter) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// since returns the counts accumulated after start.
func (c *counter) since(start map[string]int) map[string]int {
	out := c.snapshot()
	for k, v := range out {
		if d := v - start[k]; d > 0 {
			out[k] = d
		} else {
			delete(out, k)
		}
	}
	return out
}
