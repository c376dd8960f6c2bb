// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package fake provides deterministic, scriptable backends for tests.
package fake

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// Responder produces an LM reply. n counts prior calls with the same purpose.
type Responder func(prompt string, n int) (string, error)

// Text returns a Responder that always replies with s.
func Text(s string) Responder {
	return func(string, int) (string, error) { return s, nil }
}

// Sequence returns a Responder that walks replies in order and repeats the
// last one when exhausted.
func Sequence(replies ...string) Responder {
	return func(_ string, n int) (string, error) {
		if len(replies) == 0 {
			return "", nil
		}
		if n >= len(replies) {
			return replies[len(replies)-1], nil
		}
		return replies[n], nil
	}
}

// Call records one LM invocation.
type Call struct {
	Purpose backend.Purpose
	Prompt  string
}

// LM is a scriptable LanguageModel keyed by call purpose.
type LM struct {
	mu         sync.Mutex
	responders map[backend.Purpose]Responder
	counts     map[backend.Purpose]int
	calls      []Call

	// Default is returned for purposes with no responder.
	Default string
}

// NewLM returns an LM with no responders.
func NewLM() *LM {
	return &LM{
		responders: make(map[backend.Purpose]Responder),
		counts:     make(map[backend.Purpose]int),
	}
}

// On installs the responder for purpose and returns l for chaining.
func (l *LM) On(purpose backend.Purpose, r Responder) *LM {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responders[purpose] = r
	return l
}

// Complete implements backend.LanguageModel.
func (l *LM) Complete(ctx context.Context, prompt string, params backend.Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", backend.Cancelled(err)
	}
	l.mu.Lock()
	r, ok := l.responders[params.Purpose]
	n := l.counts[params.Purpose]
	l.counts[params.Purpose]++
	l.calls = append(l.calls, Call{Purpose: params.Purpose, Prompt: prompt})
	def := l.Default
	l.mu.Unlock()

	if !ok {
		return def, nil
	}
	return r(prompt, n)
}

// Count returns the number of calls made with purpose.
func (l *LM) Count(purpose backend.Purpose) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[purpose]
}

// Calls returns a copy of all recorded calls.
func (l *LM) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Retriever is a scriptable backend.Retriever.
type Retriever struct {
	mu      sync.Mutex
	queries []string

	// Results maps an exact query to its results.
	Results map[string][]types.Snippet

	// Fn, when set, is consulted for queries missing from Results.
	Fn func(query string) ([]types.Snippet, error)
}

// Search implements backend.Retriever.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Cancelled(err)
	}
	r.mu.Lock()
	r.queries = append(r.queries, query)
	res, ok := r.Results[query]
	fn := r.Fn
	r.mu.Unlock()

	if !ok && fn != nil {
		var err error
		res, err = fn(query)
		if err != nil {
			return nil, err
		}
	}
	if topK > 0 && len(res) > topK {
		res = res[:topK]
	}
	return append([]types.Snippet(nil), res...), nil
}

// Queries returns every query received, in arrival order.
func (r *Retriever) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

// Failing returns a Retriever whose every call fails with an RM error.
func Failing(transient bool) *Retriever {
	return &Retriever{Fn: func(string) ([]types.Snippet, error) {
		return nil, backend.RMError(errFailing, transient)
	}}
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const errFailing = fakeError("retriever unavailable")

// Encoder embeds text as a normalized hashed bag of words.
type Encoder struct {
	Dims int
}

// Embed implements backend.Encoder.
func (e Encoder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Cancelled(err)
	}
	dims := e.Dims
	if dims <= 0 {
		dims = 64
	}
	vec := make([]float32, dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%uint32(dims)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		return vec, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}
