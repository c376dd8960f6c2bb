// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package cache memoizes language model, retriever, and encoder calls and
// bounds how many of them are in flight. Each wrapper implements the same
// backend interface it wraps, so components never know whether they talk to
// a cached or a raw backend.
//
// Identical concurrent calls are coalesced with singleflight; successful
// results are kept in memory and, optionally, in a persistent Store.
// Errors are never cached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pdiddy/curation-engine/internal/backend"
)

// Store persists memoized values across runs.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// Memo is a concurrency-safe memo table for one backend.
type Memo[V any] struct {
	namespace string
	store     Store

	// cacheable decides whether a successful value is worth keeping.
	cacheable func(V) bool

	mu    sync.RWMutex
	items map[string]V
	group singleflight.Group

	fmu     sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared call runs under. It outlives any single
// caller and is cancelled only when the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewMemo returns an empty memo. store may be nil.
func NewMemo[V any](namespace string, store Store, cacheable func(V) bool) *Memo[V] {
	if cacheable == nil {
		cacheable = func(V) bool { return true }
	}
	return &Memo[V]{
		namespace: namespace,
		store:     store,
		cacheable: cacheable,
		items:     make(map[string]V),
		flights:   make(map[string]*flight),
	}
}

// Key hashes the parts into a fixed-length cache key.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Do returns the memoized value for key or computes it with fn. hit reports
// whether the value came from the memo table. Concurrent callers with the
// same key share one fn call. A caller that gives up returns at once; the
// shared call is cancelled only once every caller has given up.
func (m *Memo[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (v V, hit bool, err error) {
	if v, ok := m.lookup(ctx, key); ok {
		return v, true, nil
	}

	f := m.join(ctx, key)
	defer m.leave(key, f)

	ch := m.group.DoChan(key, func() (any, error) {
		v, err := fn(f.ctx)
		if err != nil {
			return v, err
		}
		if m.cacheable(v) {
			m.remember(f.ctx, key, v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, backend.Cancelled(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, false, res.Err
		}
		return res.Val.(V), false, nil
	}
}

func (m *Memo[V]) join(ctx context.Context, key string) *flight {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	f, ok := m.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		m.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter. The last one cancels the flight and forgets the
// in-flight call so that a later caller starts a fresh one.
func (m *Memo[V]) leave(key string, f *flight) {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[key] == f {
		delete(m.flights, key)
		m.group.Forget(key)
	}
}

// Len returns the number of in-memory entries.
func (m *Memo[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memo[V]) lookup(ctx context.Context, key string) (V, bool) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	if ok || m.store == nil {
		return v, ok
	}

	data, found, err := m.store.Get(ctx, m.namespace, key)
	if err != nil || !found {
		return v, false
	}
	var stored V
	if err := json.Unmarshal(data, &stored); err != nil {
		return v, false
	}
	m.mu.Lock()
	m.items[key] = stored
	m.mu.Unlock()
	return stored, true
}

func (m *Memo[V]) remember(ctx context.Context, key string, v V) {
	m.mu.Lock()
	m.items[key] = v
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	// Persistence is best effort; the in-memory copy already serves this run.
	_ = m.store.Put(context.WithoutCancel(ctx), m.namespace, key, data)
}
