// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// KnowledgeEntry is a deduplicated, source-attributed fact. Entries are
// never deleted or split; merges grow Sources and may replace Text.
type KnowledgeEntry struct {
	// ID is a stable identifier assigned on insertion.
	ID string `json:"id" yaml:"id"`

	// Text is the canonical text of the entry.
	Text string `json:"text" yaml:"text"`

	// Sources is the set of supporting snippets, unique by SourceKey.
	Sources []Snippet `json:"sources" yaml:"sources"`

	// Embedding is computed lazily when an encoder is configured.
	Embedding []float32 `json:"-" yaml:"-"`
}

// SourceKey returns the identity of a snippet inside a source set: the
// source identifier plus the first 12 hex characters of SHA-256(text).
func SourceKey(s Snippet) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(s.Text)))
	return fmt.Sprintf("%s#%x", s.SourceID, h[:6])
}

// HasSource reports whether the entry already holds a snippet with the same key.
func (e *KnowledgeEntry) HasSource(s Snippet) bool {
	key := SourceKey(s)
	for _, src := range e.Sources {
		if SourceKey(src) == key {
			return true
		}
	}
	return false
}

// AddSources appends snippets that are not already present and returns the
// number added.
func (e *KnowledgeEntry) AddSources(snippets ...Snippet) int {
	added := 0
	for _, s := range snippets {
		if e.HasSource(s) {
			continue
		}
		e.Sources = append(e.Sources, s)
		added++
	}
	return added
}

// Clone returns a deep copy safe to hand out of a synchronized table.
func (e *KnowledgeEntry) Clone() KnowledgeEntry {
	c := KnowledgeEntry{
		ID:   e.ID,
		Text: e.Text,
	}
	c.Sources = append([]Snippet(nil), e.Sources...)
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	return c
}

// PrimarySource returns the highest-scoring supporting snippet.
func (e *KnowledgeEntry) PrimarySource() (Snippet, bool) {
	if len(e.Sources) == 0 {
		return Snippet{}, false
	}
	best := e.Sources[0]
	for _, s := range e.Sources[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	return best, true
}

// MindMapNode is a concept in the collaborative mind-map.
type MindMapNode struct {
	ID       string   `json:"id" yaml:"id"`
	Concept  string   `json:"concept" yaml:"concept"`
	EntryIDs []string `json:"entry_ids" yaml:"entry_ids"`

	// Visits counts how many turns touched the concept.
	Visits int `json:"visits" yaml:"visits"`
}

// MindMapEdge connects two concepts that co-occurred in a turn.
type MindMapEdge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}
