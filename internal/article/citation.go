// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package article

import (
	"sync"

	"github.com/pdiddy/curation-engine/pkg/types"
)

// CitationMap assigns global citation indices to knowledge entries. It is
// shared by concurrent section writers; indices start at 1 and the same
// entry always receives the same index.
type CitationMap struct {
	mu      sync.Mutex
	byEntry map[string]int
	cites   []types.Citation
}

// NewCitationMap returns an empty map.
func NewCitationMap() *CitationMap {
	return &CitationMap{byEntry: make(map[string]int)}
}

// Assign returns the index of entry, allocating the next one if the entry
// has not been cited yet.
func (m *CitationMap) Assign(entry types.KnowledgeEntry) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.byEntry[entry.ID]; ok {
		return idx
	}
	idx := len(m.cites) + 1
	m.byEntry[entry.ID] = idx
	m.cites = append(m.cites, citationFor(idx, entry))
	return idx
}

// Citations returns the assigned citations ordered by index.
func (m *CitationMap) Citations() []types.Citation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Citation(nil), m.cites...)
}

// Lookup returns the citation with index.
func (m *CitationMap) Lookup(index int) (types.Citation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 1 || index > len(m.cites) {
		return types.Citation{}, false
	}
	return m.cites[index-1], true
}

// Len returns the number of assigned indices.
func (m *CitationMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cites)
}

func citationFor(idx int, entry types.KnowledgeEntry) types.Citation {
	c := types.Citation{
		Index:    idx,
		EntryID:  entry.ID,
		Text:     entry.Text,
		Supports: len(entry.Sources),
	}
	if src, ok := entry.PrimarySource(); ok {
		c.SourceID = src.SourceID
		c.Title = src.Title
	}
	return c
}
