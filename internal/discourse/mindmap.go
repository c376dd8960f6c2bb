// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package discourse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/textutil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

const (
	conceptMaxTokens = 20
	maxConceptWords  = 6
	headwordWords    = 3
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true,
	"and": true, "or": true, "to": true, "for": true, "is": true, "was": true,
	"are": true, "were": true, "by": true, "with": true, "as": true, "at": true,
	"it": true, "its": true, "this": true, "that": true, "from": true, "be": true,
}

// MindMap organizes collected knowledge into concepts. Nodes for the same
// concept, compared case-insensitively, are one node. It is safe for
// concurrent use; LM labeling happens outside the lock.
type MindMap struct {
	topic string
	lm    backend.LanguageModel

	mu     sync.Mutex
	nodes  []*types.MindMapNode
	byKey  map[string]*types.MindMapNode
	edges  []types.MindMapEdge
	linked map[[2]string]bool
	labels map[string]string
}

// NewMindMap returns an empty mind-map. lm may be nil, in which case
// concepts are the headwords of entry text.
func NewMindMap(topic string, lm backend.LanguageModel) *MindMap {
	return &MindMap{
		topic:  topic,
		lm:     lm,
		byKey:  make(map[string]*types.MindMapNode),
		linked: make(map[[2]string]bool),
		labels: make(map[string]string),
	}
}

// Label returns the concept for entry, asking the LM once per entry.
func (m *MindMap) Label(ctx context.Context, entry types.KnowledgeEntry) (string, error) {
	m.mu.Lock()
	label, ok := m.labels[entry.ID]
	m.mu.Unlock()
	if ok {
		return label, nil
	}

	label = ""
	if m.lm != nil {
		prompt, err := render(conceptPromptTmpl, conceptData{Topic: m.topic, Text: textutil.Truncate(entry.Text, 80)})
		if err != nil {
			return "", fmt.Errorf("rendering concept prompt: %w", err)
		}
		reply, err := m.lm.Complete(ctx, prompt, backend.Params{
			MaxTokens: conceptMaxTokens,
			Purpose:   backend.PurposeConcept,
		})
		if err != nil && backend.IsCancelled(err) {
			return "", err
		}
		if err == nil {
			label = cleanConcept(reply)
		}
	}
	if label == "" {
		label = Headword(entry.Text)
	}

	m.mu.Lock()
	m.labels[entry.ID] = label
	m.mu.Unlock()
	return label, nil
}

// Labeled is a concept with the entry it was drawn from.
type Labeled struct {
	Concept string
	EntryID string
}

// LabelAll labels entries without touching the map. Only cancellation is
// returned as an error.
func (m *MindMap) LabelAll(ctx context.Context, entries []types.KnowledgeEntry) ([]Labeled, error) {
	var items []Labeled
	for _, e := range entries {
		c, err := m.Label(ctx, e)
		if err != nil {
			return nil, err
		}
		if c != "" {
			items = append(items, Labeled{Concept: c, EntryID: e.ID})
		}
	}
	return items, nil
}

// Record adds one turn's labeled entries: each concept is visited once and
// every pair of concepts in the turn is linked. It returns the turn's
// concepts in first-seen order.
func (m *MindMap) Record(items []Labeled) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		turn    []*types.MindMapNode
		visited = make(map[string]bool)
	)
	for _, it := range items {
		key := strings.ToLower(it.Concept)
		n, ok := m.byKey[key]
		if !ok {
			n = &types.MindMapNode{ID: fmt.Sprintf("c%d", len(m.nodes)+1), Concept: it.Concept}
			m.byKey[key] = n
			m.nodes = append(m.nodes, n)
		}
		if !contains(n.EntryIDs, it.EntryID) {
			n.EntryIDs = append(n.EntryIDs, it.EntryID)
		}
		if !visited[n.ID] {
			visited[n.ID] = true
			n.Visits++
			turn = append(turn, n)
		}
	}
	for i := range turn {
		for j := i + 1; j < len(turn); j++ {
			m.link(turn[i].ID, turn[j].ID)
		}
	}

	out := make([]string, len(turn))
	for i, n := range turn {
		out[i] = n.Concept
	}
	return out
}

func (m *MindMap) link(a, b string) {
	if a > b {
		a, b = b, a
	}
	key := [2]string{a, b}
	if m.linked[key] {
		return
	}
	m.linked[key] = true
	m.edges = append(m.edges, types.MindMapEdge{From: a, To: b})
}

// UnderExplored returns up to k concepts with the fewest visits; ties keep
// insertion order.
func (m *MindMap) UnderExplored(k int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := append([]*types.MindMapNode(nil), m.nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Visits < nodes[j].Visits })
	if k > 0 && len(nodes) > k {
		nodes = nodes[:k]
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Concept
	}
	return out
}

// Concepts returns every concept, most visited first.
func (m *MindMap) Concepts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := append([]*types.MindMapNode(nil), m.nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Visits > nodes[j].Visits })
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Concept
	}
	return out
}

// Nodes returns a snapshot of the nodes in insertion order.
func (m *MindMap) Nodes() []types.MindMapNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.MindMapNode, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = *n
		out[i].EntryIDs = append([]string(nil), n.EntryIDs...)
	}
	return out
}

// Edges returns a snapshot of the edges.
func (m *MindMap) Edges() []types.MindMapEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.MindMapEdge(nil), m.edges...)
}

// Headword derives a concept from the first salient words of text.
func Headword(text string) string {
	var words []string
	for _, w := range textutil.Words(text) {
		if stopwords[w] {
			continue
		}
		words = append(words, w)
		if len(words) == headwordWords {
			break
		}
	}
	return strings.Join(words, " ")
}

func cleanConcept(reply string) string {
	lines := textutil.Lines(reply)
	if len(lines) == 0 {
		return ""
	}
	c := strings.TrimSpace(lines[0])
	if i := strings.Index(c, ":"); i >= 0 && strings.EqualFold(strings.TrimSpace(c[:i]), "concept") {
		c = c[i+1:]
	}
	c = strings.Trim(c, "\"'*. ")
	if c == "" || len(strings.Fields(c)) > maxConceptWords {
		return ""
	}
	return c
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
