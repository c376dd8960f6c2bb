// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package article

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/backend/fake"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by go.opencensus.io at init, via the genai client.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// stubQuerier returns fixed hits keyed by query text.
type stubQuerier struct {
	hits map[string][]knowledge.Scored
	err  error
}

func (q stubQuerier) Query(_ context.Context, text string, topK int) ([]knowledge.Scored, error) {
	if q.err != nil {
		return nil, q.err
	}
	hits := q.hits[text]
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func entry(id, text string) types.KnowledgeEntry {
	return types.KnowledgeEntry{
		ID:      id,
		Text:    text,
		Sources: []types.Snippet{{SourceID: "https://example.org/" + id, Title: strings.ToUpper(id), Text: text, Score: 1}},
	}
}

func scored(entries ...types.KnowledgeEntry) []knowledge.Scored {
	out := make([]knowledge.Scored, len(entries))
	for i, e := range entries {
		out[i] = knowledge.Scored{Entry: e, Score: 1}
	}
	return out
}

func testOutline() *types.OutlineNode {
	return &types.OutlineNode{Heading: "Apollo 11", Children: []*types.OutlineNode{
		{Heading: "History", Children: []*types.OutlineNode{{Heading: "Early years"}}},
		{Heading: "Legacy"},
	}}
}

// sectionResponder replies according to the heading named in the prompt.
func sectionResponder(replies map[string]string) fake.Responder {
	return func(prompt string, _ int) (string, error) {
		for heading, reply := range replies {
			if strings.Contains(prompt, fmt.Sprintf("writing the %q section", heading)) {
				return reply, nil
			}
		}
		return "", nil
	}
}

func TestWriteMapsLocalMarkersToGlobalIndices(t *testing.T) {
	a := entry("a", "Apollo 11 launched on July 16, 1969.")
	b := entry("b", "The mission landed in the Sea of Tranquility.")
	q := stubQuerier{hits: map[string][]knowledge.Scored{
		"History Early years": scored(a, b),
		"Legacy":              scored(b),
	}}
	lm := fake.NewLM().On(backend.PurposeSection, sectionResponder(map[string]string{
		"History": "Apollo 11 launched in 1969 [1].\n\n### Early years\n\nIt landed on the Moon [2][9].",
		"Legacy":  "The landing site remains famous [1].",
	}))
	w := NewWriter(Options{LM: lm, Knowledge: q, Concurrency: 1})
	cm := NewCitationMap()

	sections, warnings, err := w.Write(context.Background(), "Apollo 11", testOutline(), cm)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, sections, 3)

	assert.Equal(t, "History", sections[0].Heading)
	assert.Equal(t, 1, sections[0].Level)
	assert.Equal(t, "Apollo 11 launched in 1969 [1].", sections[0].Body)

	assert.Equal(t, "Early years", sections[1].Heading)
	assert.Equal(t, 2, sections[1].Level)
	assert.Equal(t, []string{"History", "Early years"}, sections[1].Path)
	assert.Equal(t, "It landed on the Moon [2].", sections[1].Body)

	assert.Equal(t, "Legacy", sections[2].Heading)
	assert.Equal(t, "The landing site remains famous [2].", sections[2].Body)
	assert.Equal(t, []int{2}, sections[2].Citations)

	cites := cm.Citations()
	require.Len(t, cites, 2)
	assert.Equal(t, "a", cites[0].EntryID)
	assert.Equal(t, "https://example.org/b", cites[1].SourceID)
	assert.Equal(t, 1, cites[1].Supports)
}

func TestWritePromptListsEntriesAndSubsections(t *testing.T) {
	a := entry("a", "Apollo 11 launched on July 16, 1969.")
	lm := fake.NewLM().On(backend.PurposeSection, fake.Text("Body [1]."))
	w := NewWriter(Options{LM: lm, Knowledge: stubQuerier{hits: map[string][]knowledge.Scored{
		"History Early years": scored(a),
	}}})

	_, _, err := w.Write(context.Background(), "Apollo 11",
		&types.OutlineNode{Heading: "Apollo 11", Children: testOutline().Children[:1]}, NewCitationMap())
	require.NoError(t, err)

	calls := lm.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "[1] Apollo 11 launched on July 16, 1969.")
	assert.Contains(t, calls[0].Prompt, "### Early years")
}

func TestWriteRetriesThenPlaceholder(t *testing.T) {
	lm := fake.NewLM().On(backend.PurposeSection, fake.Text("   "))
	w := NewWriter(Options{LM: lm, Knowledge: stubQuerier{}, MaxSectionRetries: 2})

	sections, warnings, err := w.Write(context.Background(), "Apollo 11", testOutline(), NewCitationMap())
	require.NoError(t, err)
	require.Len(t, sections, 3, "failed sections are never dropped")
	assert.Equal(t, 6, lm.Count(backend.PurposeSection))

	for _, s := range sections {
		assert.True(t, s.Placeholder, s.Heading)
		assert.NotEmpty(t, s.Warning)
	}
	assert.Equal(t, PlaceholderBody, sections[0].Body)
	require.Len(t, warnings, 2)
	assert.Equal(t, "History", warnings[0].Subject)
	assert.Contains(t, warnings[0].Message, "3 attempts")
}

func TestWriteRetriesUncitedDraft(t *testing.T) {
	a := entry("a", "Apollo 11 launched on July 16, 1969.")
	lm := fake.NewLM().On(backend.PurposeSection, fake.Sequence("Uncited prose.", "Cited prose [1]."))
	w := NewWriter(Options{LM: lm, Knowledge: stubQuerier{hits: map[string][]knowledge.Scored{"Legacy": scored(a)}}, MaxSectionRetries: 1})

	root := &types.OutlineNode{Heading: "Apollo 11", Children: []*types.OutlineNode{{Heading: "Legacy"}}}
	sections, warnings, err := w.Write(context.Background(), "Apollo 11", root, NewCitationMap())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, sections, 1)
	assert.Equal(t, "Cited prose [1].", sections[0].Body)
	assert.Equal(t, 2, lm.Count(backend.PurposeSection))
}

func TestWriteWithoutEntriesAcceptsUncitedProse(t *testing.T) {
	lm := fake.NewLM().On(backend.PurposeSection, fake.Text("General prose."))
	w := NewWriter(Options{LM: lm, Knowledge: stubQuerier{}})

	root := &types.OutlineNode{Heading: "T", Children: []*types.OutlineNode{{Heading: "Overview"}}}
	sections, _, err := w.Write(context.Background(), "T", root, NewCitationMap())
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.False(t, sections[0].Placeholder)
	assert.Equal(t, "General prose.", sections[0].Body)
	assert.Contains(t, lm.Calls()[0].Prompt, "No collected information")
}

func TestWriteQueryFailureWarns(t *testing.T) {
	lm := fake.NewLM().On(backend.PurposeSection, fake.Text("General prose."))
	w := NewWriter(Options{LM: lm, Knowledge: stubQuerier{err: errors.New("index corrupt")}})

	root := &types.OutlineNode{Heading: "T", Children: []*types.OutlineNode{{Heading: "Overview"}}}
	sections, warnings, err := w.Write(context.Background(), "T", root, NewCitationMap())
	require.NoError(t, err)
	require.Len(t, sections, 1)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "index corrupt")
}

func TestWriteCancelledMarksIncomplete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWriter(Options{LM: fake.NewLM(), Knowledge: stubQuerier{}})

	sections, _, err := w.Write(ctx, "Apollo 11", testOutline(), NewCitationMap())
	require.Error(t, err)
	assert.True(t, backend.IsCancelled(err))
	require.Len(t, sections, 3)
	for _, s := range sections {
		assert.True(t, s.Incomplete)
		assert.Empty(t, s.Body)
	}
}

func TestWriteConcurrentSharesIndices(t *testing.T) {
	shared := entry("shared", "A fact every section cites.")
	hits := map[string][]knowledge.Scored{}
	root := &types.OutlineNode{Heading: "T"}
	for i := range 8 {
		h := fmt.Sprintf("Section %d", i)
		root.Children = append(root.Children, &types.OutlineNode{Heading: h})
		hits[h] = scored(shared, entry(fmt.Sprintf("e%d", i), "Fact "+h))
	}
	lm := fake.NewLM().On(backend.PurposeSection, fake.Text("Shared [1]. Own [2]."))
	w := NewWriter(Options{LM: lm, Knowledge: stubQuerier{hits: hits}, Concurrency: 8})
	cm := NewCitationMap()

	sections, _, err := w.Write(context.Background(), "T", root, cm)
	require.NoError(t, err)
	require.Len(t, sections, 8)
	assert.Equal(t, 9, cm.Len())

	sharedIdx := sections[0].Citations[0]
	for i, s := range sections {
		assert.Equal(t, fmt.Sprintf("Section %d", i), s.Heading)
		assert.Equal(t, sharedIdx, s.Citations[0])
	}
}

func TestCitationMapAssignConcurrent(t *testing.T) {
	cm := NewCitationMap()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.Assign(entry(fmt.Sprintf("e%d", i%5), "text"))
		}()
	}
	wg.Wait()

	cites := cm.Citations()
	require.Len(t, cites, 5)
	for i, c := range cites {
		assert.Equal(t, i+1, c.Index)
		got, ok := cm.Lookup(c.Index)
		require.True(t, ok)
		assert.Equal(t, c.EntryID, got.EntryID)
	}
	_, ok := cm.Lookup(6)
	assert.False(t, ok)
}

func TestSplitHeadings(t *testing.T) {
	w := NewWriter(Options{})
	lead, parts := w.split("Intro text.\n\n### 1. Early *years*\nFirst.\n\nLate\n----\nSecond.")
	assert.Equal(t, "Intro text.", lead)
	require.Len(t, parts, 2)
	assert.Equal(t, part{heading: "Early years", body: "First."}, parts[0])
	assert.Equal(t, part{heading: "Late", body: "Second."}, parts[1])

	lead, parts = w.split("No headings at all.")
	assert.Equal(t, "No headings at all.", lead)
	assert.Empty(t, parts)
}
