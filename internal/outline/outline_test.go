// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package outline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/backend/fake"
	"github.com/pdiddy/curation-engine/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by go.opencensus.io at init, via the genai client.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const mergedReply = `# Apollo 11
## Background
### Space Race
## Mission
### Launch
### Lunar landing
## Legacy
## References
## See also`

func TestParseStripsTitleAndSkippedHeadings(t *testing.T) {
	s := New(Options{})
	root := s.Parse("Apollo 11", mergedReply)

	assert.Equal(t, "Apollo 11", root.Heading)
	assert.Equal(t, []string{"Background", "Space Race", "Mission", "Launch", "Lunar landing", "Legacy"}, root.Headings())
	require.Len(t, root.Children, 3)
	assert.Len(t, root.Children[1].Children, 2)
}

func TestParseHandlesNumberingAndEmphasis(t *testing.T) {
	s := New(Options{})
	root := s.Parse("Topic", "# 1. **History**\n## 1.1 Origins\n# 2. Impact\nSome stray prose.\n")
	assert.Equal(t, []string{"History", "Origins", "Impact"}, root.Headings())
}

func TestParseCapsDepth(t *testing.T) {
	s := New(Options{})
	root := s.Parse("Topic", "# A\n## B\n### C\n#### D\n##### E\n###### F")

	var maxDepth int
	root.Walk(func(_ *types.OutlineNode, depth int) {
		maxDepth = max(maxDepth, depth)
	})
	assert.LessOrEqual(t, maxDepth, 4)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, root.Headings())
}

func TestParseNoHeadings(t *testing.T) {
	s := New(Options{})
	root := s.Parse("Topic", "Just some text without any headings.")
	assert.Empty(t, root.Children)
}

func TestNormalizeMergesDuplicatesPerLevel(t *testing.T) {
	root := &types.OutlineNode{Heading: "T", Children: []*types.OutlineNode{
		{Heading: "History", Children: []*types.OutlineNode{{Heading: "Early"}}},
		{Heading: "history", Children: []*types.OutlineNode{{Heading: "Late"}, {Heading: "EARLY"}}},
		{Heading: "Notes"},
	}}
	got := Normalize("T", root)
	require.Len(t, got.Children, 1)
	assert.Equal(t, "History", got.Children[0].Heading)
	assert.Equal(t, []string{"History", "Early", "Late"}, got.Headings())
}

func TestNormalizeEmptyGetsFallback(t *testing.T) {
	got := Normalize("T", &types.OutlineNode{Children: []*types.OutlineNode{{Heading: "References"}}})
	assert.Equal(t, "T", got.Heading)
	assert.Equal(t, []string{Fallback}, got.Headings())

	assert.Equal(t, []string{Fallback}, Normalize("T", nil).Headings())
}

func TestSynthesizeDraftsThenMerges(t *testing.T) {
	lm := fake.NewLM().
		On(backend.PurposeOutlineDraft, fake.Text("# Background\n# Mission")).
		On(backend.PurposeOutlineMerge, fake.Text(mergedReply))
	s := New(Options{LM: lm, ChunkChars: 50})

	ref := &types.OutlineNode{Heading: "Apollo 11", Children: []*types.OutlineNode{{Heading: "Crew"}}}
	transcripts := []string{
		"Question: When did it launch?\n\nAnswer: July 16, 1969.",
		"Question: Who was aboard?\n\nAnswer: Armstrong, Aldrin and Collins.",
	}
	root, warnings, err := s.Synthesize(context.Background(), "Apollo 11", transcripts, ref)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"Background", "Space Race", "Mission", "Launch", "Lunar landing", "Legacy"}, root.Headings())
	assert.Greater(t, lm.Count(backend.PurposeOutlineDraft), 1)

	var merge string
	for _, c := range lm.Calls() {
		if c.Purpose == backend.PurposeOutlineMerge {
			merge = c.Prompt
		}
	}
	assert.Contains(t, merge, "# Crew")
	assert.Contains(t, merge, "# Background")
}

func TestSynthesizeMergeFailureUsesUnion(t *testing.T) {
	lm := fake.NewLM().
		On(backend.PurposeOutlineDraft, fake.Sequence("# Background\n# Mission", "# mission\n## Crew\n# Legacy")).
		On(backend.PurposeOutlineMerge, func(string, int) (string, error) {
			return "", backend.LMError(errors.New("overloaded"), true)
		})
	s := New(Options{LM: lm, ChunkChars: 20, Concurrency: 1})

	root, warnings, err := s.Synthesize(context.Background(), "Apollo 11",
		[]string{"first chunk of text", "second chunk of text"}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "overloaded")
	assert.Equal(t, []string{"Background", "Mission", "Crew", "Legacy"}, root.Headings())
}

func TestSynthesizeEmptyOutputFallsBack(t *testing.T) {
	lm := fake.NewLM().
		On(backend.PurposeOutlineDraft, fake.Text("I cannot help with that.")).
		On(backend.PurposeOutlineMerge, fake.Text(""))
	s := New(Options{LM: lm})

	root, warnings, err := s.Synthesize(context.Background(), "Apollo 11", []string{"some text"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{Fallback}, root.Headings())
	require.NotEmpty(t, warnings)
	assert.Zero(t, lm.Count(backend.PurposeOutlineMerge))
}

func TestSynthesizeDraftFailureIsCounted(t *testing.T) {
	lm := fake.NewLM().
		On(backend.PurposeOutlineDraft, func(string, int) (string, error) {
			return "", backend.LMError(errors.New("boom"), false)
		}).
		On(backend.PurposeOutlineMerge, fake.Text("# Crew"))
	s := New(Options{LM: lm})

	ref := &types.OutlineNode{Heading: "Apollo 11", Children: []*types.OutlineNode{{Heading: "Crew"}}}
	root, warnings, err := s.Synthesize(context.Background(), "Apollo 11", []string{"text"}, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"Crew"}, root.Headings())
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "1 outline drafts failed")
}

func TestSynthesizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(Options{LM: fake.NewLM()})

	root, _, err := s.Synthesize(ctx, "Apollo 11", []string{"text"}, nil)
	require.Error(t, err)
	assert.True(t, backend.IsCancelled(err))
	assert.NotEmpty(t, root.Children)
}

func TestFromKnowledgeListsConcepts(t *testing.T) {
	lm := fake.NewLM().
		On(backend.PurposeOutlineDraft, fake.Text("# Crew")).
		On(backend.PurposeOutlineMerge, fake.Text("# Crew\n# Landing site"))
	s := New(Options{LM: lm})

	entries := []types.KnowledgeEntry{{ID: "k1", Text: "Armstrong was the commander."}}
	root, _, err := s.FromKnowledge(context.Background(), "Apollo 11", []string{"crew", "landing"}, entries)
	require.NoError(t, err)
	assert.Equal(t, []string{"Crew", "Landing site"}, root.Headings())

	calls := lm.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].Prompt, "Concepts discussed: crew, landing")
	assert.Contains(t, calls[0].Prompt, "Armstrong was the commander.")
}

func TestTranscriptSkipsInsufficientEvidence(t *testing.T) {
	conv := types.Conversation{Turns: []types.Turn{
		{Question: "When?", Answer: "In 1969.[1]"},
		{Question: "Why?", Answer: "unknown", InsufficientEvidence: true},
	}}
	got := Transcript(conv)
	assert.Equal(t, "Question: When?\nAnswer: In 1969.", got)
}

func TestChunks(t *testing.T) {
	long := strings.Repeat("x", 25)
	got := Chunks([]string{"alpha\n\nbeta", long, "", "gamma"}, 12)
	assert.Equal(t, []string{"alpha\n\nbeta", "xxxxxxxxxxxx", "xxxxxxxxxxxx", "x\n\ngamma"}, got)
	assert.Empty(t, Chunks(nil, 10))
}

func TestChunksKeepRunesWhole(t *testing.T) {
	text := strings.Repeat("é", 10)
	got := Chunks([]string{text}, 5)
	for _, c := range got {
		assert.True(t, utf8.ValidString(c), "chunk %q", c)
		assert.LessOrEqual(t, len(c), 5)
	}
	assert.Equal(t, text, strings.Join(got, ""))

	assert.Equal(t, []string{"€", "€"}, Chunks([]string{"€€"}, 2), "a rune wider than max is kept whole")
}
