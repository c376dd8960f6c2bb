// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/backend/fake"
	"github.com/pdiddy/curation-engine/internal/discourse"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by go.opencensus.io at init, via the genai client.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const topic = "Saturn V"

var (
	f1     = types.Snippet{SourceID: "https://example.org/f1", Title: "F-1 engine", Text: "The F-1 engine burned kerosene and liquid oxygen fuel.", Score: 1}
	apollo = types.Snippet{SourceID: "https://example.org/apollo", Title: "Apollo program", Text: "The rocket program started in 1961 under NASA.", Score: 1}
)

// retriever fails every query about cost, the economist's only question.
func retriever() *fake.Retriever {
	return &fake.Retriever{Fn: func(q string) ([]types.Snippet, error) {
		q = strings.ToLower(q)
		switch {
		case strings.Contains(q, "cost"):
			return nil, backend.RMError(errors.New("quota exceeded"), false)
		case strings.Contains(q, "engine"):
			return []types.Snippet{f1}, nil
		case strings.Contains(q, "program start"):
			return []types.Snippet{apollo}, nil
		}
		return nil, nil
	}}
}

func question(prompt string, _ int) (string, error) {
	// Engineer first: a round-table prompt quotes earlier speakers.
	switch {
	case strings.Contains(prompt, "Engineer"):
		return "How did the engine burn fuel?", nil
	case strings.Contains(prompt, "Economist"):
		return "What did the program cost?", nil
	}
	return "When did the rocket program start?", nil
}

func section(prompt string, _ int) (string, error) {
	if strings.Contains(prompt, "[1] ") {
		return "Fact sentence [1].", nil
	}
	return "Plain prose.", nil
}

func scriptedLM() *fake.LM {
	return fake.NewLM().
		On(backend.PurposePersona, fake.Text("1. Economist: Studies the cost of the program.\n2. Engineer: Studies the engine design.")).
		On(backend.PurposeQuestion, question).
		On(backend.PurposeAnswer, fake.Text("Per the sources [1].")).
		On(backend.PurposeOutlineDraft, fake.Text("# Engine fuel\n# Rocket program")).
		On(backend.PurposeOutlineMerge, fake.Text("# Engine fuel\n# Rocket program")).
		On(backend.PurposeSection, section).
		On(backend.PurposeSummary, fake.Text("Saturn V lead."))
}

func testConfig(concurrency int) types.CurationConfig {
	cfg := types.DefaultCurationConfig()
	cfg.Perspectives = 2
	cfg.Experts = 2
	cfg.MaxTurns = 1
	cfg.MaxRetries = 0
	cfg.MaxConcurrency = concurrency
	return cfg
}

func newPipeline(t *testing.T, cfg types.CurationConfig, lm backend.LanguageModel, deps Deps) *Pipeline {
	t.Helper()
	deps.LM = lm
	if deps.RM == nil {
		deps.RM = retriever()
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return p
}

func TestRunSurvivesOneFailingPersona(t *testing.T) {
	lm := scriptedLM()
	var progress bytes.Buffer
	p := newPipeline(t, testConfig(4), lm, Deps{Progress: &progress})

	res, err := p.Run(context.Background(), topic, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, res.Personas, 3)
	assert.Equal(t, types.GeneralistName, res.Personas[0].Name)
	assert.Equal(t, "Economist", res.Personas[1].Name)

	require.Len(t, res.Conversations, 3)
	econ := res.Conversations[1]
	require.Len(t, econ.Turns, 1)
	assert.True(t, econ.Turns[0].InsufficientEvidence)

	var found bool
	for _, w := range res.Warnings {
		if w.Component == "conversation" && w.Subject == "Economist" {
			found = true
			assert.Contains(t, w.Message, "quota exceeded")
		}
	}
	assert.True(t, found, "the failing persona is named in a warning: %v", res.Warnings)

	require.Len(t, res.Article.Sections, 2)
	assert.Equal(t, "Engine fuel", res.Article.Sections[0].Heading)
	assert.Equal(t, "Fact sentence [1].", res.Article.Sections[0].Body)
	assert.Equal(t, "Fact sentence [2].", res.Article.Sections[1].Body)
	assert.Equal(t, "Saturn V lead.", res.Article.Summary)

	require.Len(t, res.Article.Citations, 2)
	assert.Equal(t, f1.SourceID, res.Article.Citations[0].SourceID)
	assert.Equal(t, apollo.SourceID, res.Article.Citations[1].SourceID)

	assert.Len(t, res.Entries, 2)
	assert.Equal(t, 2, res.Stats.Entries)
	assert.Equal(t, 3, res.Stats.Turns)
	assert.Equal(t, 1, res.Stats.LMCalls["persona"])
	assert.Equal(t, 2, res.Stats.LMCalls["section"])
	for _, stage := range []string{StageDiscover, StageConverse, StageOutline, StageWrite, StagePolish} {
		assert.Contains(t, res.Stats.Stages, stage)
	}
	assert.Contains(t, progress.String(), "Economist: 1 turns (max_turns)")
}

func TestRunConcurrencyDoesNotChangeTheArticle(t *testing.T) {
	seq, err := newPipeline(t, testConfig(1), scriptedLM(), Deps{}).Run(context.Background(), topic, RunOptions{})
	require.NoError(t, err)
	par, err := newPipeline(t, testConfig(8), scriptedLM(), Deps{}).Run(context.Background(), topic, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, seq.Article.Markdown(), par.Article.Markdown())
	assert.Equal(t, sources(seq.Article.Citations), sources(par.Article.Citations))
}

func sources(cites []types.Citation) []string {
	out := make([]string, len(cites))
	for i, c := range cites {
		out[i] = c.SourceID
	}
	return out
}

func TestRunUsesProvidedOutline(t *testing.T) {
	lm := scriptedLM()
	p := newPipeline(t, testConfig(2), lm, Deps{})
	provided := &types.OutlineNode{Heading: topic, Children: []*types.OutlineNode{
		{Heading: "Engine fuel"},
		{Heading: "References"},
	}}

	res, err := p.Run(context.Background(), topic, RunOptions{Outline: provided})
	require.NoError(t, err)
	assert.Zero(t, lm.Count(backend.PurposeOutlineDraft))
	assert.Equal(t, []string{"Engine fuel"}, res.Outline.Headings())
	require.Len(t, res.Article.Sections, 1)
}

func TestRunCancelledBeforeWriting(t *testing.T) {
	p := newPipeline(t, testConfig(2), scriptedLM(), Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Run(ctx, topic, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrCancelled)
	require.NotNil(t, res)
	assert.True(t, res.Incomplete)
	assert.Empty(t, res.Article.Sections)
}

func TestRunRejectsEmptyTopic(t *testing.T) {
	p := newPipeline(t, testConfig(2), scriptedLM(), Deps{})
	_, err := p.Run(context.Background(), "  ", RunOptions{})
	var ce *backend.ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestNewReportsEveryProblem(t *testing.T) {
	cfg := testConfig(2)
	cfg.MaxTurns = 0
	cfg.Retrieval.SemanticScholar = false

	_, err := New(cfg, Deps{})
	var ce *backend.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Problems, 4)
}

func TestRunPersistsKnowledge(t *testing.T) {
	store, err := knowledge.NewStore(t.TempDir(), 10)
	require.NoError(t, err)
	defer store.Close()

	p := newPipeline(t, testConfig(2), scriptedLM(), Deps{Knowledge: store})
	res, err := p.Run(context.Background(), topic, RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Contains(t, res.Stats.Stages, StagePersist)

	runs, err := store.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 2, runs[0].Entries)

	saved, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestRunResumesSavedKnowledge(t *testing.T) {
	ctx := context.Background()
	store, err := knowledge.NewStore(t.TempDir(), 10)
	require.NoError(t, err)
	defer store.Close()

	saved := types.KnowledgeEntry{
		ID:      "k1",
		Text:    "Saturn V first flew on November 9, 1967.",
		Sources: []types.Snippet{{SourceID: "https://example.org/history", Title: "Flight history", Text: "Saturn V first flew on November 9, 1967."}},
	}
	_, err = store.Save(ctx, "earlier", topic, []types.KnowledgeEntry{saved}, io.Discard)
	require.NoError(t, err)

	p := newPipeline(t, testConfig(2), scriptedLM(), Deps{Knowledge: store})
	res, err := p.Run(ctx, topic, RunOptions{RunID: "later", Resume: "earlier"})
	require.NoError(t, err)

	var texts []string
	for _, e := range res.Entries {
		texts = append(texts, e.Text)
	}
	assert.Contains(t, texts, saved.Text)
	assert.Len(t, res.Entries, 3)
}

func TestRunResumeUnknownRun(t *testing.T) {
	store, err := knowledge.NewStore(t.TempDir(), 10)
	require.NoError(t, err)
	defer store.Close()

	p := newPipeline(t, testConfig(2), scriptedLM(), Deps{Knowledge: store})
	_, err = p.Run(context.Background(), topic, RunOptions{Resume: "missing"})
	var ce *backend.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Problems[0], `"missing"`)

	_, err = newPipeline(t, testConfig(2), scriptedLM(), Deps{}).Run(context.Background(), topic, RunOptions{Resume: "earlier"})
	require.ErrorAs(t, err, &ce)
}

func TestCollaborateSession(t *testing.T) {
	cfg := testConfig(2)
	cfg.WarmupTurns = 2
	p := newPipeline(t, cfg, scriptedLM(), Deps{})
	ctx := context.Background()

	s, err := p.Collaborate(ctx, topic, "Reader")
	require.NoError(t, err)
	require.Len(t, s.Experts, 2)
	assert.Equal(t, "Economist", s.Experts[0].Name)
	assert.Equal(t, discourse.WarmingUp, s.Manager.State())

	require.NoError(t, s.Manager.WarmUp(ctx))
	turn, err := s.Manager.Inject(ctx, "When did the rocket program start?")
	require.NoError(t, err)
	assert.Equal(t, "Reader", turn.Speaker)

	res, err := s.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, discourse.Done, s.Manager.State())
	require.Len(t, res.Conversations, 1)
	assert.Len(t, res.Conversations[0].Turns, 3)
	assert.Len(t, res.Entries, 2)
	assert.NotEmpty(t, res.Concepts)
	assert.NotEmpty(t, res.Article.Sections)
	assert.Equal(t, topic, res.Article.Title)
}
