// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pdiddy/curation-engine/internal/artifact"
	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/backend/fake"
	"github.com/pdiddy/curation-engine/internal/pipeline"
	"github.com/pdiddy/curation-engine/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by go.opencensus.io at init, via the genai client.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func scriptedLM() *fake.LM {
	return fake.NewLM().
		On(backend.PurposePersona, fake.Text("1. Engineer: Studies the engine design.")).
		On(backend.PurposeQuestion, fake.Text("How did the engine burn fuel?")).
		On(backend.PurposeAnswer, fake.Text("It burned kerosene [1].")).
		On(backend.PurposeOutlineDraft, fake.Text("# Engines")).
		On(backend.PurposeOutlineMerge, fake.Text("# Engines")).
		On(backend.PurposeSection, fake.Text("Kerosene fuel [1].")).
		On(backend.PurposeSummary, fake.Text("Lead."))
}

func testSession(t *testing.T) (*pipeline.Session, types.CurationConfig) {
	t.Helper()
	return testSessionWith(t, scriptedLM())
}

func testSessionWith(t *testing.T, lm backend.LanguageModel) (*pipeline.Session, types.CurationConfig) {
	t.Helper()
	cfg := types.DefaultCurationConfig()
	cfg.Perspectives = 1
	cfg.Experts = 1
	cfg.MaxTurns = 1
	cfg.MaxRetries = 0
	cfg.WarmupTurns = 1
	cfg.OutputDir = t.TempDir()

	rm := &fake.Retriever{Fn: func(string) ([]types.Snippet, error) {
		return []types.Snippet{{SourceID: "https://example.org/f1", Title: "F-1", Text: "The F-1 engine burned kerosene and liquid oxygen.", Score: 1}}, nil
	}}

	p, err := pipeline.New(cfg, pipeline.Deps{LM: lm, RM: rm})
	require.NoError(t, err)
	s, err := p.Collaborate(context.Background(), "Saturn V", "Reader")
	require.NoError(t, err)
	return s, cfg
}

func TestRoundTableQuit(t *testing.T) {
	s, cfg := testSession(t)
	var out bytes.Buffer

	err := roundTable(context.Background(), s, cfg, strings.NewReader("What fuel did it use?\n/quit\n"), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "experts: Engineer")
	assert.Contains(t, out.String(), "Reader: What fuel did it use?")
	_, statErr := os.Stat(artifact.Dir(cfg.OutputDir, "Saturn V"))
	assert.True(t, os.IsNotExist(statErr), "quit writes nothing")
}

func TestRoundTableReport(t *testing.T) {
	s, cfg := testSession(t)
	var out bytes.Buffer

	err := roundTable(context.Background(), s, cfg, strings.NewReader("What fuel did it use?\n/report\n"), &out)
	require.NoError(t, err)

	dir := artifact.Dir(cfg.OutputDir, "Saturn V")
	assert.Contains(t, out.String(), "wrote ")
	assert.NotContains(t, out.String(), "with no reference")
	assert.FileExists(t, filepath.Join(dir, artifact.ArticleFile))
	assert.FileExists(t, filepath.Join(dir, artifact.MindMapFile))
}

func TestRoundTableEOFWritesReport(t *testing.T) {
	s, cfg := testSession(t)
	var out bytes.Buffer

	require.NoError(t, roundTable(context.Background(), s, cfg, strings.NewReader("What fuel did it use?\n"), &out))
	assert.FileExists(t, filepath.Join(artifact.Dir(cfg.OutputDir, "Saturn V"), artifact.ArticleFile))
}

// heldLM blocks speaker scoring until the call is cancelled.
type heldLM struct {
	*fake.LM
	started chan struct{}
	once    sync.Once
}

func (h *heldLM) Complete(ctx context.Context, prompt string, params backend.Params) (string, error) {
	if params.Purpose == backend.PurposeSpeaker {
		h.once.Do(func() { close(h.started) })
		<-ctx.Done()
		return "", backend.Cancelled(ctx.Err())
	}
	return h.LM.Complete(ctx, prompt, params)
}

func TestRoundTableInjectsDuringAutomaticTurn(t *testing.T) {
	lm := &heldLM{LM: scriptedLM(), started: make(chan struct{})}
	s, cfg := testSessionWith(t, lm)
	r, w := io.Pipe()
	go func() {
		_, _ = io.WriteString(w, "\n")
		<-lm.started
		_, _ = io.WriteString(w, "What fuel did it use?\n/quit\n")
		_ = w.Close()
	}()

	var out bytes.Buffer
	require.NoError(t, roundTable(context.Background(), s, cfg, r, &out))

	assert.Contains(t, out.String(), "Reader: What fuel did it use?")
	assert.Contains(t, out.String(), "It burned kerosene [1].")
	turns := s.Manager.Turns()
	require.Len(t, turns, 2, "warm-up turn and the user's turn; the automatic turn is dropped")
	assert.Equal(t, types.RoleUser, turns[1].Role)
}

func TestCheckCitations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ArticleFile), []byte("# T\n\nOne [1]. Two [4].\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ReferencesFile), []byte("topic: T\ncitations:\n  - index: 1\n"), 0o644))

	var out bytes.Buffer
	checkCitations(&out, dir)
	assert.Equal(t, "warning: article cites [4] with no reference\n", out.String())

	out.Reset()
	checkCitations(&out, t.TempDir())
	assert.Empty(t, out.String(), "unreadable run directories are logged, not printed")
}
