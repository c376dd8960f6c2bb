// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/httputil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

func init() {
	httputil.RetryBaseDelay = time.Millisecond
}

// --- mock backend ---

type mockBackend struct {
	name    string
	results []types.Snippet
	err     error
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Search(_ context.Context, _ string, _ int) ([]types.Snippet, error) {
	return m.results, m.err
}

// --- Deduplicate ---

func TestDeduplicateBySourceID(t *testing.T) {
	in := []types.Snippet{
		{SourceID: "a", Title: "A", Text: "short", Score: 0.5},
		{SourceID: "a", Title: "", Text: "longer text", Score: 0.9},
		{SourceID: "b", Title: "B", Text: "b", Score: 0.3},
	}
	out, removed := Deduplicate(in)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Score != 0.9 || out[0].Text != "longer text" || out[0].Title != "A" {
		t.Errorf("merged = %+v", out[0])
	}
}

func TestDeduplicateByTitle(t *testing.T) {
	in := []types.Snippet{
		{SourceID: "https://arxiv.org/abs/1706.03762", Title: "Attention Is All You Need", Score: 0.4},
		{SourceID: "https://doi.org/10.5555/x", Title: "attention is all you need!", Score: 0.8},
	}
	out, removed := Deduplicate(in)
	if removed != 1 || len(out) != 1 {
		t.Fatalf("removed = %d, len = %d", removed, len(out))
	}
	if out[0].SourceID != "https://arxiv.org/abs/1706.03762" || out[0].Score != 0.8 {
		t.Errorf("merged = %+v", out[0])
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Attention Is All You Need", "attention is all you need"},
		{"  BERT:  Pre-training  ", "bert pretraining"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeTitle(tt.in); got != tt.want {
			t.Errorf("normalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Multi ---

func TestMultiMergesAndRanks(t *testing.T) {
	m := NewMulti(nil,
		&mockBackend{name: "one", results: []types.Snippet{
			{SourceID: "x", Title: "X", Text: "x", Score: 0.2},
			{SourceID: "y", Title: "Y", Text: "y", Score: 0.9},
		}},
		&mockBackend{name: "two", results: []types.Snippet{
			{SourceID: "x", Title: "X", Text: "x text", Score: 0.7},
			{SourceID: "z", Title: "Z", Text: "z", Score: 0.1},
		}},
	)
	out, err := m.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].SourceID != "y" || out[1].SourceID != "x" {
		t.Errorf("order = %s, %s", out[0].SourceID, out[1].SourceID)
	}
	if out[1].Score != 0.7 {
		t.Errorf("x score = %f, want 0.7", out[1].Score)
	}
}

func TestMultiContinuesAfterBackendFailure(t *testing.T) {
	m := NewMulti(nil,
		&mockBackend{name: "broken", err: backend.RMError(errors.New("down"), true)},
		&mockBackend{name: "ok", results: []types.Snippet{{SourceID: "a", Text: "a"}}},
	)
	out, err := m.Search(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("len(out) = %d, want 1", len(out))
	}
}

func TestMultiFailsWhenAllBackendsFail(t *testing.T) {
	m := NewMulti(nil,
		&mockBackend{name: "a", err: backend.RMError(errors.New("down"), true)},
		&mockBackend{name: "b", err: backend.RMError(errors.New("bad key"), false)},
	)
	_, err := m.Search(context.Background(), "q", 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if !backend.IsTransient(err) {
		t.Errorf("joined error should stay transient when one cause is: %v", err)
	}
	if !strings.Contains(err.Error(), "a:") || !strings.Contains(err.Error(), "b:") {
		t.Errorf("error should name both backends: %v", err)
	}
}

func TestMultiEmptyQueryAndNoBackends(t *testing.T) {
	out, err := NewMulti(nil, &mockBackend{name: "a"}).Search(context.Background(), "  ", 3)
	if err != nil || out != nil {
		t.Errorf("empty query: out=%v err=%v", out, err)
	}
	_, err = NewMulti(nil).Search(context.Background(), "q", 3)
	var cerr *backend.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("no backends: err = %v, want ConfigurationError", err)
	}
}

// --- arXiv backend ---

const sampleArxivSearchXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/1706.03762v5</id>
    <title>Attention Is All
      You Need</title>
    <summary>The dominant sequence transduction models
      are based on recurrent networks.</summary>
    <published>2017-06-12T17:57:34Z</published>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/1810.04805v2</id>
    <title>BERT: Pre-training of Deep Bidirectional Transformers</title>
    <summary>We introduce BERT.</summary>
    <published>2018-10-11T00:00:00Z</published>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2001.00001v1</id>
    <title>No summary</title>
    <summary>  </summary>
  </entry>
</feed>`

func TestArxivSearch(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, sampleArxivSearchXML)
	}))
	defer ts.Close()

	old := arxivAPIBase
	arxivAPIBase = ts.URL
	defer func() { arxivAPIBase = old }()

	b := &Arxiv{Client: ts.Client(), UserAgent: "test/0.1"}
	results, err := b.Search(context.Background(), "attention mechanisms", 5)
	if err != nil {
		t.Fatalf("Arxiv.Search: %v", err)
	}
	if !strings.Contains(gotQuery, "max_results=5") {
		t.Errorf("query %q missing max_results", gotQuery)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (entry without summary skipped)", len(results))
	}

	r := results[0]
	if r.SourceID != "https://arxiv.org/abs/1706.03762" {
		t.Errorf("SourceID = %q", r.SourceID)
	}
	if r.Title != "Attention Is All You Need" {
		t.Errorf("Title = %q", r.Title)
	}
	if r.Text != "The dominant sequence transduction models are based on recurrent networks." {
		t.Errorf("Text = %q", r.Text)
	}
	if r.Score != 1.0 {
		t.Errorf("Score = %f, want 1.0", r.Score)
	}
}

func TestArxivHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	old := arxivAPIBase
	arxivAPIBase = ts.URL
	defer func() { arxivAPIBase = old }()

	b := &Arxiv{Client: ts.Client()}
	_, err := b.Search(context.Background(), "attention", 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if !backend.IsTransient(err) {
		t.Errorf("503 should be transient: %v", err)
	}
}

func TestExtractArxivID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"http://arxiv.org/abs/2301.07041v1", "2301.07041"},
		{"http://arxiv.org/abs/1706.03762v5", "1706.03762"},
		{"http://arxiv.org/abs/2301.12345", "2301.12345"},
		{"https://arxiv.org/abs/2301.07041v2", "2301.07041"},
		{"not a url", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := extractArxivID(tt.input)
			if got != tt.want {
				t.Errorf("extractArxivID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBuildArxivQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"single", "attention", "all:attention"},
		{"words", "attention mechanisms", "all:attention+AND+all:mechanisms"},
		{"punctuation", "what is BERT?", "all:what+AND+all:is+AND+all:BERT"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildArxivQuery(tt.query)
			if got != tt.want {
				t.Errorf("buildArxivQuery = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- Formatting ---

func TestFormatTable(t *testing.T) {
	var buf bytes.Buffer
	FormatTable([]types.Snippet{
		{SourceID: "https://arxiv.org/abs/1", Title: strings.Repeat("long title ", 10), Score: 0.5},
	}, &buf)
	out := buf.String()
	if !strings.Contains(out, "Rank") || !strings.Contains(out, "1 results") {
		t.Errorf("unexpected table:\n%s", out)
	}
	if !strings.Contains(out, "...") {
		t.Errorf("long title should be truncated:\n%s", out)
	}

	buf.Reset()
	FormatTable(nil, &buf)
	if !strings.Contains(buf.String(), "No results found.") {
		t.Errorf("empty table = %q", buf.String())
	}
}

func TestFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	in := []types.Snippet{{SourceID: "a", Title: "A", Text: "t", Score: 1}}
	if err := FormatJSON(in, &buf); err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	var out []types.Snippet
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].SourceID != "a" {
		t.Errorf("round trip = %+v", out)
	}
}
