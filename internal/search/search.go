// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package search adapts academic search APIs to the backend.Retriever
// contract and fans queries out across several of them.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/httputil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// Backend is one named retrieval source. Each API implements this
// interface per the Strategy pattern.
type Backend interface {
	Name() string
	backend.Retriever
}

// Multi fans a query out to all backends concurrently, deduplicates the
// results, ranks them by score, and keeps the top K. A backend failure is
// logged and skipped; Multi fails only when every backend fails.
type Multi struct {
	Backends []Backend
	Logger   *zap.Logger
}

// NewMulti returns a Multi over backends.
func NewMulti(logger *zap.Logger, backends ...Backend) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{Backends: backends, Logger: logger}
}

// Name returns the backend identifier.
func (m *Multi) Name() string { return "multi" }

// Search implements backend.Retriever.
func (m *Multi) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if len(m.Backends) == 0 {
		return nil, backend.ConfigError("no retrieval backends configured")
	}

	type backendResult struct {
		results []types.Snippet
		err     error
		name    string
	}

	ch := make(chan backendResult, len(m.Backends))
	var wg sync.WaitGroup

	for _, b := range m.Backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			results, err := b.Search(ctx, query, topK)
			ch <- backendResult{results: results, err: err, name: b.Name()}
		}(b)
	}

	go func() {
		wg.Wait()
		close(ch)
	}()

	var all []types.Snippet
	var errs []error
	for br := range ch {
		if br.err != nil {
			m.Logger.Warn("retrieval backend failed", zap.String("backend", br.name), zap.Error(br.err))
			errs = append(errs, fmt.Errorf("%s: %w", br.name, br.err))
			continue
		}
		all = append(all, br.results...)
	}

	if len(errs) == len(m.Backends) {
		if ctx.Err() != nil {
			return nil, backend.Cancelled(ctx.Err())
		}
		return nil, errors.Join(errs...)
	}

	deduped, _ := Deduplicate(all)
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Score > deduped[j].Score
	})
	if topK > 0 && len(deduped) > topK {
		deduped = deduped[:topK]
	}
	return deduped, nil
}

// Deduplicate merges snippets that share a source ID or normalized title,
// keeping the higher score and the longer text. It returns the survivors in
// first-seen order and the number removed.
func Deduplicate(snippets []types.Snippet) ([]types.Snippet, int) {
	seen := make(map[string]int) // dedup key → index in deduped
	var deduped []types.Snippet
	removed := 0

	for _, s := range snippets {
		idKey := "id:" + s.SourceID
		titleKey := "title:" + normalizeTitle(s.Title)

		idx, ok := seen[idKey]
		if !ok && titleKey != "title:" {
			idx, ok = seen[titleKey]
		}
		if ok {
			mergeInto(&deduped[idx], s)
			removed++
			continue
		}

		idx = len(deduped)
		deduped = append(deduped, s)
		if s.SourceID != "" {
			seen[idKey] = idx
		}
		if titleKey != "title:" {
			seen[titleKey] = idx
		}
	}
	return deduped, removed
}

// mergeInto fills empty fields of dst from src and keeps the higher score.
func mergeInto(dst *types.Snippet, src types.Snippet) {
	if dst.Title == "" && src.Title != "" {
		dst.Title = src.Title
	}
	if len(src.Text) > len(dst.Text) {
		dst.Text = src.Text
	}
	if src.Score > dst.Score {
		dst.Score = src.Score
	}
}

// normalizeTitle returns a lowercased, punctuation-stripped version of the title.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// positionScore assigns a relevance score from result rank: 1.0 for the
// first result, falling linearly to 0.1 for the last.
func positionScore(i, total int) float64 {
	if total <= 1 {
		return 1.0
	}
	return 1.0 - float64(i)/float64(total-1)*0.9
}

// get issues a GET with retry on rate limits and classifies failures into
// RM backend errors.
func get(ctx context.Context, client *http.Client, reqURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backend.RMError(fmt.Errorf("creating request: %w", err), false)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := httputil.DoWithRetry(ctx, client, req, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backend.Cancelled(ctx.Err())
		}
		// Network failures are worth another attempt.
		return nil, backend.RMError(err, true)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, backend.StatusError(backend.KindRM, resp.StatusCode, string(body))
	}
	return resp, nil
}

// FormatTable writes snippets as a human-readable table to w.
func FormatTable(results []types.Snippet, w io.Writer) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}

	fmt.Fprintf(w, "%-4s  %-60s  %-6s  %s\n", "Rank", "Title", "Score", "Source")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for i, r := range results {
		fmt.Fprintf(w, "%-4d  %-60s  %-6.2f  %s\n", i+1, truncate(r.Title, 60), r.Score, r.SourceID)
	}

	fmt.Fprintf(w, "\n%d results\n", len(results))
}

// FormatJSON writes snippets as indented JSON to w.
func FormatJSON(results []types.Snippet, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
