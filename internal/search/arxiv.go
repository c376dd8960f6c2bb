// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// arxivAPIBase is the arXiv search endpoint. Declared as a var so tests
// can substitute an httptest server.
var arxivAPIBase = "https://export.arxiv.org/api/query"

// Arxiv queries the arXiv API. Each entry becomes a snippet whose text is
// the paper summary.
type Arxiv struct {
	Client    *http.Client
	UserAgent string
}

// Name returns the backend identifier.
func (b *Arxiv) Name() string { return "arxiv" }

// Search implements backend.Retriever.
func (b *Arxiv) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	q := buildArxivQuery(query)
	if q == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	reqURL := fmt.Sprintf("%s?search_query=%s&start=0&max_results=%d&sortBy=relevance&sortOrder=descending",
		arxivAPIBase, q, topK)

	header := http.Header{}
	if b.UserAgent != "" {
		header.Set("User-Agent", b.UserAgent)
	}
	resp, err := get(ctx, b.Client, reqURL, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, backend.Malformed(backend.KindRM, "parsing arXiv response: %v", err)
	}

	total := len(feed.Entries)
	var results []types.Snippet
	for i, entry := range feed.Entries {
		arxivID := extractArxivID(entry.ID)
		summary := strings.Join(strings.Fields(entry.Summary), " ")
		if arxivID == "" || summary == "" {
			continue
		}
		results = append(results, types.Snippet{
			SourceID: "https://arxiv.org/abs/" + arxivID,
			Title:    strings.Join(strings.Fields(entry.Title), " "),
			Text:     summary,
			Score:    positionScore(i, total),
		})
	}
	return results, nil
}

// buildArxivQuery turns free text into the search_query parameter, one
// all: term per word joined with AND.
func buildArxivQuery(query string) string {
	var parts []string
	for _, term := range strings.Fields(query) {
		term = strings.Trim(term, `.,;:!?"'()[]`)
		if term == "" {
			continue
		}
		parts = append(parts, "all:"+url.QueryEscape(term))
	}
	return strings.Join(parts, "+AND+")
}

// arXiv Atom feed XML structures.
type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
}

// extractArxivID pulls the arXiv ID from the entry's <id> URL
// (e.g. "http://arxiv.org/abs/2301.07041v1" → "2301.07041").
func extractArxivID(idURL string) string {
	const prefix = "/abs/"
	idx := strings.Index(idURL, prefix)
	if idx < 0 {
		return ""
	}
	id := idURL[idx+len(prefix):]

	// Strip version suffix (e.g. "v1", "v2").
	if vIdx := strings.LastIndex(id, "v"); vIdx > 0 {
		if _, err := strconv.Atoi(id[vIdx+1:]); err == nil {
			id = id[:vIdx]
		}
	}
	return id
}
