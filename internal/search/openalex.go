// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// openAlexAPIBase is the OpenAlex works endpoint. Declared as a var so tests
// can substitute an httptest server.
var openAlexAPIBase = "https://api.openalex.org/works"

// OpenAlex queries the OpenAlex works search. Abstracts arrive as an
// inverted index and are rebuilt into plain text; works without one are
// skipped.
type OpenAlex struct {
	Client *http.Client

	// Mailto joins the OpenAlex polite pool when set.
	Mailto    string
	UserAgent string
}

// Name returns the backend identifier.
func (b *OpenAlex) Name() string { return "openalex" }

// Search implements backend.Retriever.
func (b *OpenAlex) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	params := url.Values{
		"search":   {q},
		"per_page": {fmt.Sprintf("%d", topK)},
	}
	if b.Mailto != "" {
		params.Set("mailto", b.Mailto)
	}
	header := http.Header{}
	if b.UserAgent != "" {
		header.Set("User-Agent", b.UserAgent)
	}

	resp, err := get(ctx, b.Client, openAlexAPIBase+"?"+params.Encode(), header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var or openAlexResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, backend.Malformed(backend.KindRM, "parsing OpenAlex response: %v", err)
	}

	total := len(or.Results)
	var results []types.Snippet
	for i, w := range or.Results {
		text := abstractText(w.AbstractIndex)
		if text == "" {
			continue
		}
		title := w.Title
		if w.Year > 0 {
			title = fmt.Sprintf("%s (%d)", w.Title, w.Year)
		}
		results = append(results, types.Snippet{
			SourceID: openAlexSourceID(w),
			Title:    title,
			Text:     text,
			Score:    positionScore(i, total),
		})
	}
	return results, nil
}

// abstractText rebuilds an abstract from OpenAlex's word -> positions index.
func abstractText(index map[string][]int) string {
	type placed struct {
		pos  int
		word string
	}
	var words []placed
	for w, positions := range index {
		for _, p := range positions {
			words = append(words, placed{p, w})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].pos < words[j].pos })

	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.word
	}
	return strings.Join(parts, " ")
}

// openAlexSourceID prefers the DOI link, then the open-access landing
// page, then the OpenAlex work ID.
func openAlexSourceID(w openAlexWork) string {
	switch {
	case w.DOI != "":
		return w.DOI
	case w.BestOALocation != nil && w.BestOALocation.LandingURL != "":
		return w.BestOALocation.LandingURL
	default:
		return w.ID
	}
}

// OpenAlex API JSON structures.
type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID             string            `json:"id"`
	DOI            string            `json:"doi"`
	Title          string            `json:"display_name"`
	Year           int               `json:"publication_year"`
	AbstractIndex  map[string][]int  `json:"abstract_inverted_index"`
	BestOALocation *openAlexLocation `json:"best_oa_location"`
}

type openAlexLocation struct {
	PDFURL     string `json:"pdf_url"`
	LandingURL string `json:"landing_page_url"`
}
