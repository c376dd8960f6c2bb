// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// semanticAPIBase is the Semantic Scholar paper search endpoint. Declared
// as a var so tests can substitute an httptest server.
var semanticAPIBase = "https://api.semanticscholar.org/graph/v1/paper/search"

const semanticFields = "title,abstract,tldr,externalIds,year,url"

// SemanticScholar queries the Semantic Scholar API. Each paper becomes a
// snippet whose text is its abstract, or its TL;DR when no abstract exists.
type SemanticScholar struct {
	Client    *http.Client
	APIKey    string
	UserAgent string
}

// Name returns the backend identifier.
func (b *SemanticScholar) Name() string { return "semantic_scholar" }

// Search implements backend.Retriever.
func (b *SemanticScholar) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	params := url.Values{
		"query":  {q},
		"limit":  {fmt.Sprintf("%d", topK)},
		"fields": {semanticFields},
	}

	header := http.Header{}
	if b.UserAgent != "" {
		header.Set("User-Agent", b.UserAgent)
	}
	if b.APIKey != "" {
		header.Set("x-api-key", b.APIKey)
	}

	resp, err := get(ctx, b.Client, semanticAPIBase+"?"+params.Encode(), header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr semanticResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, backend.Malformed(backend.KindRM, "parsing Semantic Scholar response: %v", err)
	}

	total := len(sr.Data)
	var results []types.Snippet
	for i, paper := range sr.Data {
		text := strings.TrimSpace(paper.Abstract)
		if text == "" && paper.TLDR != nil {
			text = strings.TrimSpace(paper.TLDR.Text)
		}
		if text == "" {
			continue
		}
		title := paper.Title
		if paper.Year > 0 {
			title = fmt.Sprintf("%s (%d)", paper.Title, paper.Year)
		}
		results = append(results, types.Snippet{
			SourceID: semanticSourceID(paper),
			Title:    title,
			Text:     text,
			Score:    positionScore(i, total),
		})
	}
	return results, nil
}

// semanticSourceID prefers a resolvable arXiv link, then a DOI link, then
// the Semantic Scholar page.
func semanticSourceID(p semanticPaper) string {
	switch {
	case p.ExternalIDs.ArXiv != "":
		return "https://arxiv.org/abs/" + p.ExternalIDs.ArXiv
	case p.ExternalIDs.DOI != "":
		return "https://doi.org/" + p.ExternalIDs.DOI
	case p.URL != "":
		return p.URL
	default:
		return "https://www.semanticscholar.org/paper/" + p.PaperID
	}
}

// Semantic Scholar API JSON structures.
type semanticResponse struct {
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Data   []semanticPaper `json:"data"`
}

type semanticPaper struct {
	PaperID     string              `json:"paperId"`
	Title       string              `json:"title"`
	Abstract    string              `json:"abstract"`
	Year        int                 `json:"year"`
	URL         string              `json:"url"`
	TLDR        *semanticTLDR       `json:"tldr"`
	ExternalIDs semanticExternalIDs `json:"externalIds"`
}

type semanticTLDR struct {
	Text string `json:"text"`
}

type semanticExternalIDs struct {
	DOI      string `json:"DOI"`
	ArXiv    string `json:"ArXiv"`
	CorpusID int    `json:"CorpusId"`
}
