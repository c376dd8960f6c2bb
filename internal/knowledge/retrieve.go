// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/textutil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// SourcePrefix marks snippets served from the local knowledge database.
const SourcePrefix = "knowledge:"

// QueryOptions holds parameters for knowledge database queries.
type QueryOptions struct {
	// Query is free text; it is tokenized into an FTS5 OR query.
	Query string

	// RunID restricts results to one saved run.
	RunID string

	// MaxResults limits result count. Zero uses the store default.
	MaxResults int
}

// IsEmpty reports whether the query has no search terms or filters.
func (q QueryOptions) IsEmpty() bool {
	return q.Query == "" && q.RunID == ""
}

// QueryResult is a saved entry with its run and rank.
type QueryResult struct {
	types.KnowledgeEntry
	RunID string  `json:"run_id" yaml:"run_id"`
	Topic string  `json:"topic" yaml:"topic"`
	Rank  float64 `json:"rank" yaml:"rank"`
}

// ftsQuery turns free text into a safe FTS5 expression: each word is
// quoted and the words are OR-ed so punctuation never breaks the syntax.
func ftsQuery(text string) string {
	words := textutil.Words(text)
	seen := make(map[string]bool, len(words))
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		quoted = append(quoted, `"`+w+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Retrieve queries saved entries with optional full-text search and a run
// filter. Full-text results are ranked by relevance; filter-only results
// are ordered by run and insertion.
func (s *Store) Retrieve(ctx context.Context, opts QueryOptions) ([]QueryResult, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = s.maxResults
	}

	var (
		qb     strings.Builder
		args   []any
		match  = ftsQuery(opts.Query)
		useFTS = match != ""
	)

	if opts.Query != "" && !useFTS {
		return nil, nil
	}

	if useFTS {
		qb.WriteString(
			`SELECT e.id, e.text, e.sources, e.run_id, r.topic, entries_fts.rank
			FROM entries_fts
			JOIN entries e ON e.rowid = entries_fts.rowid
			LEFT JOIN runs r ON e.run_id = r.id
			WHERE entries_fts MATCH ?`)
		args = append(args, match)
	} else {
		qb.WriteString(
			`SELECT e.id, e.text, e.sources, e.run_id, r.topic, 0 AS rank
			FROM entries e
			LEFT JOIN runs r ON e.run_id = r.id
			WHERE 1=1`)
	}

	if opts.RunID != "" {
		qb.WriteString(` AND e.run_id = ?`)
		args = append(args, opts.RunID)
	}

	if useFTS {
		qb.WriteString(` ORDER BY entries_fts.rank`)
	} else {
		qb.WriteString(` ORDER BY e.run_id, e.rowid`)
	}

	qb.WriteString(` LIMIT ?`)
	args = append(args, maxResults)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying knowledge base: %w", err)
	}
	defer rows.Close()

	var results []QueryResult
	for rows.Next() {
		var (
			qr          QueryResult
			sourcesJSON string
			topic       sql.NullString
		)
		if err := rows.Scan(&qr.ID, &qr.Text, &sourcesJSON, &qr.RunID, &topic, &qr.Rank); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		json.Unmarshal([]byte(sourcesJSON), &qr.Sources)
		if topic.Valid {
			qr.Topic = topic.String
		}
		results = append(results, qr)
	}

	return results, rows.Err()
}

// Search implements backend.Retriever over saved entries so earlier runs
// can ground new ones. Score is the negated FTS5 rank.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	results, err := s.Retrieve(ctx, QueryOptions{Query: query, MaxResults: topK})
	if err != nil {
		if backend.IsCancelled(err) || ctx.Err() != nil {
			return nil, backend.Cancelled(ctx.Err())
		}
		return nil, backend.RMError(err, false)
	}
	out := make([]types.Snippet, 0, len(results))
	for _, r := range results {
		snip := types.Snippet{
			SourceID: SourcePrefix + r.ID,
			Title:    r.Topic,
			Text:     r.Text,
			Score:    -r.Rank,
		}
		if src, ok := r.PrimarySource(); ok && src.Title != "" {
			snip.Title = src.Title
		}
		out = append(out, snip)
	}
	return out, nil
}
