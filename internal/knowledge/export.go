// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// ExportEntry holds a saved entry with its sources for export.
type ExportEntry struct {
	ID      string         `json:"id" yaml:"id"`
	RunID   string         `json:"run_id" yaml:"run_id"`
	Topic   string         `json:"topic,omitempty" yaml:"topic,omitempty"`
	Text    string         `json:"text" yaml:"text"`
	Sources []ExportSource `json:"sources" yaml:"sources"`
}

// ExportSource is the per-source subset included in each export entry.
type ExportSource struct {
	SourceID string  `json:"source_id" yaml:"source_id"`
	Title    string  `json:"title,omitempty" yaml:"title,omitempty"`
	Score    float64 `json:"score" yaml:"score"`
}

const exportLimit = 100000

// ExportYAML writes the knowledge base to knowledge/index/export.yaml and
// returns the path. It supports the same filters as Retrieve.
func (s *Store) ExportYAML(ctx context.Context, opts QueryOptions) (string, error) {
	entries, err := s.exportEntries(ctx, opts)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.knowledgeDir, indexDir, "export.yaml")
	data, err := yaml.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshaling YAML: %w", err)
	}
	return path, os.WriteFile(path, data, 0o644)
}

// ExportJSON writes the knowledge base to knowledge/index/export.json and
// returns the path. It supports the same filters as Retrieve.
func (s *Store) ExportJSON(ctx context.Context, opts QueryOptions) (string, error) {
	entries, err := s.exportEntries(ctx, opts)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.knowledgeDir, indexDir, "export.json")
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return path, os.WriteFile(path, data, 0o644)
}

func (s *Store) exportEntries(ctx context.Context, opts QueryOptions) ([]ExportEntry, error) {
	opts.MaxResults = exportLimit
	results, err := s.Retrieve(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("querying for export: %w", err)
	}

	entries := make([]ExportEntry, len(results))
	for i, r := range results {
		entries[i] = ExportEntry{
			ID:      r.ID,
			RunID:   r.RunID,
			Topic:   r.Topic,
			Text:    r.Text,
			Sources: make([]ExportSource, len(r.Sources)),
		}
		for j, src := range r.Sources {
			entries[i].Sources[j] = ExportSource{SourceID: src.SourceID, Title: src.Title, Score: src.Score}
		}
	}

	return entries, nil
}
