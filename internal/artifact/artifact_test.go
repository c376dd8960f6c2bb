// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/curation-engine/internal/pipeline"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// writeFile is a test helper that creates a file with the given content.
func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func result() *pipeline.Result {
	return &pipeline.Result{
		RunID: "run-1",
		Topic: "Saturn V",
		Outline: &types.OutlineNode{Heading: "Saturn V", Children: []*types.OutlineNode{
			{Heading: "Design", Children: []*types.OutlineNode{{Heading: "Engines"}}},
		}},
		Article: types.Article{
			Title:    "Saturn V",
			Sections: []types.Section{{Heading: "Design", Level: 1, Body: "It used five F-1 engines [1]."}},
			Citations: []types.Citation{
				{Index: 1, EntryID: "e1", SourceID: "https://example.org/f1", Title: "F-1", Text: "Five F-1 engines.", Supports: 1},
			},
		},
		Conversations: []types.Conversation{{Speaker: "Engineer", Role: types.RolePersona, Termination: types.TerminationMaxTurns}},
		Entries:       []types.KnowledgeEntry{{ID: "e1", Text: "Five F-1 engines.", Sources: []types.Snippet{{SourceID: "https://example.org/f1", Text: "Five F-1 engines."}}}},
		Stats:         pipeline.Stats{LMCalls: map[string]int{"section": 1}},
	}
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "saturn-v")
	summary, err := Write(dir, result())
	require.NoError(t, err)
	assert.Equal(t, []string{ArticleFile, OutlineFile, ReferencesFile, ConversationsFile, KnowledgeFile, RunFile}, summary.Files)

	md, err := os.ReadFile(filepath.Join(dir, ArticleFile))
	require.NoError(t, err)
	assert.Contains(t, string(md), "## Design\n\nIt used five F-1 engines [1].")
	assert.Contains(t, string(md), "[1] F-1 (https://example.org/f1)")

	data, err := os.ReadFile(filepath.Join(dir, KnowledgeFile))
	require.NoError(t, err)
	var entries []types.KnowledgeEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)

	data, err = os.ReadFile(filepath.Join(dir, RunFile))
	require.NoError(t, err)
	var run Run
	require.NoError(t, yaml.Unmarshal(data, &run))
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, 1, run.Stats.LMCalls["section"])

	root, err := LoadOutline(filepath.Join(dir, OutlineFile), "Saturn V")
	require.NoError(t, err)
	assert.Equal(t, []string{"Design", "Engines"}, root.Headings())

	missing, err := ValidateCitations(dir)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestWriteMindMap(t *testing.T) {
	res := result()
	res.Concepts = []types.MindMapNode{{ID: "c1", Concept: "Engines", EntryIDs: []string{"e1"}, Visits: 1}}
	dir := t.TempDir()

	summary, err := Write(dir, res)
	require.NoError(t, err)
	assert.Contains(t, summary.Files, MindMapFile)

	data, err := os.ReadFile(filepath.Join(dir, MindMapFile))
	require.NoError(t, err)
	var mm MindMap
	require.NoError(t, yaml.Unmarshal(data, &mm))
	require.Len(t, mm.Concepts, 1)
	assert.Equal(t, "Engines", mm.Concepts[0].Concept)
}

func TestLoadOutline(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    []string
		wantErr bool
	}{
		{
			name:    "yaml",
			file:    "outline.yaml",
			content: "heading: Saturn V\nchildren:\n  - heading: History\n  - heading: history\n  - heading: References\n",
			want:    []string{"History"},
		},
		{
			name:    "markdown",
			file:    "outline.md",
			content: "# Saturn V\n## 1. Development\n### Testing\n## See also\n",
			want:    []string{"Development", "Testing"},
		},
		{
			name:    "empty yaml falls back",
			file:    "outline.yaml",
			content: "heading: Saturn V\n",
			want:    []string{"Overview"},
		},
		{
			name:    "invalid yaml",
			file:    "outline.yaml",
			content: ":::bad\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tt.file, tt.content)

			root, err := LoadOutline(filepath.Join(dir, tt.file), "Saturn V")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Saturn V", root.Heading)
			assert.Equal(t, tt.want, root.Headings())
		})
	}
}

func TestLoadOutlineMissingFile(t *testing.T) {
	_, err := LoadOutline(filepath.Join(t.TempDir(), "outline.yaml"), "x")
	assert.Error(t, err)
}

func TestValidateCitations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ArticleFile, "# T\n\n## A\n\nOne [1]. Two [3][2]. Three [3].\n\n## References\n\n[1] a\n[9] z\n")
	writeFile(t, dir, ReferencesFile, "topic: T\ncitations:\n  - index: 1\n    entry_id: a\n    source_id: a\n    text: a\n    supports: 1\n")

	missing, err := ValidateCitations(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, missing)
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Saturn V":              "saturn-v",
		"  Apollo 11: the Moon ": "apollo-11-the-moon",
		"???":                   "untitled",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), in)
	}
	assert.Equal(t, filepath.Join("out", "saturn-v"), Dir("out", "Saturn V"))
}
