// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package artifact writes run results to a directory and reads back the
// pieces a later run can reuse.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/curation-engine/internal/outline"
	"github.com/pdiddy/curation-engine/internal/pipeline"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// File names inside a run directory.
const (
	ArticleFile       = "article.md"
	OutlineFile       = "outline.yaml"
	ReferencesFile    = "references.yaml"
	ConversationsFile = "conversations.yaml"
	KnowledgeFile     = "knowledge.json"
	MindMapFile       = "mindmap.yaml"
	RunFile           = "run.yaml"
)

// markerPattern matches one inline citation marker.
var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// References is the layout of references.yaml.
type References struct {
	Topic     string           `yaml:"topic"`
	Citations []types.Citation `yaml:"citations"`
}

// Run is the layout of run.yaml.
type Run struct {
	ID         string          `yaml:"id"`
	Topic      string          `yaml:"topic"`
	WrittenAt  string          `yaml:"written_at"`
	Incomplete bool            `yaml:"incomplete,omitempty"`
	Personas   []types.Persona `yaml:"personas"`
	Warnings   []types.Warning `yaml:"warnings,omitempty"`
	Stats      pipeline.Stats  `yaml:"stats"`
}

// MindMap is the layout of mindmap.yaml.
type MindMap struct {
	Concepts []types.MindMapNode `yaml:"concepts"`
	Links    []types.MindMapEdge `yaml:"links,omitempty"`
}

// Summary lists the files written.
type Summary struct {
	Dir   string
	Files []string
}

// Dir returns the run directory for topic under base.
func Dir(base, topic string) string {
	return filepath.Join(base, Slug(topic))
}

// Slug lowercases s and joins its letters and digits with hyphens.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	if b.Len() == 0 {
		return "untitled"
	}
	return b.String()
}

// Write stores every artifact of res in dir, creating it if needed. The
// mind-map file is written only for collaborative runs.
func Write(dir string, res *pipeline.Result) (Summary, error) {
	summary := Summary{Dir: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return summary, fmt.Errorf("creating output directory: %w", err)
	}

	put := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		summary.Files = append(summary.Files, name)
		return nil
	}
	putYAML := func(name string, v any) error {
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", name, err)
		}
		return put(name, data)
	}

	if err := put(ArticleFile, []byte(res.Article.Markdown())); err != nil {
		return summary, err
	}
	if res.Outline != nil {
		if err := putYAML(OutlineFile, res.Outline); err != nil {
			return summary, err
		}
	}
	if err := putYAML(ReferencesFile, References{Topic: res.Topic, Citations: res.Article.Citations}); err != nil {
		return summary, err
	}
	if err := putYAML(ConversationsFile, res.Conversations); err != nil {
		return summary, err
	}

	entries := res.Entries
	if entries == nil {
		entries = []types.KnowledgeEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return summary, fmt.Errorf("encoding %s: %w", KnowledgeFile, err)
	}
	if err := put(KnowledgeFile, data); err != nil {
		return summary, err
	}

	if len(res.Concepts) > 0 {
		if err := putYAML(MindMapFile, MindMap{Concepts: res.Concepts, Links: res.Links}); err != nil {
			return summary, err
		}
	}

	run := Run{
		ID:         res.RunID,
		Topic:      res.Topic,
		WrittenAt:  time.Now().UTC().Format(time.RFC3339),
		Incomplete: res.Incomplete,
		Personas:   res.Personas,
		Warnings:   res.Warnings,
		Stats:      res.Stats,
	}
	if err := putYAML(RunFile, run); err != nil {
		return summary, err
	}
	return summary, nil
}

// LoadOutline reads an outline from path. A .md file is parsed as Markdown
// headings; anything else is decoded as outline YAML. The result is
// normalized for topic.
func LoadOutline(path, topic string) (*types.OutlineNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading outline: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".md") {
		return outline.Normalize(topic, outline.New(outline.Options{}).Parse(topic, string(data))), nil
	}
	var root types.OutlineNode
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing outline: %w", err)
	}
	return outline.Normalize(topic, &root), nil
}

// LoadReferences reads references.yaml from a run directory.
func LoadReferences(dir string) (*References, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReferencesFile))
	if err != nil {
		return nil, fmt.Errorf("reading references: %w", err)
	}
	var refs References
	if err := yaml.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("parsing references: %w", err)
	}
	return &refs, nil
}

// ValidateCitations scans article.md for citation markers with no entry in
// references.yaml and returns the missing indices in ascending order. The
// trailing References list is not scanned.
func ValidateCitations(dir string) ([]int, error) {
	refs, err := LoadReferences(dir)
	if err != nil {
		return nil, err
	}
	known := make(map[int]bool, len(refs.Citations))
	for _, c := range refs.Citations {
		known[c.Index] = true
	}

	data, err := os.ReadFile(filepath.Join(dir, ArticleFile))
	if err != nil {
		return nil, fmt.Errorf("reading article: %w", err)
	}
	body, _, _ := strings.Cut(string(data), "\n## References\n")

	seen := make(map[int]bool)
	var missing []int
	for _, m := range markerPattern.FindAllStringSubmatch(body, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || known[idx] || seen[idx] {
			continue
		}
		seen[idx] = true
		missing = append(missing, idx)
	}
	sort.Ints(missing)
	return missing, nil
}
