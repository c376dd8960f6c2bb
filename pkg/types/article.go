// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"strings"
)

// OutlineNode is one heading of the article outline. The root heading is the
// article title.
type OutlineNode struct {
	Heading  string         `json:"heading" yaml:"heading"`
	Children []*OutlineNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// Walk visits the node and its descendants in pre-order. depth is 0 for
// the receiver.
func (n *OutlineNode) Walk(fn func(node *OutlineNode, depth int)) {
	var walk func(*OutlineNode, int)
	walk = func(node *OutlineNode, depth int) {
		fn(node, depth)
		for _, c := range node.Children {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
}

// Headings lists every heading below the root in pre-order.
func (n *OutlineNode) Headings() []string {
	var out []string
	n.Walk(func(node *OutlineNode, depth int) {
		if depth > 0 {
			out = append(out, node.Heading)
		}
	})
	return out
}

// Markdown renders the outline as Markdown headings; the root is "# ".
func (n *OutlineNode) Markdown() string {
	var b strings.Builder
	n.Walk(func(node *OutlineNode, depth int) {
		fmt.Fprintf(&b, "%s %s\n", strings.Repeat("#", depth+1), node.Heading)
	})
	return b.String()
}

// Section is the written prose for one outline node. Citations hold global
// indices into the citation map.
type Section struct {
	Heading string `json:"heading" yaml:"heading"`

	// Level is the heading depth: 1 for top-level sections.
	Level int `json:"level" yaml:"level"`

	// Path lists the headings from the top-level section down to this one.
	Path []string `json:"path,omitempty" yaml:"path,omitempty"`

	Body      string `json:"body" yaml:"body"`
	Citations []int  `json:"citations,omitempty" yaml:"citations,omitempty"`

	// Placeholder is set when generation failed and Body is filler text.
	Placeholder bool   `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Warning     string `json:"warning,omitempty" yaml:"warning,omitempty"`

	// Incomplete is set when writing was cancelled before the section finished.
	Incomplete bool `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
}

// Citation maps an in-text index to the knowledge entry and source it cites.
type Citation struct {
	Index    int    `json:"index" yaml:"index"`
	EntryID  string `json:"entry_id" yaml:"entry_id"`
	SourceID string `json:"source_id" yaml:"source_id"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Text     string `json:"text" yaml:"text"`

	// Supports counts the snippets backing the cited entry.
	Supports int `json:"supports" yaml:"supports"`
}

// Article is the polished output document.
type Article struct {
	Title     string     `json:"title" yaml:"title"`
	Summary   string     `json:"summary,omitempty" yaml:"summary,omitempty"`
	Sections  []Section  `json:"sections" yaml:"sections"`
	Citations []Citation `json:"citations" yaml:"citations"`
	Warnings  []Warning  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Markdown renders the article with a trailing References list.
func (a *Article) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", a.Title)
	if a.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(a.Summary))
	}
	for _, s := range a.Sections {
		level := s.Level
		if level < 1 {
			level = 1
		}
		fmt.Fprintf(&b, "%s %s\n\n", strings.Repeat("#", level+1), s.Heading)
		if body := strings.TrimSpace(s.Body); body != "" {
			fmt.Fprintf(&b, "%s\n\n", body)
		}
	}
	if len(a.Citations) > 0 {
		b.WriteString("## References\n\n")
		for _, c := range a.Citations {
			label := c.SourceID
			if c.Title != "" {
				label = c.Title + " (" + c.SourceID + ")"
			}
			fmt.Fprintf(&b, "[%d] %s\n", c.Index, label)
		}
	}
	return b.String()
}
