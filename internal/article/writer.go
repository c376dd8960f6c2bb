// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package article writes cited prose for each outline section from the
// knowledge table and assigns global citation indices.
package article

import (
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/internal/outline"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/internal/textutil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

const (
	// DefaultTopK is the number of knowledge entries offered per section.
	DefaultTopK = 10

	// PlaceholderBody replaces a section that could not be generated.
	PlaceholderBody = "_This section could not be written from the collected information._"

	sectionMaxTokens = 1500
	entryPromptWords = 120
)

// Querier finds knowledge entries relevant to a text. *knowledge.Table
// satisfies it.
type Querier interface {
	Query(ctx context.Context, text string, topK int) ([]knowledge.Scored, error)
}

// Options configures a Writer.
type Options struct {
	LM        backend.LanguageModel
	Knowledge Querier

	// TopK bounds the entries offered per top-level section.
	TopK int

	// MaxSectionRetries is the number of extra attempts after an empty or
	// malformed draft.
	MaxSectionRetries int

	// Concurrency bounds top-level sections written at once.
	Concurrency int

	Sink    *telemetry.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Writer drafts article sections.
type Writer struct {
	opts Options
	md   goldmark.Markdown
}

// NewWriter returns a Writer.
func NewWriter(opts Options) *Writer {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxSectionRetries < 0 {
		opts.MaxSectionRetries = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Writer{opts: opts, md: goldmark.New()}
}

// node is one outline heading flattened out of a top-level subtree.
type node struct {
	heading string
	level   int
	path    []string
}

func flatten(top *types.OutlineNode) []node {
	var out []node
	var walk func(n *types.OutlineNode, path []string)
	walk = func(n *types.OutlineNode, path []string) {
		path = append(append([]string(nil), path...), n.Heading)
		out = append(out, node{heading: n.Heading, level: len(path), path: path})
		for _, c := range n.Children {
			walk(c, path)
		}
	}
	walk(top, nil)
	return out
}

// Write drafts every section of root. Top-level subtrees are written in
// parallel; the returned sections follow outline order. On cancellation the
// sections written so far are returned, the rest marked incomplete, along
// with the cancellation error.
func (w *Writer) Write(ctx context.Context, topic string, root *types.OutlineNode, cm *CitationMap) ([]types.Section, []types.Warning, error) {
	tops := root.Children
	results := make([][]types.Section, len(tops))
	warns := make([][]types.Warning, len(tops))

	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for i, top := range tops {
		g.Go(func() error {
			results[i], warns[i] = w.writeSection(ctx, topic, top, cm)
			return nil
		})
	}
	g.Wait()

	var (
		sections []types.Section
		warnings []types.Warning
	)
	for i := range tops {
		sections = append(sections, results[i]...)
		warnings = append(warnings, warns[i]...)
	}
	if err := ctx.Err(); err != nil {
		return sections, warnings, backend.Cancelled(err)
	}
	return sections, warnings, nil
}

// writeSection drafts one top-level section including its subsections.
func (w *Writer) writeSection(ctx context.Context, topic string, top *types.OutlineNode, cm *CitationMap) ([]types.Section, []types.Warning) {
	nodes := flatten(top)
	if ctx.Err() != nil {
		return incomplete(nodes), nil
	}

	var warnings []types.Warning
	hits, err := w.opts.Knowledge.Query(ctx, queryText(nodes), w.opts.TopK)
	if err != nil {
		if backend.IsCancelled(err) {
			return incomplete(nodes), nil
		}
		warnings = append(warnings, w.warn(top.Heading, fmt.Sprintf("knowledge query failed: %v", err)))
		hits = nil
	}

	data := sectionData{Topic: topic, Heading: top.Heading, Outline: subOutline(top)}
	for _, h := range hits {
		data.Entries = append(data.Entries, textutil.Truncate(h.Entry.Text, entryPromptWords))
	}
	prompt, err := render(sectionPromptTmpl, data)
	if err != nil {
		warnings = append(warnings, w.warn(top.Heading, fmt.Sprintf("rendering section prompt: %v", err)))
		return placeholders(nodes, err), warnings
	}

	var lastErr error
	for attempt := 0; attempt <= w.opts.MaxSectionRetries; attempt++ {
		reply, err := w.opts.LM.Complete(ctx, prompt, backend.Params{
			MaxTokens: sectionMaxTokens,
			Purpose:   backend.PurposeSection,
		})
		if err != nil {
			if backend.IsCancelled(err) {
				return incomplete(nodes), warnings
			}
			lastErr = err
			continue
		}
		bodies, err := w.assemble(reply, nodes, len(hits))
		if err != nil {
			lastErr = err
			w.opts.Logger.Debug("section draft rejected",
				zap.String("section", top.Heading), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		sections := w.cite(nodes, bodies, hits, cm)
		w.opts.Sink.Emit(telemetry.Event{
			Kind:    telemetry.EventSectionWritten,
			Stage:   "article",
			Subject: top.Heading,
			Fields:  map[string]any{"attempts": attempt + 1, "entries": len(hits)},
		})
		return sections, warnings
	}

	msg := fmt.Sprintf("section failed after %d attempts: %v", w.opts.MaxSectionRetries+1, lastErr)
	warnings = append(warnings, w.warn(top.Heading, msg))
	return placeholders(nodes, lastErr), warnings
}

// assemble splits a draft into one body per outline node. Text under a
// heading that matches no node stays with the preceding node.
func (w *Writer) assemble(reply string, nodes []node, entries int) ([]string, error) {
	lead, parts := w.split(reply)
	bodies := make([]string, len(nodes))
	bodies[0] = lead
	cur := 0
	for _, p := range parts {
		if idx := match(nodes, p.heading, cur); idx >= 0 {
			cur = idx
		}
		bodies[cur] = joinParagraphs(bodies[cur], p.body)
	}

	all := strings.Join(bodies, "\n\n")
	if textutil.StripCitations(all) == "" {
		return nil, backend.Malformed(backend.KindLM, "section %q is empty", nodes[0].heading)
	}
	if entries > 0 {
		valid := false
		for _, n := range textutil.Citations(all) {
			if n <= entries {
				valid = true
				break
			}
		}
		if !valid {
			return nil, backend.Malformed(backend.KindLM, "section %q cites none of its %d entries", nodes[0].heading, entries)
		}
	}
	return bodies, nil
}

// cite rewrites local markers [1..k] to global CitationMap indices.
func (w *Writer) cite(nodes []node, bodies []string, hits []knowledge.Scored, cm *CitationMap) []types.Section {
	global := make(map[int]int)
	mapper := func(n int) int {
		if n < 1 || n > len(hits) {
			return 0
		}
		if g, ok := global[n]; ok {
			return g
		}
		g := cm.Assign(hits[n-1].Entry)
		global[n] = g
		return g
	}

	sections := make([]types.Section, len(nodes))
	for i, n := range nodes {
		body := strings.TrimSpace(textutil.RewriteCitations(bodies[i], mapper))
		sections[i] = types.Section{
			Heading:   n.heading,
			Level:     n.level,
			Path:      n.path,
			Body:      body,
			Citations: textutil.Citations(body),
		}
	}
	return sections
}

type part struct {
	heading string
	body    string
}

// split separates the text before the first heading from the heading
// delimited parts that follow it.
func (w *Writer) split(reply string) (string, []part) {
	src := []byte(reply)
	doc := w.md.Parser().Parse(text.NewReader(src))

	type span struct {
		start, end int
		heading    string
	}
	var spans []span
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		first, last := h.Lines().At(0), h.Lines().At(h.Lines().Len()-1)
		end := setextEnd(src, lineEnd(src, last.Stop))
		spans = append(spans, span{
			start:   lineStart(src, first.Start),
			end:     end,
			heading: outline.CleanHeading(outline.InlineText(h, src)),
		})
	}
	if len(spans) == 0 {
		return strings.TrimSpace(reply), nil
	}

	lead := strings.TrimSpace(string(src[:spans[0].start]))
	parts := make([]part, len(spans))
	for i, s := range spans {
		stop := len(src)
		if i+1 < len(spans) {
			stop = spans[i+1].start
		}
		parts[i] = part{heading: s.heading, body: strings.TrimSpace(string(src[min(s.end, stop):stop]))}
	}
	return lead, parts
}

func lineStart(src []byte, pos int) int {
	for pos > 0 && src[pos-1] != '\n' {
		pos--
	}
	return pos
}

func lineEnd(src []byte, pos int) int {
	for pos < len(src) && src[pos] != '\n' {
		pos++
	}
	return pos
}

// setextEnd skips a "===" or "---" underline on the line after pos.
func setextEnd(src []byte, pos int) int {
	if pos >= len(src) {
		return pos
	}
	next := pos + 1
	stop := lineEnd(src, next)
	line := strings.TrimSpace(string(src[next:stop]))
	if line != "" && (strings.Trim(line, "=") == "" || strings.Trim(line, "-") == "") {
		return stop
	}
	return pos
}

// match returns the node whose heading equals h, preferring nodes after
// cur, or -1. A heading repeating the section title maps to the section.
func match(nodes []node, h string, cur int) int {
	found := -1
	for i, n := range nodes {
		if !strings.EqualFold(n.heading, h) {
			continue
		}
		if i > cur {
			return i
		}
		if found < 0 {
			found = i
		}
	}
	return found
}

func joinParagraphs(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}

func queryText(nodes []node) string {
	hs := make([]string, len(nodes))
	for i, n := range nodes {
		hs[i] = n.heading
	}
	return strings.Join(hs, " ")
}

// subOutline renders the subsections of top with "###" for its children.
func subOutline(top *types.OutlineNode) string {
	var b strings.Builder
	top.Walk(func(n *types.OutlineNode, depth int) {
		if depth > 0 {
			fmt.Fprintf(&b, "%s %s\n", strings.Repeat("#", depth+2), n.Heading)
		}
	})
	return strings.TrimSpace(b.String())
}

func placeholders(nodes []node, cause error) []types.Section {
	out := make([]types.Section, len(nodes))
	for i, n := range nodes {
		out[i] = types.Section{Heading: n.heading, Level: n.level, Path: n.path, Placeholder: true}
		if cause != nil {
			out[i].Warning = cause.Error()
		}
	}
	out[0].Body = PlaceholderBody
	return out
}

func incomplete(nodes []node) []types.Section {
	out := make([]types.Section, len(nodes))
	for i, n := range nodes {
		out[i] = types.Section{Heading: n.heading, Level: n.level, Path: n.path, Incomplete: true}
	}
	return out
}

func (w *Writer) warn(subject, msg string) types.Warning {
	w.opts.Sink.Warn("article", subject, msg)
	w.opts.Metrics.Warning("article")
	return types.Warning{Component: "article", Subject: subject, Message: msg}
}
