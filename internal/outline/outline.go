// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package outline induces the hierarchical section outline of an article
// from conversation transcripts or collected knowledge.
package outline

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/internal/textutil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// Fallback is the heading used when no usable outline could be produced.
const Fallback = "Overview"

const (
	// DefaultChunkChars bounds the transcript text in one drafting prompt.
	DefaultChunkChars = 4000

	maxDepth         = 4
	draftMaxTokens   = 500
	mergeMaxTokens   = 1000
	entryPromptWords = 60
)

// skipped headings never become sections; the writer and polisher produce
// their content.
var skipped = map[string]bool{
	"references":      true,
	"see also":        true,
	"external links":  true,
	"summary":         true,
	"further reading": true,
	"notes":           true,
}

var numberingRe = regexp.MustCompile(`^\d+(\.\d+)*\.?\s+`)

// Options configures a Synthesizer.
type Options struct {
	LM backend.LanguageModel

	// ChunkChars bounds one drafting prompt's transcript. Zero selects
	// DefaultChunkChars.
	ChunkChars int

	// Concurrency bounds parallel drafting calls.
	Concurrency int

	Sink    *telemetry.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Synthesizer turns transcripts into an outline.
type Synthesizer struct {
	opts Options
	md   goldmark.Markdown
}

// New returns a Synthesizer.
func New(opts Options) *Synthesizer {
	if opts.ChunkChars <= 0 {
		opts.ChunkChars = DefaultChunkChars
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Synthesizer{opts: opts, md: goldmark.New()}
}

// Synthesize drafts candidate headings per transcript chunk, then merges
// the candidates and the optional reference outline into one tree. The
// root always has at least one child and headings are unique per level.
// Only cancellation is returned as an error.
func (s *Synthesizer) Synthesize(ctx context.Context, topic string, transcripts []string, reference *types.OutlineNode) (*types.OutlineNode, []types.Warning, error) {
	var warnings []types.Warning
	warn := func(msg string) {
		warnings = append(warnings, types.Warning{Component: "outline", Subject: topic, Message: msg})
		s.opts.Sink.Warn("outline", topic, msg)
		s.opts.Metrics.Warning("outline")
	}

	candidates, failed, err := s.draft(ctx, topic, Chunks(transcripts, s.opts.ChunkChars))
	if err != nil {
		return fallback(topic), warnings, err
	}
	if failed > 0 {
		warn(fmt.Sprintf("%d outline drafts failed", failed))
	}

	var ref string
	if reference != nil && len(reference.Children) > 0 {
		ref = body(reference)
	}
	if len(candidates) == 0 && ref == "" {
		warn("no usable outline drafts; using " + Fallback)
		return fallback(topic), warnings, nil
	}

	data := mergeData{Topic: topic, Reference: ref}
	for _, c := range candidates {
		data.Candidates = append(data.Candidates, body(c))
	}
	prompt, err := render(mergePromptTmpl, data)
	if err != nil {
		return fallback(topic), warnings, fmt.Errorf("rendering merge prompt: %w", err)
	}
	reply, err := s.opts.LM.Complete(ctx, prompt, backend.Params{
		MaxTokens: mergeMaxTokens,
		Purpose:   backend.PurposeOutlineMerge,
	})
	if err != nil {
		if backend.IsCancelled(err) {
			return fallback(topic), warnings, err
		}
		warn(fmt.Sprintf("outline merge failed, combining drafts: %v", err))
		return union(topic, candidates, reference), warnings, nil
	}

	root := s.Parse(topic, reply)
	if len(root.Children) == 0 {
		warn("merged outline had no headings, combining drafts")
		return union(topic, candidates, reference), warnings, nil
	}
	return root, warnings, nil
}

// FromKnowledge synthesizes an outline from mind-map concepts and knowledge
// entries instead of transcripts.
func (s *Synthesizer) FromKnowledge(ctx context.Context, topic string, concepts []string, entries []types.KnowledgeEntry) (*types.OutlineNode, []types.Warning, error) {
	var texts []string
	if len(concepts) > 0 {
		texts = append(texts, "Concepts discussed: "+strings.Join(concepts, ", "))
	}
	for _, e := range entries {
		texts = append(texts, "- "+textutil.Truncate(e.Text, entryPromptWords))
	}
	return s.Synthesize(ctx, topic, texts, nil)
}

// draft runs one drafting call per chunk. Failed or empty drafts are
// counted and skipped.
func (s *Synthesizer) draft(ctx context.Context, topic string, chunks []string) ([]*types.OutlineNode, int, error) {
	drafts := make([]*types.OutlineNode, len(chunks))
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			prompt, err := render(draftPromptTmpl, draftData{Topic: topic, Chunk: chunk})
			if err != nil {
				return err
			}
			reply, err := s.opts.LM.Complete(gctx, prompt, backend.Params{
				MaxTokens: draftMaxTokens,
				Purpose:   backend.PurposeOutlineDraft,
			})
			if err != nil {
				if backend.IsCancelled(err) {
					return err
				}
				s.opts.Logger.Debug("outline draft failed", zap.Int("chunk", i), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			if root := s.Parse(topic, reply); len(root.Children) > 0 {
				drafts[i] = root
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, failed, err
	}

	var out []*types.OutlineNode
	for _, d := range drafts {
		if d != nil {
			out = append(out, d)
		}
	}
	return out, failed, nil
}

type heading struct {
	level int
	text  string
}

// Parse reads the ATX and setext headings of markdown into a tree rooted
// at topic. A leading heading equal to the topic is treated as the title.
// The result is normalized but may have no children.
func (s *Synthesizer) Parse(topic, markdown string) *types.OutlineNode {
	src := []byte(markdown)
	doc := s.md.Parser().Parse(text.NewReader(src))

	var hs []heading
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if t := strings.TrimSpace(InlineText(h, src)); t != "" {
			hs = append(hs, heading{level: min(h.Level, maxDepth), text: t})
		}
		return ast.WalkSkipChildren, nil
	})

	if len(hs) > 0 && strings.EqualFold(CleanHeading(hs[0].text), strings.TrimSpace(topic)) {
		hs = hs[1:]
	}

	root := &types.OutlineNode{Heading: topic}
	type frame struct {
		level int
		node  *types.OutlineNode
	}
	stack := []frame{{level: 0, node: root}}
	for _, h := range hs {
		for len(stack) > 1 && stack[len(stack)-1].level >= h.level {
			stack = stack[:len(stack)-1]
		}
		node := &types.OutlineNode{Heading: h.text}
		parent := stack[len(stack)-1].node
		parent.Children = append(parent.Children, node)
		stack = append(stack, frame{level: h.level, node: node})
	}
	normalize(root)
	return root
}

// InlineText concatenates the text segments under n.
func InlineText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			buf.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(v.Value)
		default:
			buf.WriteString(InlineText(c, src))
		}
	}
	return buf.String()
}

// Normalize applies the outline guarantees to a tree from any source, such
// as a user-edited file: skipped headings are removed, duplicate headings
// at one level are merged, and an empty root gets the fallback child.
func Normalize(topic string, root *types.OutlineNode) *types.OutlineNode {
	if root == nil {
		return fallback(topic)
	}
	if strings.TrimSpace(root.Heading) == "" {
		root.Heading = topic
	}
	normalize(root)
	if len(root.Children) == 0 {
		root.Children = []*types.OutlineNode{{Heading: Fallback}}
	}
	return root
}

func normalize(n *types.OutlineNode) {
	var kept []*types.OutlineNode
	byKey := make(map[string]*types.OutlineNode)
	for _, c := range n.Children {
		c.Heading = CleanHeading(c.Heading)
		key := strings.ToLower(c.Heading)
		if key == "" || skipped[key] {
			continue
		}
		if first, ok := byKey[key]; ok {
			first.Children = append(first.Children, c.Children...)
			continue
		}
		byKey[key] = c
		kept = append(kept, c)
	}
	n.Children = kept
	for _, c := range kept {
		normalize(c)
	}
}

// CleanHeading strips numbering, emphasis markers, and extra spaces from a
// heading.
func CleanHeading(h string) string {
	h = strings.TrimSpace(h)
	h = numberingRe.ReplaceAllString(h, "")
	h = strings.Trim(h, "*_ ")
	return strings.Join(strings.Fields(h), " ")
}

// union combines drafts and the reference into one normalized tree.
func union(topic string, drafts []*types.OutlineNode, reference *types.OutlineNode) *types.OutlineNode {
	root := &types.OutlineNode{Heading: topic}
	for _, d := range drafts {
		root.Children = append(root.Children, clone(d).Children...)
	}
	if reference != nil {
		root.Children = append(root.Children, clone(reference).Children...)
	}
	return Normalize(topic, root)
}

func clone(n *types.OutlineNode) *types.OutlineNode {
	c := &types.OutlineNode{Heading: n.Heading}
	for _, child := range n.Children {
		c.Children = append(c.Children, clone(child))
	}
	return c
}

func fallback(topic string) *types.OutlineNode {
	return &types.OutlineNode{Heading: topic, Children: []*types.OutlineNode{{Heading: Fallback}}}
}

// body renders the outline below the root with top-level sections as "#".
func body(root *types.OutlineNode) string {
	var b strings.Builder
	root.Walk(func(n *types.OutlineNode, depth int) {
		if depth > 0 {
			fmt.Fprintf(&b, "%s %s\n", strings.Repeat("#", depth), n.Heading)
		}
	})
	return b.String()
}

// Transcript renders a conversation as question and answer pairs with
// citation markers removed.
func Transcript(conv types.Conversation) string {
	var b strings.Builder
	for _, t := range conv.Turns {
		if t.InsufficientEvidence {
			continue
		}
		fmt.Fprintf(&b, "Question: %s\nAnswer: %s\n\n", t.Question, textutil.StripCitations(t.Answer))
	}
	return strings.TrimSpace(b.String())
}

// Chunks packs texts into pieces of at most max characters, splitting long
// texts at paragraph boundaries.
func Chunks(texts []string, max int) []string {
	if max <= 0 {
		max = DefaultChunkChars
	}
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, t := range texts {
		for _, para := range strings.Split(t, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			for len(para) > max {
				flush()
				cut := runeCut(para, max)
				out = append(out, para[:cut])
				para = para[cut:]
			}
			if cur.Len() > 0 && cur.Len()+len(para)+2 > max {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(para)
		}
	}
	flush()
	return out
}

// runeCut returns the largest rune boundary in s at or below max, or the
// first one above it when a single rune is longer than max.
func runeCut(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut > 0 {
		return cut
	}
	cut = max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return cut
}
