// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package polish finalizes a drafted article: it filters ungrounded
// sentences, renumbers citations in order of first appearance, and
// optionally adds a lead summary.
package polish

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/internal/textutil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

const (
	// DefaultSummaryWords bounds the article body shown to the summary call.
	DefaultSummaryWords = 1500

	summaryMaxTokens = 400
)

var (
	markerGroupRe = regexp.MustCompile(`(?:\[\d{1,4}\])+`)
	markerRe      = regexp.MustCompile(`\[\d{1,4}\]`)
	gapRe         = regexp.MustCompile(`[ \t]*\x00+(\[)?`)
)

// gap stands in for a removed marker until tidy closes it up.
const gap = "\x00"

// EntryLookup resolves knowledge entry IDs, following merges.
// *knowledge.Table satisfies it.
type EntryLookup interface {
	Entry(id string) (types.KnowledgeEntry, bool)
}

// Input is a drafted article.
type Input struct {
	Title     string
	Sections  []types.Section
	Citations []types.Citation

	// Ungrounded lists answer sentences the conversation stage could not
	// tie to a snippet.
	Ungrounded []string

	// Entries refreshes citation support counts. Optional.
	Entries EntryLookup

	Warnings []types.Warning
}

// Options configures a Polisher.
type Options struct {
	// LM writes the lead summary. Nil disables the summary.
	LM      backend.LanguageModel
	Summary bool

	// SummaryWords bounds the body passed to the summary call.
	SummaryWords int

	Sink    *telemetry.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Polisher is a pure transform over a drafted article plus at most one LM
// call for the summary.
type Polisher struct {
	opts Options
}

// New returns a Polisher.
func New(opts Options) *Polisher {
	if opts.SummaryWords <= 0 {
		opts.SummaryWords = DefaultSummaryWords
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Polisher{opts: opts}
}

// Polish returns the final article. Citation indices in the result are
// contiguous from 1 in order of first appearance and every one of them
// points to an entry with at least one supporting source.
func (p *Polisher) Polish(ctx context.Context, in Input) types.Article {
	art := types.Article{
		Title:    in.Title,
		Warnings: append([]types.Warning(nil), in.Warnings...),
	}

	resolved := p.resolve(in)
	ungrounded := make(map[string]bool, len(in.Ungrounded))
	for _, s := range in.Ungrounded {
		if k := sentenceKey(s); k != "" {
			ungrounded[k] = true
		}
	}

	byEntry := make(map[string]int)
	renumber := func(old int) int {
		c, ok := resolved[old]
		if !ok || c.Supports < 1 {
			return 0
		}
		if n, ok := byEntry[c.EntryID]; ok {
			return n
		}
		c.Index = len(art.Citations) + 1
		byEntry[c.EntryID] = c.Index
		art.Citations = append(art.Citations, c)
		return c.Index
	}

	dropped := 0
	for _, s := range in.Sections {
		if !s.Placeholder {
			var n int
			s.Body, n = dropUngrounded(s.Body, ungrounded)
			dropped += n
		}
		s.Body = collapse(tidy(rewrite(s.Body, renumber)))
		s.Citations = textutil.Citations(s.Body)
		art.Sections = append(art.Sections, s)
	}
	if dropped > 0 {
		p.opts.Logger.Debug("dropped ungrounded sentences", zap.Int("count", dropped))
	}

	if p.opts.Summary && p.opts.LM != nil {
		summary, warn := p.summarize(ctx, art)
		art.Summary = summary
		if warn != "" {
			art.Warnings = append(art.Warnings, p.warn(in.Title, warn))
		}
	}
	return art
}

// resolve indexes the raw citations, refreshing each from the table so
// that merged entries resolve to their survivor.
func (p *Polisher) resolve(in Input) map[int]types.Citation {
	out := make(map[int]types.Citation, len(in.Citations))
	for _, c := range in.Citations {
		if in.Entries != nil {
			if e, ok := in.Entries.Entry(c.EntryID); ok {
				c.EntryID = e.ID
				c.Text = e.Text
				c.Supports = len(e.Sources)
				if src, ok := e.PrimarySource(); ok {
					c.SourceID = src.SourceID
					c.Title = src.Title
				}
			} else {
				c.Supports = 0
			}
		}
		out[c.Index] = c
	}
	return out
}

func (p *Polisher) summarize(ctx context.Context, art types.Article) (string, string) {
	var b strings.Builder
	for _, s := range art.Sections {
		if s.Placeholder || s.Incomplete || strings.TrimSpace(s.Body) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s\n%s\n\n", s.Heading, tidy(strip(s.Body)))
	}
	body := textutil.Truncate(b.String(), p.opts.SummaryWords)
	if body == "" {
		return "", "no written sections to summarize"
	}

	prompt, err := render(summaryPromptTmpl, summaryData{Title: art.Title, Body: body})
	if err != nil {
		return "", fmt.Sprintf("rendering summary prompt: %v", err)
	}
	reply, err := p.opts.LM.Complete(ctx, prompt, backend.Params{
		MaxTokens: summaryMaxTokens,
		Purpose:   backend.PurposeSummary,
	})
	if err != nil {
		return "", fmt.Sprintf("summary failed: %v", err)
	}

	var lines []string
	for _, line := range strings.Split(reply, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines = append(lines, line)
	}
	summary := tidy(strip(strings.Join(lines, "\n")))
	if summary == "" {
		return "", "summary was empty"
	}
	return summary, ""
}

// dropUngrounded removes uncited sentences of body that appear in the
// ungrounded set. Headings, list items, and tables are kept as written.
func dropUngrounded(body string, ungrounded map[string]bool) (string, int) {
	if len(ungrounded) == 0 || body == "" {
		return body, 0
	}
	dropped := 0
	paras := strings.Split(body, "\n\n")
	kept := paras[:0]
	for _, para := range paras {
		trimmed := strings.TrimSpace(para)
		if trimmed == "" || strings.ContainsAny(trimmed[:1], "#-*|>") {
			kept = append(kept, para)
			continue
		}
		var sentences []string
		n := 0
		for _, s := range textutil.Sentences(trimmed) {
			if !markerRe.MatchString(s) && ungrounded[sentenceKey(s)] {
				n++
				continue
			}
			sentences = append(sentences, s)
		}
		switch {
		case n == 0:
			kept = append(kept, para)
		case len(sentences) > 0:
			kept = append(kept, strings.Join(sentences, " "))
		}
		dropped += n
	}
	return strings.Join(kept, "\n\n"), dropped
}

func sentenceKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(textutil.StripCitations(s)), " "))
}

// collapse removes repeated markers inside one group: "[2][2][3]" becomes
// "[2][3]".
func collapse(text string) string {
	return markerGroupRe.ReplaceAllStringFunc(text, func(group string) string {
		seen := make(map[string]bool)
		var b strings.Builder
		for _, m := range markerRe.FindAllString(group, -1) {
			if !seen[m] {
				seen[m] = true
				b.WriteString(m)
			}
		}
		return b.String()
	})
}

// rewrite renumbers markers with fn; markers mapped to 0 become gaps.
func rewrite(text string, fn func(n int) int) string {
	return markerRe.ReplaceAllStringFunc(text, func(m string) string {
		n, _ := strconv.Atoi(m[1 : len(m)-1])
		if mapped := fn(n); mapped > 0 {
			return "[" + strconv.Itoa(mapped) + "]"
		}
		return gap
	})
}

func strip(text string) string {
	return rewrite(text, func(int) int { return 0 })
}

// tidy closes the gaps left by removed markers together with the spaces
// before them. Whitespace elsewhere, such as list or code indentation, is
// left alone.
func tidy(text string) string {
	text = gapRe.ReplaceAllStringFunc(text, func(m string) string {
		if !strings.HasSuffix(m, "[") {
			return ""
		}
		lead := len(m) - len(strings.TrimLeft(m, " \t"))
		return m[:lead] + "["
	})
	return strings.TrimSpace(text)
}

func (p *Polisher) warn(subject, msg string) types.Warning {
	p.opts.Sink.Warn("polish", subject, msg)
	p.opts.Metrics.Warning("polish")
	return types.Warning{Component: "polish", Subject: subject, Message: msg}
}
