// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package perspective discovers the personas whose questions drive the
// conversations of a curation run.
package perspective

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/internal/textutil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// DefaultThreshold is the description similarity at which two personas are
// treated as the same viewpoint.
const DefaultThreshold = 0.8

const (
	defaultRelatedTopK  = 5
	defaultConcurrency  = 4
	tocMaxTokens        = 300
	personaMaxTokens    = 700
	relatedPassageWords = 400
)

// Options configures a Discoverer.
type Options struct {
	LM backend.LanguageModel

	// RM finds related pages. Optional; without it personas are brainstormed.
	RM backend.Retriever

	// Threshold drops personas whose descriptions are at least this similar
	// to an earlier one. Zero selects DefaultThreshold.
	Threshold float64

	// RelatedTopK is the number of related pages fetched per query.
	RelatedTopK int

	// Concurrency bounds parallel table-of-contents calls.
	Concurrency int

	Sink    *telemetry.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Discoverer proposes personas for a topic.
type Discoverer struct {
	opts Options
}

// Result holds the discovered personas. Personas[0] is always the generalist.
type Result struct {
	Personas []types.Persona `json:"personas" yaml:"personas"`

	// Related are the pages used for inspiration.
	Related []types.Snippet `json:"related,omitempty" yaml:"related,omitempty"`

	Warnings []types.Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// New returns a Discoverer.
func New(opts Options) *Discoverer {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.RelatedTopK <= 0 {
		opts.RelatedTopK = defaultRelatedTopK
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Discoverer{opts: opts}
}

// Discover returns up to n personas plus the generalist. seeds are optional
// related-topic titles searched alongside the topic. Backend failures
// degrade the result and are recorded as warnings; the only error returned
// is cancellation.
func (d *Discoverer) Discover(ctx context.Context, topic string, n int, seeds []string) (Result, error) {
	res := Result{Personas: []types.Persona{types.Generalist()}}
	if n <= 0 {
		return res, nil
	}

	related, err := d.related(ctx, topic, seeds)
	if err != nil {
		if backend.IsCancelled(err) {
			return res, err
		}
		d.warn(&res, topic, fmt.Sprintf("related page search failed, brainstorming instead: %v", err))
	}
	res.Related = related

	tocs, err := d.tocs(ctx, topic, related)
	if err != nil {
		return res, err
	}

	tmpl := personaPromptTmpl
	if len(tocs) == 0 {
		tmpl = brainstormPromptTmpl
	}
	prompt, err := render(tmpl, personaData{Topic: topic, N: n, TOCs: tocs})
	if err != nil {
		return res, fmt.Errorf("rendering persona prompt: %w", err)
	}
	reply, err := d.opts.LM.Complete(ctx, prompt, backend.Params{
		MaxTokens:   personaMaxTokens,
		Temperature: 0.7,
		Purpose:     backend.PurposePersona,
	})
	if err != nil {
		if backend.IsCancelled(err) {
			return res, err
		}
		d.warn(&res, topic, fmt.Sprintf("persona generation failed, using the generalist only: %v", err))
		return res, nil
	}

	proposed := ParsePersonas(reply)
	if len(proposed) == 0 {
		d.warn(&res, topic, "persona reply contained no usable personas")
	}
	res.Personas = Dedupe(append(res.Personas, proposed...), d.opts.Threshold)
	if len(res.Personas) > n+1 {
		res.Personas = res.Personas[:n+1]
	}
	d.opts.Logger.Debug("discovered personas",
		zap.String("topic", topic), zap.Int("count", len(res.Personas)), zap.Int("related", len(related)))
	return res, nil
}

// related searches for the topic and every seed, keeping the first hit per
// source. It fails only when every search fails.
func (d *Discoverer) related(ctx context.Context, topic string, seeds []string) ([]types.Snippet, error) {
	if d.opts.RM == nil {
		return nil, nil
	}
	queries := append([]string{topic}, seeds...)
	var (
		out    []types.Snippet
		seen   = make(map[string]bool)
		failed int
		last   error
	)
	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		hits, err := d.opts.RM.Search(ctx, q, d.opts.RelatedTopK)
		if err != nil {
			if backend.IsCancelled(err) {
				return nil, err
			}
			failed++
			last = err
			continue
		}
		for _, h := range hits {
			if seen[h.SourceID] || strings.TrimSpace(h.Text) == "" {
				continue
			}
			seen[h.SourceID] = true
			out = append(out, h)
		}
	}
	if failed > 0 && len(out) == 0 {
		return nil, last
	}
	return out, nil
}

// tocs summarizes each related page. Pages whose summary fails are skipped.
func (d *Discoverer) tocs(ctx context.Context, topic string, related []types.Snippet) ([]string, error) {
	if len(related) == 0 {
		return nil, nil
	}
	out := make([]string, len(related))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	var mu sync.Mutex
	var failures int
	for i, page := range related {
		g.Go(func() error {
			prompt, err := render(tocPromptTmpl, tocData{
				Topic: topic,
				Title: page.Title,
				Text:  textutil.Truncate(page.Text, relatedPassageWords),
			})
			if err != nil {
				return err
			}
			toc, err := d.opts.LM.Complete(gctx, prompt, backend.Params{
				MaxTokens: tocMaxTokens,
				Purpose:   backend.PurposeTOC,
			})
			if err != nil {
				if backend.IsCancelled(err) {
					return err
				}
				mu.Lock()
				failures++
				mu.Unlock()
				d.opts.Logger.Debug("table of contents failed", zap.String("source", page.SourceID), zap.Error(err))
				return nil
			}
			if toc = strings.TrimSpace(toc); toc != "" {
				title := page.Title
				if title == "" {
					title = page.SourceID
				}
				out[i] = title + "\n" + toc
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var kept []string
	for _, t := range out {
		if t != "" {
			kept = append(kept, t)
		}
	}
	if failures > 0 {
		d.opts.Logger.Warn("some related pages could not be summarized",
			zap.Int("failed", failures), zap.Int("total", len(related)))
	}
	return kept, nil
}

// ParsePersonas reads "N. Name: description" lines. Lines without a colon
// become a persona whose description is the whole line.
func ParsePersonas(reply string) []types.Persona {
	var out []types.Persona
	for _, line := range textutil.Lines(reply) {
		line = strings.ReplaceAll(line, "**", "")
		name, desc, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		desc = strings.TrimSpace(desc)
		if !ok {
			desc = name
		}
		if name == "" || desc == "" {
			continue
		}
		if strings.EqualFold(name, types.GeneralistName) {
			continue
		}
		out = append(out, types.Persona{Name: name, Description: desc})
	}
	return out
}

// Dedupe keeps the first of any personas that share a name
// (case-insensitive) or whose descriptions are at least threshold similar.
func Dedupe(personas []types.Persona, threshold float64) []types.Persona {
	var out []types.Persona
next:
	for _, p := range personas {
		for _, kept := range out {
			if strings.EqualFold(kept.Name, p.Name) {
				continue next
			}
			if knowledge.Lexical(kept.Description, p.Description) >= threshold {
				continue next
			}
		}
		out = append(out, p)
	}
	return out
}

func (d *Discoverer) warn(res *Result, subject, msg string) {
	res.Warnings = append(res.Warnings, types.Warning{Component: "perspective", Subject: subject, Message: msg})
	d.opts.Sink.Warn("perspective", subject, msg)
	d.opts.Metrics.Warning("perspective")
}
