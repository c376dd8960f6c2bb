// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline wires the curation stages together. A Pipeline wraps the
// configured backends with the caching guard once and reuses them across
// runs; every Run gets a fresh knowledge table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pdiddy/curation-engine/internal/article"
	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/cache"
	"github.com/pdiddy/curation-engine/internal/config"
	"github.com/pdiddy/curation-engine/internal/conversation"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/internal/outline"
	"github.com/pdiddy/curation-engine/internal/perspective"
	"github.com/pdiddy/curation-engine/internal/polish"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// Stage names, used for timings and telemetry.
const (
	StageDiscover = "discover"
	StageConverse = "converse"
	StageOutline  = "outline"
	StageWrite    = "write"
	StagePolish   = "polish"
	StagePersist  = "persist"
)

// Deps are the collaborators a Pipeline is built from. LM and RM are
// required; everything else is optional.
type Deps struct {
	LM      backend.LanguageModel
	RM      backend.Retriever
	Encoder backend.Encoder

	// Cache persists memoized backend results across processes.
	Cache cache.Store

	// Knowledge, when set, receives every run's entries.
	Knowledge *knowledge.Store

	Sink    *telemetry.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger

	// Progress receives one human-readable line per stage.
	Progress io.Writer
}

// Pipeline runs STORM and Co-STORM sessions over one set of backends.
type Pipeline struct {
	cfg      types.CurationConfig
	lm       *counter
	rm       backend.Retriever
	enc      backend.Encoder
	store    *knowledge.Store
	sink     *telemetry.Sink
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	progress io.Writer
}

// New validates cfg and wraps the backends. Configuration problems are
// reported together as a *backend.ConfigurationError.
func New(cfg types.CurationConfig, deps Deps) (*Pipeline, error) {
	var problems []string
	if err := config.Validate(cfg); err != nil {
		var ce *backend.ConfigurationError
		if !errors.As(err, &ce) {
			return nil, err
		}
		problems = append(problems, ce.Problems...)
	}
	if deps.LM == nil {
		problems = append(problems, "language model: not configured")
	}
	if deps.RM == nil {
		problems = append(problems, "retriever: not configured")
	}
	if len(problems) > 0 {
		return nil, &backend.ConfigurationError{Problems: problems}
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = io.Discard
	}

	lmOpts := cache.Options{
		MaxInflight: cfg.MaxInflightLM,
		MaxRetries:  cfg.MaxRetries,
		Store:       deps.Cache,
		Metrics:     deps.Metrics,
		Sink:        deps.Sink,
		Logger:      deps.Logger,
	}
	rmOpts := lmOpts
	rmOpts.MaxInflight = cfg.MaxInflightRM

	p := &Pipeline{
		cfg:      cfg,
		lm:       newCounter(cache.NewLM(deps.LM, lmOpts)),
		rm:       cache.NewRetriever(deps.RM, rmOpts),
		store:    deps.Knowledge,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		progress: deps.Progress,
	}
	if deps.Encoder != nil {
		p.enc = cache.NewEncoder(deps.Encoder, rmOpts)
	}
	return p, nil
}

// Config returns the validated configuration.
func (p *Pipeline) Config() types.CurationConfig { return p.cfg }

// RunOptions adjusts one Run.
type RunOptions struct {
	// Seeds are related topics searched alongside the topic during discovery.
	Seeds []string

	// Outline, when set, is used instead of synthesizing one.
	Outline *types.OutlineNode

	// RunID names the run in the knowledge store; empty generates a UUID.
	RunID string

	// Resume names a saved run whose knowledge seeds the table.
	Resume string
}

// Stats summarizes the cost of a run.
type Stats struct {
	Stages  map[string]time.Duration `json:"stages" yaml:"stages"`
	LMCalls map[string]int           `json:"lm_calls" yaml:"lm_calls"`
	Entries int                      `json:"entries" yaml:"entries"`
	Turns   int                      `json:"turns" yaml:"turns"`
	Metrics map[string]float64       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Result is everything a run produced. It is populated as far as the run
// got, even when Run returns an error.
type Result struct {
	RunID         string                 `json:"run_id" yaml:"run_id"`
	Topic         string                 `json:"topic" yaml:"topic"`
	Personas      []types.Persona        `json:"personas" yaml:"personas"`
	Conversations []types.Conversation   `json:"conversations" yaml:"conversations"`
	Outline       *types.OutlineNode     `json:"outline,omitempty" yaml:"outline,omitempty"`
	Article       types.Article          `json:"article" yaml:"article"`
	Entries       []types.KnowledgeEntry `json:"entries" yaml:"entries"`
	Incomplete    bool                   `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`

	// Concepts and Links are the mind-map of a collaborative session.
	Concepts []types.MindMapNode `json:"concepts,omitempty" yaml:"concepts,omitempty"`
	Links    []types.MindMapEdge `json:"links,omitempty" yaml:"links,omitempty"`

	Warnings []types.Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Stats    Stats           `json:"stats" yaml:"stats"`
}

// Run curates an article about topic. Degraded stages become warnings on
// the result; the only errors are an empty topic and cancellation before a
// single section was written.
func (p *Pipeline) Run(ctx context.Context, topic string, opts RunOptions) (*Result, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, backend.ConfigError("topic is empty")
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	res := &Result{
		RunID: opts.RunID,
		Topic: topic,
		Stats: Stats{Stages: make(map[string]time.Duration)},
	}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	start := p.lm.snapshot()
	defer func() { p.finish(res, start) }()

	table := p.table()
	if opts.Resume != "" {
		if err := p.resume(ctx, table, opts.Resume); err != nil {
			return res, p.abort(res, err)
		}
	}

	fmt.Fprintf(p.progress, "discovering perspectives for %q\n", topic)
	done := p.sink.Stage(StageDiscover)
	disc, err := p.discoverer().Discover(ctx, topic, p.cfg.Perspectives, opts.Seeds)
	res.Stats.Stages[StageDiscover] = done()
	res.Personas = disc.Personas
	res.Warnings = append(res.Warnings, disc.Warnings...)
	if err != nil {
		return res, p.abort(res, err)
	}
	fmt.Fprintf(p.progress, "  %d personas\n", len(res.Personas))

	fmt.Fprintf(p.progress, "simulating %d conversations\n", len(res.Personas))
	done = p.sink.Stage(StageConverse)
	speakers := make([]conversation.Speaker, len(res.Personas))
	for i, persona := range res.Personas {
		speakers[i] = conversation.NewPersonaSpeaker(persona, p.lm, p.cfg.HistoryTurns)
	}
	convs, w := conversation.RunAll(ctx, p.engine(table), topic, speakers, p.cfg.MaxConcurrency)
	res.Stats.Stages[StageConverse] = done()
	res.Conversations = convs
	res.Warnings = append(res.Warnings, w...)
	for _, c := range convs {
		fmt.Fprintf(p.progress, "  %s: %d turns (%s)\n", c.Speaker, len(c.Turns), terminationLabel(c))
	}
	if err := ctx.Err(); err != nil {
		return res, p.abort(res, err)
	}

	done = p.sink.Stage(StageOutline)
	if opts.Outline != nil {
		fmt.Fprintf(p.progress, "using provided outline\n")
		res.Outline = outline.Normalize(topic, opts.Outline)
	} else {
		fmt.Fprintf(p.progress, "synthesizing outline\n")
		transcripts := make([]string, 0, len(convs))
		for _, c := range convs {
			if t := outline.Transcript(c); t != "" {
				transcripts = append(transcripts, t)
			}
		}
		res.Outline, w, err = p.synthesizer().Synthesize(ctx, topic, transcripts, nil)
		res.Warnings = append(res.Warnings, w...)
	}
	res.Stats.Stages[StageOutline] = done()
	if err != nil {
		return res, p.abort(res, err)
	}
	fmt.Fprintf(p.progress, "  %d headings\n", len(res.Outline.Headings()))

	fmt.Fprintf(p.progress, "writing sections\n")
	done = p.sink.Stage(StageWrite)
	cm := article.NewCitationMap()
	sections, w, err := p.writer(table).Write(ctx, topic, res.Outline, cm)
	res.Stats.Stages[StageWrite] = done()
	res.Warnings = append(res.Warnings, w...)
	if err != nil {
		res.Incomplete = true
		if !anyWritten(sections) {
			return res, p.abort(res, err)
		}
	}

	fmt.Fprintf(p.progress, "polishing article\n")
	done = p.sink.Stage(StagePolish)
	var ungrounded []string
	for _, c := range convs {
		for _, t := range c.Turns {
			ungrounded = append(ungrounded, t.Ungrounded...)
		}
	}
	res.Article = p.polisher().Polish(ctx, polish.Input{
		Title:      topic,
		Sections:   sections,
		Citations:  cm.Citations(),
		Ungrounded: ungrounded,
		Entries:    table,
		Warnings:   res.Warnings,
	})
	res.Stats.Stages[StagePolish] = done()
	res.Warnings = res.Article.Warnings
	res.Entries = table.Entries()
	fmt.Fprintf(p.progress, "  %d sections, %d citations\n", len(res.Article.Sections), len(res.Article.Citations))

	p.persist(ctx, res)
	return res, nil
}

// abort marks res incomplete and returns err, wrapped in
// backend.ErrCancelled when the context ended.
func (p *Pipeline) abort(res *Result, err error) error {
	res.Incomplete = true
	p.logger.Warn("run aborted", zap.String("run", res.RunID), zap.Error(err))
	if backend.IsCancelled(err) {
		return backend.Cancelled(err)
	}
	return err
}

// resume merges the saved entries of runID into table.
func (p *Pipeline) resume(ctx context.Context, table *knowledge.Table, runID string) error {
	if p.store == nil {
		return backend.ConfigError("resuming a run needs the knowledge store")
	}
	entries, err := p.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return backend.ConfigError("run %q has no saved knowledge", runID)
	}
	if err := table.Restore(ctx, entries); err != nil {
		return err
	}
	fmt.Fprintf(p.progress, "resumed %d entries from run %s\n", len(entries), runID)
	return nil
}

// persist saves the run's entries when a knowledge store is configured.
// A failure is a warning; the article is already complete.
func (p *Pipeline) persist(ctx context.Context, res *Result) {
	if p.store == nil || len(res.Entries) == 0 {
		return
	}
	done := p.sink.Stage(StagePersist)
	defer func() { res.Stats.Stages[StagePersist] = done() }()

	summary, err := p.store.Save(context.WithoutCancel(ctx), res.RunID, res.Topic, res.Entries, p.progress)
	if err != nil {
		p.warn(res, res.RunID, fmt.Sprintf("saving knowledge failed: %v", err))
		return
	}
	if summary.Failed > 0 {
		p.warn(res, res.RunID, fmt.Sprintf("%d of %d knowledge entries could not be saved", summary.Failed, summary.Total()))
	}
}

func (p *Pipeline) finish(res *Result, start map[string]int) {
	res.Stats.LMCalls = p.lm.since(start)
	res.Stats.Entries = len(res.Entries)
	for _, c := range res.Conversations {
		res.Stats.Turns += len(c.Turns)
	}
	res.Stats.Metrics = p.metrics.Snapshot()
	p.logger.Info("run finished",
		zap.String("run", res.RunID),
		zap.String("topic", res.Topic),
		zap.Bool("incomplete", res.Incomplete),
		zap.Int("warnings", len(res.Warnings)),
		zap.Int("entries", res.Stats.Entries))
}

func (p *Pipeline) warn(res *Result, subject, msg string) {
	p.sink.Warn("pipeline", subject, msg)
	p.metrics.Warning("pipeline")
	w := types.Warning{Component: "pipeline", Subject: subject, Message: msg}
	res.Warnings = append(res.Warnings, w)
	res.Article.Warnings = append(res.Article.Warnings, w)
}

func (p *Pipeline) table() *knowledge.Table {
	return knowledge.NewTable(knowledge.TableOptions{
		Threshold: p.cfg.SimilarityThreshold,
		Policy:    p.cfg.MergePolicy,
		Encoder:   p.enc,
		Metrics:   p.metrics,
		Sink:      p.sink,
		Logger:    p.logger,
	})
}

func (p *Pipeline) discoverer() *perspective.Discoverer {
	return perspective.New(perspective.Options{
		LM:          p.lm,
		RM:          p.rm,
		Concurrency: p.cfg.MaxConcurrency,
		Sink:        p.sink,
		Metrics:     p.metrics,
		Logger:      p.logger,
	})
}

func (p *Pipeline) engine(table *knowledge.Table) *conversation.Engine {
	return conversation.NewEngine(conversation.Options{
		LM:         p.lm,
		RM:         p.rm,
		Table:      table,
		MaxTurns:   p.cfg.MaxTurns,
		MaxQueries: p.cfg.MaxQueries,
		SearchTopK: p.cfg.SearchTopK,
		Sink:       p.sink,
		Metrics:    p.metrics,
		Logger:     p.logger,
	})
}

func (p *Pipeline) synthesizer() *outline.Synthesizer {
	return outline.New(outline.Options{
		LM:          p.lm,
		Concurrency: p.cfg.MaxConcurrency,
		Sink:        p.sink,
		Metrics:     p.metrics,
		Logger:      p.logger,
	})
}

func (p *Pipeline) writer(table *knowledge.Table) *article.Writer {
	return article.NewWriter(article.Options{
		LM:                p.lm,
		Knowledge:         table,
		TopK:              p.cfg.RetrieveTopK,
		MaxSectionRetries: p.cfg.MaxSectionRetries,
		Concurrency:       p.cfg.MaxConcurrency,
		Sink:              p.sink,
		Metrics:           p.metrics,
		Logger:            p.logger,
	})
}

func (p *Pipeline) polisher() *polish.Polisher {
	return polish.New(polish.Options{
		LM:      p.lm,
		Summary: p.cfg.Summary,
		Sink:    p.sink,
		Metrics: p.metrics,
		Logger:  p.logger,
	})
}

func anyWritten(sections []types.Section) bool {
	for _, s := range sections {
		if !s.Incomplete {
			return true
		}
	}
	return false
}

func terminationLabel(c types.Conversation) string {
	if c.Termination == types.TerminationNone {
		return "running"
	}
	return string(c.Termination)
}
