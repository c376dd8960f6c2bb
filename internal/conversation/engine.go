// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package conversation runs the simulated dialogues that collect grounded
// knowledge: a speaker asks, the engine searches and answers from the
// retrieved snippets, and every snippet is ingested into the shared
// knowledge table.
package conversation

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

// State is a conversation state.
type State string

const (
	AwaitingQuestion State = "AWAITING_QUESTION"
	Querying         State = "QUERYING"
	Synthesizing     State = "SYNTHESIZING"
	Terminated       State = "TERMINATED"
)

// InsufficientEvidence is the answer recorded when retrieval found nothing.
const InsufficientEvidence = "insufficient evidence: no relevant sources were found for this question."

const (
	defaultMaxTurns   = 3
	defaultMaxQueries = 3
	defaultTopK       = 3
	queriesMaxTokens  = 200
	answerMaxTokens   = 600
	snippetWords      = 250
)

// Options configures an Engine.
type Options struct {
	LM backend.LanguageModel
	RM backend.Retriever

	// Table receives every retrieved snippet. Optional.
	Table *knowledge.Table

	MaxTurns   int
	MaxQueries int

	// SearchTopK is the number of results kept per query.
	SearchTopK int

	Sink    *telemetry.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Engine runs conversations. It holds no per-conversation state and is
// safe for concurrent use.
type Engine struct {
	opts Options
}

// NewEngine returns an Engine.
func NewEngine(opts Options) *Engine {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.MaxQueries <= 0 {
		opts.MaxQueries = defaultMaxQueries
	}
	if opts.SearchTopK <= 0 {
		opts.SearchTopK = defaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{opts: opts}
}

// StepResult is the outcome of answering one question.
type StepResult struct {
	Turn types.Turn

	// EntryIDs are the knowledge entries the turn's snippets landed in.
	EntryIDs []string

	Warnings []types.Warning
}

// Run drives sp through AWAITING_QUESTION, QUERYING, and SYNTHESIZING until
// TERMINATED. Failures never escape: they end or degrade the conversation
// and are reported as warnings.
func (e *Engine) Run(ctx context.Context, topic string, sp Speaker) (types.Conversation, []types.Warning) {
	conv := types.Conversation{Speaker: sp.Name(), Role: sp.Role()}
	if ps, ok := sp.(*PersonaSpeaker); ok {
		conv.Persona = ps.Persona
	}

	var (
		warnings []types.Warning
		question string
		step     StepResult
		state    = AwaitingQuestion
	)
	for state != Terminated {
		switch state {
		case AwaitingQuestion:
			if len(conv.Turns) >= e.opts.MaxTurns {
				conv.Termination = types.TerminationMaxTurns
				state = Terminated
				continue
			}
			q, err := sp.Ask(ctx, topic, conv.Turns)
			if err != nil {
				e.fail(&conv, &warnings, err, "question generation failed")
				state = Terminated
				continue
			}
			if IsStop(q) {
				conv.Termination = types.TerminationNoMoreQuestion
				state = Terminated
				continue
			}
			question = q
			e.opts.Sink.Emit(telemetry.Event{
				Kind: telemetry.EventTurnStarted, Stage: "conversation", Subject: sp.Name(),
				Fields: map[string]any{"turn": len(conv.Turns) + 1},
			})
			state = Querying

		case Querying:
			queries, snippets, warn, err := e.search(ctx, topic, question, sp.Name())
			if err != nil {
				e.fail(&conv, &warnings, err, "search failed")
				state = Terminated
				continue
			}
			warnings = append(warnings, warn...)
			step = StepResult{Turn: types.Turn{
				Role:     sp.Role(),
				Speaker:  sp.Name(),
				Question: question,
				Queries:  queries,
				Snippets: snippets,
			}}
			state = Synthesizing

		case Synthesizing:
			if err := e.synthesize(ctx, topic, &step, sp.Name()); err != nil {
				e.fail(&conv, &warnings, err, "answer generation failed")
				state = Terminated
				continue
			}
			conv.Turns = append(conv.Turns, step.Turn)
			sp.Observe(step.Turn)
			warnings = append(warnings, step.Warnings...)
			e.opts.Sink.Emit(telemetry.Event{
				Kind: telemetry.EventTurnFinished, Stage: "conversation", Subject: sp.Name(),
				Fields: map[string]any{
					"turn":                  len(conv.Turns),
					"snippets":              len(step.Turn.Snippets),
					"insufficient_evidence": step.Turn.InsufficientEvidence,
				},
			})
			state = AwaitingQuestion
		}
	}

	e.opts.Logger.Debug("conversation terminated",
		zap.String("speaker", conv.Speaker),
		zap.String("reason", string(conv.Termination)),
		zap.Int("turns", len(conv.Turns)))
	return conv, warnings
}

// Step answers one question asked by sp: it searches, synthesizes, and
// ingests, without asking sp for the question. The returned error is
// cancellation or a failed answer; search failures become warnings.
func (e *Engine) Step(ctx context.Context, topic, question string, sp Speaker) (StepResult, error) {
	queries, snippets, warn, err := e.search(ctx, topic, question, sp.Name())
	if err != nil {
		return StepResult{}, err
	}
	step := StepResult{
		Turn: types.Turn{
			Role:     sp.Role(),
			Speaker:  sp.Name(),
			Question: question,
			Queries:  queries,
			Snippets: snippets,
		},
		Warnings: warn,
	}
	if err := e.synthesize(ctx, topic, &step, sp.Name()); err != nil {
		return step, err
	}
	sp.Observe(step.Turn)
	return step, nil
}

// fail terminates conv for err. Cancellation marks the conversation
// cancelled; anything else marks it failed.
func (e *Engine) fail(conv *types.Conversation, warnings *[]types.Warning, err error, what string) {
	conv.Incomplete = true
	conv.Err = err.Error()
	if backend.IsCancelled(err) {
		conv.Termination = types.TerminationCancelled
		e.opts.Sink.Emit(telemetry.Event{Kind: telemetry.EventCancellation, Stage: "conversation", Subject: conv.Speaker})
		return
	}
	conv.Termination = types.TerminationFailed
	*warnings = append(*warnings, e.warn(conv.Speaker, fmt.Sprintf("%s: %v", what, err)))
}

// search rewrites the question into queries and runs them concurrently.
// Only cancellation is returned as an error; a retriever that fails every
// query yields no snippets and a warning naming the speaker.
func (e *Engine) search(ctx context.Context, topic, question, speaker string) ([]string, []types.Snippet, []types.Warning, error) {
	var warnings []types.Warning

	queries, err := e.queries(ctx, topic, question)
	if err != nil {
		if backend.IsCancelled(err) {
			return nil, nil, nil, err
		}
		e.opts.Logger.Debug("query rewrite failed, searching the question", zap.String("speaker", speaker), zap.Error(err))
		queries = []string{question}
	}

	results := make([][]types.Snippet, len(queries))
	errs := make([]error, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := e.opts.RM.Search(ctx, q, e.opts.SearchTopK)
			if len(hits) > e.opts.SearchTopK {
				hits = hits[:e.opts.SearchTopK]
			}
			results[i], errs[i] = hits, err
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, nil, backend.Cancelled(err)
	}

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		msg := fmt.Sprintf("retrieval failed for %d of %d queries: %v", len(failed), len(queries), failed[0])
		warnings = append(warnings, e.warn(speaker, msg))
	}

	return queries, mergeSnippets(results), warnings, nil
}

// queries asks the LM to rewrite question into at most MaxQueries searches.
func (e *Engine) queries(ctx context.Context, topic, question string) ([]string, error) {
	prompt, err := render(queriesPromptTmpl, queriesData{Topic: topic, Question: question, MaxQueries: e.opts.MaxQueries})
	if err != nil {
		return nil, fmt.Errorf("rendering queries prompt: %w", err)
	}
	reply, err := e.opts.LM.Complete(ctx, prompt, backend.Params{
		MaxTokens: queriesMaxTokens,
		Purpose:   backend.PurposeQueries,
	})
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	for _, line := range textutil.Lines(reply) {
		line = strings.Trim(line, `"'`)
		key := strings.ToLower(line)
		if line == "" || seen[key] || strings.HasSuffix(line, ":") {
			continue
		}
		seen[key] = true
		out = append(out, line)
		if len(out) == e.opts.MaxQueries {
			break
		}
	}
	if len(out) == 0 {
		return nil, backend.Malformed(backend.KindLM, "no search queries in reply")
	}
	return out, nil
}

// mergeSnippets concatenates per-query results in query order, keeping one
// snippet per source with the higher score.
func mergeSnippets(results [][]types.Snippet) []types.Snippet {
	var out []types.Snippet
	index := make(map[string]int)
	for _, hits := range results {
		for _, h := range hits {
			if strings.TrimSpace(h.Text) == "" {
				continue
			}
			if i, ok := index[h.SourceID]; ok {
				if h.Score > out[i].Score {
					out[i] = h
				}
				continue
			}
			index[h.SourceID] = len(out)
			out = append(out, h)
		}
	}
	return out
}

// synthesize fills in the answer of step.Turn and ingests its snippets.
// With no snippets the turn records insufficient evidence without an LM
// call.
func (e *Engine) synthesize(ctx context.Context, topic string, step *StepResult, speaker string) error {
	turn := &step.Turn
	if len(turn.Snippets) == 0 {
		turn.Answer = InsufficientEvidence
		turn.InsufficientEvidence = true
		return nil
	}

	data := answerData{Topic: topic, Question: turn.Question}
	for _, s := range turn.Snippets {
		data.Snippets = append(data.Snippets, answerSnippet{Title: s.Title, Text: textutil.Truncate(s.Text, snippetWords)})
	}
	prompt, err := render(answerPromptTmpl, data)
	if err != nil {
		return fmt.Errorf("rendering answer prompt: %w", err)
	}
	answer, err := e.opts.LM.Complete(ctx, prompt, backend.Params{
		MaxTokens: answerMaxTokens,
		Purpose:   backend.PurposeAnswer,
	})
	if err != nil {
		return err
	}

	answer = strings.TrimSpace(textutil.DropCitationsAbove(answer, len(turn.Snippets)))
	if answer == "" {
		turn.Answer = InsufficientEvidence
		turn.InsufficientEvidence = true
		step.Warnings = append(step.Warnings, e.warn(speaker, "empty answer for question: "+turn.Question))
	} else {
		turn.Answer = answer
		turn.Citations = textutil.Citations(answer)
		for _, s := range textutil.Sentences(answer) {
			if len(textutil.Citations(s)) == 0 {
				turn.Ungrounded = append(turn.Ungrounded, s)
			}
		}
	}

	return e.ingest(ctx, step)
}

// ingest folds every snippet of the turn into the table and records the
// entries they landed in.
func (e *Engine) ingest(ctx context.Context, step *StepResult) error {
	if e.opts.Table == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, s := range step.Turn.Snippets {
		res, err := e.opts.Table.Ingest(ctx, s, "")
		if err != nil {
			if backend.IsCancelled(err) {
				return err
			}
			e.opts.Logger.Debug("snippet not ingested", zap.String("source", s.SourceID), zap.Error(err))
			continue
		}
		if !seen[res.EntryID] {
			seen[res.EntryID] = true
			step.EntryIDs = append(step.EntryIDs, res.EntryID)
		}
	}
	return nil
}

func (e *Engine) warn(subject, msg string) types.Warning {
	e.opts.Sink.Warn("conversation", subject, msg)
	e.opts.Metrics.Warning("conversation")
	return types.Warning{Component: "conversation", Subject: subject, Message: msg}
}

// RunAll runs one conversation per speaker with at most limit running at
// once. Conversations are returned in speaker order.
func RunAll(ctx context.Context, e *Engine, topic string, speakers []Speaker, limit int) ([]types.Conversation, []types.Warning) {
	if limit <= 0 {
		limit = len(speakers)
	}
	convs := make([]types.Conversation, len(speakers))
	warns := make([][]types.Warning, len(speakers))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, sp := range speakers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				convs[i] = types.Conversation{
					Speaker:     sp.Name(),
					Role:        sp.Role(),
					Termination: types.TerminationCancelled,
					Incomplete:  true,
					Err:         backend.Cancelled(err).Error(),
				}
				if ps, ok := sp.(*PersonaSpeaker); ok {
					convs[i].Persona = ps.Persona
				}
				return nil
			}
			convs[i], warns[i] = e.Run(ctx, topic, sp)
			return nil
		})
	}
	g.Wait()

	var warnings []types.Warning
	for _, w := range warns {
		warnings = append(warnings, w...)
	}
	return convs, warnings
}
