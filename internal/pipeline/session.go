// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/discourse"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// Session is one collaborative run. The caller drives Manager and calls
// Report once the discussion is over.
type Session struct {
	RunID    string
	Topic    string
	Experts  []types.Persona
	Manager  *discourse.Manager
	Table    *knowledge.Table
	Warnings []types.Warning

	p     *Pipeline
	start map[string]int
	began time.Time
}

// Collaborate discovers experts for topic and returns a session in the
// warming-up state. Expert discovery failures fall back to the generalist.
func (p *Pipeline) Collaborate(ctx context.Context, topic, userName string) (*Session, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, backend.ConfigError("topic is empty")
	}
	s := &Session{
		RunID: uuid.NewString(),
		Topic: topic,
		Table: p.table(),
		p:     p,
		start: p.lm.snapshot(),
		began: time.Now(),
	}

	fmt.Fprintf(p.progress, "inviting %d experts to discuss %q\n", p.cfg.Experts, topic)
	done := p.sink.Stage(StageDiscover)
	disc, err := p.discoverer().Discover(ctx, topic, p.cfg.Experts, nil)
	done()
	s.Warnings = append(s.Warnings, disc.Warnings...)
	if err != nil {
		return nil, err
	}
	s.Experts = disc.Personas
	if len(s.Experts) > 1 {
		s.Experts = s.Experts[1:]
	}
	for _, e := range s.Experts {
		fmt.Fprintf(p.progress, "  %s\n", e.Name)
	}

	s.Manager, err = discourse.NewManager(discourse.Options{
		Topic:        topic,
		Experts:      s.Experts,
		LM:           p.lm,
		Engine:       p.engine(s.Table),
		Table:        s.Table,
		Outline:      p.synthesizer(),
		Writer:       p.writer(s.Table),
		Polisher:     p.polisher(),
		WarmupTurns:  p.cfg.WarmupTurns,
		HistoryTurns: p.cfg.HistoryTurns,
		UserName:     userName,
		Sink:         p.sink,
		Metrics:      p.metrics,
		Logger:       p.logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Report generates the article and returns it as a Result. The session's
// turns appear as one conversation named after the topic.
func (s *Session) Report(ctx context.Context) (*Result, error) {
	p := s.p
	res := &Result{
		RunID:    s.RunID,
		Topic:    s.Topic,
		Personas: s.Experts,
		Stats:    Stats{Stages: make(map[string]time.Duration)},
	}
	defer func() { p.finish(res, s.start) }()

	fmt.Fprintf(p.progress, "writing the report\n")
	done := p.sink.Stage(StageWrite)
	report, err := s.Manager.GenerateReport(ctx)
	res.Stats.Stages[StageConverse] = time.Since(s.began)
	res.Stats.Stages[StageWrite] = done()

	res.Outline = report.Outline
	res.Article = report.Article
	res.Incomplete = report.Incomplete
	res.Entries = s.Table.Entries()
	res.Conversations = []types.Conversation{{
		Speaker:     "Round table",
		Role:        types.RoleModerator,
		Turns:       report.Turns,
		Termination: types.TerminationNone,
		Incomplete:  report.Incomplete,
	}}
	res.Concepts = s.Manager.MindMap().Nodes()
	res.Links = s.Manager.MindMap().Edges()
	res.Warnings = append(append([]types.Warning(nil), s.Warnings...), report.Article.Warnings...)
	res.Article.Warnings = res.Warnings
	if err != nil {
		return res, p.abort(res, err)
	}
	fmt.Fprintf(p.progress, "  %d sections, %d citations\n", len(res.Article.Sections), len(res.Article.Citations))

	p.persist(ctx, res)
	return res, nil
}
