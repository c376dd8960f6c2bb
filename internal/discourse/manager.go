// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package discourse runs the collaborative mode: simulated experts, a
// moderator, and a human user take turns around a shared knowledge table
// and mind-map until the user asks for a report.
package discourse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pdiddy/curation-engine/internal/article"
	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/conversation"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/internal/outline"
	"github.com/pdiddy/curation-engine/internal/polish"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// State is a Manager lifecycle state.
type State string

const (
	WarmingUp   State = "WARMING_UP"
	Interactive State = "INTERACTIVE"
	Reporting   State = "REPORTING"
	Done        State = "DONE"
)

const (
	// DefaultFocus is the number of under-explored concepts shown to
	// speakers.
	DefaultFocus = 3

	speakerMaxTokens = 100
)

var (
	// ErrPreempted is returned by an automatic step cancelled by Inject.
	ErrPreempted = errors.New("automatic turn preempted by user")

	// ErrNoQuestion is returned when the chosen speaker had nothing to ask.
	ErrNoQuestion = errors.New("speaker had no question")

	// ErrState is returned for an operation not allowed in the current state.
	ErrState = errors.New("operation not allowed in current state")
)

var scoreRe = regexp.MustCompile(`(\d+)\s*[:=)\-]\s*(\d+(?:\.\d+)?)`)

// Options configures a Manager.
type Options struct {
	Topic   string
	Experts []types.Persona

	// LM scores speakers, asks questions, and labels concepts.
	LM     backend.LanguageModel
	Engine *conversation.Engine
	Table  *knowledge.Table

	// MindMap defaults to one labeled by LM.
	MindMap *MindMap

	Outline  *outline.Synthesizer
	Writer   *article.Writer
	Polisher *polish.Polisher

	WarmupTurns  int
	HistoryTurns int
	UserName     string

	Sink    *telemetry.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Report is the output of GenerateReport.
type Report struct {
	Outline    *types.OutlineNode
	Article    types.Article
	Turns      []types.Turn
	Incomplete bool
}

// Manager owns the turn pointer, the transcript, and the mind-map of one
// collaborative session.
type Manager struct {
	opts      Options
	mm        *MindMap
	experts   []*conversation.ExpertSpeaker
	moderator *conversation.ModeratorSpeaker
	user      *conversation.UserSpeaker

	// autoMu serializes automatic steps; injectMu serializes user turns.
	autoMu   sync.Mutex
	injectMu sync.Mutex

	mu         sync.Mutex
	state      State
	turns      []types.Turn
	lastSpoke  map[string]int
	warnings   []types.Warning
	cancelAuto context.CancelFunc
	autoGen    int
	preempted  int
}

// NewManager returns a Manager in the WarmingUp state.
func NewManager(opts Options) (*Manager, error) {
	var problems []string
	if strings.TrimSpace(opts.Topic) == "" {
		problems = append(problems, "topic is required")
	}
	if len(opts.Experts) == 0 {
		problems = append(problems, "at least one expert is required")
	}
	if opts.LM == nil || opts.Engine == nil || opts.Table == nil {
		problems = append(problems, "LM, engine, and knowledge table are required")
	}
	if opts.Outline == nil || opts.Writer == nil || opts.Polisher == nil {
		problems = append(problems, "outline, writer, and polisher are required")
	}
	if len(problems) > 0 {
		return nil, &backend.ConfigurationError{Problems: problems}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		opts:      opts,
		mm:        opts.MindMap,
		state:     WarmingUp,
		lastSpoke: make(map[string]int),
		preempted: -1,
	}
	if m.mm == nil {
		m.mm = NewMindMap(opts.Topic, opts.LM)
	}
	focus := func() []string { return m.mm.UnderExplored(DefaultFocus) }
	for _, p := range opts.Experts {
		m.experts = append(m.experts, conversation.NewExpertSpeaker(p, opts.LM, focus, opts.HistoryTurns))
	}
	m.moderator = conversation.NewModeratorSpeaker(opts.LM, focus, opts.HistoryTurns)
	m.user = conversation.NewUserSpeaker(opts.UserName)
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Turns returns a copy of the transcript.
func (m *Manager) Turns() []types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Turn(nil), m.turns...)
}

// Warnings returns the warnings recorded so far.
func (m *Manager) Warnings() []types.Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Warning(nil), m.warnings...)
}

// MindMap returns the session mind-map.
func (m *Manager) MindMap() *MindMap { return m.mm }

// WarmUp runs the automatic expert-only turns that seed the mind-map and
// moves the session to Interactive. Failed turns are recorded as warnings;
// cancellation stops the warm-up early and is returned.
func (m *Manager) WarmUp(ctx context.Context) error {
	if err := m.expect(WarmingUp); err != nil {
		return err
	}
	defer m.setState(Interactive)

	for i := 0; i < m.opts.WarmupTurns; i++ {
		sp := m.experts[i%len(m.experts)]
		_, err := m.turn(ctx, sp)
		switch {
		case err == nil, errors.Is(err, ErrNoQuestion):
		case backend.IsCancelled(err):
			return err
		default:
			m.warn(sp.Name(), fmt.Sprintf("warm-up turn failed: %v", err))
		}
	}
	return nil
}

// Step runs one automatic turn: it picks the next speaker, asks, answers,
// and updates the mind-map. A concurrent Inject preempts it, in which case
// the turn is discarded and ErrPreempted is returned.
func (m *Manager) Step(ctx context.Context) (types.Turn, error) {
	if err := m.expect(Interactive); err != nil {
		return types.Turn{}, err
	}
	m.autoMu.Lock()
	defer m.autoMu.Unlock()

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.autoGen++
	gen := m.autoGen
	m.cancelAuto = cancel
	m.mu.Unlock()

	sp := m.choose(stepCtx)
	p, err := m.prepare(stepCtx, sp)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAuto = nil
	if m.preempted == gen {
		return types.Turn{}, ErrPreempted
	}
	if err != nil {
		if !backend.IsCancelled(err) && !errors.Is(err, ErrNoQuestion) {
			m.warnLocked(sp.Name(), fmt.Sprintf("turn failed: %v", err))
		}
		return types.Turn{}, err
	}
	m.commitLocked(p)
	return p.turn, nil
}

// Inject answers a user utterance immediately, cancelling any in-flight
// automatic step.
func (m *Manager) Inject(ctx context.Context, utterance string) (types.Turn, error) {
	if strings.TrimSpace(utterance) == "" {
		return types.Turn{}, ErrNoQuestion
	}
	if err := m.expect(Interactive); err != nil {
		return types.Turn{}, err
	}
	m.injectMu.Lock()
	defer m.injectMu.Unlock()

	m.mu.Lock()
	if m.cancelAuto != nil {
		m.cancelAuto()
		m.preempted = m.autoGen
		m.opts.Sink.Emit(telemetry.Event{Kind: telemetry.EventCancellation, Stage: "discourse", Subject: "automatic turn"})
	}
	m.mu.Unlock()

	m.user.Say(utterance)
	return m.turn(ctx, m.user)
}

// pending is a prepared turn that has not touched session state yet.
type pending struct {
	turn     types.Turn
	concepts []Labeled
	warnings []types.Warning
}

// turn asks sp and commits the result.
func (m *Manager) turn(ctx context.Context, sp conversation.Speaker) (types.Turn, error) {
	p, err := m.prepare(ctx, sp)
	if err != nil {
		return types.Turn{}, err
	}
	m.mu.Lock()
	m.commitLocked(p)
	m.mu.Unlock()
	return p.turn, nil
}

// prepare runs a full turn for sp. Nothing reaches the transcript, the
// warnings, or the mind-map until the turn is committed.
func (m *Manager) prepare(ctx context.Context, sp conversation.Speaker) (pending, error) {
	q, err := sp.Ask(ctx, m.opts.Topic, m.Turns())
	if err != nil {
		if errors.Is(err, conversation.ErrNoUtterance) {
			return pending{}, ErrNoQuestion
		}
		return pending{}, err
	}
	if sp.Role() != types.RoleUser && conversation.IsStop(q) {
		return pending{}, ErrNoQuestion
	}

	res, err := m.opts.Engine.Step(ctx, m.opts.Topic, q, sp)
	if err != nil {
		return pending{}, err
	}

	var entries []types.KnowledgeEntry
	for _, id := range res.EntryIDs {
		if e, ok := m.opts.Table.Entry(id); ok {
			entries = append(entries, e)
		}
	}
	concepts, err := m.mm.LabelAll(ctx, entries)
	if err != nil {
		return pending{}, err
	}
	return pending{turn: res.Turn, concepts: concepts, warnings: res.Warnings}, nil
}

func (m *Manager) commitLocked(p pending) {
	m.warnings = append(m.warnings, p.warnings...)
	m.mm.Record(p.concepts)
	m.lastSpoke[p.turn.Speaker] = len(m.turns)
	m.turns = append(m.turns, p.turn)
}

// choose picks the next automatic speaker.
func (m *Manager) choose(ctx context.Context) conversation.Speaker {
	m.mu.Lock()
	n := len(m.turns)
	stuck := n >= 2 && m.turns[n-1].InsufficientEvidence && m.turns[n-2].InsufficientEvidence
	history := append([]types.Turn(nil), m.turns...)
	m.mu.Unlock()

	if stuck {
		m.chosen(m.moderator, "insufficient evidence")
		return m.moderator
	}

	candidates := make([]conversation.Speaker, 0, len(m.experts)+1)
	for _, e := range m.experts {
		candidates = append(candidates, e)
	}
	candidates = append(candidates, m.moderator)

	if sp := m.score(ctx, candidates, history); sp != nil {
		m.chosen(sp, "scored")
		return sp
	}
	sp := m.leastRecent()
	m.chosen(sp, "least recent")
	return sp
}

// score asks the LM to rank candidates and returns the best one, or nil
// when the reply cannot be parsed.
func (m *Manager) score(ctx context.Context, candidates []conversation.Speaker, history []types.Turn) conversation.Speaker {
	data := speakerData{
		Topic:   m.opts.Topic,
		Focus:   strings.Join(m.mm.UnderExplored(DefaultFocus), ", "),
		History: conversation.History(history, m.opts.HistoryTurns, 0),
	}
	for _, c := range candidates {
		desc := c.Name()
		if e, ok := c.(*conversation.ExpertSpeaker); ok {
			desc = e.Persona.String()
		} else {
			desc += ": steers the discussion toward neglected concepts"
		}
		data.Candidates = append(data.Candidates, desc)
	}
	prompt, err := render(speakerPromptTmpl, data)
	if err != nil {
		return nil
	}
	reply, err := m.opts.LM.Complete(ctx, prompt, backend.Params{
		MaxTokens: speakerMaxTokens,
		Purpose:   backend.PurposeSpeaker,
	})
	if err != nil {
		m.opts.Logger.Debug("speaker scoring failed", zap.Error(err))
		return nil
	}
	if idx := ParseScores(reply, len(candidates)); idx >= 0 {
		return candidates[idx]
	}
	return nil
}

// ParseScores returns the zero-based index of the best candidate in a
// "number: score" reply. A reply holding only a candidate number selects
// it. It returns -1 when nothing parses.
func ParseScores(reply string, n int) int {
	best, bestScore := -1, -1.0
	for _, m := range scoreRe.FindAllStringSubmatch(reply, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		score, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if score > bestScore {
			best, bestScore = idx-1, score
		}
	}
	if best >= 0 {
		return best
	}
	fields := strings.Fields(reply)
	if len(fields) == 1 {
		if idx, err := strconv.Atoi(strings.Trim(fields[0], ".:")); err == nil && idx >= 1 && idx <= n {
			return idx - 1
		}
	}
	return -1
}

// leastRecent returns the expert who spoke longest ago; experts who never
// spoke come first, in order.
func (m *Manager) leastRecent() conversation.Speaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	best, bestAt := m.experts[0], len(m.turns)+1
	for _, e := range m.experts {
		at, ok := m.lastSpoke[e.Name()]
		if !ok {
			at = -1
		}
		if at < bestAt {
			best, bestAt = e, at
		}
	}
	return best
}

func (m *Manager) chosen(sp conversation.Speaker, reason string) {
	m.opts.Sink.Emit(telemetry.Event{
		Kind:    telemetry.EventSpeakerChosen,
		Stage:   "discourse",
		Subject: sp.Name(),
		Fields:  map[string]any{"reason": reason},
	})
}

// GenerateReport writes the article from the knowledge table and the
// mind-map. The session is Done afterwards even when writing was cut short;
// full cancellation before any section exists returns backend.ErrCancelled.
func (m *Manager) GenerateReport(ctx context.Context) (Report, error) {
	m.mu.Lock()
	if m.state != Interactive && m.state != WarmingUp {
		m.mu.Unlock()
		return Report{}, fmt.Errorf("generate report in %s: %w", m.state, ErrState)
	}
	m.state = Reporting
	m.mu.Unlock()
	defer m.setState(Done)

	topic := m.opts.Topic
	warnings := m.Warnings()
	report := Report{Turns: m.Turns()}

	root, w, err := m.opts.Outline.FromKnowledge(ctx, topic, m.mm.Concepts(), m.opts.Table.Entries())
	warnings = append(warnings, w...)
	report.Outline = root
	if err != nil {
		return report, backend.Cancelled(err)
	}

	cm := article.NewCitationMap()
	sections, w, err := m.opts.Writer.Write(ctx, topic, root, cm)
	warnings = append(warnings, w...)
	if err != nil {
		report.Incomplete = true
		if !anyWritten(sections) {
			return report, backend.Cancelled(err)
		}
	}

	var ungrounded []string
	for _, t := range report.Turns {
		ungrounded = append(ungrounded, t.Ungrounded...)
	}
	report.Article = m.opts.Polisher.Polish(ctx, polish.Input{
		Title:      topic,
		Sections:   sections,
		Citations:  cm.Citations(),
		Ungrounded: ungrounded,
		Entries:    m.opts.Table,
		Warnings:   warnings,
	})
	return report, nil
}

func anyWritten(sections []types.Section) bool {
	for _, s := range sections {
		if !s.Incomplete {
			return true
		}
	}
	return false
}

func (m *Manager) expect(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != s {
		return fmt.Errorf("expected %s, in %s: %w", s, m.state, ErrState)
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) warn(subject, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnLocked(subject, msg)
}

func (m *Manager) warnLocked(subject, msg string) {
	m.opts.Sink.Warn("discourse", subject, msg)
	m.opts.Metrics.Warning("discourse")
	m.warnings = append(m.warnings, types.Warning{Component: "discourse", Subject: subject, Message: msg})
}
