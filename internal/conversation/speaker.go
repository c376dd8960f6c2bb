// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/textutil"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// StopPhrase ends a conversation when a speaker says it.
const StopPhrase = "Thank you so much for your help!"

const (
	// DefaultHistoryTurns bounds the turns shown to a speaker.
	DefaultHistoryTurns = 4

	// DefaultHistoryChars bounds the rendered history; the oldest turns are
	// dropped first.
	DefaultHistoryChars = 2500

	answerHistoryWords = 100
	questionMaxTokens  = 200
)

// ErrNoUtterance is returned by a UserSpeaker with nothing to say.
var ErrNoUtterance = errors.New("no pending user utterance")

// Speaker produces questions for a conversation. The set of implementations
// is closed: PersonaSpeaker, ExpertSpeaker, ModeratorSpeaker, UserSpeaker.
type Speaker interface {
	Role() types.Role
	Name() string

	// Ask returns the next question given the turns so far. An empty
	// question or one containing StopPhrase ends the conversation.
	Ask(ctx context.Context, topic string, history []types.Turn) (string, error)

	// Observe is called with every turn the speaker asked, once answered.
	Observe(turn types.Turn)

	speaker()
}

// IsStop reports whether q ends the conversation.
func IsStop(q string) bool {
	q = strings.TrimSpace(q)
	return q == "" || strings.Contains(strings.ToLower(q), strings.ToLower(StopPhrase))
}

// History renders the last maxTurns turns as a dialogue, dropping the
// oldest until it fits in maxChars.
func History(turns []types.Turn, maxTurns, maxChars int) string {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}
	if maxChars <= 0 {
		maxChars = DefaultHistoryChars
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	blocks := make([]string, len(turns))
	total := 0
	for i, t := range turns {
		asker := t.Speaker
		if asker == "" {
			asker = "You"
		}
		blocks[i] = fmt.Sprintf("%s: %s\nExpert: %s", asker, t.Question,
			textutil.Truncate(textutil.StripCitations(t.Answer), answerHistoryWords))
		total += len(blocks[i]) + 2
	}
	for len(blocks) > 0 && total > maxChars {
		total -= len(blocks[0]) + 2
		blocks = blocks[1:]
	}
	return strings.Join(blocks, "\n\n")
}

// cleanQuestion strips labels and quotes models tend to add.
func cleanQuestion(q string) string {
	q = strings.TrimSpace(q)
	for _, prefix := range []string{"Question:", "Your next question:", "Your question:"} {
		if len(q) >= len(prefix) && strings.EqualFold(q[:len(prefix)], prefix) {
			q = strings.TrimSpace(q[len(prefix):])
		}
	}
	return strings.Trim(q, `"' `)
}

// observer holds the bookkeeping every speaker shares.
type observer struct {
	mu       sync.Mutex
	last     types.Turn
	observed int
}

func (o *observer) Observe(turn types.Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = turn
	o.observed++
}

// Last returns the most recent observed turn and the number observed.
func (o *observer) Last() (types.Turn, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.observed
}

func (o *observer) speaker() {}

// PersonaSpeaker asks questions from a persona's viewpoint.
type PersonaSpeaker struct {
	observer

	Persona      types.Persona
	LM           backend.LanguageModel
	HistoryTurns int
	HistoryChars int
}

// NewPersonaSpeaker returns a speaker for p.
func NewPersonaSpeaker(p types.Persona, lm backend.LanguageModel, historyTurns int) *PersonaSpeaker {
	return &PersonaSpeaker{Persona: p, LM: lm, HistoryTurns: historyTurns}
}

func (s *PersonaSpeaker) Role() types.Role { return types.RolePersona }
func (s *PersonaSpeaker) Name() string     { return s.Persona.Name }

// Ask implements Speaker.
func (s *PersonaSpeaker) Ask(ctx context.Context, topic string, history []types.Turn) (string, error) {
	prompt, err := render(questionPromptTmpl, questionData{
		Topic:      topic,
		Persona:    s.Persona.String(),
		StopPhrase: StopPhrase,
		History:    History(history, s.HistoryTurns, s.HistoryChars),
	})
	if err != nil {
		return "", fmt.Errorf("rendering question prompt: %w", err)
	}
	q, err := s.LM.Complete(ctx, prompt, backend.Params{
		MaxTokens:   questionMaxTokens,
		Temperature: 1.0,
		Purpose:     backend.PurposeQuestion,
	})
	if err != nil {
		return "", err
	}
	return cleanQuestion(q), nil
}

// ExpertSpeaker is a simulated expert in a collaborative session.
type ExpertSpeaker struct {
	observer

	Persona types.Persona
	LM      backend.LanguageModel

	// Focus lists concepts the discussion has neglected. Optional.
	Focus        func() []string
	HistoryTurns int
}

// NewExpertSpeaker returns an expert speaking as p.
func NewExpertSpeaker(p types.Persona, lm backend.LanguageModel, focus func() []string, historyTurns int) *ExpertSpeaker {
	return &ExpertSpeaker{Persona: p, LM: lm, Focus: focus, HistoryTurns: historyTurns}
}

func (s *ExpertSpeaker) Role() types.Role { return types.RoleExpert }
func (s *ExpertSpeaker) Name() string     { return s.Persona.Name }

// Ask implements Speaker.
func (s *ExpertSpeaker) Ask(ctx context.Context, topic string, history []types.Turn) (string, error) {
	return askWithFocus(ctx, s.LM, expertQuestionPromptTmpl, questionData{
		Topic:   topic,
		Persona: s.Persona.String(),
		History: History(history, s.HistoryTurns, 0),
		Focus:   focusList(s.Focus),
	})
}

// ModeratorSpeaker steers a collaborative session toward neglected concepts.
type ModeratorSpeaker struct {
	observer

	LM           backend.LanguageModel
	Focus        func() []string
	HistoryTurns int
}

// ModeratorName is the speaker name of the moderator.
const ModeratorName = "Moderator"

// NewModeratorSpeaker returns a moderator.
func NewModeratorSpeaker(lm backend.LanguageModel, focus func() []string, historyTurns int) *ModeratorSpeaker {
	return &ModeratorSpeaker{LM: lm, Focus: focus, HistoryTurns: historyTurns}
}

func (s *ModeratorSpeaker) Role() types.Role { return types.RoleModerator }
func (s *ModeratorSpeaker) Name() string     { return ModeratorName }

// Ask implements Speaker.
func (s *ModeratorSpeaker) Ask(ctx context.Context, topic string, history []types.Turn) (string, error) {
	return askWithFocus(ctx, s.LM, moderatorPromptTmpl, questionData{
		Topic:   topic,
		History: History(history, s.HistoryTurns, 0),
		Focus:   focusList(s.Focus),
	})
}

func askWithFocus(ctx context.Context, lm backend.LanguageModel, tmpl *template.Template, data questionData) (string, error) {
	prompt, err := render(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", tmpl.Name(), err)
	}
	q, err := lm.Complete(ctx, prompt, backend.Params{
		MaxTokens:   questionMaxTokens,
		Temperature: 1.0,
		Purpose:     backend.PurposeQuestion,
	})
	if err != nil {
		return "", err
	}
	return cleanQuestion(q), nil
}

func focusList(focus func() []string) string {
	if focus == nil {
		return ""
	}
	return strings.Join(focus(), ", ")
}

// UserSpeaker relays utterances typed by the human participant.
type UserSpeaker struct {
	observer

	name    string
	pending []string
}

// NewUserSpeaker returns a user speaker; name defaults to "User".
func NewUserSpeaker(name string) *UserSpeaker {
	if name == "" {
		name = "User"
	}
	return &UserSpeaker{name: name}
}

func (s *UserSpeaker) Role() types.Role { return types.RoleUser }
func (s *UserSpeaker) Name() string     { return s.name }

// Say queues an utterance for the next Ask.
func (s *UserSpeaker) Say(utterance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, strings.TrimSpace(utterance))
}

// Ask returns the oldest queued utterance, or ErrNoUtterance.
func (s *UserSpeaker) Ask(ctx context.Context, _ string, _ []types.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", backend.Cancelled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", ErrNoUtterance
	}
	u := s.pending[0]
	s.pending = s.pending[1:]
	return u, nil
}
