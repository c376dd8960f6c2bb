// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the curation pipeline.
// Personas, turns, and conversations are produced by the discovery and
// conversation stages; knowledge entries, outlines, sections, and citations
// flow through the writing stages.
package types

// Role identifies which kind of speaker produced a turn. The set is closed.
type Role string

const (
	RolePersona   Role = "persona"
	RoleExpert    Role = "expert"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// GeneralistName is the name of the persona that every discovery run includes.
const GeneralistName = "Basic fact writer"

// Persona is a named viewpoint used to bias question generation.
type Persona struct {
	// Name is a short label (e.g. "Historian of aviation").
	Name string `json:"name" yaml:"name"`

	// Description explains what the persona cares about.
	Description string `json:"description" yaml:"description"`
}

// Generalist returns the neutral persona included in every discovery result.
func Generalist() Persona {
	return Persona{
		Name:        GeneralistName,
		Description: "Basic fact writer focusing on broadly covering the basic facts about the topic.",
	}
}

// String renders the persona as "Name: Description".
func (p Persona) String() string {
	if p.Description == "" {
		return p.Name
	}
	return p.Name + ": " + p.Description
}

// Snippet is a passage returned by a retriever. Immutable once fetched.
type Snippet struct {
	// SourceID is the URL or stable identifier of the source document.
	SourceID string `json:"source_id" yaml:"source_id"`

	// Title is the source title, if known.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Text is the raw passage text.
	Text string `json:"text" yaml:"text"`

	// Score is the retriever relevance score; higher is better.
	Score float64 `json:"score" yaml:"score"`
}

// Turn is one question/answer step of a conversation. Never mutated after
// it is appended to a Conversation.
type Turn struct {
	Role     Role   `json:"role" yaml:"role"`
	Speaker  string `json:"speaker" yaml:"speaker"`
	Question string `json:"question" yaml:"question"`

	// Queries are the search queries issued for the question, in order.
	Queries []string `json:"queries,omitempty" yaml:"queries,omitempty"`

	// Snippets are the deduplicated retrieval results, numbered from 1 in
	// the answer's citation markers.
	Snippets []Snippet `json:"snippets,omitempty" yaml:"snippets,omitempty"`

	Answer string `json:"answer" yaml:"answer"`

	// Citations lists the 1-based snippet indices cited in Answer.
	Citations []int `json:"citations,omitempty" yaml:"citations,omitempty"`

	// Ungrounded lists answer sentences that carry no citation marker.
	Ungrounded []string `json:"ungrounded,omitempty" yaml:"ungrounded,omitempty"`

	// InsufficientEvidence is set when retrieval produced nothing usable.
	InsufficientEvidence bool `json:"insufficient_evidence,omitempty" yaml:"insufficient_evidence,omitempty"`
}

// CitedSnippets returns the snippets referenced by the turn's citations.
func (t Turn) CitedSnippets() []Snippet {
	var out []Snippet
	for _, idx := range t.Citations {
		if idx >= 1 && idx <= len(t.Snippets) {
			out = append(out, t.Snippets[idx-1])
		}
	}
	return out
}

// Termination records why a conversation stopped.
type Termination string

const (
	TerminationNone           Termination = ""
	TerminationMaxTurns       Termination = "max_turns"
	TerminationNoMoreQuestion Termination = "no_more_questions"
	TerminationCancelled      Termination = "cancelled"
	TerminationFailed         Termination = "failed"
)

// Conversation is the ordered transcript of one speaker's dialogue.
type Conversation struct {
	Speaker     string      `json:"speaker" yaml:"speaker"`
	Role        Role        `json:"role" yaml:"role"`
	Persona     Persona     `json:"persona" yaml:"persona"`
	Turns       []Turn      `json:"turns" yaml:"turns"`
	Termination Termination `json:"termination" yaml:"termination"`

	// Incomplete is set when the conversation was cut short by
	// cancellation or failure; its turns are still valid.
	Incomplete bool `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`

	// Err records the failure message, if any.
	Err string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Warning records a degraded result that did not abort the run.
type Warning struct {
	// Component is the stage that recorded the warning (e.g. "conversation").
	Component string `json:"component" yaml:"component"`

	// Subject names the persona, section, or call affected.
	Subject string `json:"subject" yaml:"subject"`

	Message string `json:"message" yaml:"message"`
}

func (w Warning) String() string {
	return w.Component + " [" + w.Subject + "]: " + w.Message
}
