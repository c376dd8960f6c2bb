// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package backend defines the narrow contracts the curation core uses to
// reach a language model, a retriever, and an encoder, together with the
// error taxonomy and retry policy shared by every caller.
package backend

import (
	"context"
	"fmt"

	"github.com/pdiddy/curation-engine/pkg/types"
)

// Purpose labels an LM call so caches, metrics, and test doubles can tell
// prompts apart without parsing them.
type Purpose string

const (
	PurposePersona      Purpose = "persona"
	PurposeTOC          Purpose = "toc"
	PurposeQuestion     Purpose = "question"
	PurposeQueries      Purpose = "queries"
	PurposeAnswer       Purpose = "answer"
	PurposeOutlineDraft Purpose = "outline_draft"
	PurposeOutlineMerge Purpose = "outline_merge"
	PurposeSection      Purpose = "section"
	PurposeSummary      Purpose = "summary"
	PurposeSpeaker      Purpose = "speaker"
	PurposeConcept      Purpose = "concept"
)

// Params are per-call generation limits. Callers always set MaxTokens.
type Params struct {
	MaxTokens   int
	Temperature float64
	Purpose     Purpose
}

// Key returns a stable string form used in cache keys.
func (p Params) Key() string {
	return fmt.Sprintf("%s|%d|%.3f", p.Purpose, p.MaxTokens, p.Temperature)
}

// LanguageModel completes a prompt. Implementations return a *BackendError
// of kind KindLM on provider or network failure. Callers must tolerate
// empty or truncated text.
type LanguageModel interface {
	Complete(ctx context.Context, prompt string, params Params) (string, error)
}

// Retriever returns ranked passages for a query. Implementations return a
// *BackendError of kind KindRM on failure. Zero results is not an error.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]types.Snippet, error)
}

// Encoder maps text to a fixed-length vector for similarity scoring.
type Encoder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LMFunc adapts a function to the LanguageModel interface.
type LMFunc func(ctx context.Context, prompt string, params Params) (string, error)

// Complete calls f.
func (f LMFunc) Complete(ctx context.Context, prompt string, params Params) (string, error) {
	return f(ctx, prompt, params)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, query string, topK int) ([]types.Snippet, error)

// Search calls f.
func (f RetrieverFunc) Search(ctx context.Context, query string, topK int) ([]types.Snippet, error) {
	return f(ctx, query, topK)
}
