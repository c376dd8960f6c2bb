// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package backend

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGenAIEmbeddingModel = "gemini-embedding-001"

// GenAIEncoder generates embeddings with Google's Gemini API.
type GenAIEncoder struct {
	client *genai.Client
	model  string
}

// NewGenAIEncoder creates a Gemini embedding encoder using the
// semantic-similarity task type.
func NewGenAIEncoder(ctx context.Context, apiKey, model string) (*GenAIEncoder, error) {
	if apiKey == "" {
		return nil, ConfigError("genai encoder requires an api key; set ai.encoder_api_key or .secrets/gemini-api-key")
	}
	if model == "" {
		model = defaultGenAIEmbeddingModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, ConfigError("creating GenAI client: %v", err)
	}
	return &GenAIEncoder{client: client, model: model}, nil
}

// Embed returns the embedding vector for text.
func (e *GenAIEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		if IsCancelled(err) {
			return nil, Cancelled(err)
		}
		return nil, &BackendError{Kind: KindEncoder, Transient: true, Err: fmt.Errorf("GenAI embed: %w", err)}
	}
	if len(result.Embeddings) == 0 {
		return nil, Malformed(KindEncoder, "no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
