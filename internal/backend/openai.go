// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/pdiddy/curation-engine/pkg/types"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAILM implements LanguageModel with the openai-go SDK (chat completions).
// It also talks to any OpenAI-compatible server through BaseURL.
type OpenAILM struct {
	client openai.Client
	model  string
}

// NewOpenAILM builds an OpenAILM from the AI configuration. The SDK's own
// retries are disabled; transient failures surface to the cache guard.
func NewOpenAILM(cfg types.AIConfig, httpClient *http.Client) (*OpenAILM, error) {
	if cfg.APIKey == "" {
		return nil, ConfigError("openai api key missing; set ai.api_key or .secrets/openai-api-key")
	}
	if cfg.Model == "" {
		return nil, ConfigError("ai.model is required")
	}
	return &OpenAILM{
		client: openai.NewClient(clientOptions(cfg.APIKey, cfg.BaseURL, httpClient)...),
		model:  cfg.Model,
	}, nil
}

func clientOptions(apiKey, baseURL string, httpClient *http.Client) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return opts
}

// Complete sends prompt as a single user message.
func (o *OpenAILM) Complete(ctx context.Context, prompt string, params Params) (string, error) {
	req := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(params.Temperature),
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = openai.Int(int64(params.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", classifyOpenAI(KindLM, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIEncoder implements Encoder with the OpenAI embeddings endpoint.
type OpenAIEncoder struct {
	client openai.Client
	model  string
}

// NewOpenAIEncoder builds an encoder; an empty model selects text-embedding-3-small.
func NewOpenAIEncoder(apiKey, baseURL, model string, httpClient *http.Client) (*OpenAIEncoder, error) {
	if apiKey == "" {
		return nil, ConfigError("openai encoder requires an api key")
	}
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &OpenAIEncoder{
		client: openai.NewClient(clientOptions(apiKey, baseURL, httpClient)...),
		model:  model,
	}, nil
}

// Embed returns the embedding vector for text.
func (e *OpenAIEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classifyOpenAI(KindEncoder, err)
	}
	if len(resp.Data) == 0 {
		return nil, Malformed(KindEncoder, "no embeddings returned")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// classifyOpenAI maps SDK errors onto BackendError.
func classifyOpenAI(kind Kind, err error) error {
	if IsCancelled(err) {
		return Cancelled(err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &BackendError{
			Kind:       kind,
			StatusCode: apiErr.StatusCode,
			Transient:  apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500,
			Err:        err,
		}
	}
	return &BackendError{Kind: kind, Transient: true, Err: fmt.Errorf("calling OpenAI: %w", err)}
}
