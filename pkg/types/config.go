// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// MergePolicy decides which text survives when two knowledge entries merge.
type MergePolicy string

const (
	// MergeLonger keeps the longer (more detailed) text.
	MergeLonger MergePolicy = "longer"

	// MergeFirst keeps the text of the entry that was inserted first.
	MergeFirst MergePolicy = "first"
)

// HTTPConfig holds shared HTTP settings used by adapters that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "curation-engine/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// AIConfig holds shared settings for adapters that call a model API.
type AIConfig struct {
	// Provider selects the LM backend: "openai".
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=openai"`

	// Model is the chat model identifier (e.g. "gpt-4o-mini").
	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible servers).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`

	// APIKey is the authentication key for the API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// Encoder selects the embedding backend: "", "openai", or "genai".
	// Empty disables embeddings and the knowledge table uses lexical similarity.
	Encoder string `json:"encoder,omitempty" yaml:"encoder,omitempty" mapstructure:"encoder" validate:"omitempty,oneof=openai genai"`

	// EncoderModel is the embedding model identifier.
	EncoderModel string `json:"encoder_model,omitempty" yaml:"encoder_model,omitempty" mapstructure:"encoder_model"`

	// EncoderAPIKey authenticates the encoder when it differs from APIKey.
	EncoderAPIKey string `json:"encoder_api_key,omitempty" yaml:"encoder_api_key,omitempty" mapstructure:"encoder_api_key"`
}

// RetrievalConfig selects and configures retrieval backends.
type RetrievalConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// SemanticScholar enables the Semantic Scholar retriever.
	SemanticScholar bool `json:"semantic_scholar" yaml:"semantic_scholar" mapstructure:"semantic_scholar"`

	// SemanticScholarAPIKey is an optional API key for higher rate limits.
	SemanticScholarAPIKey string `json:"semantic_scholar_api_key,omitempty" yaml:"semantic_scholar_api_key,omitempty" mapstructure:"semantic_scholar_api_key"`

	// Arxiv enables the arXiv retriever.
	Arxiv bool `json:"arxiv" yaml:"arxiv" mapstructure:"arxiv"`

	// OpenAlex enables the OpenAlex works retriever.
	OpenAlex bool `json:"openalex" yaml:"openalex" mapstructure:"openalex"`

	// Mailto is sent to OpenAlex to join its polite pool.
	Mailto string `json:"mailto,omitempty" yaml:"mailto,omitempty" mapstructure:"mailto"`

	// LocalKnowledge enables retrieval over the local knowledge database.
	LocalKnowledge bool `json:"local_knowledge" yaml:"local_knowledge" mapstructure:"local_knowledge"`
}

// CurationConfig is the configuration surface consumed by the pipeline.
type CurationConfig struct {
	// Perspectives is the number of personas to discover besides the generalist.
	Perspectives int `json:"perspectives" yaml:"perspectives" mapstructure:"perspectives" validate:"gte=0,lte=20"`

	// MaxTurns bounds the number of turns per conversation.
	MaxTurns int `json:"max_turns" yaml:"max_turns" mapstructure:"max_turns" validate:"gte=1,lte=20"`

	// MaxQueries bounds the search queries issued per question.
	MaxQueries int `json:"max_queries" yaml:"max_queries" mapstructure:"max_queries" validate:"gte=1,lte=10"`

	// SearchTopK is the number of results kept per search query.
	SearchTopK int `json:"search_top_k" yaml:"search_top_k" mapstructure:"search_top_k" validate:"gte=1,lte=50"`

	// RetrieveTopK is the number of knowledge entries given to each section.
	RetrieveTopK int `json:"retrieve_top_k" yaml:"retrieve_top_k" mapstructure:"retrieve_top_k" validate:"gte=1,lte=100"`

	// MaxConcurrency bounds parallel conversations and sections.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" mapstructure:"max_concurrency" validate:"gte=1,lte=64"`

	// MaxInflightLM and MaxInflightRM cap concurrent backend calls.
	MaxInflightLM int `json:"max_inflight_lm" yaml:"max_inflight_lm" mapstructure:"max_inflight_lm" validate:"gte=1"`
	MaxInflightRM int `json:"max_inflight_rm" yaml:"max_inflight_rm" mapstructure:"max_inflight_rm" validate:"gte=1"`

	// SimilarityThreshold is the merge threshold τ of the knowledge table.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" mapstructure:"similarity_threshold" validate:"gt=0,lte=1"`

	// MergePolicy selects which text wins on merge.
	MergePolicy MergePolicy `json:"merge_policy" yaml:"merge_policy" mapstructure:"merge_policy" validate:"oneof=longer first"`

	// HistoryTurns bounds how many prior turns are shown to the question asker.
	HistoryTurns int `json:"history_turns" yaml:"history_turns" mapstructure:"history_turns" validate:"gte=1"`

	// WarmupTurns is the number of automatic expert turns before the
	// collaborative session becomes interactive.
	WarmupTurns int `json:"warmup_turns" yaml:"warmup_turns" mapstructure:"warmup_turns" validate:"gte=0,lte=20"`

	// Experts is the number of simulated experts in collaborative mode.
	Experts int `json:"experts" yaml:"experts" mapstructure:"experts" validate:"gte=1,lte=10"`

	// MaxRetries is the number of retry attempts for transient backend failures.
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=10"`

	// MaxSectionRetries bounds regeneration of empty or malformed sections.
	MaxSectionRetries int `json:"max_section_retries" yaml:"max_section_retries" mapstructure:"max_section_retries" validate:"gte=0,lte=10"`

	// Summary enables the lead summary written by the polisher.
	Summary bool `json:"summary" yaml:"summary" mapstructure:"summary"`

	// Timeout bounds the whole run; zero means no limit.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`

	AI        AIConfig        `json:"ai" yaml:"ai" mapstructure:"ai"`
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval" mapstructure:"retrieval"`

	// OutputDir is the directory for run artifacts.
	OutputDir string `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`

	// KnowledgeDir holds the persistent knowledge database.
	KnowledgeDir string `json:"knowledge_dir" yaml:"knowledge_dir" mapstructure:"knowledge_dir"`
}

// DefaultCurationConfig returns the configuration used when no file or flag
// overrides a value.
func DefaultCurationConfig() CurationConfig {
	return CurationConfig{
		Perspectives:        3,
		MaxTurns:            3,
		MaxQueries:          3,
		SearchTopK:          3,
		RetrieveTopK:        10,
		MaxConcurrency:      4,
		MaxInflightLM:       8,
		MaxInflightRM:       8,
		SimilarityThreshold: 0.85,
		MergePolicy:         MergeLonger,
		HistoryTurns:        4,
		WarmupTurns:         2,
		Experts:             3,
		MaxRetries:          3,
		MaxSectionRetries:   2,
		Summary:             true,
		AI: AIConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Retrieval: RetrievalConfig{
			HTTPConfig: HTTPConfig{
				Timeout:   60 * time.Second,
				UserAgent: "curation-engine/0.1",
			},
			SemanticScholar: true,
		},
		OutputDir:    "output",
		KnowledgeDir: "knowledge",
	}
}
