// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package config builds a validated CurationConfig from defaults, a YAML
// config file, environment variables, and secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/pkg/types"
)

const (
	// Name is the config file base name and the directory under ~/.config.
	Name = "curation-engine"

	// EnvPrefix prefixes environment overrides, e.g. CURATION_ENGINE_MAX_TURNS.
	EnvPrefix = "CURATION_ENGINE"
)

// Secret file names under .secrets/.
const (
	SecretOpenAI          = "openai-api-key"
	SecretGemini          = "gemini-api-key"
	SecretSemanticScholar = "semantic-scholar-api-key"
)

// New returns a viper instance with defaults, search paths, and the env
// prefix configured. cfgFile, when set, replaces the search paths.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(Name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", Name))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v, types.DefaultCurationConfig())
	return v
}

// ReadInConfig reads the config file if one exists. It returns the file
// used, or "" when no file was found.
func ReadInConfig(v *viper.Viper) (string, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("reading config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// SetDefaults registers every field of cfg as a viper default so that env
// overrides apply to keys missing from the config file.
func SetDefaults(v *viper.Viper, cfg types.CurationConfig) {
	d := map[string]any{
		"perspectives":         cfg.Perspectives,
		"max_turns":            cfg.MaxTurns,
		"max_queries":          cfg.MaxQueries,
		"search_top_k":         cfg.SearchTopK,
		"retrieve_top_k":       cfg.RetrieveTopK,
		"max_concurrency":      cfg.MaxConcurrency,
		"max_inflight_lm":      cfg.MaxInflightLM,
		"max_inflight_rm":      cfg.MaxInflightRM,
		"similarity_threshold": cfg.SimilarityThreshold,
		"merge_policy":         string(cfg.MergePolicy),
		"history_turns":        cfg.HistoryTurns,
		"warmup_turns":         cfg.WarmupTurns,
		"experts":              cfg.Experts,
		"max_retries":          cfg.MaxRetries,
		"max_section_retries":  cfg.MaxSectionRetries,
		"summary":              cfg.Summary,
		"timeout":              cfg.Timeout,
		"output_dir":           cfg.OutputDir,
		"knowledge_dir":        cfg.KnowledgeDir,

		"ai.provider":        cfg.AI.Provider,
		"ai.model":           cfg.AI.Model,
		"ai.base_url":        cfg.AI.BaseURL,
		"ai.api_key":         cfg.AI.APIKey,
		"ai.encoder":         cfg.AI.Encoder,
		"ai.encoder_model":   cfg.AI.EncoderModel,
		"ai.encoder_api_key": cfg.AI.EncoderAPIKey,

		"retrieval.timeout":                  cfg.Retrieval.Timeout,
		"retrieval.user_agent":               cfg.Retrieval.UserAgent,
		"retrieval.semantic_scholar":         cfg.Retrieval.SemanticScholar,
		"retrieval.semantic_scholar_api_key": cfg.Retrieval.SemanticScholarAPIKey,
		"retrieval.arxiv":                    cfg.Retrieval.Arxiv,
		"retrieval.openalex":                 cfg.Retrieval.OpenAlex,
		"retrieval.mailto":                   cfg.Retrieval.Mailto,
		"retrieval.local_knowledge":          cfg.Retrieval.LocalKnowledge,
	}
	for k, val := range d {
		v.SetDefault(k, val)
	}
}

// Load decodes v into a CurationConfig, fills API keys from secrets where
// the config leaves them empty, and validates the result.
func Load(v *viper.Viper, secrets map[string]string) (types.CurationConfig, error) {
	var cfg types.CurationConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, &backend.ConfigurationError{Problems: []string{fmt.Sprintf("decoding config: %v", err)}}
	}
	ApplySecrets(&cfg, secrets)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplySecrets fills empty API keys from the secrets map.
func ApplySecrets(cfg *types.CurationConfig, secrets map[string]string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = secrets[key]
		}
	}
	fill(&cfg.AI.APIKey, SecretOpenAI)
	switch cfg.AI.Encoder {
	case "genai":
		fill(&cfg.AI.EncoderAPIKey, SecretGemini)
	case "openai":
		if cfg.AI.EncoderAPIKey == "" {
			cfg.AI.EncoderAPIKey = cfg.AI.APIKey
		}
	}
	fill(&cfg.Retrieval.SemanticScholarAPIKey, SecretSemanticScholar)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report problems with the YAML key a user would edit.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks cfg against its struct constraints and the cross-field
// rules the tags cannot express. Every problem is reported at once.
func Validate(cfg types.CurationConfig) error {
	var problems []string
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &backend.ConfigurationError{Problems: []string{err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if !cfg.Retrieval.SemanticScholar && !cfg.Retrieval.Arxiv && !cfg.Retrieval.OpenAlex && !cfg.Retrieval.LocalKnowledge {
		problems = append(problems, "retrieval: at least one retriever must be enabled")
	}
	if cfg.AI.Encoder != "" && cfg.AI.EncoderAPIKey == "" {
		problems = append(problems, fmt.Sprintf("ai.encoder_api_key: required for encoder %q", cfg.AI.Encoder))
	}
	if len(problems) > 0 {
		return &backend.ConfigurationError{Problems: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "CurationConfig.ai.model"; drop the root type.
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: must satisfy %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: must satisfy %s (got %v)", field, fe.Tag(), fe.Value())
}
