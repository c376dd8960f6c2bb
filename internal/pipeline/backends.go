// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/cache"
	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/internal/search"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// cacheFile is the memo database kept next to the knowledge database.
const cacheFile = "cache.db"

// Backends holds the concrete backends built from configuration. Close
// releases the databases.
type Backends struct {
	LM        backend.LanguageModel
	RM        *search.Multi
	Encoder   backend.Encoder
	Knowledge *knowledge.Store
	Cache     *cache.SQLiteStore
}

// Deps returns pipeline dependencies over b.
func (b *Backends) Deps() Deps {
	d := Deps{LM: b.LM, RM: b.RM, Encoder: b.Encoder, Knowledge: b.Knowledge}
	if b.Cache != nil {
		d.Cache = b.Cache
	}
	return d
}

// Close closes the knowledge and cache databases.
func (b *Backends) Close() error {
	var errs []error
	if b.Knowledge != nil {
		errs = append(errs, b.Knowledge.Close())
	}
	if b.Cache != nil {
		errs = append(errs, b.Cache.Close())
	}
	return errors.Join(errs...)
}

// named gives a retriever an identity inside search.Multi.
type named struct {
	name string
	backend.Retriever
}

func (n named) Name() string { return n.name }

// OpenBackends builds the LM, the retrievers enabled in cfg, the optional
// encoder, and the knowledge and cache databases under cfg.KnowledgeDir.
// Set persist to false to run without touching the databases.
func OpenBackends(ctx context.Context, cfg types.CurationConfig, persist bool, logger *zap.Logger) (*Backends, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: cfg.Retrieval.Timeout}

	lm, err := backend.NewOpenAILM(cfg.AI, client)
	if err != nil {
		return nil, err
	}
	b := &Backends{LM: lm}

	if persist {
		if err := os.MkdirAll(cfg.KnowledgeDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating knowledge directory: %w", err)
		}
		if b.Knowledge, err = knowledge.NewStore(cfg.KnowledgeDir, cfg.SearchTopK); err != nil {
			return nil, fmt.Errorf("opening knowledge store: %w", err)
		}
		if b.Cache, err = cache.OpenSQLiteStore(filepath.Join(cfg.KnowledgeDir, cacheFile)); err != nil {
			b.Close()
			return nil, fmt.Errorf("opening cache: %w", err)
		}
	}

	if b.RM, err = NewRetriever(cfg, client, b.Knowledge, logger); err != nil {
		b.Close()
		return nil, err
	}

	switch cfg.AI.Encoder {
	case "openai":
		b.Encoder, err = backend.NewOpenAIEncoder(cfg.AI.EncoderAPIKey, cfg.AI.BaseURL, cfg.AI.EncoderModel, client)
	case "genai":
		b.Encoder, err = backend.NewGenAIEncoder(ctx, cfg.AI.EncoderAPIKey, cfg.AI.EncoderModel)
	}
	if err != nil {
		b.Close()
		return nil, err
	}

	logger.Debug("backends ready",
		zap.String("model", cfg.AI.Model),
		zap.Int("retrievers", len(b.RM.Backends)),
		zap.String("encoder", cfg.AI.Encoder),
		zap.Bool("persist", persist))
	return b, nil
}

// NewRetriever combines the retrieval sources enabled in cfg. store may be
// nil unless the local knowledge source is enabled.
func NewRetriever(cfg types.CurationConfig, client *http.Client, store *knowledge.Store, logger *zap.Logger) (*search.Multi, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Retrieval.Timeout}
	}
	var sources []search.Backend
	if cfg.Retrieval.SemanticScholar {
		sources = append(sources, &search.SemanticScholar{
			Client:    client,
			APIKey:    cfg.Retrieval.SemanticScholarAPIKey,
			UserAgent: cfg.Retrieval.UserAgent,
		})
	}
	if cfg.Retrieval.Arxiv {
		sources = append(sources, &search.Arxiv{Client: client, UserAgent: cfg.Retrieval.UserAgent})
	}
	if cfg.Retrieval.OpenAlex {
		sources = append(sources, &search.OpenAlex{
			Client:    client,
			Mailto:    cfg.Retrieval.Mailto,
			UserAgent: cfg.Retrieval.UserAgent,
		})
	}
	if cfg.Retrieval.LocalKnowledge {
		if store == nil {
			return nil, backend.ConfigError("retrieval.local_knowledge requires the knowledge store")
		}
		sources = append(sources, named{name: "local_knowledge", Retriever: store})
	}
	return search.NewMulti(logger, sources...), nil
}
