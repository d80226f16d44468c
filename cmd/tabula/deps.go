package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/catalog"
	"github.com/malbeclabs/tabula/pkg/config"
	"github.com/malbeclabs/tabula/pkg/duck"
	"github.com/malbeclabs/tabula/pkg/embedding"
	"github.com/malbeclabs/tabula/pkg/index"
	"github.com/malbeclabs/tabula/pkg/sqlengine"
)

const embedCacheCapacity = 10_000

// deps are the collaborators shared by the commands.
type deps struct {
	log      *slog.Logger
	cfg      *config.Config
	kb       duck.DB
	catalog  *catalog.CachedStore
	engine   *sqlengine.DuckDBEngine
	embedder embedding.Provider
	index    agent.SimilarityIndex
	qdrant   *index.QdrantIndex
}

// newCatalog opens the knowledge base read-only and wraps its metadata
// store in a cache.
func newCatalog(ctx context.Context, log *slog.Logger, cfg *config.Config) (duck.DB, *catalog.CachedStore, error) {
	kb, err := duck.NewDB(ctx, cfg.KBPath, log, duck.ReadOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open knowledge base %s: %w", cfg.KBPath, err)
	}
	store, err := catalog.NewDuckDBStore(catalog.StoreConfig{Logger: log, DB: kb})
	if err != nil {
		kb.Close()
		return nil, nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	cached, err := catalog.NewCachedStore(store, cfg.CatalogCacheTTL)
	if err != nil {
		kb.Close()
		return nil, nil, err
	}
	return kb, cached, nil
}

func newEmbedder(cfg *config.Config) embedding.Provider {
	var p embedding.Provider
	switch cfg.EmbedProvider {
	case config.EmbedProviderOllama:
		p = embedding.NewOllamaProvider(cfg.EmbedURL, cfg.EmbedModel, cfg.EmbedDims)
	case config.EmbedProviderOpenAI:
		p = embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.EmbedURL, cfg.EmbedDims)
	default:
		p = embedding.NewHashProvider(cfg.EmbedDims)
	}
	if cfg.EmbedCacheTTL > 0 {
		p = embedding.NewCached(p, cfg.EmbedCacheTTL, embedCacheCapacity)
	}
	return p
}

func newQdrant(ctx context.Context, log *slog.Logger, cfg *config.Config, cat agent.Catalog) (*index.QdrantIndex, error) {
	q, err := index.NewQdrantIndex(index.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbedDims), //nolint:gosec
	}, cat, log)
	if err != nil {
		return nil, err
	}
	if err := q.EnsureCollection(ctx); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// newDeps opens every collaborator needed to answer questions. The memory
// index is rebuilt from the catalog; a Qdrant index is expected to have been
// populated with `tabula index`.
func newDeps(ctx context.Context, log *slog.Logger, cfg *config.Config) (*deps, error) {
	d := &deps{log: log, cfg: cfg}

	var err error
	d.kb, d.catalog, err = newCatalog(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	d.engine, err = sqlengine.NewDuckDBEngine(sqlengine.Config{
		Logger:  log,
		KBPath:  cfg.KBPath,
		MaxRows: cfg.MaxRows,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	d.embedder = newEmbedder(cfg)

	switch cfg.IndexBackend {
	case config.IndexBackendQdrant:
		d.qdrant, err = newQdrant(ctx, log, cfg, d.catalog)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.index = d.qdrant
	default:
		mem := index.NewMemoryIndex()
		n, err := index.Sync(ctx, d.catalog, d.embedder, mem, index.BuildConfig{})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to build index: %w", err)
		}
		log.Debug("index: built memory index", "tables", n)
		d.index = mem
	}
	return d, nil
}

func newLLM(log *slog.Logger, cfg *config.Config) agent.LLMClient {
	return agent.NewAnthropicLLMClient(log, "", anthropic.Model(cfg.Model), int64(cfg.MaxTokens))
}

func (d *deps) orchestrator() (*agent.Orchestrator, error) {
	return agent.New(agent.Config{
		Logger:                d.log,
		LLM:                   newLLM(d.log, d.cfg),
		Embedder:              d.embedder,
		Index:                 d.index,
		Engine:                d.engine,
		Catalog:               d.catalog,
		TopK:                  d.cfg.TopK,
		MaxGenerationAttempts: d.cfg.MaxGenerationAttempts,
		MaxValidationAttempts: d.cfg.MaxValidationAttempts,
		CallTimeout:           d.cfg.CallTimeout,
		MaxCallRetries:        d.cfg.MaxCallRetries,
		SkipSynthesis:         d.cfg.SkipSynthesis,
	}, agent.Agents{})
}

func (d *deps) Close() error {
	var errs []error
	if d.qdrant != nil {
		errs = append(errs, d.qdrant.Close())
	}
	if d.catalog != nil {
		d.catalog.Close()
	}
	if d.kb != nil {
		errs = append(errs, d.kb.Close())
	}
	return errors.Join(errs...)
}
