package main

import (
	"context"
	"fmt"

	"github.com/metagraph-ai/metagraph/internal/auth"
	"github.com/metagraph-ai/metagraph/internal/cache"
	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/graph"
	"github.com/metagraph-ai/metagraph/internal/ingest"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

// App bundles the server's long-lived dependencies.
type App struct {
	Config    *config.Config
	Logger    *observability.Logger
	Store     *graph.Store
	Engine    *retrieval.Engine
	Ingestor  *ingest.Ingestor
	Auth      *auth.Service
	authStore *auth.Store
	cache     cache.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	store, err := graph.NewStore(ctx, cfg.Graph, logger)
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}

	var cacheClient cache.Client
	if cfg.Cache.Driver == "redis" {
		cacheClient, err = cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	} else {
		cacheClient = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}

	llmClient := llm.NewClient(cfg.LLM, cfg.Embedding, logger)
	keywords, err := llm.NewKeywordExtractor()
	if err != nil {
		return nil, fmt.Errorf("load keyword extractor: %w", err)
	}

	engine := retrieval.New(store, llmClient, keywords, cacheClient, cfg.Cache.TTL, cfg.Retrieval, logger)

	databases, err := config.LoadDatabases(cfg.Ingestion.ConfDir)
	if err != nil {
		return nil, fmt.Errorf("load database configurations: %w", err)
	}
	ingestor := ingest.New(store, llmClient, keywords, cfg.Ingestion, cfg.Embedding.Dimension, databases, logger)

	authStore, err := auth.NewStore(cfg.AuthDB.Path)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}
	issuer := auth.NewTokenIssuer(cfg.Auth.SecretKey, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	authService, err := auth.NewService(ctx, authStore, issuer, logger)
	if err != nil {
		authStore.Close()
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Engine:    engine,
		Ingestor:  ingestor,
		Auth:      authService,
		authStore: authStore,
		cache:     cacheClient,
	}, nil
}

// Close releases every long-lived resource.
func (a *App) Close(ctx context.Context) {
	if err := a.Store.Close(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("close graph store failed")
	}
	if err := a.authStore.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("close auth store failed")
	}
	if err := a.cache.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("close cache failed")
	}
}
