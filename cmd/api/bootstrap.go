package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/cache"
	redisCache "github.com/kb-assistant/backend/internal/cache/redis"
	"github.com/kb-assistant/backend/internal/feedback"
	"github.com/kb-assistant/backend/internal/filter"
	"github.com/kb-assistant/backend/internal/llm"
	"github.com/kb-assistant/backend/internal/maintenance"
	"github.com/kb-assistant/backend/internal/preprocess"
	"github.com/kb-assistant/backend/internal/query"
	"github.com/kb-assistant/backend/internal/ranking"
	"github.com/kb-assistant/backend/internal/storage/sqlite"
	"github.com/kb-assistant/backend/internal/vector/zilliz"
	"github.com/kb-assistant/backend/pkg/config"
	appLogger "github.com/kb-assistant/backend/pkg/logger"
)

// stores are the two cache tiers and the manager over them. redis is nil when
// the command runs without the volatile tier.
type stores struct {
	db    *sqlite.Client
	redis *redisCache.Client
	cache *cache.Manager
}

func openStores(ctx context.Context, cfg *config.Config, withRedis bool) (*stores, error) {
	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.Acronyms.SeedFile != "" {
		seedAcronyms(ctx, db, cfg.Acronyms.SeedFile)
	}

	st := &stores{db: db}

	var volatile cache.VolatileStore
	if withRedis {
		rc, err := redisCache.NewClient(redisCache.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout(),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		st.redis = rc
		volatile = rc
	}

	st.cache = cache.NewManager(volatile, db, cache.Config{
		DurableTTL:         cfg.Cache.DurableTTL(),
		VolatileTTL:        cfg.Cache.VolatileTTL(),
		VolatileTimeout:    cfg.Redis.Timeout(),
		DurableTimeout:     cfg.SQLite.Timeout(),
		MinSources:         cfg.Cache.MinSources,
		MinResponseLength:  cfg.Cache.MinResponseLength,
		UncertaintyPhrases: cfg.Cache.UncertaintyPhrases,
		CanonicalOrigin:    cfg.Cache.CanonicalOrigin,
	})
	return st, nil
}

func (s *stores) Close() {
	s.cache.Wait()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			appLogger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if err := s.db.Close(); err != nil {
		appLogger.Warn("Failed to close sqlite client", zap.Error(err))
	}
}

func seedAcronyms(ctx context.Context, db *sqlite.Client, path string) {
	acronyms, err := preprocess.LoadSeedFile(path)
	if err != nil {
		appLogger.Warn("Failed to load acronym seed file", zap.String("path", path), zap.Error(err))
		return
	}
	n, err := db.UpsertAcronyms(ctx, acronyms)
	if err != nil {
		appLogger.Warn("Failed to seed acronyms", zap.Error(err))
		return
	}
	appLogger.Info("Acronyms seeded", zap.Int("count", n))
}

// services is everything the serve command runs.
type services struct {
	*stores
	vector     *zilliz.Client
	feedback   *feedback.Store
	analyzer   *feedback.Analyzer
	normalizer *preprocess.Normalizer
	engine     *query.Engine
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	st, err := openStores(ctx, cfg, true)
	if err != nil {
		return nil, err
	}

	vector, err := openVector(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	llmClient := newLLMClient(cfg)

	fbStore := feedback.NewStore(st.db)
	if err := fbStore.Reload(ctx); err != nil {
		appLogger.Warn("Starting with an empty feedback snapshot", zap.Error(err))
	}

	dict, err := preprocess.LoadDictionary(ctx, st.db)
	if err != nil {
		appLogger.Warn("Starting with an empty acronym dictionary", zap.Error(err))
	}

	normalizer := preprocess.NewNormalizer(llmClient, dict, preprocess.Config{
		RewriteEnabled:  cfg.Retrieval.RewriteEnabled,
		RewriteTimeout:  time.Duration(cfg.Retrieval.RewriteTimeoutMs) * time.Millisecond,
		ShortQueryWords: cfg.Retrieval.ShortQueryWords,
		MaxHistory:      cfg.Retrieval.HistoryTurns,
	})

	engine := query.NewEngine(query.Deps{
		Normalizer: normalizer,
		Planner:    filter.NewPlanner(filter.DefaultRules),
		Cache:      st.cache,
		Embedder:   llmClient,
		Embeddings: st.redis,
		Vector:     vector,
		Adjuster:   ranking.NewAdjuster(fbStore, ranking.DefaultAdjusterConfig()),
		Arbiter: ranking.NewArbiter(llmClient, ranking.ArbiterConfig{
			Enabled:      cfg.Retrieval.ArbiterEnabled,
			Band:         cfg.Retrieval.ArbiterBand,
			TopK:         cfg.Retrieval.ArbiterTopK,
			ExcerptChars: cfg.Retrieval.ExcerptChars,
			Timeout:      time.Duration(cfg.Retrieval.ArbiterTimeoutMs) * time.Millisecond,
		}),
		Orderer:   ranking.NewOrderer(cfg.Retrieval.TieEpsilon),
		Generator: llmClient,
		Sessions:  st.redis,
		History:   st.db,
	}, query.Config{
		TopK:              cfg.Retrieval.TopK,
		HistoryTurns:      cfg.Retrieval.HistoryTurns,
		MaxTurns:          cfg.Session.MaxTurns,
		SessionTTL:        cfg.Session.TTL(),
		EmbeddingCacheTTL: time.Duration(cfg.LLM.EmbeddingCacheMin) * time.Minute,
		WriteTimeout:      cfg.Cache.WriteTimeout(),
		NoResultsMessage:  cfg.Retrieval.NoResultsMessage,
	})

	return &services{
		stores:     st,
		vector:     vector,
		feedback:   fbStore,
		analyzer:   feedback.NewAnalyzer(st.db, cfg.Maintenance.PatternMinSupport),
		normalizer: normalizer,
		engine:     engine,
	}, nil
}

func openVector(ctx context.Context, cfg *config.Config) (*zilliz.Client, error) {
	vector, err := zilliz.NewClient(ctx, zilliz.Config{
		Endpoint:       cfg.Zilliz.Endpoint,
		APIKey:         cfg.Zilliz.APIKey,
		CollectionName: cfg.Zilliz.CollectionName,
		VectorDim:      cfg.Zilliz.VectorDim,
		NProbe:         cfg.Zilliz.NProbe,
		SearchTimeout:  cfg.Zilliz.SearchTimeout(),
	})
	if err != nil {
		return nil, err
	}
	if err := vector.CreateCollection(ctx); err != nil {
		vector.Close()
		return nil, fmt.Errorf("failed to prepare collection: %w", err)
	}
	return vector, nil
}

func newLLMClient(cfg *config.Config) *llm.Client {
	return llm.NewClient(llm.Config{
		APIKey:             cfg.LLM.APIKey,
		BaseURL:            cfg.LLM.BaseURL,
		Model:              cfg.LLM.Model,
		EmbeddingModel:     cfg.LLM.EmbeddingModel,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		Timeout:            time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		MaxAttempts:        cfg.LLM.MaxAttempts,
		EmbeddingMaxTokens: cfg.LLM.EmbeddingMaxTokens,
	})
}

func (s *services) Close() {
	s.engine.Drain()
	if err := s.vector.Close(); err != nil {
		appLogger.Warn("Failed to close vector client", zap.Error(err))
	}
	s.stores.Close()
}

func minutes(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Minute
}

// jobs lists the periodic work for a running server.
func (s *services) jobs(cfg *config.Config) []maintenance.Job {
	cleanup := minutes(cfg.Maintenance.CleanupIntervalMinutes, 60)
	refresh := minutes(cfg.Maintenance.FeedbackIntervalMinutes, 30)

	return []maintenance.Job{
		maintenance.CleanupJob(s.cache, cleanup),
		maintenance.FeedbackJob(s.analyzer, s.feedback, refresh),
		maintenance.AcronymJob(s.db, s.normalizer, refresh),
	}
}
