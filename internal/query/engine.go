// Package query runs the retrieval pipeline for a single question.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kb-assistant/backend/internal/cache"
	"github.com/kb-assistant/backend/internal/filter"
	"github.com/kb-assistant/backend/internal/llm"
	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/internal/preprocess"
	"github.com/kb-assistant/backend/internal/ranking"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/logger"
	"github.com/kb-assistant/backend/pkg/utils"
)

// ErrUnavailable means a foundational backend (embedding, vector index or
// generation) failed. Callers show a generic message and never the cause.
var ErrUnavailable = errors.New("retrieval temporarily unavailable")

const defaultNoResultsMessage = "I couldn't find any relevant sources for that question. Try rephrasing it or adding more detail."

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Generator interface {
	GenerateResponse(ctx context.Context, question string, sources []llm.ContextSource, history []models.ConversationTurn) (string, error)
}

type VectorSearcher interface {
	Search(ctx context.Context, vec []float32, topK int, pred filter.Predicate) ([]models.CandidateMatch, error)
}

type AnswerCache interface {
	Lookup(ctx context.Context, q models.Query) (*cache.Hit, bool)
	Write(ctx context.Context, req cache.WriteRequest) (*models.CacheEntry, error)
	RecordFeedback(ctx context.Context, entryID string, helpful bool) (*models.CacheEntry, error)
}

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type SessionStore interface {
	AppendTurn(ctx context.Context, sessionID string, turn models.ConversationTurn, maxTurns int, ttl time.Duration) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)
}

type HistoryStore interface {
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error
	GetQueryRecord(ctx context.Context, id string) (*models.QueryRecord, error)
	GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error)
	StoreFeedback(ctx context.Context, feedback *models.Feedback) error
}

// Deps are the collaborators of an Engine. Embeddings, Sessions and History
// are optional.
type Deps struct {
	Normalizer *preprocess.Normalizer
	Planner    *filter.Planner
	Cache      AnswerCache
	Embedder   Embedder
	Embeddings EmbeddingCache
	Vector     VectorSearcher
	Adjuster   *ranking.Adjuster
	Arbiter    *ranking.Arbiter
	Orderer    *ranking.Orderer
	Generator  Generator
	Sessions   SessionStore
	History    HistoryStore
}

type Config struct {
	TopK              int
	HistoryTurns      int
	MaxTurns          int
	SessionTTL        time.Duration
	EmbeddingCacheTTL time.Duration
	EmbeddingTimeout  time.Duration
	WriteTimeout      time.Duration
	NoResultsMessage  string
}

type Engine struct {
	Deps
	cfg Config

	embedGroup singleflight.Group
	wg         sync.WaitGroup
	// pending maps a query id to a channel closed once its background writes finish.
	pending sync.Map
}

type QueryRequest struct {
	Query     string
	SessionID string
}

type Source struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
}

// Timings holds per-stage wall time in milliseconds.
type Timings map[string]int64

type QueryResponse struct {
	ID         string   `json:"id"`
	Query      string   `json:"query"`
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	Cached     bool     `json:"cached"`
	CacheTier  string   `json:"cache_tier,omitempty"`
	Confidence float64  `json:"confidence"`
	Arbiter    string   `json:"arbiter,omitempty"`
	Timings    Timings  `json:"timings"`
	LatencyMS  int      `json:"latency_ms"`
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 5
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = cfg.HistoryTurns
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.EmbeddingCacheTTL <= 0 {
		cfg.EmbeddingCacheTTL = time.Hour
	}
	if cfg.EmbeddingTimeout <= 0 {
		cfg.EmbeddingTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.NoResultsMessage == "" {
		cfg.NoResultsMessage = defaultNoResultsMessage
	}
	if deps.Normalizer == nil {
		deps.Normalizer = preprocess.NewNormalizer(nil, nil, preprocess.Config{})
	}
	if deps.Planner == nil {
		deps.Planner = filter.NewPlanner(filter.DefaultRules)
	}
	if deps.Adjuster == nil {
		deps.Adjuster = ranking.NewAdjuster(nil, ranking.AdjusterConfig{})
	}
	if deps.Arbiter == nil {
		deps.Arbiter = ranking.NewArbiter(nil, ranking.ArbiterConfig{})
	}
	if deps.Orderer == nil {
		deps.Orderer = ranking.NewOrderer(0)
	}
	return &Engine{Deps: deps, cfg: cfg}
}

// ProcessQuery answers one question. Only embedding, vector search and
// generation failures are returned, always wrapping ErrUnavailable.
func (e *Engine) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	queryID := uuid.New().String()
	timings := Timings{}
	stage := stageTimer(timings)

	logger.Info("Processing query",
		zap.String("query_id", queryID),
		zap.String("session_id", req.SessionID),
		zap.String("query", req.Query),
	)

	done := stage("history")
	history := e.recentTurns(ctx, req.SessionID)
	done()

	done = stage("normalize")
	q := e.Normalizer.Prepare(ctx, req.SessionID, req.Query, history)
	done()

	if e.Cache != nil {
		done = stage("cache_lookup")
		hit, ok := e.Cache.Lookup(ctx, q)
		done()
		if ok {
			return e.respondFromCache(queryID, q, hit, timings, start), nil
		}
	}

	done = stage("plan")
	pred := e.Planner.Plan(q.Expanded)
	done()

	done = stage("embed")
	vec, err := e.embed(ctx, q.Expanded)
	done()
	if err != nil {
		return nil, e.fail(queryID, "embedding", err)
	}

	done = stage("search")
	matches, err := e.Vector.Search(ctx, vec, e.cfg.TopK, pred)
	done()
	if err != nil {
		return nil, e.fail(queryID, "vector_search", err)
	}
	metrics.VectorResultsCount.Observe(float64(len(matches)))

	if len(matches) == 0 {
		return e.respondNoResults(queryID, q, timings, start), nil
	}

	done = stage("adjust")
	adjusted := e.Adjuster.Adjust(q.Standalone, matches)
	done()

	done = stage("arbiter")
	arbitrated, outcome := e.Arbiter.Arbitrate(ctx, q.Standalone, adjusted)
	done()

	done = stage("order")
	final := e.Orderer.Order(arbitrated, e.cfg.TopK, pred)
	done()

	done = stage("generate")
	answer, err := e.Generator.GenerateResponse(ctx, q.Raw, contextSources(final), history)
	done()
	if err != nil {
		return nil, e.fail(queryID, "generation", err)
	}

	sources := toSources(final)
	confidence := clampUnit(final[0].AdjustedScore)
	latency := time.Since(start)
	timings["total"] = latency.Milliseconds()

	resp := &QueryResponse{
		ID:         queryID,
		Query:      req.Query,
		Answer:     answer,
		Sources:    sources,
		Confidence: confidence,
		Arbiter:    outcome,
		Timings:    timings,
		LatencyMS:  int(latency.Milliseconds()),
	}

	record := &models.QueryRecord{
		ID:              queryID,
		SessionID:       req.SessionID,
		QueryText:       req.Query,
		StandaloneQuery: q.Standalone,
		Response:        answer,
		Confidence:      confidence,
		CandidateCount:  len(matches),
		ArbiterUsed:     outcome == ranking.OutcomeReordered,
		LatencyMS:       resp.LatencyMS,
		CreatedAt:       time.Now(),
	}
	e.persist(ctx, record, sources, func(bg context.Context) {
		entry, err := e.writeCache(bg, q, answer, sources)
		if err == nil && entry != nil {
			record.CacheEntryID = entry.ID
		}
	})

	metrics.QueryDuration.WithLabelValues("pipeline").Observe(latency.Seconds())
	metrics.QueryTotal.WithLabelValues("success").Inc()
	metrics.ConfidenceScore.Observe(confidence)

	logger.Info("Query processed successfully",
		zap.String("query_id", queryID),
		zap.Int("candidates", len(matches)),
		zap.String("arbiter", outcome),
		zap.Float64("confidence", confidence),
		zap.Int("latency_ms", resp.LatencyMS),
	)
	return resp, nil
}

func (e *Engine) respondFromCache(queryID string, q models.Query, hit *cache.Hit, timings Timings, start time.Time) *QueryResponse {
	sources := make([]Source, len(hit.Sources))
	for i, s := range hit.Sources {
		sources[i] = Source{SourceID: s.SourceID, Title: s.Title, URL: s.URL, Category: s.Category, Score: s.Score}
	}

	latency := time.Since(start)
	timings["total"] = latency.Milliseconds()
	resp := &QueryResponse{
		ID:         queryID,
		Query:      q.Raw,
		Answer:     hit.Response,
		Sources:    sources,
		Cached:     true,
		CacheTier:  hit.Tier,
		Confidence: hit.Confidence,
		Timings:    timings,
		LatencyMS:  int(latency.Milliseconds()),
	}

	e.persist(context.Background(), &models.QueryRecord{
		ID:              queryID,
		SessionID:       q.SessionID,
		QueryText:       q.Raw,
		StandaloneQuery: q.Standalone,
		Response:        hit.Response,
		Cached:          true,
		CacheTier:       hit.Tier,
		CacheEntryID:    hit.EntryID,
		Confidence:      hit.Confidence,
		LatencyMS:       resp.LatencyMS,
		CreatedAt:       time.Now(),
	}, sources, nil)

	metrics.QueryDuration.WithLabelValues("cache").Observe(latency.Seconds())
	metrics.QueryTotal.WithLabelValues("cached").Inc()

	logger.Info("Query answered from cache",
		zap.String("query_id", queryID),
		zap.String("tier", hit.Tier),
		zap.String("entry_id", hit.EntryID),
		zap.Int("latency_ms", resp.LatencyMS),
	)
	return resp
}

func (e *Engine) respondNoResults(queryID string, q models.Query, timings Timings, start time.Time) *QueryResponse {
	latency := time.Since(start)
	timings["total"] = latency.Milliseconds()
	resp := &QueryResponse{
		ID:        queryID,
		Query:     q.Raw,
		Answer:    e.cfg.NoResultsMessage,
		Sources:   []Source{},
		Timings:   timings,
		LatencyMS: int(latency.Milliseconds()),
	}

	e.persist(context.Background(), &models.QueryRecord{
		ID:              queryID,
		SessionID:       q.SessionID,
		QueryText:       q.Raw,
		StandaloneQuery: q.Standalone,
		Response:        resp.Answer,
		LatencyMS:       resp.LatencyMS,
		CreatedAt:       time.Now(),
	}, nil, nil)

	metrics.QueryDuration.WithLabelValues("no_results").Observe(latency.Seconds())
	metrics.QueryTotal.WithLabelValues("no_results").Inc()

	logger.Info("No relevant sources found", zap.String("query_id", queryID))
	return resp
}

func (e *Engine) fail(queryID, stage string, err error) error {
	metrics.QueryTotal.WithLabelValues("unavailable").Inc()
	logger.Error("Query pipeline failed",
		zap.String("query_id", queryID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, stage, err)
}

// embed returns the query embedding, from the embedding cache when possible.
// Concurrent requests for the same text share one upstream call.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	hash := utils.HashString(text)

	if e.Embeddings != nil {
		vec, ok, err := e.Embeddings.GetEmbedding(ctx, hash)
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		} else if ok {
			return vec, nil
		}
	}

	// The upstream call is shared by every waiter, so it runs detached from any
	// one of them; each waiter still gives up on its own context.
	ch := e.embedGroup.DoChan(hash, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.EmbeddingTimeout)
		defer cancel()
		return e.Embedder.GenerateEmbedding(callCtx, text)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	vec := res.Val.([]float32)

	if e.Embeddings != nil && !res.Shared {
		e.background(func(bg context.Context) {
			if err := e.Embeddings.SetEmbedding(bg, hash, vec, e.cfg.EmbeddingCacheTTL); err != nil {
				logger.Warn("Embedding cache write failed", zap.Error(err))
			}
		})
	}
	return vec, nil
}

// writeCache stores a fresh answer. Failures are logged and never reach the caller.
func (e *Engine) writeCache(ctx context.Context, q models.Query, answer string, sources []Source) (*models.CacheEntry, error) {
	if e.Cache == nil {
		return nil, nil
	}

	cached := make([]models.CachedSource, len(sources))
	for i, s := range sources {
		cached[i] = models.CachedSource{SourceID: s.SourceID, Title: s.Title, URL: s.URL, Category: s.Category, Score: s.Score}
	}

	entry, err := e.Cache.Write(ctx, cache.WriteRequest{
		Question:         q.Standalone,
		OriginalQuestion: q.Raw,
		Rewritten:        q.Rewritten,
		Response:         answer,
		Sources:          cached,
	})
	switch {
	case errors.Is(err, cache.ErrNotCacheable):
		logger.Debug("Answer not cached", zap.String("reason", err.Error()))
	case err != nil:
		logger.Warn("Cache write failed", zap.Error(err))
	}
	return entry, err
}

// persist runs the post-response writes off the request path. The cache write
// (when given) goes first so the history row can reference the new entry.
// Caller cancellation does not abort these writes.
func (e *Engine) persist(ctx context.Context, record *models.QueryRecord, sources []Source, writeCache func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	done := make(chan struct{})
	e.pending.Store(record.ID, done)
	e.background(func(_ context.Context) {
		defer func() {
			e.pending.Delete(record.ID)
			close(done)
		}()

		bg, cancel := context.WithTimeout(detached, e.cfg.WriteTimeout)
		defer cancel()

		if writeCache != nil {
			writeCache(bg)
		}

		if e.History != nil {
			rows := make([]models.QuerySource, len(sources))
			for i, s := range sources {
				rows[i] = models.QuerySource{QueryID: record.ID, SourceID: s.SourceID, URL: s.URL, Score: s.Score}
			}
			if err := e.History.InsertQueryRecord(bg, record, rows); err != nil {
				logger.Warn("Failed to store query history", zap.String("query_id", record.ID), zap.Error(err))
			}
		}

		if e.Sessions != nil && record.SessionID != "" {
			turn := models.ConversationTurn{
				Question:  record.QueryText,
				Answer:    record.Response,
				Timestamp: record.CreatedAt,
			}
			for _, s := range sources {
				turn.SourceIDs = append(turn.SourceIDs, s.SourceID)
			}
			if err := e.Sessions.AppendTurn(bg, record.SessionID, turn, e.cfg.MaxTurns, e.cfg.SessionTTL); err != nil {
				logger.Warn("Failed to store conversation turn", zap.String("session_id", record.SessionID), zap.Error(err))
			}
		}
	})
}

func (e *Engine) recentTurns(ctx context.Context, sessionID string) []models.ConversationTurn {
	if e.Sessions == nil || sessionID == "" {
		return nil
	}
	turns, err := e.Sessions.RecentTurns(ctx, sessionID, e.cfg.HistoryTurns)
	if err != nil {
		logger.Warn("Failed to load conversation history", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return turns
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Drain waits for in-flight cache and history writes. Call it at shutdown.
func (e *Engine) Drain() {
	e.wg.Wait()
}

func stageTimer(t Timings) func(name string) func() {
	return func(name string) func() {
		start := time.Now()
		return func() {
			d := time.Since(start)
			t[name] = d.Milliseconds()
			metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
		}
	}
}

func contextSources(matches []ranking.AdjustedMatch) []llm.ContextSource {
	out := make([]llm.ContextSource, len(matches))
	for i, m := range matches {
		out[i] = llm.ContextSource{
			SourceID: m.SourceKey(),
			Title:    m.Metadata.Title,
			URL:      m.Metadata.URL,
			Excerpt:  m.Metadata.Excerpt,
		}
	}
	return out
}

func toSources(matches []ranking.AdjustedMatch) []Source {
	out := make([]Source, len(matches))
	for i, m := range matches {
		out[i] = Source{
			SourceID: m.SourceKey(),
			Title:    m.Metadata.Title,
			URL:      m.Metadata.URL,
			Category: m.Metadata.Category,
			Score:    m.AdjustedScore,
		}
	}
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
