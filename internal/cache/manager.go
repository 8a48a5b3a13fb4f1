// Package cache implements the multi-tier answer cache: a volatile redis tier in
// front of the durable sqlite tier, with an optional semantic tier behind both.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/cache/redis"
	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/internal/storage/sqlite"
	"github.com/kb-assistant/backend/internal/textnorm"
	"github.com/kb-assistant/backend/pkg/logger"
)

// ErrNotCacheable is returned by Write when an answer fails the worthiness checks.
var ErrNotCacheable = errors.New("response not cacheable")

const (
	TierVolatile  = "volatile"
	TierDurable   = "durable"
	TierVariation = "variation"
	TierSemantic  = "semantic"
)

type VolatileStore interface {
	GetResponse(ctx context.Context, key string) (*redis.CachedResponse, bool, error)
	SetResponse(ctx context.Context, key string, resp *redis.CachedResponse, ttl time.Duration) error
	DeleteResponse(ctx context.Context, key string) error
	InvalidateResponses(ctx context.Context) (int, error)
}

type DurableStore interface {
	UpsertCacheEntry(ctx context.Context, e *models.CacheEntry) (string, error)
	GetCacheEntry(ctx context.Context, id string) (*models.CacheEntry, error)
	GetActiveByQuestion(ctx context.Context, normalized string) (*models.CacheEntry, error)
	GetActiveByVariation(ctx context.Context, phrase string) (*models.CacheEntry, error)
	RecordCacheHit(ctx context.Context, hit models.CacheHit) error
	IncrementCacheFeedback(ctx context.Context, id string, helpful, notHelpful int) (*models.CacheEntry, error)
	SetCacheConfidence(ctx context.Context, id string, confidence float64) error
	DeactivateCacheEntry(ctx context.Context, id string) error
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	DeactivateAll(ctx context.Context) (int64, error)
}

// SemanticTier is the last lookup tier. No implementation ships by default; a
// similarity-based lookup can be plugged in without touching the exact tiers.
type SemanticTier interface {
	Lookup(ctx context.Context, normalized string) (*models.CacheEntry, error)
}

type Config struct {
	DurableTTL         time.Duration
	VolatileTTL        time.Duration
	VolatileTimeout    time.Duration
	DurableTimeout     time.Duration
	MinSources         int
	MinResponseLength  int
	UncertaintyPhrases []string
	CanonicalOrigin    string
}

// Hit is a cached answer ready to be returned to the caller.
type Hit struct {
	EntryID    string
	Question   string
	Response   string
	Sources    []models.CachedSource
	Confidence float64
	Tier       string
	Latency    time.Duration
}

type WriteRequest struct {
	Question         string
	OriginalQuestion string
	// Rewritten marks a question resolved from conversation context. Its
	// original wording only means something inside that conversation, so it is
	// kept for reference but never stored as a variation.
	Rewritten bool
	Response  string
	Sources   []models.CachedSource
}

type Manager struct {
	volatile VolatileStore
	durable  DurableStore
	semantic SemanticTier
	cfg      Config
	phrases  []string
	now      func() time.Time
	wg       sync.WaitGroup
}

type Option func(*Manager)

func WithSemanticTier(s SemanticTier) Option {
	return func(m *Manager) { m.semantic = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager over the given tiers. volatile may be nil, in which
// case every lookup starts at the durable tier.
func NewManager(volatile VolatileStore, durable DurableStore, cfg Config, opts ...Option) *Manager {
	if cfg.MinSources <= 0 {
		cfg.MinSources = 2
	}
	if cfg.DurableTTL <= 0 {
		cfg.DurableTTL = 30 * 24 * time.Hour
	}
	if cfg.VolatileTTL <= 0 {
		cfg.VolatileTTL = time.Hour
	}

	m := &Manager{
		volatile: volatile,
		durable:  durable,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, p := range cfg.UncertaintyPhrases {
		if p = normalizeApostrophes(strings.ToLower(strings.TrimSpace(p))); p != "" {
			m.phrases = append(m.phrases, p)
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lookup walks the tiers in order and reports whether a live answer was found.
// Tier failures are logged and treated as misses for that tier. The raw wording
// is tried against variations only when the query was not rewritten.
func (m *Manager) Lookup(ctx context.Context, q models.Query) (*Hit, bool) {
	start := m.now()
	normalized := textnorm.Normalize(q.Standalone)
	if normalized == "" {
		return nil, false
	}
	key := textnorm.Key(q.Standalone)

	original := q.Raw
	if q.Rewritten {
		original = ""
	}

	if hit, ok := m.lookupVolatile(ctx, key); ok {
		return m.finishHit(hit, key, start), true
	}

	entry, tier, ok := m.lookupDurable(ctx, normalized, original)
	if !ok {
		metrics.CacheMisses.WithLabelValues("all").Inc()
		return nil, false
	}

	hit := &Hit{
		EntryID:    entry.ID,
		Question:   entry.NormalizedQuestion,
		Response:   entry.Response,
		Sources:    entry.Sources,
		Confidence: entry.Confidence,
		Tier:       tier,
	}
	m.refreshVolatile(key, entry)
	return m.finishHit(hit, key, start), true
}

func (m *Manager) lookupVolatile(ctx context.Context, key string) (*Hit, bool) {
	if m.volatile == nil {
		return nil, false
	}

	vctx, cancel := withTimeout(ctx, m.cfg.VolatileTimeout)
	defer cancel()

	resp, ok, err := m.volatile.GetResponse(vctx, key)
	if err != nil {
		logger.Warn("Volatile cache lookup failed, falling back to durable tier",
			zap.String("key", key), zap.Error(err))
		metrics.CacheMisses.WithLabelValues(TierVolatile).Inc()
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(TierVolatile).Inc()
		return nil, false
	}
	if !resp.ExpiresAt.IsZero() && !m.now().Before(resp.ExpiresAt) {
		m.background(func(bg context.Context) {
			if err := m.volatile.DeleteResponse(bg, key); err != nil {
				logger.Warn("Failed to drop expired volatile entry", zap.String("key", key), zap.Error(err))
			}
		})
		return nil, false
	}

	return &Hit{
		EntryID:    resp.EntryID,
		Question:   resp.Question,
		Response:   resp.Response,
		Sources:    resp.Sources,
		Confidence: resp.Confidence,
		Tier:       TierVolatile,
	}, true
}

func (m *Manager) lookupDurable(ctx context.Context, normalized, original string) (*models.CacheEntry, string, bool) {
	dctx, cancel := withTimeout(ctx, m.cfg.DurableTimeout)
	defer cancel()

	entry, err := m.durable.GetActiveByQuestion(dctx, normalized)
	if m.usable(entry, err, TierDurable) {
		return entry, TierDurable, true
	}
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return nil, "", false
	}

	phrases := []string{normalized}
	if o := textnorm.Normalize(original); o != "" && o != normalized {
		phrases = append(phrases, o)
	}
	for _, phrase := range phrases {
		entry, err := m.durable.GetActiveByVariation(dctx, phrase)
		if m.usable(entry, err, TierVariation) {
			return entry, TierVariation, true
		}
		if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			return nil, "", false
		}
	}

	if m.semantic != nil {
		entry, err := m.semantic.Lookup(dctx, normalized)
		if m.usable(entry, err, TierSemantic) {
			return entry, TierSemantic, true
		}
	}

	return nil, "", false
}

// usable reports whether a durable read produced a live entry. Expired entries
// are deactivated in the background and count as a miss.
func (m *Manager) usable(entry *models.CacheEntry, err error, tier string) bool {
	if err != nil {
		if !errors.Is(err, sqlite.ErrNotFound) {
			logger.Warn("Durable cache lookup failed", zap.String("tier", tier), zap.Error(err))
		}
		metrics.CacheMisses.WithLabelValues(tier).Inc()
		return false
	}
	if entry == nil || !entry.Active {
		metrics.CacheMisses.WithLabelValues(tier).Inc()
		return false
	}
	if entry.Expired(m.now()) {
		id := entry.ID
		m.background(func(bg context.Context) {
			if err := m.durable.DeactivateCacheEntry(bg, id); err != nil {
				logger.Warn("Failed to deactivate expired cache entry", zap.String("entry_id", id), zap.Error(err))
			}
		})
		metrics.CacheMisses.WithLabelValues(tier).Inc()
		return false
	}
	return true
}

func (m *Manager) finishHit(hit *Hit, key string, start time.Time) *Hit {
	hit.Latency = m.now().Sub(start)
	metrics.CacheHits.WithLabelValues(hit.Tier).Inc()

	record := models.CacheHit{
		EntryID:   hit.EntryID,
		Tier:      hit.Tier,
		LatencyMS: int(hit.Latency.Milliseconds()),
		CreatedAt: m.now(),
	}
	m.background(func(bg context.Context) {
		if err := m.durable.RecordCacheHit(bg, record); err != nil {
			logger.Warn("Failed to record cache hit", zap.String("entry_id", record.EntryID), zap.Error(err))
		}
	})

	logger.Debug("Cache hit",
		zap.String("key", key),
		zap.String("tier", hit.Tier),
		zap.Duration("latency", hit.Latency),
	)
	return hit
}

func (m *Manager) refreshVolatile(key string, entry *models.CacheEntry) {
	if m.volatile == nil {
		return
	}
	ttl := m.volatileTTL(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	resp := toCachedResponse(entry)
	m.background(func(bg context.Context) {
		if err := m.volatile.SetResponse(bg, key, resp, ttl); err != nil {
			logger.Warn("Failed to refresh volatile cache", zap.String("key", key), zap.Error(err))
		}
	})
}

func (m *Manager) volatileTTL(expiresAt time.Time) time.Duration {
	ttl := m.cfg.VolatileTTL
	if !expiresAt.IsZero() {
		if remaining := expiresAt.Sub(m.now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// CheckWorthiness returns nil when an answer may be cached.
func (m *Manager) CheckWorthiness(response string, sources []models.CachedSource) error {
	if len(sources) < m.cfg.MinSources {
		return fmt.Errorf("%w: %d sources, need %d", ErrNotCacheable, len(sources), m.cfg.MinSources)
	}
	trimmed := strings.TrimSpace(response)
	if len([]rune(trimmed)) < m.cfg.MinResponseLength {
		return fmt.Errorf("%w: response shorter than %d characters", ErrNotCacheable, m.cfg.MinResponseLength)
	}
	lower := normalizeApostrophes(strings.ToLower(trimmed))
	for _, p := range m.phrases {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: contains uncertainty phrase %q", ErrNotCacheable, p)
		}
	}
	return nil
}

// Write persists a freshly computed answer to the durable tier and then the
// volatile tier. A volatile failure is logged and does not fail the write.
func (m *Manager) Write(ctx context.Context, req WriteRequest) (*models.CacheEntry, error) {
	normalized := textnorm.Normalize(req.Question)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty question", ErrNotCacheable)
	}
	if err := m.CheckWorthiness(req.Response, req.Sources); err != nil {
		metrics.CacheWrites.WithLabelValues("rejected").Inc()
		return nil, err
	}

	sources := make([]models.CachedSource, len(req.Sources))
	for i, s := range req.Sources {
		s.URL = EnrichURL(s.URL, m.cfg.CanonicalOrigin)
		sources[i] = s
	}

	now := m.now()
	confidence := WriteConfidence(sources, len([]rune(strings.TrimSpace(req.Response))))
	entry := &models.CacheEntry{
		ID:                 uuid.New().String(),
		NormalizedQuestion: normalized,
		QuestionHash:       textnorm.Key(req.Question),
		OriginalQuestion:   req.OriginalQuestion,
		Response:           req.Response,
		Sources:            sources,
		Confidence:         confidence,
		RetrievalQuality:   confidence,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(m.cfg.DurableTTL),
		Active:             true,
	}
	if o := textnorm.Normalize(req.OriginalQuestion); !req.Rewritten && o != "" && o != normalized {
		entry.Variations = []string{o}
	}

	id, err := m.durable.UpsertCacheEntry(ctx, entry)
	if err != nil {
		metrics.CacheWrites.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to persist cache entry: %w", err)
	}
	entry.ID = id

	if m.volatile != nil {
		if err := m.volatile.SetResponse(ctx, entry.QuestionHash, toCachedResponse(entry), m.volatileTTL(entry.ExpiresAt)); err != nil {
			logger.Warn("Failed to write volatile cache", zap.String("entry_id", id), zap.Error(err))
		}
	}

	metrics.CacheWrites.WithLabelValues("stored").Inc()
	logger.Info("Answer cached",
		zap.String("entry_id", id),
		zap.String("question", normalized),
		zap.Float64("confidence", confidence),
		zap.Int("sources", len(sources)),
	)
	return entry, nil
}

// RecordFeedback applies one helpful or not-helpful vote to an entry and
// recomputes its confidence.
func (m *Manager) RecordFeedback(ctx context.Context, entryID string, helpful bool) (*models.CacheEntry, error) {
	h, n := 0, 1
	if helpful {
		h, n = 1, 0
	}

	entry, err := m.durable.IncrementCacheFeedback(ctx, entryID, h, n)
	if err != nil {
		return nil, fmt.Errorf("failed to update cache feedback: %w", err)
	}

	entry.Confidence = CompositeConfidence(entry, m.now())
	if err := m.durable.SetCacheConfidence(ctx, entry.ID, entry.Confidence); err != nil {
		return nil, fmt.Errorf("failed to update cache confidence: %w", err)
	}

	if m.volatile != nil && entry.Active && !entry.Expired(m.now()) {
		if err := m.volatile.SetResponse(ctx, entry.QuestionHash, toCachedResponse(entry), m.volatileTTL(entry.ExpiresAt)); err != nil {
			logger.Warn("Failed to refresh volatile cache after feedback", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}

	logger.Info("Cache feedback recorded",
		zap.String("entry_id", entry.ID),
		zap.Bool("helpful", helpful),
		zap.Float64("confidence", entry.Confidence),
	)
	return entry, nil
}

// CleanupExpired deactivates every durable entry past its expiry.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.durable.DeactivateExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("Expired cache entries deactivated", zap.Int64("count", n))
	}
	return n, nil
}

// Invalidate soft-deletes every durable entry, drops the volatile responses and
// leaves query embeddings alone, since they do not depend on the index.
func (m *Manager) Invalidate(ctx context.Context) error {
	n, err := m.durable.DeactivateAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to deactivate durable cache: %w", err)
	}

	if m.volatile != nil {
		if _, err := m.volatile.InvalidateResponses(ctx); err != nil {
			return fmt.Errorf("failed to invalidate volatile cache: %w", err)
		}
	}

	logger.Info("Cache invalidated", zap.Int64("durable_entries", n))
	return nil
}

// Wait blocks until background bookkeeping started by Lookup has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) background(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timeout := m.cfg.DurableTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

func toCachedResponse(e *models.CacheEntry) *redis.CachedResponse {
	return &redis.CachedResponse{
		EntryID:    e.ID,
		Question:   e.NormalizedQuestion,
		Response:   e.Response,
		Sources:    e.Sources,
		Confidence: e.Confidence,
		ExpiresAt:  e.ExpiresAt,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func normalizeApostrophes(s string) string {
	return strings.ReplaceAll(s, "’", "'")
}
