// Package feedback aggregates user feedback into per-source scores and query
// patterns, and serves them to live requests as an immutable snapshot.
package feedback

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/internal/textnorm"
	"github.com/kb-assistant/backend/pkg/logger"
)

// Snapshot is read-only once built. Refreshes build a new one.
type Snapshot struct {
	scores   map[string]models.SourceScore
	patterns []compiledPattern
	loadedAt time.Time
}

type compiledPattern struct {
	pattern models.QueryPattern
	terms   []string
}

func NewSnapshot(scores map[string]models.SourceScore, patterns []models.QueryPattern) *Snapshot {
	s := &Snapshot{
		scores:   make(map[string]models.SourceScore, len(scores)),
		loadedAt: time.Now(),
	}
	for k, v := range scores {
		s.scores[k] = v
	}
	for _, p := range patterns {
		terms := textnorm.SignatureTerms(p.Signature)
		if len(terms) == 0 || len(p.SourceIDs) == 0 {
			continue
		}
		s.patterns = append(s.patterns, compiledPattern{pattern: p, terms: terms})
	}
	return s
}

func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

func (s *Snapshot) Score(sourceID string) (models.SourceScore, bool) {
	sc, ok := s.scores[sourceID]
	return sc, ok
}

// FeedbackScore is (helpful - 2*notHelpful) / total. ok is false without history.
func FeedbackScore(s models.SourceScore) (float64, bool) {
	total := s.Total()
	if total == 0 {
		return 0, false
	}
	return float64(s.Helpful-2*s.NotHelpful) / float64(total), true
}

// PatternSources returns the sources of every pattern whose signature terms all
// occur in the query.
func (s *Snapshot) PatternSources(query string) map[string]bool {
	if len(s.patterns) == 0 {
		return nil
	}

	terms := make(map[string]bool)
	for _, t := range textnorm.SignatureTerms(query) {
		terms[t] = true
	}

	var out map[string]bool
	for _, p := range s.patterns {
		if !containsAll(terms, p.terms) {
			continue
		}
		if out == nil {
			out = make(map[string]bool)
		}
		for _, id := range p.pattern.SourceIDs {
			out[id] = true
		}
	}
	return out
}

func (s *Snapshot) Counts() (scores, patterns int) {
	return len(s.scores), len(s.patterns)
}

func containsAll(set map[string]bool, terms []string) bool {
	for _, t := range terms {
		if !set[t] {
			return false
		}
	}
	return true
}

type Repository interface {
	GetSourceScores(ctx context.Context) (map[string]models.SourceScore, error)
	GetQueryPatterns(ctx context.Context) ([]models.QueryPattern, error)
}

// Store hands out the current snapshot. Readers never block a reload.
type Store struct {
	repo    Repository
	current atomic.Pointer[Snapshot]
}

func NewStore(repo Repository) *Store {
	s := &Store{repo: repo}
	s.current.Store(NewSnapshot(nil, nil))
	return s
}

func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload reads scores and patterns concurrently and swaps in a new snapshot.
// On error the previous snapshot stays in place.
func (s *Store) Reload(ctx context.Context) error {
	var (
		scores   map[string]models.SourceScore
		patterns []models.QueryPattern
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		scores, err = s.repo.GetSourceScores(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		patterns, err = s.repo.GetQueryPatterns(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to reload feedback snapshot: %w", err)
	}

	snap := NewSnapshot(scores, patterns)
	s.current.Store(snap)

	nScores, nPatterns := snap.Counts()
	logger.Info("Feedback snapshot reloaded",
		zap.Int("source_scores", nScores),
		zap.Int("query_patterns", nPatterns),
	)
	return nil
}
