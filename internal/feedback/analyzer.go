package feedback

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/internal/textnorm"
	"github.com/kb-assistant/backend/pkg/logger"
)

type AnalyzerRepository interface {
	ListSourceFeedback(ctx context.Context) ([]models.SourceFeedback, error)
	ReplaceSourceScores(ctx context.Context, scores []models.SourceScore) error
	ReplaceQueryPatterns(ctx context.Context, patterns []models.QueryPattern) error
}

// Analyzer recomputes source scores and query patterns from the feedback log.
// It runs off the request path and only touches the durable store.
type Analyzer struct {
	repo       AnalyzerRepository
	minSupport int
}

type Result struct {
	Sources  int
	Patterns int
}

func NewAnalyzer(repo AnalyzerRepository, minSupport int) *Analyzer {
	if minSupport <= 0 {
		minSupport = 2
	}
	return &Analyzer{repo: repo, minSupport: minSupport}
}

func (a *Analyzer) Run(ctx context.Context) (Result, error) {
	rows, err := a.repo.ListSourceFeedback(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read feedback: %w", err)
	}

	scores, patterns := a.Compute(rows)

	if err := a.repo.ReplaceSourceScores(ctx, scores); err != nil {
		return Result{}, fmt.Errorf("failed to store source scores: %w", err)
	}
	if err := a.repo.ReplaceQueryPatterns(ctx, patterns); err != nil {
		return Result{}, fmt.Errorf("failed to store query patterns: %w", err)
	}

	logger.Info("Feedback analysis complete",
		zap.Int("feedback_rows", len(rows)),
		zap.Int("sources", len(scores)),
		zap.Int("patterns", len(patterns)),
	)
	return Result{Sources: len(scores), Patterns: len(patterns)}, nil
}

// Compute aggregates feedback rows. A pattern maps a query signature to the
// sources that received positive feedback for it at least minSupport times.
func (a *Analyzer) Compute(rows []models.SourceFeedback) ([]models.SourceScore, []models.QueryPattern) {
	bySource := make(map[string]*models.SourceScore)
	positive := make(map[string]map[string]int)

	for _, r := range rows {
		if r.SourceID == "" || !r.Rating.Valid() {
			continue
		}

		s, ok := bySource[r.SourceID]
		if !ok {
			s = &models.SourceScore{SourceID: r.SourceID}
			bySource[r.SourceID] = s
		}
		switch r.Rating {
		case models.RatingHelpful:
			s.Helpful++
		case models.RatingNotHelpful:
			s.NotHelpful++
		case models.RatingHelpfulWithIssues:
			s.HelpfulWithIssues++
		}
		if r.IssueType != "" {
			if s.IssueTypes == nil {
				s.IssueTypes = make(map[string]int)
			}
			s.IssueTypes[r.IssueType]++
		}

		if r.Rating == models.RatingNotHelpful {
			continue
		}
		sig := textnorm.Signature(r.QueryText)
		if sig == "" {
			continue
		}
		if positive[sig] == nil {
			positive[sig] = make(map[string]int)
		}
		positive[sig][r.SourceID]++
	}

	scores := make([]models.SourceScore, 0, len(bySource))
	for _, s := range bySource {
		s.Score, _ = FeedbackScore(*s)
		scores = append(scores, *s)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].SourceID < scores[j].SourceID })

	var patterns []models.QueryPattern
	for sig, counts := range positive {
		var ids []string
		support := 0
		for id, n := range counts {
			if n < a.minSupport {
				continue
			}
			ids = append(ids, id)
			if n > support {
				support = n
			}
		}
		if len(ids) == 0 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool {
			if counts[ids[i]] != counts[ids[j]] {
				return counts[ids[i]] > counts[ids[j]]
			}
			return ids[i] < ids[j]
		})
		patterns = append(patterns, models.QueryPattern{Signature: sig, SourceIDs: ids, Support: support})
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Signature < patterns[j].Signature })

	return scores, patterns
}
