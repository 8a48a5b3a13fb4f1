package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/internal/storage/sqlite"
	"github.com/kb-assistant/backend/pkg/logger"
)

var (
	ErrInvalidRating = errors.New("invalid rating")
	ErrUnknownQuery  = errors.New("unknown query")
	ErrNoHistory     = errors.New("query history is not configured")
)

type FeedbackRequest struct {
	QueryID   string
	Rating    models.Rating
	IssueType string
	Comment   string
}

// SubmitFeedback stores a rating for an answered query and applies it to the
// cache entry that served or was produced by that answer.
func (e *Engine) SubmitFeedback(ctx context.Context, req FeedbackRequest) error {
	if !req.Rating.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRating, req.Rating)
	}
	if e.History == nil {
		return ErrNoHistory
	}

	record, err := e.History.GetQueryRecord(ctx, req.QueryID)
	if errors.Is(err, sqlite.ErrNotFound) {
		// The answer may have gone out before its history row was written.
		e.awaitPersist(ctx, req.QueryID)
		record, err = e.History.GetQueryRecord(ctx, req.QueryID)
	}
	if errors.Is(err, sqlite.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, req.QueryID)
	}
	if err != nil {
		return fmt.Errorf("failed to load query: %w", err)
	}

	if err := e.History.StoreFeedback(ctx, &models.Feedback{
		QueryID:   req.QueryID,
		Rating:    req.Rating,
		IssueType: req.IssueType,
		Comment:   req.Comment,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	metrics.UserSatisfaction.WithLabelValues(string(req.Rating)).Inc()

	if record.CacheEntryID != "" && e.Cache != nil {
		helpful := req.Rating != models.RatingNotHelpful
		if _, err := e.Cache.RecordFeedback(ctx, record.CacheEntryID, helpful); err != nil {
			logger.Warn("Failed to apply feedback to cache entry",
				zap.String("query_id", req.QueryID),
				zap.String("entry_id", record.CacheEntryID),
				zap.Error(err),
			)
		}
	}

	logger.Info("Feedback recorded",
		zap.String("query_id", req.QueryID),
		zap.String("rating", string(req.Rating)),
		zap.String("issue_type", req.IssueType),
	)
	return nil
}

func (e *Engine) awaitPersist(ctx context.Context, queryID string) {
	v, ok := e.pending.Load(queryID)
	if !ok {
		return
	}
	select {
	case <-v.(chan struct{}):
	case <-ctx.Done():
	}
}

func (e *Engine) QueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error) {
	if e.History == nil {
		return nil, ErrNoHistory
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.History.GetQueryHistory(ctx, sessionID, limit)
}
