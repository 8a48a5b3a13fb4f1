package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/logger"
)

// InsertQueryRecord stores one answered query together with the sources it used.
func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO query_history (id, session_id, query_text, standalone_query, response, cached, cache_tier,
			cache_entry_id, confidence, candidate_count, arbiter_used, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		record.ID,
		record.SessionID,
		record.QueryText,
		record.StandaloneQuery,
		record.Response,
		boolToInt(record.Cached),
		record.CacheTier,
		record.CacheEntryID,
		record.Confidence,
		record.CandidateCount,
		boolToInt(record.ArbiterUsed),
		record.LatencyMS,
		toUnix(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, s := range sources {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, source_id, url, score) VALUES (?, ?, ?, ?)`,
			record.ID, s.SourceID, s.URL, s.Score,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Debug("Query recorded",
		zap.String("query_id", record.ID),
		zap.Bool("cached", record.Cached),
		zap.Int("sources", len(sources)),
	)
	return nil
}

func (c *Client) GetQueryRecord(ctx context.Context, id string) (*models.QueryRecord, error) {
	query := `
		SELECT id, session_id, query_text, standalone_query, response, cached, cache_tier, cache_entry_id,
			confidence, candidate_count, arbiter_used, latency_ms, created_at
		FROM query_history WHERE id = ?
	`
	r, err := scanQueryRecord(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (c *Client) GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, session_id, query_text, standalone_query, response, cached, cache_tier, cache_entry_id,
			confidence, candidate_count, arbiter_used, latency_ms, created_at
		FROM query_history
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		r, err := scanQueryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}

	return records, rows.Err()
}

func scanQueryRecord(row rowScanner) (*models.QueryRecord, error) {
	var r models.QueryRecord
	var session, standalone, response, tier, entryID sql.NullString
	var confidence sql.NullFloat64
	var candidates, latency sql.NullInt64
	var cached, arbiter int
	var createdAt int64

	err := row.Scan(&r.ID, &session, &r.QueryText, &standalone, &response, &cached, &tier, &entryID,
		&confidence, &candidates, &arbiter, &latency, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan query record: %w", err)
	}

	r.SessionID = session.String
	r.StandaloneQuery = standalone.String
	r.Response = response.String
	r.Cached = cached == 1
	r.CacheTier = tier.String
	r.CacheEntryID = entryID.String
	r.Confidence = confidence.Float64
	r.CandidateCount = int(candidates.Int64)
	r.ArbiterUsed = arbiter == 1
	r.LatencyMS = int(latency.Int64)
	r.CreatedAt = fromUnix(createdAt)
	return &r, nil
}

func (c *Client) StoreFeedback(ctx context.Context, feedback *models.Feedback) error {
	at := feedback.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO feedback (query_id, rating, issue_type, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		feedback.QueryID,
		string(feedback.Rating),
		feedback.IssueType,
		feedback.Comment,
		at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("query_id", feedback.QueryID),
		zap.String("rating", string(feedback.Rating)),
	)

	return nil
}

// ListSourceFeedback returns every feedback row fanned out to the sources of the rated query.
func (c *Client) ListSourceFeedback(ctx context.Context) ([]models.SourceFeedback, error) {
	query := `
		SELECT s.source_id, COALESCE(h.standalone_query, h.query_text), f.rating, COALESCE(f.issue_type, '')
		FROM feedback f
		JOIN query_history h ON h.id = f.query_id
		JOIN query_sources s ON s.query_id = f.query_id
		ORDER BY f.id
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list source feedback: %w", err)
	}
	defer rows.Close()

	var out []models.SourceFeedback
	for rows.Next() {
		var sf models.SourceFeedback
		var rating string
		if err := rows.Scan(&sf.SourceID, &sf.QueryText, &rating, &sf.IssueType); err != nil {
			return nil, fmt.Errorf("failed to scan source feedback: %w", err)
		}
		sf.Rating = models.Rating(rating)
		out = append(out, sf)
	}

	return out, rows.Err()
}

func (c *Client) ReplaceSourceScores(ctx context.Context, scores []models.SourceScore) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO source_scores (source_id, helpful, not_helpful, helpful_with_issues, score, issue_types, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			helpful = excluded.helpful,
			not_helpful = excluded.not_helpful,
			helpful_with_issues = excluded.helpful_with_issues,
			score = excluded.score,
			issue_types = excluded.issue_types,
			updated_at = excluded.updated_at
	`

	now := time.Now().Unix()
	for _, s := range scores {
		issues, err := json.Marshal(s.IssueTypes)
		if err != nil {
			return fmt.Errorf("failed to encode issue types: %w", err)
		}
		_, err = tx.ExecContext(ctx, query, s.SourceID, s.Helpful, s.NotHelpful, s.HelpfulWithIssues, s.Score, string(issues), now)
		if err != nil {
			return fmt.Errorf("failed to upsert source score: %w", err)
		}
	}

	return tx.Commit()
}

func (c *Client) GetSourceScores(ctx context.Context) (map[string]models.SourceScore, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT source_id, helpful, not_helpful, helpful_with_issues, score, issue_types, updated_at FROM source_scores`)
	if err != nil {
		return nil, fmt.Errorf("failed to get source scores: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]models.SourceScore)
	for rows.Next() {
		var s models.SourceScore
		var issues sql.NullString
		var updatedAt int64
		if err := rows.Scan(&s.SourceID, &s.Helpful, &s.NotHelpful, &s.HelpfulWithIssues, &s.Score, &issues, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source score: %w", err)
		}
		if issues.Valid && issues.String != "" {
			if err := json.Unmarshal([]byte(issues.String), &s.IssueTypes); err != nil {
				logger.Warn("Ignoring malformed issue histogram", zap.String("source_id", s.SourceID), zap.Error(err))
			}
		}
		s.UpdatedAt = fromUnix(updatedAt)
		scores[s.SourceID] = s
	}

	return scores, rows.Err()
}

// ReplaceQueryPatterns swaps the whole pattern table for patterns.
func (c *Client) ReplaceQueryPatterns(ctx context.Context, patterns []models.QueryPattern) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM query_patterns`); err != nil {
		return fmt.Errorf("failed to clear query patterns: %w", err)
	}

	now := time.Now().Unix()
	for _, p := range patterns {
		ids, err := json.Marshal(p.SourceIDs)
		if err != nil {
			return fmt.Errorf("failed to encode pattern sources: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO query_patterns (signature, source_ids, support, updated_at) VALUES (?, ?, ?, ?)`,
			p.Signature, string(ids), p.Support, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query pattern: %w", err)
		}
	}

	return tx.Commit()
}

func (c *Client) GetQueryPatterns(ctx context.Context) ([]models.QueryPattern, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, signature, source_ids, support, updated_at FROM query_patterns ORDER BY support DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []models.QueryPattern
	for rows.Next() {
		var p models.QueryPattern
		var ids string
		var updatedAt int64
		if err := rows.Scan(&p.ID, &p.Signature, &ids, &p.Support, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan query pattern: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &p.SourceIDs); err != nil {
			return nil, fmt.Errorf("failed to decode pattern sources: %w", err)
		}
		p.UpdatedAt = fromUnix(updatedAt)
		patterns = append(patterns, p)
	}

	return patterns, rows.Err()
}
