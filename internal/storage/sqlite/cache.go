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

const cacheEntryColumns = `id, normalized_question, question_hash, original_question, response, sources,
	confidence, retrieval_quality, usage_count, helpful_count, not_helpful_count, last_used_at,
	created_at, updated_at, expires_at, active`

const joinedCacheEntryColumns = `e.id, e.normalized_question, e.question_hash, e.original_question, e.response,
	e.sources, e.confidence, e.retrieval_quality, e.usage_count, e.helpful_count, e.not_helpful_count,
	e.last_used_at, e.created_at, e.updated_at, e.expires_at, e.active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (*models.CacheEntry, error) {
	var e models.CacheEntry
	var original sql.NullString
	var sourcesJSON string
	var lastUsed sql.NullInt64
	var createdAt, updatedAt, expiresAt int64
	var active int

	err := row.Scan(
		&e.ID,
		&e.NormalizedQuestion,
		&e.QuestionHash,
		&original,
		&e.Response,
		&sourcesJSON,
		&e.Confidence,
		&e.RetrievalQuality,
		&e.UsageCount,
		&e.HelpfulCount,
		&e.NotHelpfulCount,
		&lastUsed,
		&createdAt,
		&updatedAt,
		&expiresAt,
		&active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(sourcesJSON), &e.Sources); err != nil {
		return nil, fmt.Errorf("failed to decode cache sources: %w", err)
	}

	e.OriginalQuestion = original.String
	if lastUsed.Valid && lastUsed.Int64 > 0 {
		t := fromUnix(lastUsed.Int64)
		e.LastUsedAt = &t
	}
	e.CreatedAt = fromUnix(createdAt)
	e.UpdatedAt = fromUnix(updatedAt)
	e.ExpiresAt = fromUnix(expiresAt)
	e.Active = active == 1

	return &e, nil
}

// UpsertCacheEntry inserts or replaces the entry for e.NormalizedQuestion and returns
// the id of the stored row. On conflict the existing id is kept and the row is
// reactivated. Variations are attached in the same transaction.
func (c *Client) UpsertCacheEntry(ctx context.Context, e *models.CacheEntry) (string, error) {
	sourcesJSON, err := json.Marshal(e.Sources)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache sources: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO cache_entries (id, normalized_question, question_hash, original_question, response, sources,
			confidence, retrieval_quality, usage_count, helpful_count, not_helpful_count,
			created_at, updated_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, 1)
		ON CONFLICT(normalized_question) DO UPDATE SET
			original_question = excluded.original_question,
			response = excluded.response,
			sources = excluded.sources,
			confidence = excluded.confidence,
			retrieval_quality = excluded.retrieval_quality,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			active = 1
		RETURNING id
	`

	var id string
	err = tx.QueryRowContext(ctx, query,
		e.ID,
		e.NormalizedQuestion,
		e.QuestionHash,
		e.OriginalQuestion,
		e.Response,
		string(sourcesJSON),
		e.Confidence,
		e.RetrievalQuality,
		toUnix(e.CreatedAt),
		toUnix(e.UpdatedAt),
		toUnix(e.ExpiresAt),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	for _, phrase := range e.Variations {
		if phrase == "" || phrase == e.NormalizedQuestion {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO cache_variations (entry_id, phrase, created_at) VALUES (?, ?, ?)`,
			id, phrase, time.Now().Unix(),
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert cache variation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit cache entry: %w", err)
	}

	logger.Debug("Cache entry upserted", zap.String("entry_id", id), zap.String("question", e.NormalizedQuestion))
	return id, nil
}

func (c *Client) GetCacheEntry(ctx context.Context, id string) (*models.CacheEntry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+cacheEntryColumns+` FROM cache_entries WHERE id = ?`, id)
	entry, err := scanCacheEntry(row)
	if err != nil {
		return nil, err
	}
	return c.withVariations(ctx, entry)
}

// GetActiveByQuestion returns the active entry whose normalized question matches exactly.
// Expiry is not checked here.
func (c *Client) GetActiveByQuestion(ctx context.Context, normalized string) (*models.CacheEntry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+cacheEntryColumns+` FROM cache_entries WHERE normalized_question = ? AND active = 1`,
		normalized,
	)
	entry, err := scanCacheEntry(row)
	if err != nil {
		return nil, err
	}
	return c.withVariations(ctx, entry)
}

// GetActiveByVariation returns the active entry owning the given variation phrase.
func (c *Client) GetActiveByVariation(ctx context.Context, phrase string) (*models.CacheEntry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+joinedCacheEntryColumns+`
		FROM cache_entries e
		JOIN cache_variations v ON v.entry_id = e.id
		WHERE v.phrase = ? AND e.active = 1`,
		phrase,
	)
	entry, err := scanCacheEntry(row)
	if err != nil {
		return nil, err
	}
	return c.withVariations(ctx, entry)
}

func (c *Client) withVariations(ctx context.Context, e *models.CacheEntry) (*models.CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT phrase FROM cache_variations WHERE entry_id = ? ORDER BY id`, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var phrase string
		if err := rows.Scan(&phrase); err != nil {
			return nil, fmt.Errorf("failed to scan variation: %w", err)
		}
		e.Variations = append(e.Variations, phrase)
	}
	return e, rows.Err()
}

func (c *Client) AddVariation(ctx context.Context, entryID, phrase string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_variations (entry_id, phrase, created_at) VALUES (?, ?, ?)`,
		entryID, phrase, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to add variation: %w", err)
	}
	return nil
}

// RecordCacheHit bumps the usage counters of an entry and appends to the hit log.
func (c *Client) RecordCacheHit(ctx context.Context, hit models.CacheHit) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := hit.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		at.Unix(), hit.EntryID,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cache_hits (entry_id, tier, latency_ms, created_at) VALUES (?, ?, ?, ?)`,
		hit.EntryID, hit.Tier, hit.LatencyMS, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cache hit: %w", err)
	}

	return tx.Commit()
}

func (c *Client) CountCacheHits(ctx context.Context, entryID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_hits WHERE entry_id = ?`, entryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache hits: %w", err)
	}
	return n, nil
}

// IncrementCacheFeedback adds to the feedback counters and returns the updated entry.
func (c *Client) IncrementCacheFeedback(ctx context.Context, id string, helpful, notHelpful int) (*models.CacheEntry, error) {
	row := c.db.QueryRowContext(ctx, `
		UPDATE cache_entries
		SET helpful_count = helpful_count + ?, not_helpful_count = not_helpful_count + ?, updated_at = ?
		WHERE id = ?
		RETURNING `+cacheEntryColumns,
		helpful, notHelpful, time.Now().Unix(), id,
	)
	entry, err := scanCacheEntry(row)
	if err != nil {
		return nil, err
	}
	return c.withVariations(ctx, entry)
}

func (c *Client) SetCacheConfidence(ctx context.Context, id string, confidence float64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE cache_entries SET confidence = ? WHERE id = ?`, confidence, id)
	if err != nil {
		return fmt.Errorf("failed to set confidence: %w", err)
	}
	return nil
}

func (c *Client) DeactivateCacheEntry(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE cache_entries SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate cache entry: %w", err)
	}
	return nil
}

// DeactivateExpired soft-deletes every active entry whose expiry is at or before now.
func (c *Client) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE cache_entries SET active = 0, updated_at = ? WHERE active = 1 AND expires_at <= ?`,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired entries: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) DeactivateAll(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE cache_entries SET active = 0, updated_at = ? WHERE active = 1`,
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate cache entries: %w", err)
	}
	return res.RowsAffected()
}
