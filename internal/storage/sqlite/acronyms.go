package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kb-assistant/backend/internal/storage/models"
)

// UpsertAcronyms stores acronyms uppercased. Existing pairs are left untouched.
func (c *Client) UpsertAcronyms(ctx context.Context, acronyms []models.Acronym) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	now := time.Now().Unix()
	for _, a := range acronyms {
		acronym := strings.ToUpper(strings.TrimSpace(a.Acronym))
		expansion := strings.TrimSpace(a.Expansion)
		if acronym == "" || expansion == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO acronyms (acronym, expansion, created_at) VALUES (?, ?, ?)`,
			acronym, expansion, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert acronym: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit acronyms: %w", err)
	}
	return inserted, nil
}

func (c *Client) ListAcronyms(ctx context.Context) ([]models.Acronym, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT acronym, expansion FROM acronyms ORDER BY acronym, created_at, expansion`)
	if err != nil {
		return nil, fmt.Errorf("failed to list acronyms: %w", err)
	}
	defer rows.Close()

	var out []models.Acronym
	for rows.Next() {
		var a models.Acronym
		if err := rows.Scan(&a.Acronym, &a.Expansion); err != nil {
			return nil, fmt.Errorf("failed to scan acronym: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
