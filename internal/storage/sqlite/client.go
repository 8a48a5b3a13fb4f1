package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	params := "_foreign_keys=on&_busy_timeout=5000"
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if !memory {
		params += "&_journal_mode=WAL"
	}

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite3", dbPath+sep+params)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// Every new connection to :memory: is a fresh database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		id TEXT PRIMARY KEY,
		normalized_question TEXT NOT NULL UNIQUE,
		question_hash TEXT NOT NULL,
		original_question TEXT,
		response TEXT NOT NULL,
		sources TEXT NOT NULL,
		confidence REAL NOT NULL,
		retrieval_quality REAL NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		helpful_count INTEGER NOT NULL DEFAULT 0,
		not_helpful_count INTEGER NOT NULL DEFAULT 0,
		last_used_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_cache_hash ON cache_entries(question_hash);
	CREATE INDEX IF NOT EXISTS idx_cache_active_expires ON cache_entries(active, expires_at);

	CREATE TABLE IF NOT EXISTS cache_variations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL,
		phrase TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (entry_id) REFERENCES cache_entries(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_variations_entry ON cache_variations(entry_id);

	CREATE TABLE IF NOT EXISTS cache_hits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (entry_id) REFERENCES cache_entries(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_hits_entry ON cache_hits(entry_id);
	CREATE INDEX IF NOT EXISTS idx_hits_created ON cache_hits(created_at);

	CREATE TABLE IF NOT EXISTS source_scores (
		source_id TEXT PRIMARY KEY,
		helpful INTEGER NOT NULL DEFAULT 0,
		not_helpful INTEGER NOT NULL DEFAULT 0,
		helpful_with_issues INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		issue_types TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS query_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature TEXT NOT NULL UNIQUE,
		source_ids TEXT NOT NULL,
		support INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS acronyms (
		acronym TEXT NOT NULL,
		expansion TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (acronym, expansion)
	);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		query_text TEXT NOT NULL,
		standalone_query TEXT,
		response TEXT,
		cached INTEGER NOT NULL DEFAULT 0,
		cache_tier TEXT,
		cache_entry_id TEXT,
		confidence REAL,
		candidate_count INTEGER,
		arbiter_used INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_session ON query_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		url TEXT,
		score REAL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);
	CREATE INDEX IF NOT EXISTS idx_sources_source ON query_sources(source_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		rating TEXT NOT NULL,
		issue_type TEXT,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
