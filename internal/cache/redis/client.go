package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/logger"
)

const (
	responsePrefix  = "response:"
	embeddingPrefix = "embedding:"
)

// CachedResponse is the volatile copy of a durable cache entry.
type CachedResponse struct {
	EntryID    string                `json:"entry_id"`
	Question   string                `json:"question"`
	Response   string                `json:"response"`
	Sources    []models.CachedSource `json:"sources"`
	Confidence float64               `json:"confidence"`
	ExpiresAt  time.Time             `json:"expires_at"`
}

type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

type Client struct {
	client *redis.Client
}

func NewClient(opts Options) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", opts.Addr), zap.Int("pool_size", opts.PoolSize))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetResponse(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	err = c.client.Set(ctx, responsePrefix+key, data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set response cache: %w", err)
	}

	logger.Debug("Response cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// GetResponse reports false with a nil error on a plain miss.
func (c *Client) GetResponse(ctx context.Context, key string) (*CachedResponse, bool, error) {
	data, err := c.client.Get(ctx, responsePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get response cache: %w", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, true, nil
}

func (c *Client) DeleteResponse(ctx context.Context, key string) error {
	return c.client.Del(ctx, responsePrefix+key).Err()
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, embeddingPrefix+textHash, data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingPrefix+textHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID + ":turns"
}

// AppendTurn pushes a turn onto the session list, keeps the newest maxTurns and
// refreshes the session TTL.
func (c *Client) AppendTurn(ctx context.Context, sessionID string, turn models.ConversationTurn, maxTurns int, ttl time.Duration) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	key := sessionKey(sessionID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(maxTurns-1))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns, oldest first.
func (c *Client) RecentTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	raw, err := c.client.LRange(ctx, sessionKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}

	turns := make([]models.ConversationTurn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var t models.ConversationTurn
		if err := json.Unmarshal([]byte(raw[i]), &t); err != nil {
			logger.Warn("Skipping malformed conversation turn", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// InvalidateResponses deletes every volatile response and returns how many keys went.
func (c *Client) InvalidateResponses(ctx context.Context) (int, error) {
	deleted := 0
	iter := c.client.Scan(ctx, 0, responsePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Response cache invalidated", zap.Int("deleted", deleted))
	return deleted, nil
}
