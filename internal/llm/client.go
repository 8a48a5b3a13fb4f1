package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/circuitbreaker"
	"github.com/kb-assistant/backend/pkg/logger"
	"github.com/kb-assistant/backend/pkg/retry"
)

var ErrEmptyResponse = errors.New("llm returned no choices")

type Config struct {
	APIKey             string
	BaseURL            string
	Model              string
	EmbeddingModel     string
	Temperature        float32
	MaxTokens          int
	Timeout            time.Duration
	MaxAttempts        int
	EmbeddingMaxTokens int
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	tokens         *tokenizer
	cb             *circuitbreaker.CircuitBreaker
	embedCB        *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// RankCandidate is one numbered entry shown to the relevance judge.
type RankCandidate struct {
	SourceID string
	Title    string
	Excerpt  string
}

// ContextSource is one retrieved passage given to answer generation.
type ContextSource struct {
	SourceID string
	Title    string
	URL      string
	Excerpt  string
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	// Completions and embeddings trip separately: a slow chat model must not
	// take the embedding path down with it.
	breakerConfig := circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	}

	retryConfig := retry.Config{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        isRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		tokens:         newTokenizer(cfg.EmbeddingMaxTokens),
		cb:             circuitbreaker.NewCircuitBreaker("llm", breakerConfig),
		embedCB:        circuitbreaker.NewCircuitBreaker("llm-embedding", breakerConfig),
		retryConfig:    retryConfig,
	}
}

// isRetryable retries rate limits, server errors and transport failures. Other
// 4xx responses will not change on a second attempt.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, ErrEmptyResponse)
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		return retry.Do(callCtx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				callCtx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return ErrEmptyResponse
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.embed(ctx, []string{text}, 15*time.Second)
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// GenerateBatchEmbeddings embeds texts in batches of 100, preserving order.
func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := c.embed(ctx, texts[i:end], 30*time.Second)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

func (c *Client) embed(ctx context.Context, texts []string, timeout time.Duration) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = c.tokens.Truncate(t)
	}

	var out [][]float32

	err := c.embedCB.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return retry.Do(callCtx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				callCtx,
				openai.EmbeddingRequest{
					Input: input,
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) != len(input) {
				return fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmptyResponse, len(resp.Data), len(input))
			}

			out = make([][]float32, len(input))
			for _, data := range resp.Data {
				if data.Index < 0 || data.Index >= len(out) {
					return fmt.Errorf("embedding index %d out of range", data.Index)
				}
				embedding := make([]float32, len(data.Embedding))
				copy(embedding, data.Embedding)
				out[data.Index] = embedding
			}
			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.PromptTokens))

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

// RewriteQuery turns a follow-up question into a standalone search query using
// the recent conversation.
func (c *Client) RewriteQuery(ctx context.Context, question string, history []models.ConversationTurn) (string, error) {
	systemPrompt := `You rewrite follow-up questions into standalone search queries for an internal knowledge base.
Use the conversation only to resolve references such as pronouns or omitted subjects.
Keep acronyms and proper names exactly as written.
Return only the rewritten query on a single line, with no explanation.`

	var b strings.Builder
	for i, turn := range history {
		fmt.Fprintf(&b, "Q%d: %s\nA%d: %s\n", i+1, turn.Question, i+1, excerpt(turn.Answer, 300))
	}

	userPrompt := fmt.Sprintf("Conversation:\n%s\nFollow-up question: %s\n\nStandalone query:", b.String(), question)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to rewrite query: %w", err)
	}

	rewritten := strings.TrimSpace(resp.Content)
	if i := strings.IndexByte(rewritten, '\n'); i >= 0 {
		rewritten = rewritten[:i]
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(rewritten), `"`)), nil
}

// RankCandidates asks the model for a relevance ordering of the numbered
// candidates and returns its raw reply. Parsing belongs to the caller.
func (c *Client) RankCandidates(ctx context.Context, query string, candidates []RankCandidate) (string, error) {
	systemPrompt := `You judge which knowledge base passages best answer a question.
Consider recency when the question asks for the latest or current information, and
prefer passages covering every compared item when the question is a comparison.
Reply with ONLY the passage numbers, most relevant first, separated by commas. Include every number exactly once.`

	var b strings.Builder
	for i, cand := range candidates {
		fmt.Fprintf(&b, "[%d] source: %s", i+1, cand.SourceID)
		if cand.Title != "" {
			fmt.Fprintf(&b, " | title: %s", cand.Title)
		}
		fmt.Fprintf(&b, "\n%s\n\n", cand.Excerpt)
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nPassages:\n%s\nOrdering:", query, b.String())

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    50,
	})
	if err != nil {
		return "", fmt.Errorf("failed to rank candidates: %w", err)
	}

	return resp.Content, nil
}

// GenerateResponse answers the user's original question from the retrieved sources.
func (c *Client) GenerateResponse(ctx context.Context, question string, sources []ContextSource, history []models.ConversationTurn) (string, error) {
	systemPrompt := `You are an assistant for an internal knowledge base.

Your responses must:
1. Be based ONLY on the provided sources
2. Cite sources using [source_id] notation
3. Give step-by-step instructions when the question asks how to do something
4. Say plainly when the sources do not contain the answer

Be concise and friendly.`

	var ctxBuf strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&ctxBuf, "[%s] %s", s.SourceID, s.Title)
		if s.URL != "" {
			fmt.Fprintf(&ctxBuf, " (%s)", s.URL)
		}
		fmt.Fprintf(&ctxBuf, "\n%s\n\n", s.Excerpt)
	}

	var histBuf strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&histBuf, "User: %s\nAssistant: %s\n", turn.Question, excerpt(turn.Answer, 300))
	}

	userPrompt := fmt.Sprintf(`Recent conversation:
%s
Sources:
%s
Question: %s`, histBuf.String(), ctxBuf.String(), question)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
		MaxTokens:    1024,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}

	logger.Info("Response generated",
		zap.Int("sources", len(sources)),
		zap.Int("response_length", len(resp.Content)),
	)

	return resp.Content, nil
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
