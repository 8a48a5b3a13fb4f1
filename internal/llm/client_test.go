package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/circuitbreaker"
)

type fakeAPI struct {
	chatReply  string
	chatStatus int
	chatDelay  time.Duration
	chatCalls  atomic.Int32
	lastPrompt atomic.Value
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if len(req.Messages) > 0 {
			f.lastPrompt.Store(req.Messages[len(req.Messages)-1].Content)
		}
		if f.chatDelay > 0 {
			select {
			case <-time.After(f.chatDelay):
			case <-r.Context().Done():
				return
			}
		}

		if f.chatStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.chatStatus)
			w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": f.chatReply},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		// Reply in reverse order to check index handling.
		for i := range req.Input {
			idx := len(req.Input) - 1 - i
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     idx,
				"embedding": []float32{float32(idx), float32(len(req.Input[idx]))},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-3-small",
			"usage":  map[string]int{"prompt_tokens": 5, "total_tokens": 5},
		})
	})
	return mux
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:             "test",
		BaseURL:            srv.URL + "/v1",
		Model:              "gpt-4o-mini",
		EmbeddingModel:     "text-embedding-3-small",
		Timeout:            5 * time.Second,
		MaxAttempts:        2,
		EmbeddingMaxTokens: 8191,
	})
}

func TestComplete(t *testing.T) {
	api := &fakeAPI{chatReply: "hello"}
	c := newTestClient(t, api)

	resp, err := c.Complete(context.Background(), CompletionRequest{SystemPrompt: "s", UserPrompt: "u"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	api := &fakeAPI{chatStatus: http.StatusBadRequest}
	c := newTestClient(t, api)

	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "u"})
	require.Error(t, err)
	assert.EqualValues(t, 1, api.chatCalls.Load())
}

func TestEmbeddingsKeepInputOrder(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})

	vec, err := c.GenerateEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 5}, vec)

	batch, err := c.GenerateBatchEmbeddings(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, v := range batch {
		assert.Equal(t, float32(i), v[0])
		assert.Equal(t, float32(i+1), v[1])
	}

	none, err := c.GenerateBatchEmbeddings(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEmbeddingSurvivesRankingTimeouts(t *testing.T) {
	api := &fakeAPI{chatReply: "2, 1", chatDelay: time.Second}
	c := newTestClient(t, api)
	candidates := []RankCandidate{{SourceID: "a", Excerpt: "x"}, {SourceID: "b", Excerpt: "y"}}

	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.RankCandidates(ctx, "latest travel policy", candidates)
		cancel()
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.cb.State())

	vec, err := c.GenerateEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 5}, vec)
}

func TestOpenCompletionBreakerLeavesEmbeddingsUp(t *testing.T) {
	api := &fakeAPI{chatStatus: http.StatusBadRequest}
	c := newTestClient(t, api)

	for i := 0; i < 5; i++ {
		_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "u"})
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, c.cb.State())

	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "u"})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	_, err = c.GenerateEmbedding(context.Background(), "hello")
	assert.NoError(t, err)
}

func TestRewriteQueryIncludesHistory(t *testing.T) {
	api := &fakeAPI{chatReply: "\"What is the NIFA grant deadline?\"\nBecause the user asked about NIFA."}
	c := newTestClient(t, api)

	history := []models.ConversationTurn{{Question: "What is NIFA funding?", Answer: "NIFA funds agricultural research."}}
	got, err := c.RewriteQuery(context.Background(), "what about the deadline", history)
	require.NoError(t, err)
	assert.Equal(t, "What is the NIFA grant deadline?", got)

	prompt, _ := api.lastPrompt.Load().(string)
	assert.Contains(t, prompt, "What is NIFA funding?")
	assert.Contains(t, prompt, "what about the deadline")
}

func TestRankCandidatesNumbersPassages(t *testing.T) {
	api := &fakeAPI{chatReply: "2, 1"}
	c := newTestClient(t, api)

	got, err := c.RankCandidates(context.Background(), "latest travel policy", []RankCandidate{
		{SourceID: "travel-2022", Excerpt: "old"},
		{SourceID: "travel-2024", Excerpt: "new"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2, 1", got)

	prompt, _ := api.lastPrompt.Load().(string)
	assert.Contains(t, prompt, "[1] source: travel-2022")
	assert.Contains(t, prompt, "[2] source: travel-2024")
}

func TestGenerateResponse(t *testing.T) {
	api := &fakeAPI{chatReply: "Use the form [grants-guide]."}
	c := newTestClient(t, api)

	got, err := c.GenerateResponse(context.Background(), "How do I apply?", []ContextSource{
		{SourceID: "grants-guide", Title: "Grants", URL: "https://kb.example.org/grants", Excerpt: "Apply via the form."},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Use the form [grants-guide].", got)

	prompt, _ := api.lastPrompt.Load().(string)
	assert.Contains(t, prompt, "[grants-guide] Grants (https://kb.example.org/grants)")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("connection reset")))
	assert.False(t, isRetryable(ErrEmptyResponse))
}

func TestTokenizerShortInputSkipsEncoding(t *testing.T) {
	tk := &tokenizer{maxTokens: 100, load: func() (*tiktoken.Tiktoken, error) {
		t.Fatal("encoding must not load for short input")
		return nil, nil
	}}
	assert.Equal(t, "short text", tk.Truncate("short text"))
}

func TestTokenizerFallsBackToBytes(t *testing.T) {
	tk := &tokenizer{maxTokens: 5, load: func() (*tiktoken.Tiktoken, error) {
		return nil, errors.New("offline")
	}}
	assert.Equal(t, "héll", tk.Truncate("héllo world"))
	assert.LessOrEqual(t, len(tk.Truncate(strings.Repeat("é", 10))), 5)
}
