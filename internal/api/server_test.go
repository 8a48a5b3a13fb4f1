package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-assistant/backend/internal/middleware/ratelimit"
	"github.com/kb-assistant/backend/internal/query"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/internal/vector/zilliz"
)

type fakeService struct {
	resp        *query.QueryResponse
	err         error
	feedbackErr error
	lastQuery   query.QueryRequest
	lastFb      query.FeedbackRequest
	history     []models.QueryRecord
}

func (f *fakeService) ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error) {
	f.lastQuery = req
	return f.resp, f.err
}

func (f *fakeService) QueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error) {
	return f.history, nil
}

func (f *fakeService) SubmitFeedback(ctx context.Context, req query.FeedbackRequest) error {
	f.lastFb = req
	return f.feedbackErr
}

type pingerFunc func(ctx context.Context) error

func (p pingerFunc) Ping(ctx context.Context) error { return p(ctx) }

func newTestApp(svc *fakeService, limiter *ratelimit.RateLimiter, deps map[string]Pinger) func(*http.Request) (*http.Response, error) {
	app := NewApp(Config{MaxQueryLength: 200}, svc, limiter, deps)
	return func(req *http.Request) (*http.Response, error) {
		return app.Test(req, int((5 * time.Second).Milliseconds()))
	}
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestQueryEndpoint(t *testing.T) {
	svc := &fakeService{resp: &query.QueryResponse{
		ID:     "q-1",
		Query:  "How do I add an event?",
		Answer: "Open the calendar.",
		Sources: []query.Source{
			{SourceID: "events-guide", URL: "https://kb.example.org/events", Score: 0.9},
		},
		Cached:    true,
		CacheTier: "volatile",
		Timings:   query.Timings{"total": 3},
	}}
	do := newTestApp(svc, nil, nil)

	resp, err := do(postJSON("/api/v1/query", `{"query":"  How do I add an event?  ","session_id":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	body := decode(t, resp)
	assert.Equal(t, "q-1", body["id"])
	assert.Equal(t, "Open the calendar.", body["answer"])
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, "volatile", body["cache_tier"])
	assert.Equal(t, query.QueryRequest{Query: "How do I add an event?", SessionID: "s1"}, svc.lastQuery)
}

func TestQueryEndpointUnavailableHidesCause(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("%w: vector_search: %w", query.ErrUnavailable, zilliz.ErrTimeout)}
	do := newTestApp(svc, nil, nil)

	resp, err := do(postJSON("/api/v1/query", `{"query":"What is NIFA funding?"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body := decode(t, resp)
	msg := body["error"].(string)
	assert.Contains(t, msg, "temporarily unavailable")
	assert.NotContains(t, msg, "vector")
	assert.NotContains(t, msg, "timed out")
}

func TestQueryEndpointValidation(t *testing.T) {
	do := newTestApp(&fakeService{}, nil, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty query", `{"query":"   "}`, http.StatusBadRequest},
		{"malformed json", `{"query":`, http.StatusBadRequest},
		{"too long", `{"query":"` + strings.Repeat("a", 201) + `"}`, http.StatusBadRequest},
		{"markup", `{"query":"<script>alert(1)</script>"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := do(postJSON("/api/v1/query", tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)
			resp.Body.Close()
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader("query=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestQueryWordsThatLookLikeSQLAreAllowed(t *testing.T) {
	svc := &fakeService{resp: &query.QueryResponse{ID: "q"}}
	do := newTestApp(svc, nil, nil)

	resp, err := do(postJSON("/api/v1/query", `{"query":"How do I update or delete my direct deposit?"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFeedbackEndpoint(t *testing.T) {
	svc := &fakeService{}
	do := newTestApp(svc, nil, nil)

	resp, err := do(postJSON("/api/v1/feedback", `{"query_id":"q-1","rating":"helpful_with_issues","issue_type":"Outdated"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, query.FeedbackRequest{QueryID: "q-1", Rating: models.RatingHelpfulWithIssues, IssueType: "outdated"}, svc.lastFb)

	resp, err = do(postJSON("/api/v1/feedback", `{"query_id":"q-1","rating":"great"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = do(postJSON("/api/v1/feedback", `{"query_id":"q-1","rating":"helpful","issue_type":"boring"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	svc.feedbackErr = fmt.Errorf("%w: q-2", query.ErrUnknownQuery)
	resp, err = do(postJSON("/api/v1/feedback", `{"query_id":"q-2","rating":"helpful"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	svc := &fakeService{history: []models.QueryRecord{{ID: "q-1", QueryText: "hi", Response: "hello"}}}
	do := newTestApp(svc, nil, nil)

	resp, err := do(httptest.NewRequest(http.MethodGet, "/api/v1/query/history", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = do(httptest.NewRequest(http.MethodGet, "/api/v1/query/history?session_id=s1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Len(t, body["history"], 1)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 2})
	defer limiter.Stop()
	do := newTestApp(&fakeService{resp: &query.QueryResponse{ID: "q"}}, limiter, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := postJSON("/api/v1/query", `{"query":"How do I add an event?"}`)
		req.Header.Set(ratelimit.SessionHeader, "s1")
		resp, err := do(req)
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	req := postJSON("/api/v1/query", `{"query":"How do I add an event?"}`)
	req.Header.Set(ratelimit.SessionHeader, "s2")
	resp, err := do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "buckets are per session")
}

func TestReadiness(t *testing.T) {
	healthy := pingerFunc(func(ctx context.Context) error { return nil })
	down := pingerFunc(func(ctx context.Context) error { return errors.New("dial tcp: refused") })

	do := newTestApp(&fakeService{}, nil, map[string]Pinger{"sqlite": healthy})
	resp, err := do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	do = newTestApp(&fakeService{}, nil, map[string]Pinger{"sqlite": healthy, "redis": down})
	resp, err = do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, map[string]interface{}{"sqlite": "ok", "redis": "unavailable"}, body["checks"])
}
