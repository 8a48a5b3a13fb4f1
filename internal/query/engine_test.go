package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-assistant/backend/internal/cache"
	"github.com/kb-assistant/backend/internal/cache/redis"
	"github.com/kb-assistant/backend/internal/filter"
	"github.com/kb-assistant/backend/internal/llm"
	"github.com/kb-assistant/backend/internal/preprocess"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/internal/storage/sqlite"
	"github.com/kb-assistant/backend/internal/vector/zilliz"
)

const answer = "Open the shared calendar, choose New Event, then fill in the date, time and location before saving."

type fakeEmbedder struct {
	calls atomic.Int32
	err   error

	// When release is set, calls block until it is closed.
	release chan struct{}
	started chan struct{}
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeVector struct {
	matches []models.CandidateMatch
	err     error
	pred    filter.Predicate
	calls   int
}

func (f *fakeVector) Search(ctx context.Context, vec []float32, topK int, pred filter.Predicate) ([]models.CandidateMatch, error) {
	f.calls++
	f.pred = pred
	if f.err != nil {
		return nil, f.err
	}
	if len(f.matches) > topK {
		return f.matches[:topK], nil
	}
	return f.matches, nil
}

type fakeGenerator struct {
	question string
	sources  []llm.ContextSource
	err      error
}

func (f *fakeGenerator) GenerateResponse(ctx context.Context, question string, sources []llm.ContextSource, history []models.ConversationTurn) (string, error) {
	f.question = question
	f.sources = sources
	return answer, f.err
}

func eventMatches() []models.CandidateMatch {
	return []models.CandidateMatch{
		{ID: "c1", Score: 0.91, Metadata: models.SourceMetadata{SourceID: "events-guide", Title: "Events guide", URL: "https://kb.example.org/events", Category: "events"}},
		{ID: "c2", Score: 0.72, Metadata: models.SourceMetadata{SourceID: "calendar-faq", Title: "Calendar FAQ", URL: "/calendar/faq", Category: "calendar"}},
		{ID: "c3", Score: 0.55, Metadata: models.SourceMetadata{SourceID: "rooms", Title: "Room booking", URL: "https://kb.example.org/rooms", Category: "events"}},
	}
}

type harness struct {
	engine   *Engine
	manager  *cache.Manager
	db       *sqlite.Client
	redis    *redis.Client
	mr       *miniredis.Miniredis
	embedder *fakeEmbedder
	vector   *fakeVector
	gen      *fakeGenerator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))

	mr := miniredis.RunT(t)
	rc, err := redis.NewClient(redis.Options{Addr: mr.Addr(), Timeout: time.Second})
	require.NoError(t, err)

	mgr := cache.NewManager(rc, db, cache.Config{
		VolatileTimeout:    100 * time.Millisecond,
		DurableTimeout:     time.Second,
		MinSources:         2,
		MinResponseLength:  50,
		UncertaintyPhrases: []string{"I don't know"},
		CanonicalOrigin:    "https://kb.example.org",
	})

	h := &harness{
		manager:  mgr,
		db:       db,
		redis:    rc,
		mr:       mr,
		embedder: &fakeEmbedder{},
		vector:   &fakeVector{matches: eventMatches()},
		gen:      &fakeGenerator{},
	}
	h.engine = NewEngine(Deps{
		Normalizer: preprocess.NewNormalizer(nil, nil, preprocess.Config{}),
		Cache:      mgr,
		Embedder:   h.embedder,
		Embeddings: rc,
		Vector:     h.vector,
		Generator:  h.gen,
		Sessions:   rc,
		History:    db,
	}, Config{TopK: 8})

	t.Cleanup(func() {
		h.engine.Drain()
		mgr.Wait()
		rc.Close()
		db.Close()
	})
	return h
}

func TestProcessQueryPipelineThenCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.engine.ProcessQuery(ctx, QueryRequest{Query: "How do I add an event?", SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, answer, resp.Answer)
	require.Len(t, resp.Sources, 3)
	assert.Equal(t, "events-guide", resp.Sources[0].SourceID)
	assert.Equal(t, "How do I add an event?", h.gen.question)
	assert.Contains(t, resp.Timings, "search")
	assert.Contains(t, resp.Timings, "total")
	assert.InDelta(t, 0.91, resp.Confidence, 1e-9)
	assert.NotEmpty(t, h.vector.pred.Must, "event keywords produce a category filter")

	h.engine.Drain()

	second, err := h.engine.ProcessQuery(ctx, QueryRequest{Query: "how do i add an EVENT", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, cache.TierVolatile, second.CacheTier)
	assert.Equal(t, answer, second.Answer)
	assert.Equal(t, "https://kb.example.org/calendar/faq", second.Sources[1].URL)
	assert.Equal(t, 1, h.vector.calls, "cache hit skips search")

	h.engine.Drain()
	turns, err := h.redis.RecentTurns(ctx, "s1", 5)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "How do I add an event?", turns[0].Question)
	assert.Equal(t, []string{"events-guide", "calendar-faq", "rooms"}, turns[0].SourceIDs)

	history, err := h.engine.QueryHistory(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestProcessQueryUnavailable(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		h := newHarness(t)
		h.embedder.err = errors.New("connection refused to 10.0.0.3:443")

		_, err := h.engine.ProcessQuery(context.Background(), QueryRequest{Query: "What is NIFA funding?"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Zero(t, h.vector.calls)
	})

	t.Run("vector timeout", func(t *testing.T) {
		h := newHarness(t)
		h.vector.err = zilliz.ErrTimeout

		_, err := h.engine.ProcessQuery(context.Background(), QueryRequest{Query: "What is NIFA funding?"})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, err, zilliz.ErrTimeout)
	})

	t.Run("generation", func(t *testing.T) {
		h := newHarness(t)
		h.gen.err = errors.New("upstream 503")

		_, err := h.engine.ProcessQuery(context.Background(), QueryRequest{Query: "What is NIFA funding?"})
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestProcessQueryNoResults(t *testing.T) {
	h := newHarness(t)
	h.vector.matches = nil

	resp, err := h.engine.ProcessQuery(context.Background(), QueryRequest{Query: "Where is the moon base?"})
	require.NoError(t, err)
	assert.Equal(t, defaultNoResultsMessage, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.False(t, resp.Cached)
	assert.Empty(t, h.gen.question, "generation is skipped")

	h.engine.Drain()
	_, ok := h.manager.Lookup(context.Background(), models.Query{Standalone: "Where is the moon base?"})
	assert.False(t, ok, "no-results answers are never cached")
}

func TestCacheWriteSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.engine.ProcessQuery(ctx, QueryRequest{Query: "How do I book a room?"})
	require.NoError(t, err)
	cancel()
	h.engine.Drain()

	entry, err := h.db.GetActiveByQuestion(context.Background(), "how do i book a room")
	require.NoError(t, err)
	assert.Equal(t, answer, entry.Response)
}

func TestEmbeddingCache(t *testing.T) {
	h := newHarness(t)
	h.engine.Cache = nil

	_, err := h.engine.ProcessQuery(context.Background(), QueryRequest{Query: "How do I book a room?"})
	require.NoError(t, err)
	h.engine.Drain()

	_, err = h.engine.ProcessQuery(context.Background(), QueryRequest{Query: "How do I book a room?"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.embedder.calls.Load())
	assert.Equal(t, 2, h.vector.calls)
}

func TestSubmitFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.engine.ProcessQuery(ctx, QueryRequest{Query: "How do I add an event?"})
	require.NoError(t, err)
	h.engine.Drain()

	record, err := h.db.GetQueryRecord(ctx, resp.ID)
	require.NoError(t, err)
	require.NotEmpty(t, record.CacheEntryID)

	require.NoError(t, h.engine.SubmitFeedback(ctx, FeedbackRequest{QueryID: resp.ID, Rating: models.RatingHelpful}))

	entry, err := h.db.GetCacheEntry(ctx, record.CacheEntryID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.HelpfulCount)

	rows, err := h.db.ListSourceFeedback(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	err = h.engine.SubmitFeedback(ctx, FeedbackRequest{QueryID: resp.ID, Rating: "great"})
	assert.ErrorIs(t, err, ErrInvalidRating)

	err = h.engine.SubmitFeedback(ctx, FeedbackRequest{QueryID: "missing", Rating: models.RatingNotHelpful})
	assert.ErrorIs(t, err, ErrUnknownQuery)
}

func TestSharedEmbeddingOutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t)
	h.embedder.release = make(chan struct{})
	h.embedder.started = make(chan struct{}, 1)
	const text = "how do i add an event"

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.engine.embed(firstCtx, text)
		firstErr <- err
	}()
	<-h.embedder.started

	type result struct {
		vec []float32
		err error
	}
	second := make(chan result, 1)
	go func() {
		vec, err := h.engine.embed(context.Background(), text)
		second <- result{vec, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(h.embedder.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.vec)
	assert.EqualValues(t, 1, h.embedder.calls.Load())
}

// slowHistory delays history inserts so a response goes out before its row exists.
type slowHistory struct {
	*sqlite.Client
	delay time.Duration
}

func (s *slowHistory) InsertQueryRecord(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	time.Sleep(s.delay)
	return s.Client.InsertQueryRecord(ctx, record, sources)
}

func TestFeedbackRightAfterAnswer(t *testing.T) {
	h := newHarness(t)
	h.engine.History = &slowHistory{Client: h.db, delay: 50 * time.Millisecond}
	ctx := context.Background()

	resp, err := h.engine.ProcessQuery(ctx, QueryRequest{Query: "How do I add an event?", SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, h.engine.SubmitFeedback(ctx, FeedbackRequest{QueryID: resp.ID, Rating: models.RatingHelpful}))

	record, err := h.db.GetQueryRecord(ctx, resp.ID)
	require.NoError(t, err)
	require.NotEmpty(t, record.CacheEntryID)
	entry, err := h.db.GetCacheEntry(ctx, record.CacheEntryID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.HelpfulCount)

	err = h.engine.SubmitFeedback(ctx, FeedbackRequest{QueryID: "never-answered", Rating: models.RatingHelpful})
	assert.ErrorIs(t, err, ErrUnknownQuery)
}
