package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-assistant/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.InitSchema(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func testEntry(question string, expires time.Time) *models.CacheEntry {
	now := time.Now()
	return &models.CacheEntry{
		ID:                 uuid.NewString(),
		NormalizedQuestion: question,
		QuestionHash:       "hash-" + question,
		OriginalQuestion:   question + "?",
		Response:           "Open the calendar and choose New Event, then fill in the details.",
		Sources: []models.CachedSource{
			{SourceID: "doc-1", URL: "https://kb.example.org/events", Score: 0.91},
			{SourceID: "doc-2", URL: "https://kb.example.org/calendar", Score: 0.88},
		},
		Confidence:       0.85,
		RetrievalQuality: 0.85,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        expires,
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.InitSchema(context.Background()))
}

func TestUpsertCacheEntryNoDuplicates(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	first := testEntry("how do i add an event", time.Now().Add(time.Hour))
	first.Variations = []string{"add event", "create an event"}
	id1, err := c.UpsertCacheEntry(ctx, first)
	require.NoError(t, err)

	second := testEntry("how do i add an event", time.Now().Add(2*time.Hour))
	second.Response = "Updated answer text that is long enough to be worth caching again."
	second.Variations = []string{"add event", "new calendar event"}
	id2, err := c.UpsertCacheEntry(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "conflicting upsert keeps the original id")

	got, err := c.GetActiveByQuestion(ctx, "how do i add an event")
	require.NoError(t, err)
	assert.Equal(t, second.Response, got.Response)
	assert.ElementsMatch(t, []string{"add event", "create an event", "new calendar event"}, got.Variations)
	assert.Len(t, got.Sources, 2)
	assert.True(t, got.Active)

	var n int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestConcurrentUpsertSameQuestion(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.UpsertCacheEntry(ctx, testEntry("who approves travel", time.Now().Add(time.Hour)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestGetActiveByVariation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	e := testEntry("how do i add an event", time.Now().Add(time.Hour))
	id, err := c.UpsertCacheEntry(ctx, e)
	require.NoError(t, err)
	require.NoError(t, c.AddVariation(ctx, id, "add event to calendar"))

	got, err := c.GetActiveByVariation(ctx, "add event to calendar")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	_, err = c.GetActiveByVariation(ctx, "unknown phrase")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.DeactivateCacheEntry(ctx, id))
	_, err = c.GetActiveByVariation(ctx, "add event to calendar")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredEntryStillActiveUntilCleanup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	now := time.Now()
	_, err := c.UpsertCacheEntry(ctx, testEntry("how do i add an event", now.Add(-time.Second)))
	require.NoError(t, err)

	got, err := c.GetActiveByQuestion(ctx, "how do i add an event")
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.True(t, got.Expired(now))

	n, err := c.DeactivateExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = c.GetActiveByQuestion(ctx, "how do i add an event")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCacheHit(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.UpsertCacheEntry(ctx, testEntry("where is the handbook", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordCacheHit(ctx, models.CacheHit{EntryID: id, Tier: "durable", LatencyMS: 4}))
	}

	got, err := c.GetCacheEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsageCount)
	require.NotNil(t, got.LastUsedAt)

	hits, err := c.CountCacheHits(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, hits)

	err = c.RecordCacheHit(ctx, models.CacheHit{EntryID: "missing", Tier: "durable"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementCacheFeedback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.UpsertCacheEntry(ctx, testEntry("where is the handbook", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	got, err := c.IncrementCacheFeedback(ctx, id, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got.HelpfulCount)

	got, err = c.IncrementCacheFeedback(ctx, id, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.HelpfulCount)
	assert.Equal(t, 1, got.NotHelpfulCount)

	require.NoError(t, c.SetCacheConfidence(ctx, id, 0.42))
	got, err = c.GetCacheEntry(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, got.Confidence, 1e-9)

	_, err = c.IncrementCacheFeedback(ctx, "missing", 1, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeactivateAll(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, q := range []string{"one question", "two question"} {
		_, err := c.UpsertCacheEntry(ctx, testEntry(q, time.Now().Add(time.Hour)))
		require.NoError(t, err)
	}

	n, err := c.DeactivateAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Rewriting a deactivated question reactivates the row.
	_, err = c.UpsertCacheEntry(ctx, testEntry("one question", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	got, err := c.GetActiveByQuestion(ctx, "one question")
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestQueryHistoryAndSourceFeedback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	rec := &models.QueryRecord{
		ID:              uuid.NewString(),
		SessionID:       "s1",
		QueryText:       "what about the deadline",
		StandaloneQuery: "what is the grant deadline",
		Response:        "The deadline is March 1.",
		Confidence:      0.8,
		CandidateCount:  4,
		ArbiterUsed:     true,
		LatencyMS:       120,
		CreatedAt:       time.Now(),
	}
	sources := []models.QuerySource{
		{SourceID: "grants-guide", URL: "https://kb.example.org/grants", Score: 0.9},
		{SourceID: "deadlines", URL: "https://kb.example.org/deadlines", Score: 0.85},
	}
	require.NoError(t, c.InsertQueryRecord(ctx, rec, sources))

	got, err := c.GetQueryRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.StandaloneQuery, got.StandaloneQuery)
	assert.True(t, got.ArbiterUsed)
	assert.False(t, got.Cached)

	_, err = c.GetQueryRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := c.GetQueryHistory(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, c.StoreFeedback(ctx, &models.Feedback{
		QueryID:   rec.ID,
		Rating:    models.RatingHelpfulWithIssues,
		IssueType: "outdated",
	}))

	fb, err := c.ListSourceFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, fb, 2)
	for _, f := range fb {
		assert.Equal(t, "what is the grant deadline", f.QueryText)
		assert.Equal(t, models.RatingHelpfulWithIssues, f.Rating)
		assert.Equal(t, "outdated", f.IssueType)
	}
}

func TestSourceScoresAndPatterns(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	scores := []models.SourceScore{
		{SourceID: "a", Helpful: 3, NotHelpful: 1, Score: 0.25, IssueTypes: map[string]int{"outdated": 1}},
		{SourceID: "b", Helpful: 0, NotHelpful: 2, Score: -2},
	}
	require.NoError(t, c.ReplaceSourceScores(ctx, scores))

	scores[0].Helpful = 4
	require.NoError(t, c.ReplaceSourceScores(ctx, scores[:1]))

	got, err := c.GetSourceScores(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got["a"].Helpful)
	assert.Equal(t, 1, got["a"].IssueTypes["outdated"])
	assert.InDelta(t, -2, got["b"].Score, 1e-9)

	require.NoError(t, c.ReplaceQueryPatterns(ctx, []models.QueryPattern{
		{Signature: "deadline grant", SourceIDs: []string{"a"}, Support: 3},
		{Signature: "event", SourceIDs: []string{"b", "c"}, Support: 2},
	}))
	require.NoError(t, c.ReplaceQueryPatterns(ctx, []models.QueryPattern{
		{Signature: "deadline grant", SourceIDs: []string{"a", "d"}, Support: 4},
	}))

	patterns, err := c.GetQueryPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, []string{"a", "d"}, patterns[0].SourceIDs)
	assert.Equal(t, 4, patterns[0].Support)
}

func TestAcronyms(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	n, err := c.UpsertAcronyms(ctx, []models.Acronym{
		{Acronym: "nifa", Expansion: "National Institute of Food and Agriculture"},
		{Acronym: "PTO", Expansion: "Paid Time Off"},
		{Acronym: " ", Expansion: "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.UpsertAcronyms(ctx, []models.Acronym{{Acronym: "NIFA", Expansion: "National Institute of Food and Agriculture"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	list, err := c.ListAcronyms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "NIFA", list[0].Acronym)
	assert.Equal(t, "PTO", list[1].Acronym)
}
