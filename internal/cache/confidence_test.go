package cache

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kb-assistant/backend/internal/storage/models"
)

func TestWriteConfidence(t *testing.T) {
	abs := func(score float64) models.CachedSource {
		return models.CachedSource{URL: "https://kb.example.org/x", Score: score}
	}
	rel := func(score float64) models.CachedSource {
		return models.CachedSource{URL: "", Score: score}
	}

	tests := []struct {
		name    string
		sources []models.CachedSource
		length  int
		want    float64
	}{
		{"base", []models.CachedSource{rel(0.8), rel(0.7)}, 100, 0.7},
		{"links", []models.CachedSource{rel(0.8), abs(0.7)}, 100, 0.8},
		{"long", []models.CachedSource{rel(0.8), rel(0.7)}, 301, 0.75},
		{"strong sources", []models.CachedSource{rel(0.95), rel(0.8), rel(0.7)}, 100, 0.85},
		{"strong but only two", []models.CachedSource{rel(0.95), rel(0.8)}, 100, 0.7},
		{"everything clamps", []models.CachedSource{abs(0.95), abs(0.8), abs(0.7)}, 500, 0.99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, WriteConfidence(tt.sources, tt.length), 1e-9)
		})
	}
}

func TestCompositeConfidence(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)

	popular := &models.CacheEntry{
		UsageCount:       20,
		HelpfulCount:     10,
		RetrievalQuality: 0.9,
		LastUsedAt:       &recent,
		CreatedAt:        now.Add(-48 * time.Hour),
	}
	c := CompositeConfidence(popular, now)
	assert.InDelta(t, 0.3+0.4+0.18+0.1, c, 0.01)
	assert.LessOrEqual(t, c, 0.99)

	disliked := *popular
	disliked.HelpfulCount, disliked.NotHelpfulCount = 1, 9
	assert.Less(t, CompositeConfidence(&disliked, now), c)

	rare := *popular
	rare.UsageCount = 2
	rareWant := (0.3*0.1 + 0.4 + 0.18 + 0.1*math.Exp(-(1.0/24)/30)) * lowSamplePenalty
	assert.InDelta(t, rareWant, CompositeConfidence(&rare, now), 1e-6)

	stale := *popular
	old := now.Add(-60 * 24 * time.Hour)
	stale.LastUsedAt = &old
	assert.Less(t, CompositeConfidence(&stale, now), 0.6)

	fresh := &models.CacheEntry{RetrievalQuality: 0.8, CreatedAt: now}
	assert.InDelta(t, (0.4*0.5+0.2*0.8+0.1)*lowSamplePenalty, CompositeConfidence(fresh, now), 1e-9)
}

func TestEnrichURL(t *testing.T) {
	origin := "https://kb.example.org/"
	tests := []struct {
		in   string
		want string
	}{
		{"https://docs.example.com/a?b=1", "https://docs.example.com/a?b=1"},
		{"HTTP://legacy.example.com", "HTTP://legacy.example.com"},
		{"/policies/travel", "https://kb.example.org/policies/travel"},
		{"grants.gov", "https://grants.gov"},
		{"www.nifa.usda.gov/grants", "https://www.nifa.usda.gov/grants"},
		{"intranet.local:8443/x", "https://intranet.local:8443/x"},
		{"docs/handbook.pdf", "https://kb.example.org/docs/handbook.pdf"},
		{"handbook.pdf", "https://kb.example.org/handbook.pdf"},
		{"//cdn.example.com/file", "https://cdn.example.com/file"},
		{"  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := EnrichURL(tt.in, origin)
			assert.Equal(t, tt.want, got)
			if got != "" {
				assert.True(t, strings.HasPrefix(strings.ToLower(got), "http"))
			}
		})
	}
}
