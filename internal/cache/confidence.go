package cache

import (
	"math"
	"strings"
	"time"

	"github.com/kb-assistant/backend/internal/storage/models"
)

const (
	maxConfidence = 0.99

	frequencySaturation = 20.0
	recencyDays         = 30.0
	staleAfterDays      = 30.0
	staleDecayDays      = 60.0
	lowSampleUsage      = 3
	lowSamplePenalty    = 0.95
)

// WriteConfidence scores a fresh answer from its sources and length. It is also
// stored as the entry's retrieval quality.
func WriteConfidence(sources []models.CachedSource, responseLen int) float64 {
	confidence := 0.7

	top := 0.0
	for _, s := range sources {
		if s.Score > top {
			top = s.Score
		}
	}
	if len(sources) >= 3 && top > 0.9 {
		confidence += 0.15
	}
	if responseLen > 300 {
		confidence += 0.05
	}
	for _, s := range sources {
		if isAbsoluteURL(s.URL) {
			confidence += 0.10
			break
		}
	}

	return math.Min(confidence, maxConfidence)
}

// CompositeConfidence blends ask frequency, feedback ratio, retrieval quality and
// recency, then penalizes stale and rarely served entries.
func CompositeConfidence(e *models.CacheEntry, now time.Time) float64 {
	frequency := math.Min(float64(e.UsageCount)/frequencySaturation, 1)

	ratio := 0.5
	if total := e.HelpfulCount + e.NotHelpfulCount; total > 0 {
		ratio = float64(e.HelpfulCount) / float64(total)
	}

	last := e.CreatedAt
	if e.LastUsedAt != nil {
		last = *e.LastUsedAt
	}
	days := math.Max(now.Sub(last).Hours()/24, 0)
	recency := math.Exp(-days / recencyDays)

	quality := clamp(e.RetrievalQuality, 0, 1)

	c := 0.3*frequency + 0.4*ratio + 0.2*quality + 0.1*recency

	if days > staleAfterDays {
		c *= math.Exp(-(days - staleAfterDays) / staleDecayDays)
	}
	if e.UsageCount < lowSampleUsage {
		c *= lowSamplePenalty
	}

	return clamp(c, 0, maxConfidence)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func isAbsoluteURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}
