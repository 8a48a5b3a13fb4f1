package ranking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/llm"
	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/internal/textnorm"
	"github.com/kb-assistant/backend/pkg/logger"
)

var (
	recencyMarkers    = []string{"latest", "most recent", "current", "newest", "up to date", "this year", "recent"}
	comparisonMarkers = []string{"difference between", "differences between", "versus", "vs", "compare", "compared to", "comparison", "better than"}
)

// Trigger reasons, also used as log fields.
const (
	TriggerNone       = ""
	TriggerBand       = "score_band"
	TriggerRecency    = "recency_marker"
	TriggerComparison = "comparison_marker"
)

// Arbiter outcomes, used as metric labels.
const (
	OutcomeSkipped   = "skipped"
	OutcomeReordered = "reordered"
	OutcomeUnchanged = "unchanged"
	OutcomeFallback  = "fallback"
)

var ErrInvalidOrdering = errors.New("invalid arbiter ordering")

type Ranker interface {
	RankCandidates(ctx context.Context, query string, candidates []llm.RankCandidate) (string, error)
}

type ArbiterConfig struct {
	Enabled      bool
	Band         float64
	TopK         int
	ExcerptChars int
	Timeout      time.Duration
}

type Arbiter struct {
	ranker Ranker
	cfg    ArbiterConfig
}

func NewArbiter(ranker Ranker, cfg ArbiterConfig) *Arbiter {
	if cfg.Band <= 0 {
		cfg.Band = 0.05
	}
	if cfg.TopK <= 1 {
		cfg.TopK = 5
	}
	if cfg.ExcerptChars <= 0 {
		cfg.ExcerptChars = 400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Arbiter{ranker: ranker, cfg: cfg}
}

// ShouldTrigger reports whether the ordering is ambiguous enough, or the
// question specific enough, to ask for a second opinion.
func (a *Arbiter) ShouldTrigger(query string, matches []AdjustedMatch) (bool, string) {
	if len(matches) < 2 {
		return false, TriggerNone
	}

	top := matches
	if len(top) > 3 {
		top = top[:3]
	}
	hi, lo := top[0].AdjustedScore, top[0].AdjustedScore
	for _, m := range top[1:] {
		hi = max(hi, m.AdjustedScore)
		lo = min(lo, m.AdjustedScore)
	}
	if hi-lo <= a.cfg.Band+1e-9 {
		return true, TriggerBand
	}

	padded := " " + textnorm.Normalize(query) + " "
	if containsMarker(padded, recencyMarkers) {
		return true, TriggerRecency
	}
	if containsMarker(padded, comparisonMarkers) {
		return true, TriggerComparison
	}
	return false, TriggerNone
}

func containsMarker(padded string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(padded, " "+m+" ") {
			return true
		}
	}
	return false
}

// Arbitrate reorders the top-K matches when triggered. Any failure returns the
// input order untouched; the result always has the same length as the input.
func (a *Arbiter) Arbitrate(ctx context.Context, query string, matches []AdjustedMatch) ([]AdjustedMatch, string) {
	if !a.cfg.Enabled || a.ranker == nil {
		return matches, a.record(OutcomeSkipped)
	}
	trigger, reason := a.ShouldTrigger(query, matches)
	if !trigger {
		return matches, a.record(OutcomeSkipped)
	}

	k := min(a.cfg.TopK, len(matches))
	candidates := make([]llm.RankCandidate, k)
	for i := 0; i < k; i++ {
		md := matches[i].Metadata
		candidates[i] = llm.RankCandidate{
			SourceID: matches[i].SourceKey(),
			Title:    md.Title,
			Excerpt:  Excerpt(md.Excerpt, a.cfg.ExcerptChars),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	raw, err := a.ranker.RankCandidates(ctx, query, candidates)
	if err != nil {
		logger.Warn("Arbiter call failed, keeping original order",
			zap.String("reason", reason),
			zap.Error(err),
		)
		return matches, a.record(OutcomeFallback)
	}

	order, err := ParseOrdering(raw, k)
	if err != nil {
		logger.Warn("Arbiter returned an unusable ordering, keeping original order",
			zap.String("reason", reason),
			zap.String("response", raw),
			zap.Error(err),
		)
		return matches, a.record(OutcomeFallback)
	}

	if isIdentity(order) {
		return matches, a.record(OutcomeUnchanged)
	}

	out := make([]AdjustedMatch, 0, len(matches))
	for _, idx := range order {
		m := matches[idx]
		m.Stages = append(append([]Stage(nil), m.Stages...), StageArbiter)
		out = append(out, m)
	}
	out = append(out, matches[k:]...)

	logger.Debug("Arbiter reordered candidates",
		zap.String("reason", reason),
		zap.Ints("order", order),
	)
	return out, a.record(OutcomeReordered)
}

func (a *Arbiter) record(outcome string) string {
	metrics.ArbiterRuns.WithLabelValues(outcome).Inc()
	return outcome
}

// ParseOrdering parses a comma separated, 1-based ordering and returns 0-based
// indices. The result must be an exact permutation of 1..k.
func ParseOrdering(raw string, k int) ([]int, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "[]().")
	if s == "" {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidOrdering)
	}

	parts := strings.Split(s, ",")
	if len(parts) != k {
		return nil, fmt.Errorf("%w: got %d indices, want %d", ErrInvalidOrdering, len(parts), k)
	}

	seen := make([]bool, k)
	order := make([]int, 0, k)
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an index", ErrInvalidOrdering, strings.TrimSpace(p))
		}
		if n < 1 || n > k {
			return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidOrdering, n)
		}
		if seen[n-1] {
			return nil, fmt.Errorf("%w: index %d repeated", ErrInvalidOrdering, n)
		}
		seen[n-1] = true
		order = append(order, n-1)
	}
	return order, nil
}

func isIdentity(order []int) bool {
	for i, v := range order {
		if i != v {
			return false
		}
	}
	return true
}
