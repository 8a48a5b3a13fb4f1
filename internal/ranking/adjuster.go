// Package ranking reweights, optionally re-judges and finally orders vector
// search candidates.
package ranking

import (
	"sort"

	"github.com/kb-assistant/backend/internal/feedback"
	"github.com/kb-assistant/backend/internal/storage/models"
)

type Stage string

const (
	StageFeedback Stage = "feedback"
	StagePattern  Stage = "pattern"
	StageArbiter  Stage = "arbiter"
	StageTieBreak Stage = "tie_break"
)

// AdjustedMatch wraps the raw match it came from. The embedded CandidateMatch
// is never modified.
type AdjustedMatch struct {
	models.CandidateMatch
	AdjustedScore float64
	Stages        []Stage
}

func (m AdjustedMatch) SourceKey() string {
	return sourceKey(m.CandidateMatch)
}

func (m AdjustedMatch) has(s Stage) bool {
	for _, st := range m.Stages {
		if st == s {
			return true
		}
	}
	return false
}

func sourceKey(c models.CandidateMatch) string {
	if c.Metadata.SourceID != "" {
		return c.Metadata.SourceID
	}
	return c.ID
}

type SnapshotProvider interface {
	Snapshot() *feedback.Snapshot
}

type AdjusterConfig struct {
	FeedbackWeight float64
	MaxShift       float64
	PatternBoost   float64
}

func DefaultAdjusterConfig() AdjusterConfig {
	return AdjusterConfig{FeedbackWeight: 0.1, MaxShift: 0.1, PatternBoost: 1.2}
}

type Adjuster struct {
	snapshots SnapshotProvider
	cfg       AdjusterConfig
}

func NewAdjuster(snapshots SnapshotProvider, cfg AdjusterConfig) *Adjuster {
	def := DefaultAdjusterConfig()
	if cfg.FeedbackWeight <= 0 {
		cfg.FeedbackWeight = def.FeedbackWeight
	}
	if cfg.MaxShift <= 0 {
		cfg.MaxShift = def.MaxShift
	}
	if cfg.PatternBoost <= 0 {
		cfg.PatternBoost = def.PatternBoost
	}
	return &Adjuster{snapshots: snapshots, cfg: cfg}
}

// Adjust reweights every candidate using the current feedback snapshot and
// returns them sorted by adjusted score. Candidates are never added or dropped.
func (a *Adjuster) Adjust(query string, matches []models.CandidateMatch) []AdjustedMatch {
	out := make([]AdjustedMatch, len(matches))

	var snap *feedback.Snapshot
	if a.snapshots != nil {
		snap = a.snapshots.Snapshot()
	}
	if snap == nil {
		snap = feedback.NewSnapshot(nil, nil)
	}
	boosted := snap.PatternSources(query)

	for i, c := range matches {
		m := AdjustedMatch{CandidateMatch: c, AdjustedScore: c.Score}
		key := sourceKey(c)

		if sc, ok := snap.Score(key); ok {
			if fs, ok := feedback.FeedbackScore(sc); ok {
				shift := clamp(fs*a.cfg.FeedbackWeight, -a.cfg.MaxShift, a.cfg.MaxShift)
				m.AdjustedScore *= 1 + shift
				m.Stages = append(m.Stages, StageFeedback)
			}
		}
		if boosted[key] {
			m.AdjustedScore *= a.cfg.PatternBoost
			m.Stages = append(m.Stages, StagePattern)
		}
		out[i] = m
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AdjustedScore > out[j].AdjustedScore
	})
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
