package ranking

import (
	"math"

	"github.com/kb-assistant/backend/internal/filter"
)

type Orderer struct {
	epsilon float64
}

func NewOrderer(epsilon float64) *Orderer {
	if epsilon <= 0 {
		epsilon = 0.02
	}
	return &Orderer{epsilon: epsilon}
}

// Order applies the near-tie rules and truncates to topK. A candidate moves
// ahead of its neighbour only when their scores differ by less than epsilon and
// it either satisfies the preference where the neighbour does not, or carries a
// strictly newer date. Candidates the arbiter placed keep their relative order.
func (o *Orderer) Order(matches []AdjustedMatch, topK int, prefer filter.Predicate) []AdjustedMatch {
	n := len(matches)
	out := make([]AdjustedMatch, n)
	copy(out, matches)

	type signals struct {
		preferred bool
		date      DateSignal
		dated     bool
	}
	sig := make(map[string]signals, n)
	for _, m := range out {
		d, ok := ExtractDate(m.Metadata)
		sig[m.ID] = signals{preferred: prefer.Preferred(m.Metadata), date: d, dated: ok}
	}

	moved := make(map[string]bool)
	for i := 1; i < n; i++ {
		for j := i; j > 0; j-- {
			a, b := out[j], out[j-1]
			if math.Abs(a.AdjustedScore-b.AdjustedScore) >= o.epsilon {
				break
			}
			if a.has(StageArbiter) && b.has(StageArbiter) {
				break
			}
			sa, sb := sig[a.ID], sig[b.ID]
			ahead := false
			switch {
			case sa.preferred != sb.preferred:
				ahead = sa.preferred
			case sa.dated && sb.dated:
				ahead = sa.date.After(sb.date)
			}
			if !ahead {
				break
			}
			out[j], out[j-1] = b, a
			moved[a.ID] = true
		}
	}

	for i := range out {
		if moved[out[i].ID] {
			out[i].Stages = append(append([]Stage(nil), out[i].Stages...), StageTieBreak)
		}
	}

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
