package policy

import (
	"math"
	"sort"
)

// Calibration floors keep strict profiles from relaxing below a safety
// minimum regardless of how benign recent history looks.
const (
	floorLow      = 10.0
	floorMedium   = 8.0
	floorHigh     = 5.0
	floorCritical = 3.0
)

// CalibrateProfiles recomputes entropy budgets from historical entropy
// scores: low and medium from p75 (low with a 1.5x allowance), high from
// p90, critical from a tightened p95. Returns a new profile map; the
// input is not mutated. Empty history returns the profiles unchanged.
func CalibrateProfiles(entropyScores []float64, base map[string]Profile) map[string]Profile {
	out := make(map[string]Profile, len(base))
	for k, v := range base {
		out[k] = v
	}
	if len(entropyScores) == 0 {
		return out
	}

	sorted := append([]float64(nil), entropyScores...)
	sort.Float64s(sorted)
	p75 := quantile(sorted, 0.75)
	p90 := quantile(sorted, 0.90)
	p95 := quantile(sorted, 0.95)

	setBudget := func(level string, budget float64) {
		p, ok := out[level]
		if !ok {
			return
		}
		p.EntropyBudget = math.Round(budget*10) / 10
		out[level] = p
	}
	setBudget("low", math.Max(p75*1.5, floorLow))
	setBudget("medium", math.Max(p75, floorMedium))
	setBudget("high", math.Max(p90, floorHigh))
	setBudget("critical", math.Max(p95*0.8, floorCritical))
	return out
}

func quantile(sorted []float64, q float64) float64 {
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
