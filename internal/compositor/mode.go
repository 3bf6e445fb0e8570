package compositor

import (
	"sort"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/pkg/formulas"
)

// ClassifyMode implements §4.5's mode classification, evaluated by the
// caller after Compose (it needs rolling history the Compositor itself
// does not hold): HIGH_VOL if 30-day volatility of the index value exceeds
// 2x its 180-day rolling mean volatility; BEAR if aggregate DeFi TVL across
// constituents sits below the 20th percentile of the last 90 days. Modes
// may combine; the dominant one (HIGH_VOL, then BEAR, then NORMAL) is
// reported, matching the priority order in §4.5.
func ClassifyMode(last30dValues []float64, last180dVolatilities []float64, currentDeFiTVL float64, last90dDeFiTVL []float64) domain.IndexMode {
	if isHighVol(last30dValues, last180dVolatilities) {
		return domain.ModeHighVol
	}
	if isBear(currentDeFiTVL, last90dDeFiTVL) {
		return domain.ModeBear
	}
	return domain.ModeNormal
}

// RollingVolatility computes the standard deviation of every trailing
// window-sized slice of dailyValues, oldest window first — the series
// ClassifyMode's HIGH_VOL test compares the latest 30-day volatility
// against (its "180-day rolling mean volatility"). Returns nil when fewer
// than window values are available.
func RollingVolatility(dailyValues []float64, window int) []float64 {
	if window <= 0 || len(dailyValues) < window {
		return nil
	}
	out := make([]float64, 0, len(dailyValues)-window+1)
	for i := 0; i+window <= len(dailyValues); i++ {
		out = append(out, formulas.StdDev(dailyValues[i:i+window]))
	}
	return out
}

func isHighVol(last30dValues []float64, last180dVolatilities []float64) bool {
	if len(last30dValues) < 2 || len(last180dVolatilities) == 0 {
		return false
	}
	vol30d := formulas.StdDev(last30dValues)
	meanVol180d := formulas.Mean(last180dVolatilities)
	if meanVol180d <= 0 {
		return false
	}
	return vol30d > 2*meanVol180d
}

func isBear(currentDeFiTVL float64, last90dDeFiTVL []float64) bool {
	if len(last90dDeFiTVL) == 0 {
		return false
	}
	p20 := percentile(last90dDeFiTVL, 0.20)
	return currentDeFiTVL < p20
}

// percentile is the empirical (sorted-index) percentile used for the
// 20th-percentile DeFi-TVL threshold; it does not interpolate between
// ranks, matching the discrete lookback-window semantics of §4.5.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
