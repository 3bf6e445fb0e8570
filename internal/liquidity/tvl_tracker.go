package liquidity

import (
	"sync"
	"time"

	"github.com/ecaradonna/stableyield/pkg/formulas"
)

// maxTVLAge bounds how long a per-source TVL observation is retained; it
// covers the widest window Grade needs (30d volatility).
const maxTVLAge = 30 * 24 * time.Hour

type tvlSample struct {
	value float64
	at    time.Time
}

// Tracker owns the per-(symbol, source) rolling TVL history that feeds the
// 7d/30d volatility inputs Grade needs (§6.4: "max 7d/30d TVL volatility").
// Mirrors pegliq.Tracker's owned-ring shape (§9: "global mutable caches
// become owned in-memory rings inside the owning component").
type Tracker struct {
	mu      sync.Mutex
	history map[string][]tvlSample
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{history: make(map[string][]tvlSample)}
}

func tvlKey(symbol, sourceID string) string { return symbol + "/" + sourceID }

// Record appends a TVL observation for (symbol, sourceID) at at, pruning
// entries older than maxTVLAge.
func (t *Tracker) Record(symbol, sourceID string, tvlUSD float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := tvlKey(symbol, sourceID)
	hist := append(t.history[k], tvlSample{value: tvlUSD, at: at})
	cutoff := at.Add(-maxTVLAge)
	start := 0
	for start < len(hist) && hist[start].at.Before(cutoff) {
		start++
	}
	t.history[k] = hist[start:]
}

// Volatility7d returns the trailing 7-day coefficient of variation (stddev
// / mean, as a percent) of (symbol, sourceID)'s recorded TVL.
func (t *Tracker) Volatility7d(symbol, sourceID string, asOf time.Time) float64 {
	return t.volatility(symbol, sourceID, asOf, 7*24*time.Hour)
}

// Volatility30d is Volatility7d over a 30-day window.
func (t *Tracker) Volatility30d(symbol, sourceID string, asOf time.Time) float64 {
	return t.volatility(symbol, sourceID, asOf, maxTVLAge)
}

func (t *Tracker) volatility(symbol, sourceID string, asOf time.Time, window time.Duration) float64 {
	t.mu.Lock()
	hist := t.history[tvlKey(symbol, sourceID)]
	values := make([]float64, 0, len(hist))
	cutoff := asOf.Add(-window)
	for _, s := range hist {
		if !s.at.Before(cutoff) {
			values = append(values, s.value)
		}
	}
	t.mu.Unlock()

	if len(values) < 2 {
		return 0
	}
	mean := formulas.Mean(values)
	if mean == 0 {
		return 0
	}
	return formulas.StdDev(values) / mean * 100
}
