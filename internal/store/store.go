// Package store is the Time-Series Store (spec §4.8): the exclusive owner
// of every persisted record — index values, RAY, peg/liquidity metrics, and
// regime samples. It keeps an in-memory, concurrent-safe representation;
// internal/store/snapshot mirrors appends to an embedded database for
// restart recovery and internal/store/archive optionally ships a daily copy
// of that database to object storage.
package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
	"github.com/ecaradonna/stableyield/pkg/formulas"
)

// Statistics summarizes an index's values over a trailing window.
type Statistics struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	Range  float64
}

type rayKey struct {
	Symbol   string
	SourceID string
}

type pegKey struct {
	Symbol string
}

// Store holds every stream behind a single mutex. Appends are O(1)
// amortized; range reads copy out the requested slice so callers never
// observe a mutation mid-read.
type Store struct {
	mu sync.RWMutex

	indexValues map[domain.IndexCode][]domain.IndexValue
	rayLast     map[rayKey]time.Time
	rayHistory  map[string][]domain.RAYRecord // keyed by symbol
	pegLast     map[pegKey]time.Time
	pegHistory  map[string][]domain.PegMetrics
	liqLast     map[pegKey]time.Time
	liqHistory  map[string][]domain.LiquidityMetrics
	regimeLast  time.Time
	regime      []domain.RegimeSample
}

func New() *Store {
	return &Store{
		indexValues: make(map[domain.IndexCode][]domain.IndexValue),
		rayLast:     make(map[rayKey]time.Time),
		rayHistory:  make(map[string][]domain.RAYRecord),
		pegLast:     make(map[pegKey]time.Time),
		pegHistory:  make(map[string][]domain.PegMetrics),
		liqLast:     make(map[pegKey]time.Time),
		liqHistory:  make(map[string][]domain.LiquidityMetrics),
	}
}

// AppendIndexValue rejects a value whose observed_at does not strictly
// exceed the last stored value for the same index code.
func (s *Store) AppendIndexValue(v domain.IndexValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.indexValues[v.IndexCode]
	if len(hist) > 0 && !v.ObservedAt.After(hist[len(hist)-1].ObservedAt) {
		return &errs.StoreConflict{Stream: "index_value", NaturalKey: string(v.IndexCode)}
	}
	s.indexValues[v.IndexCode] = append(hist, v)
	return nil
}

// AppendRAY enforces monotonicity per (symbol, source_id).
func (s *Store) AppendRAY(r domain.RAYRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rayKey{Symbol: r.Symbol, SourceID: r.SourceID}
	if last, ok := s.rayLast[k]; ok && !r.ObservedAt.After(last) {
		return &errs.StoreConflict{Stream: "ray", NaturalKey: r.Symbol + "/" + r.SourceID}
	}
	s.rayLast[k] = r.ObservedAt
	s.rayHistory[r.Symbol] = append(s.rayHistory[r.Symbol], r)
	return nil
}

// AppendPegMetrics enforces monotonicity per symbol.
func (s *Store) AppendPegMetrics(p domain.PegMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pegKey{Symbol: p.Symbol}
	if last, ok := s.pegLast[k]; ok && !p.WindowEnd.After(last) {
		return &errs.StoreConflict{Stream: "peg_metrics", NaturalKey: p.Symbol}
	}
	s.pegLast[k] = p.WindowEnd
	s.pegHistory[p.Symbol] = append(s.pegHistory[p.Symbol], p)
	return nil
}

// AppendLiquidityMetrics enforces monotonicity per symbol.
func (s *Store) AppendLiquidityMetrics(l domain.LiquidityMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pegKey{Symbol: l.Symbol}
	if last, ok := s.liqLast[k]; ok && !l.WindowEnd.After(last) {
		return &errs.StoreConflict{Stream: "liquidity_metrics", NaturalKey: l.Symbol}
	}
	s.liqLast[k] = l.WindowEnd
	s.liqHistory[l.Symbol] = append(s.liqHistory[l.Symbol], l)
	return nil
}

// AppendRegimeSample enforces monotonicity on the single daily stream.
func (s *Store) AppendRegimeSample(r domain.RegimeSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.regimeLast.IsZero() && !r.Date.After(s.regimeLast) {
		return &errs.StoreConflict{Stream: "regime_sample", NaturalKey: "regime"}
	}
	s.regimeLast = r.Date
	s.regime = append(s.regime, r)
	return nil
}

// LatestIndexValue returns the most recent value for code, if any.
func (s *Store) LatestIndexValue(code domain.IndexCode) (domain.IndexValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.indexValues[code]
	if len(hist) == 0 {
		return domain.IndexValue{}, false
	}
	return hist[len(hist)-1], true
}

// RAYHistory returns every stored RAY record for symbol, oldest first.
func (s *Store) RAYHistory(symbol string) []domain.RAYRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RAYRecord, len(s.rayHistory[symbol]))
	copy(out, s.rayHistory[symbol])
	return out
}

// IndexRange returns the values for code observed within [from, to],
// downsampled to at most maxPoints buckets (mean of value, last of
// categorical fields) when the raw count exceeds maxPoints. maxPoints <= 0
// means no downsampling.
func (s *Store) IndexRange(code domain.IndexCode, from, to time.Time, maxPoints int) []domain.IndexValue {
	s.mu.RLock()
	hist := s.indexValues[code]
	window := make([]domain.IndexValue, 0, len(hist))
	for _, v := range hist {
		if !v.ObservedAt.Before(from) && !v.ObservedAt.After(to) {
			window = append(window, v)
		}
	}
	s.mu.RUnlock()

	if maxPoints <= 0 || len(window) <= maxPoints {
		return window
	}
	return downsample(window, maxPoints)
}

// downsample buckets window into n contiguous groups, averaging Value and
// keeping the last record's categorical fields (mode, confidence,
// constituents) per bucket.
func downsample(window []domain.IndexValue, n int) []domain.IndexValue {
	bucketSize := int(math.Ceil(float64(len(window)) / float64(n)))
	if bucketSize < 1 {
		bucketSize = 1
	}

	out := make([]domain.IndexValue, 0, n)
	for start := 0; start < len(window); start += bucketSize {
		end := start + bucketSize
		if end > len(window) {
			end = len(window)
		}
		bucket := window[start:end]

		sum := 0.0
		for _, v := range bucket {
			sum += v.Value
		}
		last := bucket[len(bucket)-1]
		last.Value = sum / float64(len(bucket))
		out = append(out, last)
	}
	return out
}

// IndexStatistics summarizes code's values over the trailing `days` days
// from the latest stored observation.
func (s *Store) IndexStatistics(code domain.IndexCode, days int) Statistics {
	s.mu.RLock()
	hist := s.indexValues[code]
	if len(hist) == 0 {
		s.mu.RUnlock()
		return Statistics{}
	}
	cutoff := hist[len(hist)-1].ObservedAt.AddDate(0, 0, -days)
	values := make([]float64, 0, len(hist))
	for _, v := range hist {
		if !v.ObservedAt.Before(cutoff) {
			values = append(values, v.Value)
		}
	}
	s.mu.RUnlock()

	if len(values) == 0 {
		return Statistics{}
	}

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return Statistics{
		Count:  len(values),
		Min:    min,
		Max:    max,
		Mean:   formulas.Mean(values),
		StdDev: formulas.StdDev(values),
		Range:  max - min,
	}
}

// RegimeHistory returns samples with Date in [from, to], oldest first,
// capped at limit (0 means unlimited).
func (s *Store) RegimeHistory(from, to time.Time, limit int) []domain.RegimeSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RegimeSample, 0, len(s.regime))
	for _, r := range s.regime {
		if !r.Date.Before(from) && !r.Date.After(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// RegimeStatistics is the aggregate view over a regime window: total days
// spent in each state, the number of confirmed flips between states, and
// the mean length of a regime spell.
type RegimeStatistics struct {
	DaysInState   map[domain.RegimeState]int
	TotalFlips    int
	AvgRegimeDays float64
}

// RegimeStatistics aggregates the daily regime series over [from, to] —
// the original's RegimeStatsResponse (total days per state, total flips,
// average regime duration), exposed as an aggregate query alongside
// RegimeHistory rather than recomputed by every caller.
func (s *Store) RegimeStatistics(from, to time.Time) RegimeStatistics {
	hist := s.RegimeHistory(from, to, 0)

	stats := RegimeStatistics{DaysInState: make(map[domain.RegimeState]int)}
	if len(hist) == 0 {
		return stats
	}

	spells := 1
	prevState := hist[0].State
	for _, r := range hist {
		stats.DaysInState[r.State]++
	}
	for _, r := range hist[1:] {
		if r.State != prevState {
			stats.TotalFlips++
			spells++
			prevState = r.State
		}
	}
	stats.AvgRegimeDays = float64(len(hist)) / float64(spells)
	return stats
}
