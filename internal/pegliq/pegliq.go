// Package pegliq implements the Peg & Liquidity Metrics stage (spec §4.2):
// per-symbol volume-weighted price and deviation-from-$1 tracking, plus
// order-book depth, spread, and composite scores used downstream by the
// RAY Calculator. Each symbol owns its own in-memory ring of vw_price
// samples; the ring is the only mutable state this package holds.
package pegliq

import (
	"math"
	"sync"
	"time"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/pkg/formulas"
)

const (
	ringCapacity  = 720
	volWindowSize = 60 // N=60 samples for vol_5m_bps, per §4.2
)

// defaultPeg is the conservative fallback returned when a symbol has no
// price input this cycle (§4.2: "Missing input returns a conservative
// default").
var defaultPeg = domain.PegMetrics{PegDevBps: 0, Vol5mBps: 2, PegScore: 0.95}

// Tracker owns the per-symbol vw_price rings and computes PegMetrics and
// LiquidityMetrics from a cycle's ticks and order books.
type Tracker struct {
	mu    sync.Mutex
	rings map[string]*sampleRing
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{rings: make(map[string]*sampleRing)}
}

func (t *Tracker) ringFor(symbol string) *sampleRing {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[symbol]
	if !ok {
		r = newSampleRing(ringCapacity)
		t.rings[symbol] = r
	}
	return r
}

// ComputePeg computes PegMetrics for one symbol from its most recent tick
// per venue within a 60s window ending at windowEnd. Ticks older than the
// window, or from venues other than symbol's, must already be filtered out
// by the caller — this function is a pure aggregation step.
func (t *Tracker) ComputePeg(symbol string, ticks []domain.PriceTick, windowEnd time.Time) domain.PegMetrics {
	if len(ticks) == 0 {
		m := defaultPeg
		m.Symbol = symbol
		m.WindowEnd = windowEnd
		return m
	}

	vwPrice := volumeWeightedPrice(ticks)

	ring := t.ringFor(symbol)
	ring.Append(vwPrice)

	pegDevBps := 10000 * (vwPrice - 1)
	vol5m := vol5mBps(ring.Last(volWindowSize))

	score := 1 - math.Abs(pegDevBps)/50 - vol5m/100
	return domain.PegMetrics{
		Symbol:    symbol,
		WindowEnd: windowEnd,
		VWPrice:   vwPrice,
		PegDevBps: pegDevBps,
		Vol5mBps:  vol5m,
		Vol1hBps:  vol1hBps(ring.Last(0)),
		PegScore:  clamp01(score),
	}
}

// volumeWeightedPrice is Sum(price*volume)/Sum(volume), falling back to the
// simple mean when total volume is zero (§4.2). Venues with zero volume are
// excluded from the sum but not from the simple-mean fallback input set,
// matching "Zero total volume -> the venue is excluded from vw_price".
func volumeWeightedPrice(ticks []domain.PriceTick) float64 {
	var priceVolSum, volSum float64
	for _, tk := range ticks {
		priceVolSum += tk.PriceUSD * tk.Volume24hUSD
		volSum += tk.Volume24hUSD
	}
	if volSum == 0 {
		var sum float64
		for _, tk := range ticks {
			sum += tk.PriceUSD
		}
		return sum / float64(len(ticks))
	}
	return priceVolSum / volSum
}

// vol5mBps is mean(|delta price|) over the window, expressed in bps (§4.2).
func vol5mBps(samples []float64) float64 {
	if len(samples) < 2 {
		return defaultPeg.Vol5mBps
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return (sum / float64(len(samples)-1)) * 10000
}

// vol1hBps is the same statistic over a longer window (the full ring, up
// to 720 samples at one-minute cadence covers 12h; callers slice to the
// last hour by passing a bounded ring snapshot upstream if needed). Here
// we use the standard deviation of deltas over whatever history is
// available, scaled to bps, as a coarser companion to Vol5mBps.
func vol1hBps(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	deltas := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		deltas = append(deltas, samples[i]-samples[i-1])
	}
	return formulas.StdDev(deltas) * 10000
}

// ComputeLiquidity computes LiquidityMetrics for one symbol across all
// venues' order books at a window end (§4.2).
func ComputeLiquidity(symbol string, books []domain.OrderBookSnapshot, windowEnd time.Time) domain.LiquidityMetrics {
	if len(books) == 0 {
		return domain.LiquidityMetrics{Symbol: symbol, WindowEnd: windowEnd}
	}

	var d10, d20, d50 float64
	var spreadSum float64
	var spreadVenues int

	for _, book := range books {
		d10 += depthAtBps(book, 10)
		d20 += depthAtBps(book, 20)
		d50 += depthAtBps(book, 50)

		if s, ok := spreadBps(book); ok {
			spreadSum += s
			spreadVenues++
		}
	}

	avgSpread := math.Inf(1)
	if spreadVenues > 0 {
		avgSpread = spreadSum / float64(spreadVenues)
	}

	spreadPenalty := 0.0
	if !math.IsInf(avgSpread, 1) {
		spreadPenalty = math.Min(1/(1+avgSpread/5), 1)
	}

	liqScore := 0.4*math.Min(d10/10e6, 1) + 0.4*math.Min(d20/25e6, 1) + 0.2*spreadPenalty

	return domain.LiquidityMetrics{
		Symbol:        symbol,
		WindowEnd:     windowEnd,
		Depth10bpsUSD: d10,
		Depth20bpsUSD: d20,
		Depth50bpsUSD: d50,
		AvgSpreadBps:  avgSpread,
		VenuesCovered: len(books),
		LiqScore:      clamp01(liqScore),
	}
}

// depthAtBps walks both halves of the book from the best price, summing USD
// notional until the cumulative price impact exceeds thresholdBps. A
// single-sided book contributes 0 from its missing side (§4.2 edge case).
func depthAtBps(book domain.OrderBookSnapshot, thresholdBps float64) float64 {
	return sideDepth(book.Bids, thresholdBps, false) + sideDepth(book.Asks, thresholdBps, true)
}

func sideDepth(levels []domain.BookLevel, thresholdBps float64, ascending bool) float64 {
	if len(levels) == 0 {
		return 0
	}
	best := levels[0].Price
	if best <= 0 {
		return 0
	}
	var notional float64
	for _, lvl := range levels {
		var impactBps float64
		if ascending {
			impactBps = 10000 * (lvl.Price - best) / best
		} else {
			impactBps = 10000 * (best - lvl.Price) / best
		}
		if impactBps > thresholdBps {
			break
		}
		notional += lvl.Price * lvl.Size
	}
	return notional
}

// spreadBps returns 10000*(ask0-bid0)/mid for one venue's book top. A
// single-sided book has no defined spread (§4.2 edge case: "treated as
// infinity -> penalty 0").
func spreadBps(book domain.OrderBookSnapshot) (float64, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, false
	}
	bid, ask := book.Bids[0].Price, book.Asks[0].Price
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0, false
	}
	return 10000 * (ask - bid) / mid, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
