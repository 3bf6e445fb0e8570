// Package app wires the pipeline stages (§4.1-§4.6) into the per-cycle
// sequence described in §5: fan out to adapters, derive peg/liquidity
// metrics, sanitize, risk-adjust, compose the index family, and append
// everything to the store. It is the Application container the redesign
// note in §9 calls for in place of the teacher's import-cycle-prone
// aggregator/compositor coupling.
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ecaradonna/stableyield/internal/adapters"
	"github.com/ecaradonna/stableyield/internal/compositor"
	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
	"github.com/ecaradonna/stableyield/internal/events"
	"github.com/ecaradonna/stableyield/internal/liquidity"
	"github.com/ecaradonna/stableyield/internal/pegliq"
	"github.com/ecaradonna/stableyield/internal/ray"
	"github.com/ecaradonna/stableyield/internal/regime"
	"github.com/ecaradonna/stableyield/internal/sanitizer"
	"github.com/ecaradonna/stableyield/internal/store"
	"github.com/ecaradonna/stableyield/pkg/clock"
)

// RateSource supplies the 3-month T-Bill rate the regime engine and SYRPI
// both depend on.
type RateSource interface {
	FetchRate(ctx context.Context, tenorMonths int) (domain.TBillRate, error)
}

// CapSource supplies market capitalization used by the MARKET_CAP
// weighting scheme.
type CapSource interface {
	FetchMarketCaps(ctx context.Context) (map[string]domain.MarketCap, error)
}

// Storer is the subset of store.Store (or a persistence-mirrored wrapper)
// the pipeline depends on.
type Storer interface {
	AppendIndexValue(domain.IndexValue) error
	AppendRAY(domain.RAYRecord) error
	AppendPegMetrics(domain.PegMetrics) error
	AppendLiquidityMetrics(domain.LiquidityMetrics) error
	AppendRegimeSample(domain.RegimeSample) error
	LatestIndexValue(domain.IndexCode) (domain.IndexValue, bool)
	RAYHistory(symbol string) []domain.RAYRecord
	IndexRange(code domain.IndexCode, from, to time.Time, maxPoints int) []domain.IndexValue
	IndexStatistics(code domain.IndexCode, days int) store.Statistics
	RegimeHistory(from, to time.Time, limit int) []domain.RegimeSample
}

// App is the application container: one instance per deployment, holding
// every pipeline stage and the store they share.
type App struct {
	cfg *config.Config

	registry  *adapters.Registry
	tbill     RateSource
	marketcap CapSource

	sanitizer *sanitizer.Sanitizer
	ray       *ray.Calculator
	pegs      *pegliq.Tracker
	liquidity *liquidity.Classifier
	tvl       *liquidity.Tracker
	family    *compositor.Family
	regime    *regime.Engine

	store  Storer
	events *events.Manager
	clock  clock.Clock
	log    zerolog.Logger
}

// Deps bundles the collaborators New assembles an App from.
type Deps struct {
	Config    *config.Config
	Registry  *adapters.Registry
	TBill     RateSource
	MarketCap CapSource
	Store     Storer
	Events    *events.Manager
	Clock     clock.Clock
	Log       zerolog.Logger
}

func New(d Deps) *App {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &App{
		cfg:       d.Config,
		registry:  d.Registry,
		tbill:     d.TBill,
		marketcap: d.MarketCap,
		sanitizer: sanitizer.New(d.Config.Sanitizer),
		ray:       ray.New(d.Config.RAY),
		pegs:      pegliq.NewTracker(),
		liquidity: liquidity.New(d.Config.Liquidity),
		tvl:       liquidity.NewTracker(),
		family:    compositor.NewFamily(d.Config.Indices),
		regime:    regime.New(d.Config.Regime),
		store:     d.Store,
		events:    d.Events,
		clock:     d.Clock,
		log:       d.Log.With().Str("component", "app").Logger(),
	}
}

// symbolSamples groups one symbol's raw samples, keyed by source kind, so
// the sanitizer's comparable-context rule (§4.3 step 4: same symbol, same
// source_kind) can be applied.
type symbolSamples struct {
	bySymbolKind map[string]map[domain.SourceKind][]domain.RawYieldSample
}

func newSymbolSamples() *symbolSamples {
	return &symbolSamples{bySymbolKind: make(map[string]map[domain.SourceKind][]domain.RawYieldSample)}
}

func (s *symbolSamples) add(sample domain.RawYieldSample) {
	byKind, ok := s.bySymbolKind[sample.Symbol]
	if !ok {
		byKind = make(map[domain.SourceKind][]domain.RawYieldSample)
		s.bySymbolKind[sample.Symbol] = byKind
	}
	byKind[sample.SourceKind] = append(byKind[sample.SourceKind], sample)
}

// context returns the comparable APYs for every other sample sharing
// symbol+kind with exclude. When fewer than 5 such comparables exist it
// returns the APYs of every other sample of the cycle instead, across all
// symbols and kinds.
func (s *symbolSamples) context(exclude domain.RawYieldSample) []float64 {
	var out []float64
	for _, sample := range s.bySymbolKind[exclude.Symbol][exclude.SourceKind] {
		if sample.SourceID == exclude.SourceID && sample.ObservedAt.Equal(exclude.ObservedAt) {
			continue
		}
		out = append(out, sample.APYTotal)
	}
	if len(out) >= 5 {
		return out
	}
	var all []float64
	for symbol, byKind := range s.bySymbolKind {
		for kind, samples := range byKind {
			for _, sample := range samples {
				if symbol == exclude.Symbol && kind == exclude.SourceKind &&
					sample.SourceID == exclude.SourceID && sample.ObservedAt.Equal(exclude.ObservedAt) {
					continue
				}
				all = append(all, sample.APYTotal)
			}
		}
	}
	return all
}

func (s *symbolSamples) symbols() []string {
	out := make([]string, 0, len(s.bySymbolKind))
	for sym := range s.bySymbolKind {
		out = append(out, sym)
	}
	return out
}

// RunCycle executes one full §5 pipeline cycle: fan out to adapters,
// derive peg/liquidity, sanitize, risk-adjust, compose the index family,
// and append every output to the store. A failed adapter never fails the
// cycle; an index with too few eligible constituents is reported but
// other index-family members still publish.
func (a *App) RunCycle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, deadlineOrDefault(a.cfg.Scheduler.CycleDeadline))
	defer cancel()

	now := a.clock.Now()
	a.events.Emit(events.CycleStarted, "app", map[string]interface{}{"observed_at": now})

	yieldResults := a.registry.FetchAllYields(ctx)
	samples := newSymbolSamples()
	for _, r := range yieldResults {
		if r.Err != nil {
			a.events.EmitError(events.AdapterFailed, "app", r.Err, map[string]interface{}{"source_id": r.Source.SourceID})
			continue
		}
		for _, s := range r.Samples {
			samples.add(s)
		}
	}

	symbols := samples.symbols()
	prices := a.registry.FetchAllPrices(ctx, symbols)
	books := a.registry.FetchAllOrderBooks(ctx, symbols)

	pegBySymbol := make(map[string]domain.PegMetrics, len(symbols))
	liqBySymbol := make(map[string]domain.LiquidityMetrics, len(symbols))
	for _, sym := range symbols {
		peg := a.pegs.ComputePeg(sym, prices[sym], now)
		pegBySymbol[sym] = peg
		if err := a.store.AppendPegMetrics(peg); err != nil {
			a.events.EmitError(events.StoreConflict, "app", err, map[string]interface{}{"symbol": sym})
		}

		liq := pegliq.ComputeLiquidity(sym, books[sym], now)
		liqBySymbol[sym] = liq
		if err := a.store.AppendLiquidityMetrics(liq); err != nil {
			a.events.EmitError(events.StoreConflict, "app", err, map[string]interface{}{"symbol": sym})
		}
	}

	var marketCaps map[string]domain.MarketCap
	if a.marketcap != nil {
		if caps, err := a.marketcap.FetchMarketCaps(ctx); err == nil {
			marketCaps = caps
		} else {
			a.events.EmitError(events.AdapterFailed, "app", err, map[string]interface{}{"source": "marketcap"})
		}
	}

	var tbill3m float64
	if a.tbill != nil {
		if rate, err := a.tbill.FetchRate(ctx, 3); err == nil {
			tbill3m = rate.RateDecimal
		} else {
			a.events.EmitError(events.AdapterFailed, "app", err, map[string]interface{}{"source": "tbill"})
		}
	}

	candidates := make([]compositor.Candidate, 0)
	for symbol, byKind := range samples.bySymbolKind {
		peg := pegBySymbol[symbol]
		liq := liqBySymbol[symbol]
		for _, kindSamples := range byKind {
			for _, sample := range kindSamples {
				cand, ok := a.buildCandidate(sample, samples.context(sample), peg, liq, prices[symbol], marketCaps, now)
				if !ok {
					continue
				}
				candidates = append(candidates, cand)
			}
		}
	}

	var currentDeFiTVL float64
	for _, cand := range candidates {
		if cand.SourceKind == domain.SourceDeFi {
			currentDeFiTVL += cand.TVLUSD
		}
	}

	result := a.family.Compose(candidates, now, tbill3m)
	for code, v := range result.Values {
		v.Mode = a.classifyMode(code, now, currentDeFiTVL)
		if err := a.store.AppendIndexValue(v); err != nil {
			a.events.EmitError(events.StoreConflict, "app", err, map[string]interface{}{"index_code": string(code)})
		}
	}
	for code, err := range result.Errs {
		a.events.EmitError(events.InsufficientSet, "app", err, map[string]interface{}{"index_code": string(code)})
	}

	a.events.Emit(events.CycleCompleted, "app", map[string]interface{}{"constituents": len(candidates)})
	return nil
}

// classifyMode runs §4.5's mode classification for one published code: it
// pulls code's own 180-day value history from the store for the HIGH_VOL
// test and SYDEFI's 90-day constituent history for the BEAR test's
// aggregate-TVL series, since the Store already retains both (§4.8).
func (a *App) classifyMode(code domain.IndexCode, now time.Time, currentDeFiTVL float64) domain.IndexMode {
	daily := a.store.IndexRange(code, now.AddDate(0, 0, -180), now, 180)
	dailyValues := make([]float64, len(daily))
	for i, v := range daily {
		dailyValues[i] = v.Value
	}
	last30d := dailyValues
	if len(dailyValues) > 30 {
		last30d = dailyValues[len(dailyValues)-30:]
	}
	vol180d := compositor.RollingVolatility(dailyValues, 30)

	sydefiHistory := a.store.IndexRange(domain.IndexSYDEFI, now.AddDate(0, 0, -90), now, 0)
	last90dDeFiTVL := make([]float64, len(sydefiHistory))
	for i, v := range sydefiHistory {
		var sum float64
		for _, c := range v.Constituents {
			sum += c.TVLUSD
		}
		last90dDeFiTVL[i] = sum
	}

	return compositor.ClassifyMode(last30d, vol180d, currentDeFiTVL, last90dDeFiTVL)
}

// buildCandidate sanitizes one raw sample, computes its RAY, and assembles
// a compositor.Candidate. Returns ok=false for a REJECTed sample.
func (a *App) buildCandidate(
	sample domain.RawYieldSample,
	context []float64,
	peg domain.PegMetrics,
	liq domain.LiquidityMetrics,
	ticks []domain.PriceTick,
	marketCaps map[string]domain.MarketCap,
	now time.Time,
) (compositor.Candidate, bool) {
	sanitized := a.sanitizer.Sanitize(sanitizer.Input{
		APYTotal:  sample.APYTotal,
		APYBase:   sample.APYBase,
		APYReward: sample.APYReward,
		BorrowAPY: sample.BorrowAPY,
		Context:   context,
	})
	if sanitized.Action == domain.ActionReject {
		a.events.Emit(events.SampleRejected, "app", map[string]interface{}{
			"symbol": sample.Symbol, "source_id": sample.SourceID, "warnings": sanitized.Warnings,
		})
		return compositor.Candidate{}, false
	}

	rayRecord := a.ray.Compute(ray.Input{
		Symbol:              sample.Symbol,
		SourceID:            sample.SourceID,
		BaseAPY:             sanitized.SanitizedAPY,
		SanitizerConfidence: sanitized.Confidence,
		PegScore:            peg.PegScore,
		LiquidityScore:      liq.LiqScore,
		ObservedAt:          sample.ObservedAt,
	})
	if err := a.store.AppendRAY(rayRecord); err != nil {
		a.events.EmitError(events.StoreConflict, "app", err, map[string]interface{}{"symbol": sample.Symbol, "source_id": sample.SourceID})
	}

	tvl := 0.0
	if sample.TVLUSD != nil {
		tvl = *sample.TVLUSD
	}
	a.tvl.Record(sample.Symbol, sample.SourceID, tvl, sample.ObservedAt)

	var volume24h float64
	for _, tick := range ticks {
		volume24h += tick.Volume24hUSD
	}

	grade := a.liquidity.Grade(liquidity.Input{
		TVLUSD:        tvl,
		Volume24hUSD:  volume24h,
		Volatility7d:  a.tvl.Volatility7d(sample.Symbol, sample.SourceID, now),
		Volatility30d: a.tvl.Volatility30d(sample.Symbol, sample.SourceID, now),
	})

	history := a.store.RAYHistory(sample.Symbol)
	rayHistory30d := make([]float64, 0, len(history))
	var earliest time.Time
	for _, h := range history {
		if h.SourceID != sample.SourceID {
			continue
		}
		if now.Sub(h.ObservedAt) <= 30*24*time.Hour {
			rayHistory30d = append(rayHistory30d, h.RAY)
		}
		if earliest.IsZero() || h.ObservedAt.Before(earliest) {
			earliest = h.ObservedAt
		}
	}
	operationalDays := 0
	if !earliest.IsZero() {
		operationalDays = int(now.Sub(earliest).Hours() / 24)
	}

	var marketCapUSD float64
	if marketCaps != nil {
		marketCapUSD = marketCaps[sample.Symbol].MarketCapUSD
	}

	return compositor.Candidate{
		ID:              uuid.NewString(),
		Symbol:          sample.Symbol,
		SourceID:        sample.SourceID,
		SourceKind:      sample.SourceKind,
		Record:          rayRecord,
		TVLUSD:          tvl,
		CapacityUSD:     tvl,
		MarketCapUSD:    marketCapUSD,
		OperationalDays: operationalDays,
		RAYHistory30d:   rayHistory30d,
		LiquidityGrade:  grade,
		SampleAge:       now.Sub(sample.ObservedAt).Seconds(),
	}, true
}

// RunRegime executes the daily risk-regime evaluation (§4.6), reading
// yesterday's closing SYI and constituent RAYs from the store. Runs on its
// own cadence, never inside the minute cycle (§5 step 6).
func (a *App) RunRegime(ctx context.Context, day time.Time) error {
	syi, ok := a.store.LatestIndexValue(domain.IndexSYI)
	if !ok {
		return &errs.InsufficientConstituents{IndexCode: string(domain.IndexSYI), Eligible: 0, Required: 1}
	}

	var tbill3m float64
	if a.tbill != nil {
		if rate, err := a.tbill.FetchRate(ctx, 3); err == nil {
			tbill3m = rate.RateDecimal
		}
	}

	components := make([]domain.RegimeComponent, 0, len(syi.Constituents))
	for _, c := range syi.Constituents {
		components = append(components, domain.RegimeComponent{Symbol: c.Symbol, RAY: c.RAY})
	}

	sample := a.regime.Evaluate(regime.Input{
		Date:       day,
		SYI:        syi.Value,
		TBill3m:    tbill3m,
		Components: components,
		Peg:        aggregatePeg(syi.Constituents),
	})

	if err := a.store.AppendRegimeSample(sample); err != nil {
		a.events.EmitError(events.StoreConflict, "app", err, map[string]interface{}{"stream": "regime_sample"})
		return err
	}

	if sample.Alert != nil {
		a.events.EmitRegimeAlert("app", string(sample.Alert.Type), string(sample.Alert.Level), sample.Alert.Message)
	}
	return nil
}

// aggregatePeg derives a worst-case PegStatus from a cycle's constituents.
// The store doesn't retain a cross-symbol peg aggregate directly; this is
// the same "take the worst observed" rule §4.6's override condition implies
// ("any single day with peg_status.max_depeg_bps >= threshold").
func aggregatePeg(constituents []domain.Constituent) domain.PegStatus {
	var maxDepeg, aggDepeg float64
	for _, c := range constituents {
		dev := c.Record.Factors.PegScore
		bps := (1 - dev) * 100 // coarse proxy: lower peg_score implies more stress
		if bps > maxDepeg {
			maxDepeg = bps
		}
		aggDepeg += bps
	}
	return domain.PegStatus{MaxDepegBps: int(maxDepeg), AggDepegBps: int(aggDepeg)}
}

func deadlineOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
