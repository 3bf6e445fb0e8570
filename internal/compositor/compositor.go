// Package compositor implements the SYI Compositor (spec §4.5): it selects
// eligible constituents, assigns weights under one of five schemes, caps
// concentration by iterative water-filling, and computes the weighted
// index value plus its quality metrics. It depends only on data handed to
// it by the caller (typically queried from the Time-Series Store), never
// on the source adapters directly — the redesign note in §9 calls this out
// explicitly to break the aggregator/compositor/sanitizer import cycle
// observed in the original.
package compositor

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
	"github.com/ecaradonna/stableyield/internal/liquidity"
	"github.com/ecaradonna/stableyield/pkg/formulas"
)

// Candidate is one (symbol, source) available for composition this cycle,
// carrying everything the eligibility and weighting rules need.
type Candidate struct {
	ID              string
	Symbol          string
	SourceID        string
	SourceKind      domain.SourceKind
	Record          domain.RAYRecord
	TVLUSD          float64
	CapacityUSD     float64
	MarketCapUSD    float64
	OperationalDays int
	RAYHistory30d   []float64 // for EQUAL_RISK weighting's volatility term
	LiquidityGrade  liquidity.Grade
	SampleAge       float64 // seconds since observed_at, as of cycle time
}

// Compositor computes IndexValue snapshots for one index code at a time,
// using the IndexConfig associated with that code.
type Compositor struct {
	cfg config.IndexConfig
}

// New creates a Compositor bound to one index code's configuration.
func New(cfg config.IndexConfig) *Compositor {
	return &Compositor{cfg: cfg}
}

// Compose runs §4.5 end to end: eligibility filtering, weight assignment
// for the configured scheme, cap enforcement, and the weighted index
// value plus its quality metrics. observedAt is the cycle timestamp shared
// by every record produced this cycle (§5 ordering guarantees).
//
// Returns a *errs.InsufficientConstituents error when fewer than
// MinConstituents candidates survive eligibility filtering;
// callers must not publish a new IndexValue in that case (§4.5, §7).
func (c *Compositor) Compose(candidates []Candidate, observedAt time.Time) (domain.IndexValue, error) {
	eligible := c.filterEligible(candidates)

	if len(eligible) < c.cfg.MinConstituents {
		return domain.IndexValue{}, &errs.InsufficientConstituents{
			IndexCode: string(c.cfg.Code),
			Eligible:  len(eligible),
			Required:  c.cfg.MinConstituents,
		}
	}

	eligible = dedupeHighestConfidencePerSymbol(eligible)
	sortDeterministic(eligible)

	weights := assignWeights(c.cfg.Scheme, eligible)
	weights = normalize(weights)
	weights = capAndRedistribute(weights, c.cfg.ConstituentCap)

	value := 0.0
	hhi := 0.0
	minConfidence := math.Inf(1)
	constituents := make([]domain.Constituent, 0, len(eligible))
	var stale []string

	for i, cand := range eligible {
		w := weights[i]
		value += w * cand.Record.RAY
		hhi += w * w
		if cand.Record.Confidence < minConfidence {
			minConfidence = cand.Record.Confidence
		}
		flag := ""
		if cand.SampleAge > c.cfg.SoftStaleness.Seconds() {
			flag = "stale"
			stale = append(stale, cand.SourceID)
		}
		constituents = append(constituents, domain.Constituent{
			ID:            cand.ID,
			Symbol:        cand.Symbol,
			SourceID:      cand.SourceID,
			Weight:        w,
			RAY:           cand.Record.RAY,
			TVLUSD:        cand.TVLUSD,
			CapacityUSD:   cand.CapacityUSD,
			Confidence:    cand.Record.Confidence,
			StalenessFlag: flag,
			Record:        cand.Record,
		})
	}

	if math.IsInf(minConfidence, 1) {
		minConfidence = 0
	}

	return domain.IndexValue{
		IndexCode:        c.cfg.Code,
		ObservedAt:       observedAt,
		Value:            value,
		Mode:             domain.ModeNormal,
		Confidence:       minConfidence,
		ConstituentCount: len(constituents),
		HHI:              hhi,
		Constituents:     constituents,
		Quality:          quality(constituents),
		StalenessFlags:   stale,
	}, nil
}

// filterEligible applies §4.5's eligibility rule: RAY confidence >=
// min_confidence, liquidity grade clears, sample age within max_staleness.
// REJECTed samples are not checked here; app.buildCandidate drops them
// before they become candidates.
func (c *Compositor) filterEligible(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Record.Confidence < c.cfg.MinConfidence {
			continue
		}
		if !liquidity.Eligible(cand.LiquidityGrade) {
			continue
		}
		if cand.SampleAge > c.cfg.MaxStaleness.Seconds() {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// dedupeHighestConfidencePerSymbol keeps, for each symbol, only the
// highest-confidence RAY when multiple sources exist (§4.5, MARKET_CAP
// scheme note, generalized to every scheme since one symbol should not
// double-count its capitalization).
func dedupeHighestConfidencePerSymbol(candidates []Candidate) []Candidate {
	best := make(map[string]Candidate, len(candidates))
	for _, cand := range candidates {
		cur, ok := best[cand.Symbol]
		if !ok || cand.Record.Confidence > cur.Record.Confidence {
			best[cand.Symbol] = cand
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, cand := range best {
		out = append(out, cand)
	}
	return out
}

// sortDeterministic applies the §4.5 tie-break order: symbol ascending,
// then source_id ascending.
func sortDeterministic(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Symbol != candidates[j].Symbol {
			return candidates[i].Symbol < candidates[j].Symbol
		}
		return candidates[i].SourceID < candidates[j].SourceID
	})
}

// assignWeights computes raw (pre-normalization) weights per §4.5's five
// schemes.
func assignWeights(scheme domain.WeightingScheme, candidates []Candidate) []float64 {
	raw := make([]float64, len(candidates))
	switch scheme {
	case domain.WeightMarketCap:
		for i, c := range candidates {
			raw[i] = math.Max(c.MarketCapUSD, 0)
		}
	case domain.WeightCapacity:
		for i, c := range candidates {
			raw[i] = math.Max(c.CapacityUSD, 0)
		}
	case domain.WeightTVLMaturity:
		for i, c := range candidates {
			maturity := clamp01(float64(c.OperationalDays) / 365.0)
			raw[i] = math.Max(c.TVLUSD, 0) * maturity
		}
	case domain.WeightEqualRisk:
		for i, c := range candidates {
			sigma := formulas.StdDev(c.RAYHistory30d)
			if sigma <= 0 {
				sigma = 1e-6
			}
			raw[i] = 1.0 / sigma
		}
	default: // domain.WeightEqual
		for i := range candidates {
			raw[i] = 1.0
		}
	}
	return raw
}

// normalize scales weights to sum to 1. An all-zero input (e.g. every
// candidate reports zero market cap) falls back to equal weighting so the
// compositor never divides by zero.
func normalize(weights []float64) []float64 {
	sum := floats.Sum(weights)
	out := make([]float64, len(weights))
	if sum <= 0 {
		for i := range out {
			out[i] = 1.0 / float64(len(weights))
		}
		return out
	}
	for i, w := range weights {
		out[i] = w / sum
	}
	return out
}

// capAndRedistribute applies the §4.5 iterative water-filling cap: clip any
// weight exceeding cap, redistribute the excess proportionally to the
// uncapped weights, and repeat until no weight exceeds cap or every weight
// equals cap.
func capAndRedistribute(weights []float64, capValue float64) []float64 {
	out := make([]float64, len(weights))
	copy(out, weights)
	capped := make([]bool, len(out))

	for iter := 0; iter < len(out)+1; iter++ {
		excess := 0.0
		anyNewlyCapped := false
		for i, w := range out {
			if !capped[i] && w > capValue {
				excess += w - capValue
				out[i] = capValue
				capped[i] = true
				anyNewlyCapped = true
			}
		}
		if !anyNewlyCapped {
			break
		}

		uncappedSum := 0.0
		for i, w := range out {
			if !capped[i] {
				uncappedSum += w
			}
		}
		if uncappedSum <= 0 || excess <= 0 {
			break
		}
		for i := range out {
			if !capped[i] {
				out[i] += excess * (out[i] / uncappedSum)
			}
		}
	}
	return out
}

func quality(constituents []domain.Constituent) domain.QualityMetrics {
	if len(constituents) == 0 {
		return domain.QualityMetrics{}
	}
	symbols := make(map[string]bool)
	sources := make(map[string]bool)
	var confSum, maxWeight float64
	for _, c := range constituents {
		symbols[c.Symbol] = true
		sources[c.SourceID] = true
		confSum += c.Confidence
		if c.Weight > maxWeight {
			maxWeight = c.Weight
		}
	}
	return domain.QualityMetrics{
		AvgConfidence:        confSum / float64(len(constituents)),
		ProtocolDiversity:    len(sources),
		StablecoinDiversity:  len(symbols),
		MaxConstituentWeight: maxWeight,
	}
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
