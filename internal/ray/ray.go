// Package ray implements the RAY Calculator (spec §4.4): it combines a
// sanitized base APY with the peg, liquidity, counterparty, protocol, and
// temporal risk factors into a single Risk-Adjusted Yield and confidence
// score. The composition is a geometric mean, square-rooted, so that any
// single weak factor erodes the yield without any one factor alone driving
// it to zero.
package ray

import (
	"math"
	"time"

	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
)

// Calculator applies one configured policy (risk-factor defaults and the
// composition exponent) to sanitized APYs.
type Calculator struct {
	cfg config.RAYConfig
}

// New creates a Calculator bound to the given policy.
func New(cfg config.RAYConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// Input is the sanitized APY plus the per-symbol/per-source risk factors
// needed to compute one RAYRecord. A nil factor pointer means "missing";
// the Calculator substitutes the configured default and records a
// staleness flag for it (§4.4: "missing factors use defaults with a
// recorded staleness flag").
type Input struct {
	Symbol              string
	SourceID            string
	BaseAPY             float64
	SanitizerConfidence float64
	PegScore            float64
	LiquidityScore      float64
	Counterparty        *float64
	ProtocolReputation  *float64
	TemporalStability   *float64
	ObservedAt          time.Time
}

// Compute runs the §4.4 formula:
//
//	risk_multiplier = (peg * liquidity * counterparty * reputation * temporal)^exponent
//	ray             = base_apy * risk_multiplier
//	risk_penalty    = base_apy - ray
//	confidence      = min(sanitizer_confidence, mean(factor confidences))
//
// Factor confidence is 1.0 for a live value and 0.5 for a defaulted one.
func (c *Calculator) Compute(in Input) domain.RAYRecord {
	var stale []string

	counterparty := in.Counterparty
	if counterparty == nil {
		v := c.cfg.CounterpartyDefault
		counterparty = &v
		stale = append(stale, "counterparty_score")
	}
	reputation := in.ProtocolReputation
	if reputation == nil {
		v := c.cfg.ReputationDefault
		reputation = &v
		stale = append(stale, "protocol_reputation")
	}
	temporal := in.TemporalStability
	if temporal == nil {
		v := c.cfg.TemporalDefault
		temporal = &v
		stale = append(stale, "temporal_stability")
	}

	factors := domain.RiskFactors{
		PegScore:           clamp01(in.PegScore),
		LiquidityScore:     clamp01(in.LiquidityScore),
		CounterpartyScore:  clamp01(*counterparty),
		ProtocolReputation: clamp01(*reputation),
		TemporalStability:  clamp01(*temporal),
	}

	product := factors.PegScore * factors.LiquidityScore * factors.CounterpartyScore *
		factors.ProtocolReputation * factors.TemporalStability
	multiplier := math.Pow(math.Max(product, 0), c.cfg.Exponent)

	rayValue := in.BaseAPY * multiplier
	penalty := in.BaseAPY - rayValue
	if penalty < 0 {
		penalty = 0
	}

	confidence := math.Min(in.SanitizerConfidence, meanFactorConfidence(len(stale)))

	return domain.RAYRecord{
		Symbol:       in.Symbol,
		SourceID:     in.SourceID,
		BaseAPY:      in.BaseAPY,
		RAY:          rayValue,
		RiskPenalty:  penalty,
		Confidence:   confidence,
		Factors:      factors,
		ObservedAt:   in.ObservedAt,
		StaleFactors: stale,
	}
}

// meanFactorConfidence treats every factor as fully confident (1.0) except
// the ones defaulted this call, which count at 0.5; peg and liquidity are
// always live (produced by the pegliq package), so only the three optional
// factors can be stale.
func meanFactorConfidence(staleCount int) float64 {
	const totalFactors = 5.0
	live := totalFactors - float64(staleCount)
	return (live*1.0 + float64(staleCount)*0.5) / totalFactors
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
