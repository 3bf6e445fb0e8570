// Package liquidity grades a backing pool's capital depth into the tiers
// referenced by §6.4's configuration surface ("global/chain/asset/protocol
// minimum, institutional, blue_chip TVL floors"), recovered from
// original_source/backend/services/liquidity_filter_service.py per
// SPEC_FULL.md's supplemented-features section. The compositor (§4.5)
// uses the grade to decide whether a source clears the "liquidity-filter
// thresholds" eligibility check.
package liquidity

import "github.com/ecaradonna/stableyield/internal/config"

// Grade classifies a pool's TVL into a capital tier.
type Grade string

const (
	GradeBlueChip      Grade = "BLUE_CHIP"
	GradeInstitutional Grade = "INSTITUTIONAL"
	GradeStandard      Grade = "STANDARD"
	GradeBelowMinimum  Grade = "BELOW_MINIMUM"
)

// Input is the pool metrics needed to classify one source's backing.
type Input struct {
	TVLUSD         float64
	Volatility7d   float64 // percent
	Volatility30d  float64 // percent
	Volume24hUSD   float64
}

// Classifier grades pools against one configured set of floors.
type Classifier struct {
	cfg config.LiquidityConfig
}

// New creates a Classifier bound to the given floors.
func New(cfg config.LiquidityConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Grade returns the pool's tier. A pool below the global minimum, or one
// that is too volatile or too thin on 24h volume, grades BELOW_MINIMUM and
// makes its source ineligible for composition regardless of TVL.
func (c *Classifier) Grade(in Input) Grade {
	if in.TVLUSD < c.cfg.GlobalMinimumUSD {
		return GradeBelowMinimum
	}
	if in.Volume24hUSD < c.cfg.Min24hVolumeUSD {
		return GradeBelowMinimum
	}
	if in.Volatility7d > c.cfg.Max7dVolatilityPct || in.Volatility30d > c.cfg.Max30dVolatilityPct {
		return GradeBelowMinimum
	}

	switch {
	case in.TVLUSD >= c.cfg.BlueChipUSD:
		return GradeBlueChip
	case in.TVLUSD >= c.cfg.InstitutionalUSD:
		return GradeInstitutional
	default:
		return GradeStandard
	}
}

// Eligible reports whether a grade clears the compositor's liquidity-filter
// check (§4.5). Only BELOW_MINIMUM disqualifies a source.
func Eligible(g Grade) bool {
	return g != GradeBelowMinimum
}
