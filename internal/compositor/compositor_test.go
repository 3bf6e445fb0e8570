package compositor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/liquidity"
)

func baseCfg() config.IndexConfig {
	return config.IndexConfig{
		Code:            domain.IndexSYI,
		Scheme:          domain.WeightMarketCap,
		ConstituentCap:  0.40,
		MinConfidence:   0.50,
		MinConstituents: 3,
		MaxStaleness:    10 * time.Minute,
		SoftStaleness:   5 * time.Minute,
		HardStaleness:   15 * time.Minute,
	}
}

func cand(symbol string, marketCap, ray float64) Candidate {
	return Candidate{
		ID:             symbol,
		Symbol:         symbol,
		SourceID:       symbol + "-src",
		SourceKind:     domain.SourceCeFi,
		MarketCapUSD:   marketCap,
		LiquidityGrade: liquidity.GradeBlueChip,
		Record:         domain.RAYRecord{Symbol: symbol, RAY: ray, Confidence: 0.9},
	}
}

// TestCompose_ReferenceBasket mirrors §8 scenario 3: six constituents with
// market-cap weights summing to 100% and a documented expected SYI. The cap
// is disabled here since the scenario documents the raw weighted-average
// formula, not cap/redistribution (covered separately below).
func TestCompose_ReferenceBasket(t *testing.T) {
	cfg := baseCfg()
	cfg.ConstituentCap = 1.0
	c := New(cfg)
	candidates := []Candidate{
		cand("USDT", 72_500_000_000, 0.0420),
		cand("USDC", 21_800_000_000, 0.0450),
		cand("DAI", 4_400_000_000, 0.0759),
		cand("TUSD", 400_000_000, 0.1502),
		cand("FRAX", 700_000_000, 0.0680),
		cand("USDP", 200_000_000, 0.0342),
	}

	v, err := c.Compose(candidates, time.Now())
	require.NoError(t, err)

	var sumWeights float64
	for _, cst := range v.Constituents {
		sumWeights += cst.Weight
	}
	assert.InDelta(t, 1.0, sumWeights, 1e-6)
	assert.InDelta(t, 0.0447448, v.Value, 1e-4)
	assert.Equal(t, 6, v.ConstituentCount)
}

func TestCompose_InsufficientConstituentsReturnsError(t *testing.T) {
	c := New(baseCfg())
	_, err := c.Compose([]Candidate{cand("USDT", 1, 0.04), cand("USDC", 1, 0.04)}, time.Now())
	require.Error(t, err)
}

func TestCompose_CapAppliedAndRedistributed(t *testing.T) {
	cfg := baseCfg()
	cfg.ConstituentCap = 0.40
	c := New(cfg)

	// One dominant constituent far exceeds the cap.
	candidates := []Candidate{
		cand("USDT", 900_000_000_000, 0.04),
		cand("USDC", 50_000_000_000, 0.045),
		cand("DAI", 30_000_000_000, 0.05),
		cand("FRAX", 20_000_000_000, 0.06),
	}

	v, err := c.Compose(candidates, time.Now())
	require.NoError(t, err)

	for _, cst := range v.Constituents {
		assert.LessOrEqual(t, cst.Weight, cfg.ConstituentCap+1e-9)
	}
	var sum float64
	for _, cst := range v.Constituents {
		sum += cst.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestCompose_DedupesPerSymbolKeepingHighestConfidence(t *testing.T) {
	c := New(baseCfg())
	low := cand("USDC", 1_000_000, 0.04)
	low.SourceID = "low-conf"
	low.Record.Confidence = 0.55

	high := cand("USDC", 1_000_000, 0.05)
	high.SourceID = "high-conf"
	high.Record.Confidence = 0.95

	candidates := []Candidate{
		low, high,
		cand("USDT", 2_000_000, 0.04),
		cand("DAI", 2_000_000, 0.04),
	}

	v, err := c.Compose(candidates, time.Now())
	require.NoError(t, err)

	var usdcCount int
	for _, cst := range v.Constituents {
		if cst.Symbol == "USDC" {
			usdcCount++
			assert.Equal(t, "high-conf", cst.SourceID)
		}
	}
	assert.Equal(t, 1, usdcCount)
}

func TestCompose_FiltersOnMinConfidence(t *testing.T) {
	c := New(baseCfg())
	weak := cand("FRAX", 1_000_000, 0.04)
	weak.Record.Confidence = 0.1

	candidates := []Candidate{
		weak,
		cand("USDT", 2_000_000, 0.04),
		cand("DAI", 2_000_000, 0.04),
		cand("USDC", 2_000_000, 0.04),
	}

	v, err := c.Compose(candidates, time.Now())
	require.NoError(t, err)
	for _, cst := range v.Constituents {
		assert.NotEqual(t, "FRAX", cst.Symbol)
	}
}

func TestCompose_FiltersOnLiquidityGrade(t *testing.T) {
	c := New(baseCfg())
	thin := cand("FRAX", 1_000_000, 0.04)
	thin.LiquidityGrade = liquidity.GradeBelowMinimum

	candidates := []Candidate{
		thin,
		cand("USDT", 2_000_000, 0.04),
		cand("DAI", 2_000_000, 0.04),
		cand("USDC", 2_000_000, 0.04),
	}

	v, err := c.Compose(candidates, time.Now())
	require.NoError(t, err)
	for _, cst := range v.Constituents {
		assert.NotEqual(t, "FRAX", cst.Symbol)
	}
}

func TestCompose_FiltersOnStaleness(t *testing.T) {
	c := New(baseCfg())
	stale := cand("FRAX", 1_000_000, 0.04)
	stale.SampleAge = 20 * 60 // 20 minutes, past max_staleness

	candidates := []Candidate{
		stale,
		cand("USDT", 2_000_000, 0.04),
		cand("DAI", 2_000_000, 0.04),
		cand("USDC", 2_000_000, 0.04),
	}

	v, err := c.Compose(candidates, time.Now())
	require.NoError(t, err)
	for _, cst := range v.Constituents {
		assert.NotEqual(t, "FRAX", cst.Symbol)
	}
}

func TestCapAndRedistribute_ClipsAndRedistributesExcess(t *testing.T) {
	weights := []float64{0.5, 0.3, 0.2}
	out := capAndRedistribute(weights, 0.4)
	var sum float64
	for _, w := range out {
		sum += w
		assert.LessOrEqual(t, w, 0.40+1e-9)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestRollingVolatility_SlidesWindowAcrossSeries(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	out := RollingVolatility(values, 3)
	require.Len(t, out, 4)
	assert.InDelta(t, out[0], out[1], 1e-9) // constant-step series: every window has equal spread
}

func TestRollingVolatility_TooFewPointsReturnsNil(t *testing.T) {
	assert.Nil(t, RollingVolatility([]float64{1, 2}, 3))
}

func TestClassifyMode_HighVolWhenRecentVolatilityDoublesBaseline(t *testing.T) {
	last30d := []float64{0.04, 0.06, 0.03, 0.07, 0.02, 0.08}
	baseline := []float64{0.001, 0.0011, 0.0009, 0.001}
	mode := ClassifyMode(last30d, baseline, 1_000_000_000, nil)
	assert.Equal(t, domain.ModeHighVol, mode)
}

func TestClassifyMode_BearWhenDeFiTVLBelow20thPercentile(t *testing.T) {
	last90dDeFiTVL := []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}
	mode := ClassifyMode([]float64{0.04, 0.041}, []float64{0.001, 0.0011}, 50, last90dDeFiTVL)
	assert.Equal(t, domain.ModeBear, mode)
}

func TestClassifyMode_NormalOtherwise(t *testing.T) {
	last90dDeFiTVL := []float64{100, 200, 300, 400, 500}
	mode := ClassifyMode([]float64{0.04, 0.041, 0.042}, []float64{0.001, 0.0011}, 1_000_000, last90dDeFiTVL)
	assert.Equal(t, domain.ModeNormal, mode)
}
