package liquidity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecaradonna/stableyield/internal/config"
)

func testConfig() config.LiquidityConfig {
	return config.LiquidityConfig{
		GlobalMinimumUSD:    1_000_000,
		InstitutionalUSD:    50_000_000,
		BlueChipUSD:         500_000_000,
		Max7dVolatilityPct:  15.0,
		Max30dVolatilityPct: 25.0,
		Min24hVolumeUSD:     100_000,
	}
}

func TestGrade_BlueChip(t *testing.T) {
	c := New(testConfig())
	g := c.Grade(Input{TVLUSD: 1_000_000_000, Volume24hUSD: 5_000_000})
	assert.Equal(t, GradeBlueChip, g)
	assert.True(t, Eligible(g))
}

func TestGrade_Institutional(t *testing.T) {
	c := New(testConfig())
	g := c.Grade(Input{TVLUSD: 75_000_000, Volume24hUSD: 1_000_000})
	assert.Equal(t, GradeInstitutional, g)
}

func TestGrade_Standard(t *testing.T) {
	c := New(testConfig())
	g := c.Grade(Input{TVLUSD: 5_000_000, Volume24hUSD: 200_000})
	assert.Equal(t, GradeStandard, g)
}

func TestGrade_BelowMinimumByTVL(t *testing.T) {
	c := New(testConfig())
	g := c.Grade(Input{TVLUSD: 500_000, Volume24hUSD: 200_000})
	assert.Equal(t, GradeBelowMinimum, g)
	assert.False(t, Eligible(g))
}

func TestGrade_BelowMinimumByVolatility(t *testing.T) {
	c := New(testConfig())
	g := c.Grade(Input{TVLUSD: 100_000_000, Volume24hUSD: 1_000_000, Volatility30d: 40})
	assert.Equal(t, GradeBelowMinimum, g)
}

func TestGrade_BelowMinimumByThinVolume(t *testing.T) {
	c := New(testConfig())
	g := c.Grade(Input{TVLUSD: 100_000_000, Volume24hUSD: 1_000})
	assert.Equal(t, GradeBelowMinimum, g)
}
