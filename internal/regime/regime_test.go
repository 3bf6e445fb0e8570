package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
)

func defaultCfg() config.RegimeConfig {
	return config.RegimeConfig{
		EMAShortDays:      7,
		EMALongDays:       30,
		ZEnter:            0.5,
		PersistDays:       2,
		CooldownDays:      7,
		BreadthOnMax:      40.0,
		BreadthOffMin:     60.0,
		PegSingleBps:      100,
		PegAggBps:         150,
		PegClearHours:     24,
		VolatilityEpsilon: 0.001,
	}
}

func day(n int) time.Time {
	return time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// TestEvaluate_InsufficientHistoryIsNeutral mirrors §8 scenario 5: the first
// observation, with fewer than ema_long_days of history, reports NEU and no
// alert regardless of the computed syi_excess.
func TestEvaluate_InsufficientHistoryIsNeutral(t *testing.T) {
	e := New(defaultCfg())
	in := Input{
		Date:    day(0),
		SYI:     0.0445,
		TBill3m: 0.0530,
		Components: []domain.RegimeComponent{
			{Symbol: "USDT", RAY: 0.042},
			{Symbol: "USDC", RAY: 0.045},
			{Symbol: "DAI", RAY: 0.075},
			{Symbol: "TUSD", RAY: 0.055},
			{Symbol: "FRAX", RAY: 0.068},
		},
		Peg: domain.PegStatus{MaxDepegBps: 80, AggDepegBps: 120},
	}

	s := e.Evaluate(in)

	assert.Equal(t, domain.RegimeNeutral, s.State)
	assert.Nil(t, s.Alert)
	assert.InDelta(t, -0.0085, s.SYIExcess, 1e-9)
	// DAI, TUSD and FRAX sit above the 5.30% bill: 3 of 5.
	assert.InDelta(t, 60.0, s.BreadthPct, 1e-9)
}

// TestEvaluate_PegOverrideForcesOffOverride mirrors §8 scenario 6: a single
// day crossing max_depeg_bps forces OFF_OVERRIDE with an OVERRIDE_PEG alert,
// and the override persists through the next evaluation even once peg
// metrics recover, until peg_clear_hours has elapsed.
func TestEvaluate_PegOverrideForcesOffOverride(t *testing.T) {
	e := New(defaultCfg())

	s1 := e.Evaluate(Input{
		Date:    day(0),
		SYI:     0.03,
		TBill3m: 0.05,
		Peg:     domain.PegStatus{MaxDepegBps: 150, AggDepegBps: 50},
	})
	require.Equal(t, domain.RegimeOffOverride, s1.State)
	require.NotNil(t, s1.Alert)
	assert.Equal(t, domain.AlertOverridePeg, s1.Alert.Type)
	assert.Equal(t, domain.LevelCritical, s1.Alert.Level)

	// Peg recovers the very next day; override must still hold since
	// peg_clear_hours (24h default) has not elapsed.
	s2 := e.Evaluate(Input{
		Date:    day(1),
		SYI:     0.03,
		TBill3m: 0.05,
		Peg:     domain.PegStatus{MaxDepegBps: 10, AggDepegBps: 10},
	})
	assert.Equal(t, domain.RegimeOffOverride, s2.State)
}

func TestEvaluate_OverrideClearsAfterPegClearHours(t *testing.T) {
	e := New(defaultCfg())

	e.Evaluate(Input{Date: day(0), SYI: 0.03, TBill3m: 0.05, Peg: domain.PegStatus{MaxDepegBps: 150}})

	// Clearance timer starts on the first clear evaluation...
	clearStart := day(0).Add(1 * time.Hour)
	s1 := e.Evaluate(Input{Date: clearStart, SYI: 0.03, TBill3m: 0.05, Peg: domain.PegStatus{MaxDepegBps: 0, AggDepegBps: 0}})
	assert.Equal(t, domain.RegimeOffOverride, s1.State)

	// ...and only an evaluation peg_clear_hours after that exits override.
	afterClear := clearStart.Add(25 * time.Hour)
	s2 := e.Evaluate(Input{Date: afterClear, SYI: 0.03, TBill3m: 0.05, Peg: domain.PegStatus{MaxDepegBps: 0, AggDepegBps: 0}})

	assert.NotEqual(t, domain.RegimeOffOverride, s2.State)
}

// TestEvaluate_ZeroVolatilityYieldsFiniteZScore covers the §8 boundary case:
// volatility_30d at or below epsilon must not produce NaN/Inf via the
// epsilon floor.
func TestEvaluate_ZeroVolatilityYieldsFiniteZScore(t *testing.T) {
	e := New(defaultCfg())
	var last domain.RegimeSample
	for i := 0; i < 35; i++ {
		last = e.Evaluate(Input{Date: day(i), SYI: 0.05, TBill3m: 0.05, Peg: domain.PegStatus{}})
	}
	assert.False(t, isNaNOrInf(last.ZScore))
}

func isNaNOrInf(v float64) bool {
	return v != v || v > 1e308 || v < -1e308
}

func TestEvaluate_ConfirmedFlipRequiresPersistDays(t *testing.T) {
	cfg := defaultCfg()
	e := New(cfg)

	// 30 flat days of history to exit NEU with a zero z_score.
	for i := 0; i < 30; i++ {
		e.Evaluate(Input{
			Date:    day(i),
			SYI:     0.05,
			TBill3m: 0.05,
			Components: []domain.RegimeComponent{
				{Symbol: "A", RAY: 0.06}, {Symbol: "B", RAY: 0.06},
			},
		})
	}

	// Sustained strong risk-off signal: breadth stays high (>=60%) while
	// syi_excess drops and stays well below zero for many days, so the
	// z_score has room to cross -z_enter and hold across persist_days.
	var alerts []domain.RegimeAlert
	var lastState domain.RegimeState
	for i := 30; i < 45; i++ {
		s := e.Evaluate(Input{
			Date:    day(i),
			SYI:     0.01,
			TBill3m: 0.06,
			Components: []domain.RegimeComponent{
				{Symbol: "A", RAY: 0.08}, {Symbol: "B", RAY: 0.08},
			},
		})
		if s.Alert != nil {
			alerts = append(alerts, *s.Alert)
		}
		lastState = s.State
	}

	require.NotEmpty(t, alerts)
	var sawConfirmed bool
	for _, a := range alerts {
		if a.Type == domain.AlertFlipConfirmed {
			sawConfirmed = true
		}
	}
	assert.True(t, sawConfirmed)
	assert.Equal(t, domain.RegimeOff, lastState)
}
