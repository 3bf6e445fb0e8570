// Package regime implements the Risk-Regime Engine (spec §4.6): a daily
// state machine over syi_excess (SYI minus the 3-month T-Bill rate) that
// classifies the market as risk-on, risk-off, or forced off by peg stress,
// with hysteresis (persist_days) and a cooldown after confirmed flips.
package regime

import (
	"time"

	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/pkg/formulas"
)

// Input is one day's point in the risk-regime series (§4.6 "per-day inputs").
type Input struct {
	Date       time.Time
	SYI        float64
	TBill3m    float64
	Components []domain.RegimeComponent
	Peg        domain.PegStatus
}

// proposalDirection tracks a pending (unconfirmed) transition.
type proposalDirection int

const (
	proposalNone proposalDirection = iota
	proposalToOff
	proposalToOn
)

// Engine evaluates one daily input at a time and advances the state machine.
// It is not safe for concurrent use; the Scheduler runs regime evaluation on
// its own single daily cadence (§4.7), never concurrently with itself.
type Engine struct {
	cfg config.RegimeConfig

	excessHistory []float64 // syi_excess, oldest first
	state         domain.RegimeState
	daysInState   int

	proposal     proposalDirection
	proposalDays int

	cooldownDays int

	inOverride  bool
	clearSince  *time.Time
	impliedPreOverride domain.RegimeState
}

// New creates an Engine starting in NEU, the documented initialization
// state used until ema_long_days of history accumulates.
func New(cfg config.RegimeConfig) *Engine {
	return &Engine{
		cfg:                cfg,
		state:              domain.RegimeNeutral,
		impliedPreOverride: domain.RegimeNeutral,
	}
}

// Evaluate runs one day's worth of §4.6 computation and transitions, in
// order: compute derived metrics, apply the peg-stress override (which
// bypasses cooldown and short-circuits the ordinary transition rule),
// otherwise apply the hysteresis-gated ON/OFF transition rule, and emit at
// most one alert.
func (e *Engine) Evaluate(in Input) domain.RegimeSample {
	syiExcess := in.SYI - in.TBill3m
	e.excessHistory = append(e.excessHistory, syiExcess)

	emaShort := e.ema(e.cfg.EMAShortDays)
	emaLong := e.ema(e.cfg.EMALongDays)
	spread := emaShort - emaLong
	vol30 := e.volatility30d()
	eps := e.cfg.VolatilityEpsilon
	if eps <= 0 {
		eps = 0.001
	}
	zScore := spread / maxFloat(vol30, eps)
	slope7 := e.slope7() * 252
	breadth := breadthPct(in.Components, in.TBill3m)

	hasHistory := len(e.excessHistory) >= e.cfg.EMALongDays

	var alert *domain.RegimeAlert

	if e.cooldownDays > 0 {
		e.cooldownDays--
	}

	overrideNow := in.Peg.MaxDepegBps >= e.cfg.PegSingleBps || in.Peg.AggDepegBps >= e.cfg.PegAggBps

	switch {
	case overrideNow:
		if !e.inOverride {
			e.impliedPreOverride = e.impliedState(hasHistory, zScore, breadth)
			alert = &domain.RegimeAlert{
				Type:    domain.AlertOverridePeg,
				Level:   domain.LevelCritical,
				Message: "peg stress exceeded override threshold",
			}
			e.daysInState = 0
		} else if e.state != domain.RegimeOffOverride {
			e.daysInState = 0
		}
		e.inOverride = true
		e.clearSince = nil
		e.state = domain.RegimeOffOverride
		e.proposal = proposalNone
		e.proposalDays = 0

	case e.inOverride:
		// Peg metrics are currently clear; require peg_clear_hours of
		// continuous clearance before exiting OFF_OVERRIDE.
		if e.clearSince == nil {
			t := in.Date
			e.clearSince = &t
		}
		clearFor := in.Date.Sub(*e.clearSince)
		if clearFor >= time.Duration(e.cfg.PegClearHours)*time.Hour {
			e.inOverride = false
			e.clearSince = nil
			e.state = e.impliedPreOverride
			e.daysInState = 0
		}
		// still overridden this day regardless
		if e.inOverride {
			e.state = domain.RegimeOffOverride
		}

	case !hasHistory:
		e.state = domain.RegimeNeutral
		e.daysInState++

	default:
		alert = e.applyTransitionRule(zScore, breadth)
	}

	sample := domain.RegimeSample{
		Date:          in.Date,
		SYIExcess:     syiExcess,
		EMAShort:      emaShort,
		EMALong:       emaLong,
		Spread:        spread,
		Volatility30d: vol30,
		ZScore:        zScore,
		Slope7:        slope7,
		BreadthPct:    breadth,
		State:         e.state,
		DaysInState:   e.daysInState,
		Alert:         alert,
	}
	return sample
}

// impliedState reports what the ordinary (non-override) transition rule
// would currently classify the regime as, used to restore state on override
// exit (§4.6: "return to the state that the non-override rule currently
// implies").
func (e *Engine) impliedState(hasHistory bool, zScore, breadth float64) domain.RegimeState {
	if !hasHistory {
		return domain.RegimeNeutral
	}
	if zScore <= -e.cfg.ZEnter && breadth >= e.cfg.BreadthOffMin {
		return domain.RegimeOff
	}
	if zScore >= e.cfg.ZEnter && breadth <= e.cfg.BreadthOnMax {
		return domain.RegimeOn
	}
	if e.state == domain.RegimeOffOverride || e.state == domain.RegimeNeutral {
		return domain.RegimeOn
	}
	return e.state
}

// applyTransitionRule implements the symmetric ON<->OFF hysteresis rule with
// persist_days confirmation and a post-flip cooldown.
func (e *Engine) applyTransitionRule(zScore, breadth float64) *domain.RegimeAlert {
	proposeOff := zScore <= -e.cfg.ZEnter && breadth >= e.cfg.BreadthOffMin
	proposeOn := zScore >= e.cfg.ZEnter && breadth <= e.cfg.BreadthOnMax

	var want proposalDirection
	switch {
	case e.state != domain.RegimeOff && proposeOff:
		want = proposalToOff
	case e.state != domain.RegimeOn && proposeOn:
		want = proposalToOn
	default:
		want = proposalNone
	}

	var alert *domain.RegimeAlert

	if want == proposalNone {
		if e.proposal != proposalNone {
			alert = &domain.RegimeAlert{
				Type:    domain.AlertInvalidation,
				Level:   domain.LevelInfo,
				Message: "regime flip proposal invalidated before confirmation",
			}
		}
		e.proposal = proposalNone
		e.proposalDays = 0
		e.daysInState++
		return alert
	}

	if e.cooldownDays > 0 {
		// Cooldown blocks new confirmed flips; still report as NEU-free
		// informational state, no alert this day.
		e.proposal = proposalNone
		e.proposalDays = 0
		e.daysInState++
		return nil
	}

	if e.proposal != want {
		e.proposal = want
		e.proposalDays = 1
		e.daysInState++
		return &domain.RegimeAlert{
			Type:    domain.AlertEarlyWarning,
			Level:   domain.LevelInfo,
			Message: "regime flip proposed, awaiting confirmation",
		}
	}

	e.proposalDays++
	if e.proposalDays < e.cfg.PersistDays {
		e.daysInState++
		return &domain.RegimeAlert{
			Type:    domain.AlertEarlyWarning,
			Level:   domain.LevelInfo,
			Message: "regime flip proposed, awaiting confirmation",
		}
	}

	// Confirmed.
	if want == proposalToOff {
		e.state = domain.RegimeOff
	} else {
		e.state = domain.RegimeOn
	}
	e.daysInState = 0
	e.proposal = proposalNone
	e.proposalDays = 0
	e.cooldownDays = e.cfg.CooldownDays

	return &domain.RegimeAlert{
		Type:    domain.AlertFlipConfirmed,
		Level:   domain.LevelWarning,
		Message: "regime flip confirmed",
	}
}

func (e *Engine) ema(days int) float64 {
	v := formulas.EMA(e.excessHistory, days)
	if v == nil {
		return 0
	}
	return *v
}

// volatility30d is the standard deviation of daily deltas of syi_excess over
// the last 30 days (§4.6 step 3).
func (e *Engine) volatility30d() float64 {
	n := len(e.excessHistory)
	if n < 2 {
		return 0
	}
	window := e.excessHistory
	if n > 31 {
		window = e.excessHistory[n-31:]
	}
	out := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		out = append(out, window[i]-window[i-1])
	}
	return formulas.StdDev(out)
}

// slope7 fits the OLS trend over the last 7 days of syi_excess.
func (e *Engine) slope7() float64 {
	n := len(e.excessHistory)
	if n < 2 {
		return 0
	}
	window := e.excessHistory
	if n > 7 {
		window = e.excessHistory[n-7:]
	}
	return formulas.Slope(window)
}

func breadthPct(components []domain.RegimeComponent, tbill3m float64) float64 {
	if len(components) == 0 {
		return 0
	}
	above := 0
	for _, c := range components {
		if c.RAY > tbill3m {
			above++
		}
	}
	return 100 * float64(above) / float64(len(components))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
