// Package sanitizer implements the Yield Sanitizer (spec §4.3): it maps a
// raw APY plus its market context to a SanitizationResult, enforcing
// absolute bounds, detecting outliers with a robust statistic (MAD or
// IQR), and winsorizing or capping rather than silently dropping data
// whenever a defensible correction exists.
package sanitizer

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
)

// Sanitizer applies one configured policy to raw APY observations.
type Sanitizer struct {
	cfg config.SanitizerConfig
}

// New creates a Sanitizer bound to the given policy.
func New(cfg config.SanitizerConfig) *Sanitizer {
	return &Sanitizer{cfg: cfg}
}

// Input is one raw observation plus the comparable-source context needed
// for the outlier test (§4.3 step 4).
type Input struct {
	APYTotal  float64
	APYBase   *float64
	APYReward *float64
	BorrowAPY *float64
	// Context holds comparable APYs (same symbol, same source_kind), or
	// the full cross-symbol sample set when fewer than 5 comparables
	// exist. It must not include APYTotal itself.
	Context []float64
}

// Sanitize runs the full §4.3 algorithm. It is a pure function of its
// arguments and the Sanitizer's configuration: given the same Input twice
// it returns byte-identical results (determinism requirement, §4.3).
func (s *Sanitizer) Sanitize(in Input) domain.SanitizationResult {
	var warnings []string
	effective := in.APYTotal

	if in.APYBase != nil && in.APYReward != nil && *in.APYBase > 0 {
		if *in.APYReward/(*in.APYBase) > s.cfg.MaxRewardRatio {
			effective = *in.APYBase
			warnings = append(warnings, "reward/base ratio exceeds max_reward_ratio; using apy_base")
		}
	}

	if in.BorrowAPY != nil && effective > *in.BorrowAPY {
		warnings = append(warnings, "inverted-curve: supply APY exceeds borrow APY")
	}

	sanitized := effective
	action := domain.ActionAccept

	if sanitized < s.cfg.AbsoluteMinimum {
		sanitized = s.cfg.AbsoluteMinimum
		action = domain.ActionCap
		warnings = append(warnings, "capped at absolute minimum")
	}

	outlier, score, method := s.outlierTest(sanitized, in.Context)

	if sanitized > s.cfg.AbsoluteMaximum {
		warnings = append(warnings, fmt.Sprintf("exceeds absolute maximum (%.4f)", s.cfg.AbsoluteMaximum))
		return domain.SanitizationResult{
			OriginalAPY:  in.APYTotal,
			SanitizedAPY: s.cfg.AbsoluteMaximum,
			Action:       domain.ActionReject,
			OutlierScore: score,
			Confidence:   s.confidence(warnings, 0),
			Warnings:     warnings,
			MethodUsed:   method,
		}
	}

	switch {
	case outlier:
		sanitized = s.winsorize(sanitized, in.Context)
		action = domain.ActionWinsorize
		warnings = append(warnings, fmt.Sprintf("%s outlier", method))
		if sanitized > s.cfg.ReasonableMaximum {
			sanitized = s.cfg.ReasonableMaximum
			action = domain.ActionCap
			warnings = append(warnings, "capped at reasonable maximum")
		}
	case sanitized > s.cfg.SuspiciousThreshold:
		action = domain.ActionFlag
		warnings = append(warnings, "suspicious: above suspicious_threshold")
	}

	excessSigma := 0.0
	if outlier {
		threshold := s.cfg.MADThreshold
		if method == domain.MethodIQR {
			threshold = s.cfg.IQRMultiplier
		}
		excessSigma = math.Max(0, score-threshold)
	}

	return domain.SanitizationResult{
		OriginalAPY:  in.APYTotal,
		SanitizedAPY: sanitized,
		Action:       action,
		OutlierScore: score,
		Confidence:   s.confidence(warnings, excessSigma),
		Warnings:     warnings,
		MethodUsed:   method,
	}
}

// confidence starts at 1.0, subtracts 0.25 per warning and 0.1 per
// outlier-sigma above the configured threshold, then clamps to [0, 1].
func (s *Sanitizer) confidence(warnings []string, excessSigma float64) float64 {
	c := 1.0 - 0.25*float64(len(warnings)) - 0.1*excessSigma
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// outlierTest runs the configured robust test against the comparable
// context. With fewer than 2 context points no test is meaningful; the
// value is treated as not-outlier.
func (s *Sanitizer) outlierTest(value float64, context []float64) (isOutlier bool, score float64, method domain.OutlierMethod) {
	if len(context) < 2 {
		return false, 0, s.cfg.Method
	}

	switch s.cfg.Method {
	case domain.MethodIQR:
		return s.iqrTest(value, context)
	default:
		return s.madTest(value, context)
	}
}

func (s *Sanitizer) madTest(value float64, context []float64) (bool, float64, domain.OutlierMethod) {
	median := medianOf(context)
	devs := make([]float64, len(context))
	for i, v := range context {
		devs[i] = math.Abs(v - median)
	}
	mad := medianOf(devs)
	if mad == 0 {
		mad = 1e-9
	}
	z := math.Abs(value-median) / (1.4826 * mad)
	return z >= s.cfg.MADThreshold, z, domain.MethodMAD
}

func (s *Sanitizer) iqrTest(value float64, context []float64) (bool, float64, domain.OutlierMethod) {
	sorted := sortedCopy(context)
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	if iqr == 0 {
		iqr = 1e-9
	}
	lower := q1 - s.cfg.IQRMultiplier*iqr
	upper := q3 + s.cfg.IQRMultiplier*iqr

	var dist float64
	switch {
	case value < lower:
		dist = (lower - value) / iqr
	case value > upper:
		dist = (value - upper) / iqr
	}
	return value < lower || value > upper, s.cfg.IQRMultiplier + dist, domain.MethodIQR
}

// winsorize clamps value to the configured quantile bounds of the context.
// Because the bounds are derived only from context (never from value
// itself), winsorize is idempotent: clamping an already-clamped value to
// the same bounds returns it unchanged.
func (s *Sanitizer) winsorize(value float64, context []float64) float64 {
	if len(context) == 0 {
		return value
	}
	sorted := sortedCopy(context)
	low := stat.Quantile(s.cfg.WinsorizeLowQuantile, stat.Empirical, sorted, nil)
	high := stat.Quantile(s.cfg.WinsorizeHighQuantile, stat.Empirical, sorted, nil)
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func sortedCopy(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	sort.Float64s(out)
	return out
}

func medianOf(xs []float64) float64 {
	sorted := sortedCopy(xs)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
