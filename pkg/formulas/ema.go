package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// EMA calculates the Exponential Moving Average of series over the given
// period, falling back to a Simple Moving Average when there isn't enough
// history for talib's EMA to warm up. Returns nil on an empty series.
//
// Used by the risk-regime engine (§4.7) for EMA_short(7d) and
// EMA_long(30d) of daily syi_excess.
func EMA(series []float64, period int) *float64 {
	if len(series) == 0 {
		return nil
	}

	if len(series) < period {
		sma := Mean(series)
		return &sma
	}

	ema := talib.Ema(series, period)
	if len(ema) > 0 && !math.IsNaN(ema[len(ema)-1]) {
		result := ema[len(ema)-1]
		return &result
	}

	sma := Mean(series[len(series)-period:])
	return &sma
}

// SMA calculates the Simple Moving Average of the last `period` points of
// series via talib. Returns nil if series is shorter than period.
func SMA(series []float64, period int) *float64 {
	if len(series) < period {
		return nil
	}

	sma := talib.Sma(series, period)
	if len(sma) > 0 && !math.IsNaN(sma[len(sma)-1]) {
		result := sma[len(sma)-1]
		return &result
	}

	return nil
}
