// Package indicators derives the numeric inputs the market regime
// classifier works from: moving averages, trend slope, RSI, and
// return volatility.
package indicators

// SMA returns the simple moving average of the trailing period values,
// or 0 when fewer than period samples exist.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// SMASlope measures the relative drift of the period-SMA across the
// last lookback samples: (now - then) / then. Positive values mean the
// average is rising.
func SMASlope(values []float64, period, lookback int) float64 {
	if lookback <= 0 || len(values) < period+lookback {
		return 0
	}
	now := SMA(values, period)
	then := SMA(values[:len(values)-lookback], period)
	if then == 0 {
		return 0
	}
	return (now - then) / then
}
