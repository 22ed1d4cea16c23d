package indicators

import "math"

// Returns converts a price series into simple percentage returns.
// Zero prices yield a zero return for that step instead of Inf.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, values[i]/prev-1)
	}
	return out
}

// StdDev is the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

// Volatility is the standard deviation of percentage returns over the
// trailing period, a scale-free choppiness measure: 0.01 means moves
// of about 1% per bar.
func Volatility(values []float64, period int) float64 {
	if period <= 1 || len(values) < period+1 {
		return 0
	}
	return StdDev(Returns(values[len(values)-period-1:]))
}
