package indicators

// Config sets the lookback windows. Zero values fall back to the
// defaults used by the regime sync job.
type Config struct {
	ShortSMA      int // default 10
	LongSMA       int // default 30
	SlopeLookback int // default 5
	RSIPeriod     int // default 14
	VolPeriod     int // default 20
}

func (c Config) withDefaults() Config {
	if c.ShortSMA <= 0 {
		c.ShortSMA = 10
	}
	if c.LongSMA <= 0 {
		c.LongSMA = 30
	}
	if c.SlopeLookback <= 0 {
		c.SlopeLookback = 5
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.VolPeriod <= 0 {
		c.VolPeriod = 20
	}
	return c
}

// MinSamples is how many closes a config needs before every field of
// its Summary is meaningful.
func (c Config) MinSamples() int {
	c = c.withDefaults()
	n := c.LongSMA + c.SlopeLookback
	if m := c.RSIPeriod + 1; m > n {
		n = m
	}
	if m := c.VolPeriod + 1; m > n {
		n = m
	}
	return n
}

// Summary bundles everything the classifier looks at for one pair.
type Summary struct {
	Close      float64
	SMAShort   float64
	SMALong    float64
	Slope      float64
	RSI        float64
	Volatility float64
	Samples    int
}

// Summarize computes all indicators over one close series, oldest
// first. Fields whose window exceeds the series length are zero
// (RSI: neutral 50).
func Summarize(closes []float64, cfg Config) Summary {
	cfg = cfg.withDefaults()
	s := Summary{Samples: len(closes)}
	if len(closes) == 0 {
		s.RSI = 50
		return s
	}
	s.Close = closes[len(closes)-1]
	s.SMAShort = SMA(closes, cfg.ShortSMA)
	s.SMALong = SMA(closes, cfg.LongSMA)
	s.Slope = SMASlope(closes, cfg.LongSMA, cfg.SlopeLookback)
	s.RSI = RSI(closes, cfg.RSIPeriod)
	s.Volatility = Volatility(closes, cfg.VolPeriod)
	return s
}
