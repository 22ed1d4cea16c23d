package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/indicators"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

func regimeKey(pair string) string { return "regime:" + pair }

// cachedRegime is the Redis representation of one classification.
type cachedRegime struct {
	Regime     string    `json:"regime"`
	Confidence float64   `json:"confidence"`
	ComputedAt time.Time `json:"computed_at"`
}

// classify maps an indicator summary onto a regime label.
//
// Volatility wins first: a market whipsawing harder than VolThreshold
// per bar is volatile no matter where its averages point. A trend needs
// both the SMA drift past SlopeThreshold and the short average on the
// matching side of the long one. Everything else is ranging.
func classify(s indicators.Summary, cfg Config) (string, float64) {
	volRatio := s.Volatility / cfg.VolThreshold
	slopeRatio := math.Abs(s.Slope) / cfg.SlopeThreshold

	switch {
	case volRatio >= 1:
		return db.RegimeVolatile, clampConf(0.5 + 0.45*clamp01(volRatio-1))
	case slopeRatio >= 1 && s.Slope > 0 && s.SMAShort >= s.SMALong:
		return db.RegimeTrendingUp, trendConfidence(slopeRatio, s.RSI, true)
	case slopeRatio >= 1 && s.Slope < 0 && s.SMAShort <= s.SMALong:
		return db.RegimeTrendingDown, trendConfidence(slopeRatio, s.RSI, false)
	default:
		// The further both ratios sit below their thresholds, the more
		// confidently the market is just drifting sideways.
		quiet := 1 - math.Max(clamp01(volRatio), clamp01(slopeRatio))
		return db.RegimeRanging, clampConf(0.5 + 0.45*quiet)
	}
}

func trendConfidence(slopeRatio, rsi float64, up bool) float64 {
	conf := 0.5 + 0.3*clamp01(slopeRatio-1)
	// RSI agreeing with the trend direction is worth a bump.
	if (up && rsi >= 55) || (!up && rsi <= 45) {
		conf += 0.15
	}
	return clampConf(conf)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampConf(v float64) float64 {
	if v < 0.5 {
		return 0.5
	}
	if v > 0.95 {
		return 0.95
	}
	return v
}

// HandleSyncMarketRegime classifies each configured pair from its
// stored closes and records the result in Postgres and Redis. Pairs
// without enough history are skipped, not failed; classification rows
// are append-only, so per-pair trouble is reported in the result and
// left to the next scheduled run instead of a retry that would
// double-insert the healthy pairs.
func (s *Service) HandleSyncMarketRegime(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	pairs, interval, _, err := s.syncScope(job.Payload)
	if err != nil {
		return nil, err
	}

	minSamples := s.cfg.Indicators.MinSamples()
	regimes := make(map[string]any, len(pairs))
	var skipped, failed int

	for _, pair := range pairs {
		log := s.log.WithField("pair", pair)

		closes, err := s.store.RecentCloses(ctx, pair, interval, s.cfg.RegimeLookback)
		if err != nil {
			log.WithError(err).Warn("load closes failed")
			failed++
			continue
		}
		if len(closes) < minSamples {
			log.WithFields(logrus.Fields{
				"closes": len(closes), "need": minSamples,
			}).Info("not enough history to classify")
			skipped++
			continue
		}

		summary := indicators.Summarize(closes, s.cfg.Indicators)
		regime, confidence := classify(summary, s.cfg)
		now := s.clock()

		if err := s.store.InsertRegime(ctx, &db.MarketRegime{
			Pair: pair, Regime: regime, Confidence: confidence, ComputedAt: now,
		}); err != nil {
			log.WithError(err).Warn("record regime failed")
			failed++
			continue
		}
		s.cacheRegime(ctx, pair, cachedRegime{Regime: regime, Confidence: confidence, ComputedAt: now})

		log.WithFields(logrus.Fields{
			"regime":     regime,
			"confidence": fmt.Sprintf("%.2f", confidence),
			"slope":      summary.Slope,
			"volatility": summary.Volatility,
			"rsi":        summary.RSI,
		}).Info("market regime classified")
		regimes[pair] = regime
	}

	if failed == len(pairs) {
		return nil, fmt.Errorf("regime sync failed for every pair")
	}
	return &jobs.Result{Data: map[string]any{
		"regimes": regimes,
		"skipped": skipped,
		"failed":  failed,
	}}, nil
}

// cacheRegime is best effort: Redis being down only costs the gate its
// fast path.
func (s *Service) cacheRegime(ctx context.Context, pair string, entry cachedRegime) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, regimeKey(pair), raw, s.cfg.CacheTTL).Err(); err != nil {
		s.log.WithError(err).WithField("pair", pair).Debug("regime cache write failed")
	}
}

// Source answers "what regime is this pair in right now" for the trade
// execution gate: Redis first, then the newest Postgres row. A stale or
// missing classification reports ok=false, which leaves the gate open.
type Source struct {
	store  Store
	cache  regimeCache
	log    *logrus.Entry
	maxAge time.Duration
}

// NewSource builds a regime source. maxAge <= 0 defaults to 4 hours.
func NewSource(store Store, rdb regimeCache, log *logrus.Entry, maxAge time.Duration) *Source {
	if maxAge <= 0 {
		maxAge = 4 * time.Hour
	}
	return &Source{store: store, cache: rdb, log: log, maxAge: maxAge}
}

// Current implements the regime gate lookup.
func (s *Source) Current(ctx context.Context, pair string) (string, float64, bool) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, regimeKey(pair)).Result()
		switch {
		case err == nil:
			var entry cachedRegime
			if json.Unmarshal([]byte(raw), &entry) == nil && entry.Regime != "" {
				return entry.Regime, entry.Confidence, true
			}
		case !errors.Is(err, redis.Nil):
			s.log.WithError(err).Debug("regime cache read failed")
		}
	}

	r, err := s.store.LatestRegime(ctx, pair)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.log.WithError(err).WithField("pair", pair).Warn("regime lookup failed")
		}
		return "", 0, false
	}
	if time.Since(r.ComputedAt) > s.maxAge {
		return "", 0, false
	}
	return r.Regime, r.Confidence, true
}
