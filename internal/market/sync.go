package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/indicators"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
	market "github.com/grichardomi/nexusmeme-sub003/pkg/market/binance"
)

// Store is the persistence surface the sync jobs need; *db.Database
// satisfies it.
type Store interface {
	UpsertMarketSnapshots(ctx context.Context, snaps []db.MarketSnapshot) error
	RecentCloses(ctx context.Context, pair, interval string, n int) ([]float64, error)
	InsertRegime(ctx context.Context, r *db.MarketRegime) error
	LatestRegime(ctx context.Context, pair string) (*db.MarketRegime, error)
}

// KlineSource is the REST surface (satisfied by *market.Client).
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
}

// regimeCache is the slice of the Redis API the regime cache needs.
type regimeCache interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Config tunes both sync jobs.
type Config struct {
	// Pairs synced when a job payload names none.
	Pairs []string
	// Interval is the candle interval for snapshots and regimes.
	Interval string
	// KlineLimit is how many candles one data sync fetches per pair.
	KlineLimit int
	// RegimeLookback is how many closes feed one classification.
	RegimeLookback int
	// Indicators sets the classifier's lookback windows.
	Indicators indicators.Config
	// SlopeThreshold is the relative SMA drift that counts as a trend.
	SlopeThreshold float64
	// VolThreshold is the per-bar return stddev that counts as volatile.
	VolThreshold float64
	// CacheTTL bounds the Redis regime entry's life.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 100
	}
	if c.RegimeLookback <= 0 {
		c.RegimeLookback = 120
	}
	if c.SlopeThreshold <= 0 {
		c.SlopeThreshold = 0.004
	}
	if c.VolThreshold <= 0 {
		c.VolThreshold = 0.02
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 2 * time.Hour
	}
	return c
}

// Service runs the market sync jobs.
type Service struct {
	store  Store
	client KlineSource
	prices *cache.PriceCache
	cache  regimeCache
	log    *logrus.Entry
	cfg    Config

	clock func() time.Time
}

// NewService wires the sync handlers. rdb may be nil; the regime cache
// then lives only in Postgres.
func NewService(store Store, client KlineSource, prices *cache.PriceCache, rdb regimeCache, log *logrus.Entry, cfg Config) *Service {
	return &Service{
		store:  store,
		client: client,
		prices: prices,
		cache:  rdb,
		log:    log,
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
	}
}

// SyncPayload optionally narrows one sync run. Empty fields fall back
// to the configured defaults.
type SyncPayload struct {
	Pairs    []string `json:"pairs,omitempty"`
	Interval string   `json:"interval,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// HandleSyncMarketData pulls recent candles for each pair and upserts
// them into market_snapshots. The upsert makes reruns harmless, so any
// per-pair failure fails the job and rides the retry budget.
func (s *Service) HandleSyncMarketData(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	pairs, interval, limit, err := s.syncScope(job.Payload)
	if err != nil {
		return nil, err
	}

	var (
		upserted int
		failed   []string
	)
	for _, pair := range pairs {
		klines, err := s.client.Klines(ctx, pair, interval, limit)
		if err != nil {
			s.log.WithError(err).WithField("pair", pair).Warn("kline fetch failed")
			failed = append(failed, pair)
			continue
		}

		snaps := make([]db.MarketSnapshot, 0, len(klines))
		var lastClose float64
		for _, k := range klines {
			if !k.Closed {
				continue
			}
			snaps = append(snaps, snapshotFromKline(k, interval))
			lastClose = k.Close
		}
		if err := s.store.UpsertMarketSnapshots(ctx, snaps); err != nil {
			s.log.WithError(err).WithField("pair", pair).Warn("snapshot upsert failed")
			failed = append(failed, pair)
			continue
		}
		upserted += len(snaps)
		if lastClose > 0 {
			s.prices.Set(pair, lastClose)
		}
	}

	if len(failed) > 0 {
		return nil, fmt.Errorf("market sync failed for %d/%d pairs (%v)", len(failed), len(pairs), failed)
	}

	s.log.WithFields(logrus.Fields{
		"pairs": len(pairs), "candles": upserted, "interval": interval,
	}).Info("market data synced")
	return &jobs.Result{Data: map[string]any{
		"pairs":    len(pairs),
		"candles":  upserted,
		"interval": interval,
	}}, nil
}

func (s *Service) syncScope(payload json.RawMessage) (pairs []string, interval string, limit int, err error) {
	var p SyncPayload
	if len(payload) > 0 {
		if uerr := json.Unmarshal(payload, &p); uerr != nil {
			return nil, "", 0, jobs.Terminal(fmt.Errorf("decode payload: %w", uerr))
		}
	}
	pairs = p.Pairs
	if len(pairs) == 0 {
		pairs = s.cfg.Pairs
	}
	if len(pairs) == 0 {
		return nil, "", 0, jobs.Terminal(fmt.Errorf("no pairs configured"))
	}
	interval = p.Interval
	if interval == "" {
		interval = s.cfg.Interval
	}
	limit = p.Limit
	if limit <= 0 {
		limit = s.cfg.KlineLimit
	}
	return pairs, interval, limit, nil
}
