// Package market keeps the price cache and market_snapshots fresh: a
// live websocket feed, the sync_market_data and sync_market_regime
// jobs, and the regime source consulted before trade execution.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/persistence"
	"github.com/grichardomi/nexusmeme-sub003/internal/retry"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
	market "github.com/grichardomi/nexusmeme-sub003/pkg/market/binance"
)

// Streamer is the websocket surface the feed consumes (satisfied by
// *market.StreamClient).
type Streamer interface {
	SubscribeMiniTicker(ctx context.Context, symbol string) (<-chan market.Ticker, func(), error)
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan market.Kline, func(), error)
}

// Ticker is the REST surface the feed polls as a gap filler (satisfied
// by *market.Client).
type Ticker interface {
	TickerPrice(ctx context.Context, symbol string) (float64, error)
}

// FeedConfig tunes the live feed.
type FeedConfig struct {
	// Pairs to stream.
	Pairs []string
	// Interval of the kline stream persisted through the writer.
	Interval string
	// PollEvery is the REST fallback cadence. Zero disables polling.
	PollEvery time.Duration
}

// Feed streams live prices into the cache and the event bus, and
// persists closed candles through the snapshot writer. Dead streams are
// redialed with the same backoff schedule the job system uses.
type Feed struct {
	stream  Streamer
	rest    Ticker
	prices  *cache.PriceCache
	writer  *persistence.SnapshotWriter
	bus     *events.Bus
	log     *logrus.Entry
	cfg     FeedConfig
	backoff retry.Policy

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewFeed wires a live feed. writer may be nil to skip candle
// persistence; rest may be nil to disable the polling fallback.
func NewFeed(stream Streamer, rest Ticker, prices *cache.PriceCache, writer *persistence.SnapshotWriter, bus *events.Bus, log *logrus.Entry, cfg FeedConfig) *Feed {
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	return &Feed{
		stream: stream,
		rest:   rest,
		prices: prices,
		writer: writer,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		backoff: retry.Policy{
			MaxRetries: 0, // reconnect forever
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
		},
	}
}

// Start launches the per-pair stream loops and the polling fallback.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	for _, pair := range f.cfg.Pairs {
		f.wg.Add(1)
		go f.tickerLoop(ctx, pair)
		if f.writer != nil {
			f.wg.Add(1)
			go f.klineLoop(ctx, pair)
		}
	}
	if f.rest != nil && f.cfg.PollEvery > 0 {
		f.wg.Add(1)
		go f.pollLoop(ctx)
	}
	f.log.WithField("pairs", f.cfg.Pairs).Info("market feed started")
}

// Stop tears down every stream and waits for the loops to exit.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// tickerLoop keeps one miniTicker subscription alive for a pair.
func (f *Feed) tickerLoop(ctx context.Context, pair string) {
	defer f.wg.Done()
	attempt := 0
	for ctx.Err() == nil {
		ch, stop, err := f.stream.SubscribeMiniTicker(ctx, pair)
		if err != nil {
			attempt++
			f.log.WithError(err).WithField("pair", pair).Warn("ticker stream dial failed")
			if !f.sleep(ctx, attempt) {
				return
			}
			continue
		}
		attempt = 0

		for tick := range ch {
			f.prices.Set(tick.Symbol, tick.Price)
			f.bus.Publish(events.EventPriceTick, events.TickPayload{Symbol: tick.Symbol, Price: tick.Price})
		}
		stop()

		// Channel closed: socket died or shutdown. Redial unless done.
		attempt++
		if !f.sleep(ctx, attempt) {
			return
		}
	}
}

// klineLoop persists the final update of every candle.
func (f *Feed) klineLoop(ctx context.Context, pair string) {
	defer f.wg.Done()
	attempt := 0
	for ctx.Err() == nil {
		ch, stop, err := f.stream.SubscribeKlines(ctx, pair, f.cfg.Interval)
		if err != nil {
			attempt++
			f.log.WithError(err).WithField("pair", pair).Warn("kline stream dial failed")
			if !f.sleep(ctx, attempt) {
				return
			}
			continue
		}
		attempt = 0

		for k := range ch {
			if !k.Closed {
				continue
			}
			f.writer.Add(snapshotFromKline(k, f.cfg.Interval))
		}
		stop()

		attempt++
		if !f.sleep(ctx, attempt) {
			return
		}
	}
}

// pollLoop fills stream gaps from the REST ticker endpoint.
func (f *Feed) pollLoop(ctx context.Context) {
	defer f.wg.Done()
	t := time.NewTicker(f.cfg.PollEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, pair := range f.cfg.Pairs {
				price, err := f.rest.TickerPrice(ctx, pair)
				if err != nil {
					f.log.WithError(err).WithField("pair", pair).Debug("ticker poll failed")
					continue
				}
				f.prices.Set(pair, price)
				f.bus.Publish(events.EventPriceTick, events.TickPayload{Symbol: pair, Price: price})
			}
		}
	}
}

// sleep waits out the reconnect backoff for the given failure streak;
// false means the context ended.
func (f *Feed) sleep(ctx context.Context, attempt int) bool {
	failure := attempt - 1
	if failure < 0 {
		failure = 0
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(retry.Delay(f.backoff, failure)):
		return true
	}
}

func snapshotFromKline(k market.Kline, interval string) db.MarketSnapshot {
	return db.MarketSnapshot{
		Pair:      k.Symbol,
		Interval:  interval,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		CloseTime: time.UnixMilli(k.CloseTime),
	}
}
