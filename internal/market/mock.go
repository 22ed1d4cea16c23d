package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
)

// MockFeed random-walks synthetic ticks into the cache and bus so the
// paper path works on a laptop with no venue connectivity.
type MockFeed struct {
	prices *cache.PriceCache
	bus    *events.Bus
	log    *logrus.Entry

	pairs      []string
	startPrice float64
	step       float64
	every      time.Duration
}

// NewMockFeed builds a synthetic feed for the given pairs.
func NewMockFeed(prices *cache.PriceCache, bus *events.Bus, log *logrus.Entry, pairs []string) *MockFeed {
	if len(pairs) == 0 {
		pairs = []string{"BTCUSDT"}
	}
	return &MockFeed{
		prices:     prices,
		bus:        bus,
		log:        log,
		pairs:      pairs,
		startPrice: 50000,
		step:       25,
		every:      time.Second,
	}
}

// Start launches the tick generator; it stops with the context.
func (m *MockFeed) Start(ctx context.Context) {
	last := make(map[string]float64, len(m.pairs))
	for _, pair := range m.pairs {
		last[pair] = m.startPrice
	}
	m.log.WithField("pairs", m.pairs).Warn("mock market feed active, prices are synthetic")

	go func() {
		t := time.NewTicker(m.every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, pair := range m.pairs {
					price := last[pair] + (rand.Float64()*2-1)*m.step
					if price <= 0 {
						price = m.startPrice
					}
					last[pair] = price
					m.prices.Set(pair, price)
					m.bus.Publish(events.EventPriceTick, events.TickPayload{Symbol: pair, Price: price})
				}
			}
		}
	}()
}
