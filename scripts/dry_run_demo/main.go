package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/internal/trading"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// dry_run_demo walks the paper execution path with an in-memory store.
// It touches neither the exchange nor a database.
//
// Usage:
//
//	go run ./scripts/dry_run_demo
//
// It will:
//  1. Execute a BUY signal and record a paper trade.
//  2. Replay the same signal to show the duplicate window catching it.
//  3. Scale into the trade at one pyramid level.
//  4. Print the final recorded state.

func main() {
	log.Println("=== Paper execution demo starting ===")

	botID := uuid.NewString()
	userID := uuid.NewString()

	store := &memStore{
		bots: map[string]*db.BotInstance{
			botID: {
				ID:       botID,
				UserID:   userID,
				Name:     "demo-bot",
				Exchange: "binance",
				Pair:     "BTCUSDT",
				Status:   db.BotRunning,
				Mode:     "paper",
			},
		},
		trades: map[string]*db.Trade{},
		byKey:  map[string]*db.Trade{},
	}

	prices := cache.NewPriceCache()
	prices.Set("BTCUSDT", 50000)

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	svc := trading.NewService(
		store,
		nil, // no vault; paper fills never need credentials
		func(name string) (trading.OrderPlacer, error) { return nil, nil },
		nil, // no regime gate
		prices,
		events.NewBus(),
		nil,
		logrus.NewEntry(logger),
		trading.Config{Live: false, PaperSlippageBps: 5},
	)

	ctx := context.Background()

	log.Println("[SCENARIO 1] BUY signal on BTCUSDT")
	res, err := svc.HandleExecuteTrade(ctx, signalJob(botID, userID, "signal-1"))
	if err != nil {
		log.Fatalf("execute error: %v", err)
	}
	tradeID, _ := res.Data["trade_id"].(string)
	log.Printf("  outcome=%v trade=%s", res.Data["outcome"], tradeID)

	log.Println("[SCENARIO 2] Same signal again, inside the duplicate window")
	res, err = svc.HandleExecuteTrade(ctx, signalJob(botID, userID, "signal-1"))
	if err != nil {
		log.Fatalf("execute error: %v", err)
	}
	log.Printf("  outcome=%v trade=%v", res.Data["outcome"], res.Data["trade_id"])

	log.Println("[SCENARIO 3] Scale in at pyramid level 1")
	// A real bot defines its scale-in ladder when the signal fires;
	// here it is bolted onto the recorded trade directly.
	store.trades[tradeID].PyramidLevels = []db.PyramidLevel{
		{Level: 1, TriggerPct: 2.0, Amount: 0.05, Status: db.LevelPending},
	}
	payload, _ := json.Marshal(trading.PyramidPayload{TradeID: tradeID, Level: 1})
	res, err = svc.HandlePyramidAddOrder(ctx, &db.Job{
		ID:      uuid.NewString(),
		Type:    jobs.TypePyramidAddOrder,
		Payload: payload,
	})
	if err != nil {
		log.Fatalf("pyramid error: %v", err)
	}
	log.Printf("  outcome=%v amount=%v entry=%v", res.Data["outcome"], res.Data["amount"], res.Data["entry_price"])

	log.Println("[SCENARIO DONE] Final recorded trades:")
	for _, t := range store.trades {
		log.Printf("  %s %s %s amount=%v entry=%.2f status=%s levels=%d",
			t.ID[:8], t.Pair, t.Side, t.Amount, t.EntryPrice, t.Status, len(t.PyramidLevels))
	}

	log.Println("=== Paper execution demo finished ===")
}

func signalJob(botID, userID, key string) *db.Job {
	payload, _ := json.Marshal(trading.ExecutePayload{
		BotInstanceID:  botID,
		UserID:         userID,
		Pair:           "BTCUSDT",
		Side:           "buy",
		Amount:         0.1,
		IdempotencyKey: key,
	})
	return &db.Job{
		ID:      uuid.NewString(),
		Type:    jobs.TypeExecuteTrade,
		Payload: payload,
	}
}

// memStore is just enough of trading.Store for the demo.
type memStore struct {
	bots   map[string]*db.BotInstance
	trades map[string]*db.Trade
	byKey  map[string]*db.Trade
}

func (s *memStore) GetBot(_ context.Context, id string) (*db.BotInstance, error) {
	if b, ok := s.bots[id]; ok {
		return b, nil
	}
	return nil, db.ErrNotFound
}

func (s *memStore) GetCredentials(_ context.Context, _, _ string) (*db.ExchangeCredential, error) {
	return nil, db.ErrNotFound
}

func (s *memStore) OpenTradeSince(_ context.Context, botID, pair, side string, since time.Time) (*db.Trade, error) {
	for _, t := range s.trades {
		if t.BotInstanceID == botID && t.Pair == pair && t.Side == side &&
			t.Status == db.TradeOpen && !t.OpenedAt.Before(since) {
			return t, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) InsertTradeIdempotent(_ context.Context, t *db.Trade) (bool, *db.Trade, error) {
	if existing, ok := s.byKey[t.IdempotencyKey]; ok {
		return false, existing, nil
	}
	s.trades[t.ID] = t
	s.byKey[t.IdempotencyKey] = t
	return true, nil, nil
}

func (s *memStore) GetTrade(_ context.Context, id string) (*db.Trade, error) {
	if t, ok := s.trades[id]; ok {
		return t, nil
	}
	return nil, db.ErrNotFound
}

func (s *memStore) UpdateTradePyramid(_ context.Context, id string, amount, entryPrice float64, levels []db.PyramidLevel) error {
	t, ok := s.trades[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Amount = amount
	t.EntryPrice = entryPrice
	t.PyramidLevels = levels
	return nil
}
