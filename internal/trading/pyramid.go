package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// PyramidPayload is the pyramid_add_order job payload. Amount overrides
// the level's configured size when set; Price is a limit hint for the
// add order.
type PyramidPayload struct {
	TradeID string  `json:"trade_id"`
	Level   int     `json:"level"`
	Amount  float64 `json:"amount,omitempty"`
	Price   float64 `json:"price,omitempty"`
}

// HandlePyramidAddOrder scales into an open trade at one pyramid level.
// The add order rides the same paper/live path as the opening order;
// afterwards the trade carries the summed amount and the blended entry
// price, and the level is marked executed. Re-running against an
// already executed level is a success no-op.
func (s *Service) HandlePyramidAddOrder(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	var p PyramidPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, jobs.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	if p.TradeID == "" {
		return nil, jobs.Terminal(errors.New("trade_id is required"))
	}
	if p.Level < 1 {
		return nil, jobs.Terminal(fmt.Errorf("invalid pyramid level %d", p.Level))
	}

	trade, err := s.store.GetTrade(ctx, p.TradeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, jobs.Terminal(fmt.Errorf("trade %s not found", p.TradeID))
		}
		return nil, fmt.Errorf("load trade: %w", err)
	}
	if trade.Status != db.TradeOpen {
		return nil, jobs.Terminal(fmt.Errorf("trade %s is %s, cannot scale in", trade.ID, trade.Status))
	}

	idx := -1
	for i := range trade.PyramidLevels {
		if trade.PyramidLevels[i].Level == p.Level {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, jobs.Terminal(fmt.Errorf("trade %s has no pyramid level %d", trade.ID, p.Level))
	}

	log := s.log.WithFields(logrus.Fields{
		"trade": trade.ID,
		"pair":  trade.Pair,
		"level": p.Level,
	})

	if trade.PyramidLevels[idx].Status == db.LevelExecuted {
		// A retried or double-enqueued job lands here; the first run
		// already moved the money.
		log.Info("pyramid level already executed")
		return &jobs.Result{Data: map[string]any{
			"trade_id": trade.ID,
			"order_id": trade.PyramidLevels[idx].OrderID,
			"level":    p.Level,
			"outcome":  OutcomeAlreadyExecuted,
		}}, nil
	}

	bot, err := s.store.GetBot(ctx, trade.BotInstanceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, jobs.Terminal(fmt.Errorf("bot %s not found", trade.BotInstanceID))
		}
		return nil, fmt.Errorf("load bot: %w", err)
	}
	if bot.Status != db.BotRunning {
		return nil, jobs.Terminal(fmt.Errorf("bot is %s, not running", bot.Status))
	}

	addAmount := p.Amount
	if addAmount <= 0 {
		addAmount = trade.PyramidLevels[idx].Amount
	}
	if addAmount <= 0 {
		return nil, jobs.Terminal(fmt.Errorf("pyramid level %d has no amount", p.Level))
	}

	fill, err := s.placeOrder(ctx, bot, trade.Pair, trade.Side, addAmount, p.Price)
	if err != nil {
		return nil, err
	}

	// Averaging in float drifts across many scale-ins; the blend is
	// computed in decimal and converted once at the end.
	orig := decimal.NewFromFloat(trade.Amount)
	add := decimal.NewFromFloat(addAmount)
	total := orig.Add(add)
	if total.IsZero() {
		return nil, jobs.Terminal(fmt.Errorf("trade %s has zero total amount", trade.ID))
	}
	blended := orig.Mul(decimal.NewFromFloat(trade.EntryPrice)).
		Add(add.Mul(decimal.NewFromFloat(fill.price))).
		Div(total)

	newAmount, _ := total.Float64()
	newEntry, _ := blended.Float64()

	now := s.clock()
	levels := make([]db.PyramidLevel, len(trade.PyramidLevels))
	copy(levels, trade.PyramidLevels)
	levels[idx].Status = db.LevelExecuted
	levels[idx].ExecutedPrice = fill.price
	levels[idx].OrderID = fill.orderID
	levels[idx].ExecutedAt = &now

	if err := s.store.UpdateTradePyramid(ctx, trade.ID, newAmount, newEntry, levels); err != nil {
		return nil, fmt.Errorf("update trade: %w", err)
	}

	fields := logrus.Fields{
		"order_id":    fill.orderID,
		"add_amount":  addAmount,
		"fill_price":  fill.price,
		"amount":      newAmount,
		"entry_price": newEntry,
		"paper":       fill.paper,
	}
	data := map[string]any{
		"trade_id":    trade.ID,
		"order_id":    fill.orderID,
		"level":       p.Level,
		"amount":      newAmount,
		"entry_price": newEntry,
		"outcome":     OutcomePyramidAdded,
	}
	if mark, ok := s.prices.Fresh(trade.Pair, maxPriceAge); ok {
		pnl := unrealizedPnL(trade.Side, newAmount, newEntry, mark)
		fields["unrealized_pnl"] = pnl
		data["unrealized_pnl"] = pnl
	}

	log.WithFields(fields).Info("pyramid level executed")
	s.metrics.TradeRecorded(OutcomePyramidAdded)
	s.bus.Publish(events.EventPyramidAdded, events.TradePayload{
		TradeID: trade.ID, BotID: bot.ID, Pair: trade.Pair, Side: trade.Side,
		Amount: addAmount, Price: fill.price, Outcome: OutcomePyramidAdded,
	})

	return &jobs.Result{Data: data}, nil
}

// unrealizedPnL marks an open position against the latest tick.
func unrealizedPnL(side string, amount, entry, mark float64) float64 {
	diff := decimal.NewFromFloat(mark).Sub(decimal.NewFromFloat(entry))
	if side == "SELL" {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(decimal.NewFromFloat(amount)).Float64()
	return pnl
}
