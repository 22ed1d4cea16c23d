// Package trading implements the execute_trade and pyramid_add_order
// handlers: idempotent trade recording over paper or live execution.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/internal/monitor"
	"github.com/grichardomi/nexusmeme-sub003/internal/retry"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
	"github.com/grichardomi/nexusmeme-sub003/pkg/crypto"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// Trade recording outcomes, stored in job results and counted in
// metrics.
const (
	OutcomeExecuted           = "executed"
	OutcomeAlreadyExecuted    = "already_executed"
	OutcomeDuplicatePrevented = "duplicate_prevented"
	OutcomeSkippedRegime      = "skipped_regime"
	OutcomePyramidAdded       = "pyramid_added"
)

// maxPriceAge is how stale a cached tick may be before the paper path
// refuses to fill against it.
const maxPriceAge = 2 * time.Minute

// ExecutePayload is the execute_trade job payload.
type ExecutePayload struct {
	BotInstanceID  string  `json:"bot_instance_id"`
	UserID         string  `json:"user_id"`
	Pair           string  `json:"pair"`
	Side           string  `json:"side"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Store is the persistence surface the handlers need; *db.Database
// satisfies it.
type Store interface {
	GetBot(ctx context.Context, id string) (*db.BotInstance, error)
	GetCredentials(ctx context.Context, userID, exchange string) (*db.ExchangeCredential, error)
	OpenTradeSince(ctx context.Context, botID, pair, side string, since time.Time) (*db.Trade, error)
	InsertTradeIdempotent(ctx context.Context, t *db.Trade) (bool, *db.Trade, error)
	GetTrade(ctx context.Context, id string) (*db.Trade, error)
	UpdateTradePyramid(ctx context.Context, id string, amount, entryPrice float64, levels []db.PyramidLevel) error
}

// OrderPlacer is the guarded venue surface (satisfied by
// *gateway.Venue).
type OrderPlacer interface {
	Name() string
	PlaceOrder(ctx context.Context, creds common.Credentials, req common.OrderRequest) (common.OrderResult, error)
}

// RegimeSource reports the current market regime for a pair. ok=false
// means no classification is available and the gate stays open.
type RegimeSource interface {
	Current(ctx context.Context, pair string) (regime string, confidence float64, ok bool)
}

// Config tunes the trading service.
type Config struct {
	// Live enables real venue calls; with Live false every bot trades
	// paper regardless of its own mode.
	Live bool
	// DedupWindow is the lookback for the open-trade duplicate guard.
	DedupWindow time.Duration
	// Retry wraps live PlaceOrder calls. Its classifier also decides
	// whether a final failure consumes the job's retry budget.
	Retry retry.Policy
	// BlockedRegimes lists regimes under which execution is skipped.
	BlockedRegimes []string
	// PaperSlippageBps noises the synthetic fill price, directionally
	// against the order, to keep paper PnL honest.
	PaperSlippageBps float64
}

// Service executes trade jobs.
type Service struct {
	store   Store
	vault   *crypto.Vault
	venues  func(name string) (OrderPlacer, error)
	regimes RegimeSource
	prices  *cache.PriceCache
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *logrus.Entry
	cfg     Config

	clock func() time.Time
}

// NewService wires the trading handlers. regimes may be nil to disable
// the gate; vault may be nil only when Live is false.
func NewService(
	store Store,
	vault *crypto.Vault,
	venues func(name string) (OrderPlacer, error),
	regimes RegimeSource,
	prices *cache.PriceCache,
	bus *events.Bus,
	metrics *monitor.Metrics,
	log *logrus.Entry,
	cfg Config,
) *Service {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 30 * time.Minute
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Service{
		store:   store,
		vault:   vault,
		venues:  venues,
		regimes: regimes,
		prices:  prices,
		bus:     bus,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
		clock:   time.Now,
	}
}

// HandleExecuteTrade runs one execute_trade job. Duplicate signals are
// success outcomes, never errors: the window guard reports
// already_executed, the unique-key insert reports duplicate_prevented.
func (s *Service) HandleExecuteTrade(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	var p ExecutePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, jobs.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	side, err := normalizeSide(p.Side)
	if err != nil {
		return nil, jobs.Terminal(err)
	}
	if p.BotInstanceID == "" || p.UserID == "" || p.Pair == "" {
		return nil, jobs.Terminal(errors.New("bot_instance_id, user_id and pair are required"))
	}
	if p.Amount <= 0 {
		return nil, jobs.Terminal(fmt.Errorf("invalid amount %v", p.Amount))
	}

	key := p.IdempotencyKey
	if key == "" {
		// The job ID is stable across retries, so a retried job can
		// never double-record.
		key = "job:" + job.ID
	}

	log := s.log.WithFields(logrus.Fields{
		"bot":  p.BotInstanceID,
		"pair": p.Pair,
		"side": side,
	})

	// Dedup window: an open trade for the same signal shape within the
	// window means this signal already ran.
	since := s.clock().Add(-s.cfg.DedupWindow)
	if existing, err := s.store.OpenTradeSince(ctx, p.BotInstanceID, p.Pair, side, since); err == nil {
		log.WithField("trade_id", existing.ID).Info("duplicate signal inside dedup window")
		s.metrics.TradeRecorded(OutcomeAlreadyExecuted)
		s.bus.Publish(events.EventTradeDuplicate, events.TradePayload{
			TradeID: existing.ID, BotID: p.BotInstanceID, Pair: p.Pair, Side: side,
			Amount: p.Amount, Outcome: OutcomeAlreadyExecuted,
		})
		return outcomeResult(existing.ID, existing.ExchangeOrderID, OutcomeAlreadyExecuted), nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("dedup window check: %w", err)
	}

	bot, err := s.store.GetBot(ctx, p.BotInstanceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, jobs.Terminal(fmt.Errorf("bot %s not found", p.BotInstanceID))
		}
		return nil, fmt.Errorf("load bot: %w", err)
	}
	if bot.UserID != p.UserID {
		return nil, jobs.Terminal(fmt.Errorf("bot %s does not belong to user", p.BotInstanceID))
	}
	if bot.Status != db.BotRunning {
		return nil, jobs.Terminal(fmt.Errorf("bot is %s, not running", bot.Status))
	}

	if regime, blocked := s.regimeBlocked(ctx, p.Pair); blocked {
		log.WithField("regime", regime).Info("execution skipped by market regime")
		s.metrics.TradeRecorded(OutcomeSkippedRegime)
		return &jobs.Result{Data: map[string]any{
			"outcome": OutcomeSkippedRegime,
			"regime":  regime,
		}}, nil
	}

	fill, err := s.placeOrder(ctx, bot, p.Pair, side, p.Amount, p.Price)
	if err != nil {
		return nil, err
	}

	trade := &db.Trade{
		ID:              uuid.NewString(),
		BotInstanceID:   bot.ID,
		UserID:          bot.UserID,
		Pair:            p.Pair,
		Side:            side,
		Amount:          p.Amount,
		EntryPrice:      fill.price,
		Status:          db.TradeOpen,
		ExchangeOrderID: fill.orderID,
		IdempotencyKey:  key,
		OpenedAt:        s.clock(),
	}

	inserted, existing, err := s.store.InsertTradeIdempotent(ctx, trade)
	if err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}
	if !inserted {
		// Lost the insert race to a concurrent dispatch of the same
		// signal; exactly one row exists, which is the point.
		log.WithField("trade_id", existing.ID).Info("concurrent duplicate prevented by idempotency key")
		s.metrics.TradeRecorded(OutcomeDuplicatePrevented)
		s.bus.Publish(events.EventTradeDuplicate, events.TradePayload{
			TradeID: existing.ID, BotID: bot.ID, Pair: p.Pair, Side: side,
			Amount: p.Amount, Outcome: OutcomeDuplicatePrevented,
		})
		return outcomeResult(existing.ID, existing.ExchangeOrderID, OutcomeDuplicatePrevented), nil
	}

	log.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"order_id": fill.orderID,
		"price":    fill.price,
		"paper":    fill.paper,
	}).Info("trade recorded")
	s.metrics.TradeRecorded(OutcomeExecuted)
	s.bus.Publish(events.EventTradeRecorded, events.TradePayload{
		TradeID: trade.ID, BotID: bot.ID, Pair: p.Pair, Side: side,
		Amount: p.Amount, Price: fill.price, Outcome: OutcomeExecuted,
	})

	return outcomeResult(trade.ID, fill.orderID, OutcomeExecuted), nil
}

func outcomeResult(tradeID, orderID, outcome string) *jobs.Result {
	return &jobs.Result{Data: map[string]any{
		"trade_id": tradeID,
		"order_id": orderID,
		"outcome":  outcome,
	}}
}

func normalizeSide(side string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(side))
	if s != string(common.SideBuy) && s != string(common.SideSell) {
		return "", fmt.Errorf("invalid side %q", side)
	}
	return s, nil
}

func (s *Service) regimeBlocked(ctx context.Context, pair string) (string, bool) {
	if s.regimes == nil || len(s.cfg.BlockedRegimes) == 0 {
		return "", false
	}
	regime, _, ok := s.regimes.Current(ctx, pair)
	if !ok {
		return "", false
	}
	for _, blocked := range s.cfg.BlockedRegimes {
		if regime == blocked {
			return regime, true
		}
	}
	return regime, false
}

// fill is the execution result of either path.
type fill struct {
	orderID string
	price   float64
	paper   bool
}

// placeOrder routes to paper or live execution. Paper never touches
// the venue, its limiter, or its breaker.
func (s *Service) placeOrder(ctx context.Context, bot *db.BotInstance, pair, side string, amount, hintPrice float64) (*fill, error) {
	if !s.cfg.Live || bot.Mode != "live" {
		return s.paperFill(pair, side, hintPrice)
	}
	return s.liveFill(ctx, bot, pair, side, amount, hintPrice)
}

func (s *Service) liveFill(ctx context.Context, bot *db.BotInstance, pair, side string, amount, hintPrice float64) (*fill, error) {
	cred, err := s.store.GetCredentials(ctx, bot.UserID, bot.Exchange)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, jobs.Terminal(fmt.Errorf("no %s credentials for user", bot.Exchange))
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	apiKey, apiSecret, err := s.vault.OpenPair(cred.APIKeyEnc, cred.APISecretEnc)
	if err != nil {
		return nil, jobs.Terminal(fmt.Errorf("decrypt credentials: %w", err))
	}

	venue, err := s.venues(bot.Exchange)
	if err != nil {
		return nil, jobs.Terminal(err)
	}

	req := common.OrderRequest{
		Symbol: pair,
		Side:   common.Side(side),
		Type:   common.OrderTypeMarket,
		Qty:    amount,
	}
	if hintPrice > 0 {
		req.Type = common.OrderTypeLimit
		req.Price = hintPrice
	}

	var res common.OrderResult
	err = retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		res, callErr = venue.PlaceOrder(ctx, common.Credentials{APIKey: apiKey, APISecret: apiSecret}, req)
		return callErr
	})
	if err != nil {
		if classify := s.classifier(); !classify(err) {
			// Validation-class rejection: more job retries cannot help.
			return nil, jobs.Terminal(fmt.Errorf("order rejected by %s: %w", bot.Exchange, err))
		}
		return nil, fmt.Errorf("place order on %s: %w", bot.Exchange, err)
	}

	price := res.AvgPrice
	if price <= 0 {
		price = hintPrice
	}
	if price <= 0 {
		if cached, ok := s.prices.Fresh(pair, maxPriceAge); ok {
			price = cached
		}
	}
	return &fill{orderID: res.ExchangeOrderID, price: price, paper: false}, nil
}

func (s *Service) classifier() func(error) bool {
	if s.cfg.Retry.Classify != nil {
		return s.cfg.Retry.Classify
	}
	return retry.DefaultClassifier
}

// resolvePrice picks the execution price for paper fills: explicit
// payload price first, then a fresh cached tick.
func (s *Service) resolvePrice(pair string, hint float64) (float64, error) {
	if hint > 0 {
		return hint, nil
	}
	if price, ok := s.prices.Fresh(pair, maxPriceAge); ok {
		return price, nil
	}
	// Retryable: the market feed or sync job will refresh the cache.
	return 0, fmt.Errorf("no recent price for %s", pair)
}
