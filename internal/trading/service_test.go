package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/internal/retry"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
	"github.com/grichardomi/nexusmeme-sub003/pkg/crypto"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// memTradeStore fakes the persistence surface: bots, credentials, and
// trades keyed in memory, with scripted dedup and conflict behavior.
type memTradeStore struct {
	mu     sync.Mutex
	bots   map[string]*db.BotInstance
	creds  map[string]*db.ExchangeCredential
	trades map[string]*db.Trade

	openTrade *db.Trade // OpenTradeSince hit when inside the window
	conflict  *db.Trade // forces InsertTradeIdempotent to report a duplicate

	inserted []*db.Trade
	updates  []pyramidUpdate
}

type pyramidUpdate struct {
	id     string
	amount float64
	entry  float64
	levels []db.PyramidLevel
}

func newMemTradeStore() *memTradeStore {
	return &memTradeStore{
		bots:   make(map[string]*db.BotInstance),
		creds:  make(map[string]*db.ExchangeCredential),
		trades: make(map[string]*db.Trade),
	}
}

func (m *memTradeStore) GetBot(_ context.Context, id string) (*db.BotInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *bot
	return &c, nil
}

func (m *memTradeStore) GetCredentials(_ context.Context, userID, exchange string) (*db.ExchangeCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[userID+"|"+exchange]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *cred
	return &c, nil
}

func (m *memTradeStore) OpenTradeSince(_ context.Context, botID, pair, side string, since time.Time) (*db.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.openTrade
	if t == nil || t.BotInstanceID != botID || t.Pair != pair || t.Side != side || t.OpenedAt.Before(since) {
		return nil, db.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *memTradeStore) InsertTradeIdempotent(_ context.Context, t *db.Trade) (bool, *db.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict != nil {
		c := *m.conflict
		return false, &c, nil
	}
	for _, prev := range m.inserted {
		if prev.IdempotencyKey == t.IdempotencyKey {
			c := *prev
			return false, &c, nil
		}
	}
	c := *t
	m.inserted = append(m.inserted, &c)
	m.trades[c.ID] = &c
	return true, nil, nil
}

func (m *memTradeStore) GetTrade(_ context.Context, id string) (*db.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *t
	c.PyramidLevels = append([]db.PyramidLevel(nil), t.PyramidLevels...)
	return &c, nil
}

func (m *memTradeStore) UpdateTradePyramid(_ context.Context, id string, amount, entryPrice float64, levels []db.PyramidLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Amount = amount
	t.EntryPrice = entryPrice
	t.PyramidLevels = append([]db.PyramidLevel(nil), levels...)
	m.updates = append(m.updates, pyramidUpdate{id: id, amount: amount, entry: entryPrice, levels: levels})
	return nil
}

// fakeVenue scripts PlaceOrder replies in order; the last reply repeats.
type fakeVenue struct {
	mu      sync.Mutex
	calls   int
	reqs    []common.OrderRequest
	replies []venueReply
}

type venueReply struct {
	res common.OrderResult
	err error
}

func (f *fakeVenue) Name() string { return "binance" }

func (f *fakeVenue) PlaceOrder(_ context.Context, _ common.Credentials, req common.OrderRequest) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if len(f.replies) == 0 {
		return common.OrderResult{ExchangeOrderID: "X-1", Status: common.StatusFilled, AvgPrice: req.Price}, nil
	}
	idx := f.calls - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx].res, f.replies[idx].err
}

func (f *fakeVenue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticRegimes struct {
	regime     string
	confidence float64
	ok         bool
}

func (r staticRegimes) Current(context.Context, string) (string, float64, bool) {
	return r.regime, r.confidence, r.ok
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type tradingEnv struct {
	store  *memTradeStore
	venue  *fakeVenue
	prices *cache.PriceCache
	bus    *events.Bus
	svc    *Service
}

func newEnv(t *testing.T, cfg Config, vault *crypto.Vault) *tradingEnv {
	t.Helper()
	env := &tradingEnv{
		store:  newMemTradeStore(),
		venue:  &fakeVenue{},
		prices: cache.NewPriceCache(),
		bus:    events.NewBus(),
	}
	venues := func(name string) (OrderPlacer, error) {
		if name != "binance" {
			return nil, fmt.Errorf("unknown venue %q", name)
		}
		return env.venue, nil
	}
	var regimes RegimeSource
	if cfg.BlockedRegimes != nil {
		regimes = staticRegimes{regime: cfg.BlockedRegimes[0], confidence: 0.9, ok: true}
	}
	env.svc = NewService(env.store, vault, venues, regimes, env.prices, env.bus, nil, testLogger(), cfg)
	return env
}

func (e *tradingEnv) addBot(id, userID, mode, status string) *db.BotInstance {
	bot := &db.BotInstance{
		ID: id, UserID: userID, Name: "grid-" + id, Exchange: "binance",
		Pair: "BTCUSDT", Status: status, Mode: mode,
	}
	e.store.bots[id] = bot
	return bot
}

func execJob(t *testing.T, payload ExecutePayload) *db.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &db.Job{ID: "job-1", Type: jobs.TypeExecuteTrade, Payload: raw}
}

func TestExecuteTradePaperFill(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)

	res, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "buy",
		Amount: 0.5, Price: 50000,
	}))
	if err != nil {
		t.Fatalf("HandleExecuteTrade: %v", err)
	}
	if res.Data["outcome"] != OutcomeExecuted {
		t.Fatalf("outcome = %v, want %q", res.Data["outcome"], OutcomeExecuted)
	}
	orderID, _ := res.Data["order_id"].(string)
	if !strings.HasPrefix(orderID, "PAPER_") {
		t.Fatalf("paper fill order id = %q, want PAPER_ prefix", orderID)
	}
	if env.venue.callCount() != 0 {
		t.Fatalf("paper fill reached the venue %d times", env.venue.callCount())
	}
	if len(env.store.inserted) != 1 {
		t.Fatalf("inserted %d trades, want 1", len(env.store.inserted))
	}
	trade := env.store.inserted[0]
	if trade.Side != "BUY" || trade.EntryPrice != 50000 {
		t.Fatalf("recorded trade = %+v", trade)
	}
	if trade.IdempotencyKey != "job:job-1" {
		t.Fatalf("idempotency key = %q, want job-derived default", trade.IdempotencyKey)
	}
}

func TestExecuteTradePaperUsesCachedPrice(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	env.prices.Set("BTCUSDT", 61250)

	res, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "sell", Amount: 1,
	}))
	if err != nil {
		t.Fatalf("HandleExecuteTrade: %v", err)
	}
	if got := env.store.inserted[0].EntryPrice; got != 61250 {
		t.Fatalf("entry price = %v, want cached 61250", got)
	}
	if res.Data["outcome"] != OutcomeExecuted {
		t.Fatalf("outcome = %v", res.Data["outcome"])
	}
}

func TestExecuteTradeNoPriceIsRetryable(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)

	_, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "buy", Amount: 1,
	}))
	if err == nil {
		t.Fatal("expected error with no price available")
	}
	if jobs.IsTerminal(err) {
		t.Fatalf("missing price should stay retryable, got terminal: %v", err)
	}
}

func TestExecuteTradeDedupWindow(t *testing.T) {
	env := newEnv(t, Config{Live: false, DedupWindow: 30 * time.Minute}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	env.store.openTrade = &db.Trade{
		ID: "trade-0", BotInstanceID: "bot-1", Pair: "BTCUSDT", Side: "BUY",
		Status: db.TradeOpen, ExchangeOrderID: "X-9",
		OpenedAt: time.Now().Add(-10 * time.Minute),
	}

	res, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "BUY",
		Amount: 1, Price: 100,
	}))
	if err != nil {
		t.Fatalf("HandleExecuteTrade: %v", err)
	}
	if res.Data["outcome"] != OutcomeAlreadyExecuted {
		t.Fatalf("outcome = %v, want %q", res.Data["outcome"], OutcomeAlreadyExecuted)
	}
	if res.Data["trade_id"] != "trade-0" {
		t.Fatalf("trade_id = %v, want the existing trade", res.Data["trade_id"])
	}
	if len(env.store.inserted) != 0 {
		t.Fatalf("duplicate signal inserted %d trades", len(env.store.inserted))
	}
}

func TestExecuteTradeStaleOpenTradeDoesNotDedup(t *testing.T) {
	env := newEnv(t, Config{Live: false, DedupWindow: 30 * time.Minute}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	// Same signal shape, but opened before the window: a fresh trade is fine.
	env.store.openTrade = &db.Trade{
		ID: "trade-0", BotInstanceID: "bot-1", Pair: "BTCUSDT", Side: "BUY",
		Status: db.TradeOpen, OpenedAt: time.Now().Add(-2 * time.Hour),
	}

	res, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "BUY",
		Amount: 1, Price: 100,
	}))
	if err != nil {
		t.Fatalf("HandleExecuteTrade: %v", err)
	}
	if res.Data["outcome"] != OutcomeExecuted {
		t.Fatalf("outcome = %v, want %q", res.Data["outcome"], OutcomeExecuted)
	}
}

func TestExecuteTradeIdempotencyConflict(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	env.store.conflict = &db.Trade{ID: "trade-9", ExchangeOrderID: "X-7"}

	res, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "BUY",
		Amount: 1, Price: 100, IdempotencyKey: "signal-abc",
	}))
	if err != nil {
		t.Fatalf("HandleExecuteTrade: %v", err)
	}
	if res.Data["outcome"] != OutcomeDuplicatePrevented {
		t.Fatalf("outcome = %v, want %q", res.Data["outcome"], OutcomeDuplicatePrevented)
	}
	if res.Data["trade_id"] != "trade-9" {
		t.Fatalf("trade_id = %v, want the surviving row", res.Data["trade_id"])
	}
}

func TestExecuteTradePayloadValidation(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)

	cases := []struct {
		name    string
		payload ExecutePayload
	}{
		{"bad side", ExecutePayload{BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "hold", Amount: 1}},
		{"zero amount", ExecutePayload{BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "buy", Amount: 0}},
		{"missing ids", ExecutePayload{Pair: "BTCUSDT", Side: "buy", Amount: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, tc.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if !jobs.IsTerminal(err) {
				t.Fatalf("validation failure should be terminal, got %v", err)
			}
		})
	}
}

func TestExecuteTradeBotGuards(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	env.addBot("bot-2", "user-1", "paper", db.BotSuspended)

	cases := []struct {
		name    string
		payload ExecutePayload
	}{
		{"unknown bot", ExecutePayload{BotInstanceID: "ghost", UserID: "user-1", Pair: "BTCUSDT", Side: "buy", Amount: 1, Price: 100}},
		{"wrong owner", ExecutePayload{BotInstanceID: "bot-1", UserID: "intruder", Pair: "BTCUSDT", Side: "buy", Amount: 1, Price: 100}},
		{"not running", ExecutePayload{BotInstanceID: "bot-2", UserID: "user-1", Pair: "BTCUSDT", Side: "buy", Amount: 1, Price: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, tc.payload))
			if err == nil || !jobs.IsTerminal(err) {
				t.Fatalf("want terminal error, got %v", err)
			}
		})
	}
}

func TestExecuteTradeRegimeGate(t *testing.T) {
	env := newEnv(t, Config{Live: false, BlockedRegimes: []string{"volatile"}}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)

	res, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "buy",
		Amount: 1, Price: 100,
	}))
	if err != nil {
		t.Fatalf("HandleExecuteTrade: %v", err)
	}
	if res.Data["outcome"] != OutcomeSkippedRegime {
		t.Fatalf("outcome = %v, want %q", res.Data["outcome"], OutcomeSkippedRegime)
	}
	if res.Data["regime"] != "volatile" {
		t.Fatalf("regime = %v", res.Data["regime"])
	}
	if len(env.store.inserted) != 0 {
		t.Fatal("gated signal must not record a trade")
	}
}

func liveEnv(t *testing.T, replies []venueReply, pol retry.Policy) *tradingEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	vault, err := crypto.NewVault(key)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	env := newEnv(t, Config{Live: true, Retry: pol}, vault)
	env.venue.replies = replies
	env.addBot("bot-1", "user-1", "live", db.BotRunning)

	keyEnc, secretEnc, err := vault.SealPair("api-key", "api-secret")
	if err != nil {
		t.Fatalf("seal credentials: %v", err)
	}
	env.store.creds["user-1|binance"] = &db.ExchangeCredential{
		UserID: "user-1", Exchange: "binance", APIKeyEnc: keyEnc, APISecretEnc: secretEnc,
	}
	return env
}

func fastRetry(max int) retry.Policy {
	return retry.Policy{MaxRetries: max, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestLiveFillRetriesTransientThenSucceeds(t *testing.T) {
	transient := &common.APIError{HTTPStatus: 500, Code: -1000, Message: "internal error", Venue: "binance"}
	env := liveEnv(t, []venueReply{
		{err: transient},
		{err: transient},
		{res: common.OrderResult{ExchangeOrderID: "X-42", Status: common.StatusFilled, AvgPrice: 50010}},
	}, fastRetry(3))

	res, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "buy", Amount: 0.1,
	}))
	if err != nil {
		t.Fatalf("HandleExecuteTrade: %v", err)
	}
	if env.venue.callCount() != 3 {
		t.Fatalf("venue calls = %d, want 3", env.venue.callCount())
	}
	if res.Data["order_id"] != "X-42" {
		t.Fatalf("order_id = %v", res.Data["order_id"])
	}
	if got := env.store.inserted[0].EntryPrice; got != 50010 {
		t.Fatalf("entry price = %v, want venue avg 50010", got)
	}
}

func TestLiveFillBusinessRejectionIsTerminal(t *testing.T) {
	rejected := &common.APIError{HTTPStatus: 400, Code: common.CodeInsufficientBalance, Message: "insufficient balance", Venue: "binance"}
	env := liveEnv(t, []venueReply{{err: rejected}}, fastRetry(5))

	_, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "buy", Amount: 0.1,
	}))
	if err == nil {
		t.Fatal("expected rejection to surface")
	}
	if !jobs.IsTerminal(err) {
		t.Fatalf("-2010 rejection should be terminal, got %v", err)
	}
	if env.venue.callCount() != 1 {
		t.Fatalf("venue calls = %d, terminal rejection must not retry", env.venue.callCount())
	}
	if !common.IsInsufficientBalance(err) {
		t.Fatalf("venue code lost from chain: %v", err)
	}
}

func TestLiveFillMissingCredentialsIsTerminal(t *testing.T) {
	env := liveEnv(t, nil, fastRetry(1))
	delete(env.store.creds, "user-1|binance")

	_, err := env.svc.HandleExecuteTrade(context.Background(), execJob(t, ExecutePayload{
		BotInstanceID: "bot-1", UserID: "user-1", Pair: "BTCUSDT", Side: "buy", Amount: 0.1,
	}))
	if err == nil || !jobs.IsTerminal(err) {
		t.Fatalf("want terminal error for missing credentials, got %v", err)
	}
	if env.venue.callCount() != 0 {
		t.Fatal("must not reach the venue without credentials")
	}
}

func pyramidJob(t *testing.T, p PyramidPayload) *db.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &db.Job{ID: "job-2", Type: jobs.TypePyramidAddOrder, Payload: raw}
}

func seedOpenTrade(env *tradingEnv, levels []db.PyramidLevel) *db.Trade {
	trade := &db.Trade{
		ID: "trade-1", BotInstanceID: "bot-1", UserID: "user-1",
		Pair: "BTCUSDT", Side: "BUY", Amount: 1.0, EntryPrice: 100,
		Status: db.TradeOpen, IdempotencyKey: "signal-1",
		OpenedAt: time.Now().Add(-5 * time.Minute), PyramidLevels: levels,
	}
	env.store.trades[trade.ID] = trade
	return trade
}

func TestPyramidAddBlendsEntryPrice(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	seedOpenTrade(env, []db.PyramidLevel{
		{Level: 1, TriggerPct: 0, Amount: 1.0, Status: db.LevelExecuted},
		{Level: 2, TriggerPct: 2.5, Amount: 0.5, Status: db.LevelPending},
	})
	env.prices.Set("BTCUSDT", 105)

	res, err := env.svc.HandlePyramidAddOrder(context.Background(), pyramidJob(t, PyramidPayload{
		TradeID: "trade-1", Level: 2, Price: 110,
	}))
	if err != nil {
		t.Fatalf("HandlePyramidAddOrder: %v", err)
	}
	if res.Data["outcome"] != OutcomePyramidAdded {
		t.Fatalf("outcome = %v, want %q", res.Data["outcome"], OutcomePyramidAdded)
	}

	if len(env.store.updates) != 1 {
		t.Fatalf("pyramid updates = %d, want 1", len(env.store.updates))
	}
	up := env.store.updates[0]
	if up.amount != 1.5 {
		t.Fatalf("amount = %v, want 1.5", up.amount)
	}
	// (1.0*100 + 0.5*110) / 1.5
	want := 155.0 / 1.5
	if math.Abs(up.entry-want) > 1e-9 {
		t.Fatalf("blended entry = %v, want %v", up.entry, want)
	}
	lvl := up.levels[1]
	if lvl.Status != db.LevelExecuted || lvl.ExecutedPrice != 110 || lvl.OrderID == "" || lvl.ExecutedAt == nil {
		t.Fatalf("level after add = %+v", lvl)
	}

	// Marked against the cached 105 tick: (105 - 103.33..) * 1.5 = 2.5.
	pnl, ok := res.Data["unrealized_pnl"].(float64)
	if !ok {
		t.Fatalf("unrealized_pnl missing from result: %v", res.Data)
	}
	if math.Abs(pnl-2.5) > 1e-9 {
		t.Fatalf("unrealized pnl = %v, want 2.5", pnl)
	}
}

func TestPyramidAddAlreadyExecutedIsNoOp(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	seedOpenTrade(env, []db.PyramidLevel{
		{Level: 1, Amount: 1.0, Status: db.LevelExecuted, OrderID: "PAPER_1_aaaa"},
	})

	res, err := env.svc.HandlePyramidAddOrder(context.Background(), pyramidJob(t, PyramidPayload{
		TradeID: "trade-1", Level: 1,
	}))
	if err != nil {
		t.Fatalf("HandlePyramidAddOrder: %v", err)
	}
	if res.Data["outcome"] != OutcomeAlreadyExecuted {
		t.Fatalf("outcome = %v, want %q", res.Data["outcome"], OutcomeAlreadyExecuted)
	}
	if res.Data["order_id"] != "PAPER_1_aaaa" {
		t.Fatalf("order_id = %v, want the original fill", res.Data["order_id"])
	}
	if len(env.store.updates) != 0 {
		t.Fatal("no-op re-run must not touch the trade")
	}
}

func TestPyramidAddDefaultsToLevelAmount(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	seedOpenTrade(env, []db.PyramidLevel{
		{Level: 1, Amount: 0.25, Status: db.LevelPending},
	})
	env.prices.Set("BTCUSDT", 120)

	_, err := env.svc.HandlePyramidAddOrder(context.Background(), pyramidJob(t, PyramidPayload{
		TradeID: "trade-1", Level: 1,
	}))
	if err != nil {
		t.Fatalf("HandlePyramidAddOrder: %v", err)
	}
	up := env.store.updates[0]
	if up.amount != 1.25 {
		t.Fatalf("amount = %v, want level's 0.25 added", up.amount)
	}
}

func TestPyramidAddValidation(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	seedOpenTrade(env, []db.PyramidLevel{{Level: 1, Amount: 1, Status: db.LevelPending}})
	env.store.trades["trade-closed"] = &db.Trade{
		ID: "trade-closed", BotInstanceID: "bot-1", UserID: "user-1",
		Pair: "BTCUSDT", Side: "BUY", Amount: 1, EntryPrice: 100,
		Status: db.TradeClosed,
		PyramidLevels: []db.PyramidLevel{{Level: 1, Amount: 1, Status: db.LevelPending}},
	}

	cases := []struct {
		name    string
		payload PyramidPayload
	}{
		{"missing trade", PyramidPayload{TradeID: "ghost", Level: 1}},
		{"closed trade", PyramidPayload{TradeID: "trade-closed", Level: 1}},
		{"unknown level", PyramidPayload{TradeID: "trade-1", Level: 7}},
		{"bad level", PyramidPayload{TradeID: "trade-1", Level: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.HandlePyramidAddOrder(context.Background(), pyramidJob(t, tc.payload))
			if err == nil || !jobs.IsTerminal(err) {
				t.Fatalf("want terminal error, got %v", err)
			}
		})
	}
}

func TestPyramidAddPublishesEvent(t *testing.T) {
	env := newEnv(t, Config{Live: false}, nil)
	env.addBot("bot-1", "user-1", "paper", db.BotRunning)
	seedOpenTrade(env, []db.PyramidLevel{{Level: 1, Amount: 0.5, Status: db.LevelPending}})

	ch, unsub := env.bus.Subscribe(events.EventPyramidAdded, 1)
	defer unsub()

	if _, err := env.svc.HandlePyramidAddOrder(context.Background(), pyramidJob(t, PyramidPayload{
		TradeID: "trade-1", Level: 1, Price: 90,
	})); err != nil {
		t.Fatalf("HandlePyramidAddOrder: %v", err)
	}

	select {
	case msg := <-ch:
		payload, ok := msg.Payload.(events.TradePayload)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		if payload.TradeID != "trade-1" || payload.Amount != 0.5 || payload.Price != 90 {
			t.Fatalf("event payload = %+v", payload)
		}
	default:
		t.Fatal("no pyramid event published")
	}
}

func TestUnrealizedPnLDirection(t *testing.T) {
	if got := unrealizedPnL("BUY", 2, 100, 110); got != 20 {
		t.Fatalf("long pnl = %v, want 20", got)
	}
	if got := unrealizedPnL("SELL", 2, 100, 110); got != -20 {
		t.Fatalf("short pnl = %v, want -20", got)
	}
}
