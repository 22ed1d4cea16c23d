package main

import (
	"context"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/pkg/config"
	exbinance "github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/binance"
	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
	marketbinance "github.com/grichardomi/nexusmeme-sub003/pkg/market/binance"
)

// trading_api_check probes the Binance integration end to end without
// involving the job queue: public market data first, then the signed
// endpoints if credentials are supplied.
//
// Usage:
//
//	go run ./scripts/trading_api_check
//
// Environment:
//
//	BINANCE_TESTNET          same as the main binary (default false)
//	CHECK_SYMBOL             symbol to probe (default "BTCUSDT")
//	CHECK_API_KEY            optional; enables the signed checks
//	CHECK_API_SECRET         optional; enables the signed checks
//	CHECK_PLACE_ORDER        "true" to send one small MARKET order
//	CHECK_ORDER_QTY          quantity for that order (default 0.001)
//
// Keep CHECK_PLACE_ORDER=false until the signed checks pass; on the
// live network the order is real and may fill.

func main() {
	log.Println("=== Trading API check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	symbol := getenv("CHECK_SYMBOL", "BTCUSDT")
	apiKey := os.Getenv("CHECK_API_KEY")
	apiSecret := os.Getenv("CHECK_API_SECRET")
	placeOrder := getenv("CHECK_PLACE_ORDER", "false") == "true"
	qty, _ := strconv.ParseFloat(getenv("CHECK_ORDER_QTY", "0.001"), 64)

	log.Printf("Config: testnet=%v symbol=%s signed=%v placeOrder=%v",
		cfg.BinanceTestnet, symbol, apiKey != "", placeOrder)

	// The adapter logs through logrus; keep the script output clean.
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	checkMarketData(cfg.BinanceTestnet, symbol)

	adapter := exbinance.New(cfg.BinanceTestnet, logrus.NewEntry(quiet))
	checkPing(adapter)

	if apiKey == "" || apiSecret == "" {
		log.Println("[SIGNED] CHECK_API_KEY/SECRET empty, skipping signed checks")
	} else {
		creds := common.Credentials{APIKey: apiKey, APISecret: apiSecret}
		checkCredentials(adapter, creds)
		if placeOrder {
			checkOrder(adapter, creds, symbol, qty)
		} else {
			log.Println("[ORDER] CHECK_PLACE_ORDER=false, skipping order test")
		}
	}

	log.Println("=== Trading API check finished ===")
}

func checkMarketData(testnet bool, symbol string) {
	log.Println("---- [MARKET] Checking public data API ----")
	client := marketbinance.NewClient(testnet)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	price, err := client.TickerPrice(ctx, symbol)
	if err != nil {
		log.Printf("[MARKET] TickerPrice error: %v", err)
	} else {
		log.Printf("[MARKET] %s price=%v", symbol, price)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	klines, err := client.Klines(ctx2, symbol, "1h", 5)
	if err != nil {
		log.Printf("[MARKET] Klines error: %v", err)
	} else {
		log.Printf("[MARKET] Klines count=%d", len(klines))
	}
}

func checkPing(adapter *exbinance.Client) {
	log.Println("---- [PING] Checking venue reachability ----")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		log.Printf("[PING] error: %v", err)
		return
	}
	log.Println("[PING] ok")
}

func checkCredentials(adapter *exbinance.Client, creds common.Credentials) {
	log.Println("---- [SIGNED] Checking credentials ----")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.ValidateCredentials(ctx, creds); err != nil {
		log.Printf("[SIGNED] ValidateCredentials error: %v", err)
		return
	}
	log.Println("[SIGNED] credentials valid, account can trade")
}

func checkOrder(adapter *exbinance.Client, creds common.Credentials, symbol string, qty float64) {
	log.Printf("---- [ORDER] Placing small MARKET order (%s qty=%v) ----", symbol, qty)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := adapter.PlaceOrder(ctx, creds, common.OrderRequest{
		Symbol: symbol,
		Side:   common.SideBuy,
		Type:   common.OrderTypeMarket,
		Qty:    qty,
	})
	if err != nil {
		log.Printf("[ORDER] PlaceOrder error: %v", err)
		return
	}
	log.Printf("[ORDER] placed: id=%s status=%s filled=%v avg=%v",
		res.ExchangeOrderID, res.Status, res.FilledQty, res.AvgPrice)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
