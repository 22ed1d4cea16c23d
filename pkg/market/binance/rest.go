// Package market wraps Binance public market-data endpoints. No
// credentials are involved; trading goes through pkg/exchanges.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client fetches public market data over REST.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient builds a REST client; testnet toggles the base URL.
func NewClient(testnet bool) *Client {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	return &Client{
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// getJSON issues a GET against an API path and decodes the response
// body into dst.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("binance %s status %d", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(dst)
}

// Klines fetches the most recent candles for a symbol.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var rows []klineRow
	if err := c.getJSON(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	klines := make([]Kline, 0, len(rows))
	for _, r := range rows {
		klines = append(klines, Kline{
			Symbol:    symbol,
			OpenTime:  r.openTime,
			Open:      r.open,
			High:      r.high,
			Low:       r.low,
			Close:     r.close,
			Volume:    r.volume,
			CloseTime: r.closeTime,
			Closed:    r.closeTime <= now,
		})
	}
	return klines, nil
}

// TickerPrice fetches the last traded price for a symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var out struct {
		Price string `json:"price"`
	}
	if err := c.getJSON(ctx, "/api/v3/ticker/price", q, &out); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ticker price %q: %w", out.Price, err)
	}
	return price, nil
}

// klineRow decodes one element of the klines response. Each row is a
// positional JSON array mixing numbers (open and close times) with
// strings (prices and volume).
type klineRow struct {
	openTime  int64
	open      float64
	high      float64
	low       float64
	close     float64
	volume    float64
	closeTime int64
}

func (r *klineRow) UnmarshalJSON(b []byte) error {
	var cells []json.RawMessage
	if err := json.Unmarshal(b, &cells); err != nil {
		return err
	}
	if len(cells) < 7 {
		return fmt.Errorf("kline row has %d cells, want at least 7", len(cells))
	}
	if err := json.Unmarshal(cells[0], &r.openTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(cells[6], &r.closeTime); err != nil {
		return fmt.Errorf("kline close time: %w", err)
	}

	prices := []struct {
		idx  int
		dst  *float64
		name string
	}{
		{1, &r.open, "open"},
		{2, &r.high, "high"},
		{3, &r.low, "low"},
		{4, &r.close, "close"},
		{5, &r.volume, "volume"},
	}
	for _, p := range prices {
		var s string
		if err := json.Unmarshal(cells[p.idx], &s); err != nil {
			return fmt.Errorf("kline %s: %w", p.name, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("kline %s %q: %w", p.name, s, err)
		}
		*p.dst = v
	}
	return nil
}
