package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamClient subscribes to Binance public market streams. Each
// subscription owns one websocket connection.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       *logrus.Entry
}

// NewStreamClient targets the production stream host, or the testnet
// host when testnet is set.
func NewStreamClient(testnet bool, log *logrus.Entry) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// SubscribeMiniTicker streams last-price updates for a symbol. It returns
// the channel and a stop function; the channel closes on stop or error.
func (c *StreamClient) SubscribeMiniTicker(ctx context.Context, symbol string) (<-chan Ticker, func(), error) {
	out := make(chan Ticker, 100)
	stop, err := c.subscribe(ctx, strings.ToLower(symbol)+"@miniTicker",
		func() { close(out) },
		func(msg []byte) {
			tick, err := parseMiniTicker(msg)
			if err != nil {
				c.log.WithError(err).Debug("binance ws parse error")
				return
			}
			select {
			case out <- tick:
			default:
				// Drop rather than stall the read loop when the consumer lags.
			}
		})
	if err != nil {
		return nil, nil, err
	}
	return out, stop, nil
}

// SubscribeKlines streams candle updates for a symbol at one interval.
// Binance emits an update per tick and marks the final update of each
// candle with Closed=true.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error) {
	out := make(chan Kline, 100)
	stop, err := c.subscribe(ctx, strings.ToLower(symbol)+"@kline_"+interval,
		func() { close(out) },
		func(msg []byte) {
			k, err := parseKlineEvent(msg)
			if err != nil {
				c.log.WithError(err).Debug("binance ws parse error")
				return
			}
			select {
			case out <- k:
			default:
			}
		})
	if err != nil {
		return nil, nil, err
	}
	return out, stop, nil
}

// subscribe dials one public stream and feeds raw frames to emit. The
// read loop runs until stop is called, the context ends, or the socket
// dies; closeOut runs after the loop is finished with the channel.
func (c *StreamClient) subscribe(ctx context.Context, stream string, closeOut func(), emit func(msg []byte)) (func(), error) {
	conn, _, err := c.dialer.DialContext(ctx, c.StreamURL+"/"+stream, nil)
	if err != nil {
		return nil, fmt.Errorf("dial binance ws: %w", err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			// The connection may already be gone; close errors are noise.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	// ReadMessage only unblocks when the socket closes, so a watcher
	// turns context cancellation into a close.
	readerDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-readerDone:
		}
	}()

	go func() {
		defer close(readerDone)
		defer closeOut()
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !isExpectedClose(err) {
					c.log.WithError(err).WithField("stream", stream).Warn("binance ws read error")
				}
				return
			}
			emit(msg)
		}
	}()

	return stop, nil
}

// isExpectedClose reports whether a read error is the ordinary end of a
// subscription rather than a failure worth logging.
func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func parseMiniTicker(msg []byte) (Ticker, error) {
	var raw struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Ticker{}, err
	}
	if raw.EventType != "24hrMiniTicker" {
		return Ticker{}, fmt.Errorf("unexpected event type %q", raw.EventType)
	}
	price, err := strconv.ParseFloat(raw.Close, 64)
	if err != nil {
		return Ticker{}, fmt.Errorf("parse close %q: %w", raw.Close, err)
	}
	return Ticker{Symbol: raw.Symbol, Price: price, Time: raw.EventTime}, nil
}

func parseKlineEvent(msg []byte) (Kline, error) {
	var raw struct {
		EventType string `json:"e"`
		Data      struct {
			StartTime int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Kline{}, err
	}
	if raw.EventType != "kline" {
		return Kline{}, fmt.Errorf("unexpected event type %q", raw.EventType)
	}

	d := raw.Data
	k := Kline{
		Symbol:    d.Symbol,
		OpenTime:  d.StartTime,
		CloseTime: d.CloseTime,
		Closed:    d.Closed,
	}
	for _, f := range []struct {
		raw string
		dst *float64
	}{
		{d.Open, &k.Open},
		{d.High, &k.High},
		{d.Low, &k.Low},
		{d.Close, &k.Close},
		{d.Volume, &k.Volume},
	} {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return Kline{}, fmt.Errorf("parse kline field %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	return k, nil
}
