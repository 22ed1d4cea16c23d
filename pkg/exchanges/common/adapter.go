// Package common defines the venue adapter seam shared by all exchanges.
package common

import "context"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType covers the order kinds the platform places.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the venue ack state folded into a fixed vocabulary.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Credentials are a decrypted API key pair, passed per call and never
// retained by adapters.
type Credentials struct {
	APIKey    string
	APISecret string
}

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      float64
	Price    float64 // limit orders only
	ClientID string  // venue-side idempotency token
}

// OrderResult returns the venue ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
	FilledQty       float64
	AvgPrice        float64
}

// Adapter abstracts a trading venue. One long-lived adapter per venue is
// shared by every bot trading there; credentials travel with each call.
type Adapter interface {
	// Name identifies the venue ("binance").
	Name() string
	// Ping checks venue reachability without authentication.
	Ping(ctx context.Context) error
	// PlaceOrder submits an order on behalf of the credential owner.
	PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (OrderResult, error)
	// ValidateCredentials performs an authenticated probe and reports
	// whether the keys are usable for trading.
	ValidateCredentials(ctx context.Context, creds Credentials) error
}
