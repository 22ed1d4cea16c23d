package market

// Kline is a single candlestick from the public klines endpoint.
type Kline struct {
	Symbol    string
	OpenTime  int64 // ms
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64 // ms
	Closed    bool
}

// Ticker is a lightweight price update from the miniTicker stream.
type Ticker struct {
	Symbol string
	Price  float64
	Time   int64 // ms
}
