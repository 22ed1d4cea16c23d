package events

import "time"

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventJobEnqueued  Event = "job.enqueued"
	EventJobStarted   Event = "job.started"
	EventJobCompleted Event = "job.completed"
	EventJobRetrying  Event = "job.retrying"
	EventJobFailed    Event = "job.failed"

	EventTradeRecorded  Event = "trade.recorded"
	EventTradeDuplicate Event = "trade.duplicate"
	EventPyramidAdded   Event = "trade.pyramid_added"

	EventBotSuspended Event = "bot.suspended"
	EventBotResumed   Event = "bot.resumed"
	EventBotValidated Event = "bot.validated"

	EventBreakerOpened   Event = "breaker.opened"
	EventBreakerHalfOpen Event = "breaker.half_open"
	EventBreakerClosed   Event = "breaker.closed"

	EventLimitWaited Event = "limit.waited"
	EventPriceTick   Event = "price.tick"
)

// Lifecycle lists everything external consumers (websocket stream, AMQP
// mirror) care about. Price ticks stay internal; they are too chatty.
var Lifecycle = []Event{
	EventJobEnqueued, EventJobStarted, EventJobCompleted, EventJobRetrying, EventJobFailed,
	EventTradeRecorded, EventTradeDuplicate, EventPyramidAdded,
	EventBotSuspended, EventBotResumed, EventBotValidated,
	EventBreakerOpened, EventBreakerHalfOpen, EventBreakerClosed,
}

// JobPayload describes a job lifecycle transition.
type JobPayload struct {
	JobID   string `json:"job_id"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Retries int    `json:"retries,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TradePayload describes a recorded or deduplicated trade.
type TradePayload struct {
	TradeID string  `json:"trade_id"`
	BotID   string  `json:"bot_id"`
	Pair    string  `json:"pair"`
	Side    string  `json:"side"`
	Amount  float64 `json:"amount"`
	Price   float64 `json:"price"`
	Outcome string  `json:"outcome"`
}

// BotPayload describes a bot state change.
type BotPayload struct {
	BotID  string `json:"bot_id"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// BreakerPayload describes a breaker transition.
type BreakerPayload struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// LimitPayload describes a rate-limiter wait on the acquire path.
type LimitPayload struct {
	Venue  string        `json:"venue"`
	Tokens float64       `json:"tokens"`
	Waited time.Duration `json:"waited"`
}

// TickPayload carries a price update from the market feed.
type TickPayload struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}
