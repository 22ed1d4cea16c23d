package db

import (
	"encoding/json"
	"time"
)

// Job statuses as stored in job_queue.status.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobRetrying   = "retrying"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one row of the persistent work queue.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"max_retries"`
	RunAfter    time.Time       `json:"run_after"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Trade statuses.
const (
	TradeOpen   = "open"
	TradeClosed = "closed"
	TradeFailed = "failed"
)

// PyramidLevel is one scale-in step stored inside trades.pyramid_levels.
// A level moves pending -> executed exactly once and never back.
type PyramidLevel struct {
	Level         int        `json:"level"`
	TriggerPct    float64    `json:"trigger_pct"`
	Amount        float64    `json:"amount"`
	Status        string     `json:"status"`
	ExecutedPrice float64    `json:"executed_price,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
}

// Pyramid level statuses.
const (
	LevelPending  = "pending"
	LevelExecuted = "executed"
)

// Trade is a recorded execution, unique per idempotency key.
type Trade struct {
	ID              string         `json:"id"`
	BotInstanceID   string         `json:"bot_instance_id"`
	UserID          string         `json:"user_id"`
	Pair            string         `json:"pair"`
	Side            string         `json:"side"`
	Amount          float64        `json:"amount"`
	EntryPrice      float64        `json:"entry_price"`
	ExitPrice       *float64       `json:"exit_price,omitempty"`
	Status          string         `json:"status"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key"`
	PyramidLevels   []PyramidLevel `json:"pyramid_levels,omitempty"`
	RealizedPnL     float64        `json:"realized_pnl"`
	OpenedAt        time.Time      `json:"opened_at"`
	ClosedAt        *time.Time     `json:"closed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Bot statuses.
const (
	BotRunning   = "running"
	BotSuspended = "suspended"
	BotStopped   = "stopped"
	BotError     = "error"
)

// BotInstance is one configured bot owned by a user.
type BotInstance struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Name               string     `json:"name"`
	Exchange           string     `json:"exchange"`
	Pair               string     `json:"pair"`
	Status             string     `json:"status"`
	Mode               string     `json:"mode"`
	ConnectionVerified bool       `json:"connection_verified"`
	LastValidatedAt    *time.Time `json:"last_validated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BotEvent is an audit row for suspend/resume/validation actions.
type BotEvent struct {
	ID            string    `json:"id"`
	BotInstanceID string    `json:"bot_instance_id"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExchangeCredential holds encrypted API keys for one user on one venue.
// Values carry the ENC[v1]: prefix and are decrypted just in time.
type ExchangeCredential struct {
	UserID       string    `json:"user_id"`
	Exchange     string    `json:"exchange"`
	APIKeyEnc    string    `json:"-"`
	APISecretEnc string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Email outbox statuses.
const (
	EmailPending = "pending"
	EmailSent    = "sent"
	EmailFailed  = "failed"
)

// EmailMessage is one queued notification in email_outbox.
type EmailMessage struct {
	ID        string          `json:"id"`
	Recipient string          `json:"recipient"`
	Template  string          `json:"template"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// MarketSnapshot is one closed candle persisted by market sync.
type MarketSnapshot struct {
	Pair      string    `json:"pair"`
	Interval  string    `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Market regime labels.
const (
	RegimeTrendingUp   = "trending_up"
	RegimeTrendingDown = "trending_down"
	RegimeRanging      = "ranging"
	RegimeVolatile     = "volatile"
)

// MarketRegime is one classification result for a pair.
type MarketRegime struct {
	ID         string    `json:"id"`
	Pair       string    `json:"pair"`
	Regime     string    `json:"regime"`
	Confidence float64   `json:"confidence"`
	ComputedAt time.Time `json:"computed_at"`
}

// QueueStats summarizes job_queue for the operational API.
type QueueStats struct {
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
	Oldest   *time.Time     `json:"oldest_pending,omitempty"`
}
