package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // "text" or "json"
	SentryDSN string

	// Postgres
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Redis (rate limiting + market cache). Empty address degrades to
	// fail-open limiting and DB-only regime reads.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional AMQP event mirror
	AMQPURL string

	// Job processing
	PollInterval  time.Duration
	PollBatchSize int
	WorkerCount   int
	JobTimeout    time.Duration
	ShutdownGrace time.Duration

	// Retry defaults (overridable per job type via policies.yaml)
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Circuit breaker defaults
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Rate limiter defaults (overridable per venue via policies.yaml)
	RateLimitMaxTokens     float64
	RateLimitRefillPerSec  float64
	RateLimitAcquireLimit  time.Duration
	RateLimitFailOpen      bool

	// Trade recording
	DedupWindow time.Duration

	// Execution
	TradingMode    string // "paper" or "live"
	BinanceTestnet bool

	// Credentials at rest
	EncryptionKey string

	// Market data
	MarketSymbols     []string
	MarketInterval    string
	MarketFeedEnabled bool
	MarketSyncEvery   time.Duration
	RegimeSyncEvery   time.Duration
	RegimeBlocked     []string

	// Email provider webhook
	EmailProviderURL   string
	EmailProviderToken string
	EmailFrom          string

	// Alerts. Empty AlertEmail disables failure notifications.
	AlertEmail    string
	AlertCooldown time.Duration

	// Maintenance
	StaleJobAfter  time.Duration
	ReaperInterval time.Duration

	PoliciesPath string
}

// Load builds the Config from environment variables, reading a .env
// file first when one exists.
func Load() (*Config, error) {
	// A missing .env is not an error; production sets real env vars.
	_ = godotenv.Load()

	return &Config{
		Port:      getEnv("PORT", "8090"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/nexusmeme?sslmode=disable"),
		DBMaxConns:  int32(getEnvInt("DB_MAX_CONNS", 10)),
		DBMinConns:  int32(getEnvInt("DB_MIN_CONNS", 2)),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AMQPURL: os.Getenv("AMQP_URL"),

		PollInterval:  getEnvDuration("JOB_POLL_INTERVAL", 5*time.Second),
		PollBatchSize: getEnvInt("JOB_POLL_BATCH", 5),
		WorkerCount:   getEnvInt("JOB_WORKERS", 4),
		JobTimeout:    getEnvDuration("JOB_TIMEOUT", 2*time.Minute),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),

		MaxRetries:     getEnvInt("JOB_MAX_RETRIES", 3),
		RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:  getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeout:          getEnvDuration("BREAKER_TIMEOUT", 60*time.Second),

		RateLimitMaxTokens:    getEnvFloat("RATE_LIMIT_MAX_TOKENS", 50),
		RateLimitRefillPerSec: getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 10),
		RateLimitAcquireLimit: getEnvDuration("RATE_LIMIT_ACQUIRE_LIMIT", 60*time.Second),
		RateLimitFailOpen:     getEnvBool("RATE_LIMIT_FAIL_OPEN", true),

		DedupWindow: getEnvDuration("DEDUP_WINDOW", 30*time.Minute),

		TradingMode:    strings.ToLower(getEnv("TRADING_MODE", "paper")),
		BinanceTestnet: getEnvBool("BINANCE_TESTNET", false),

		EncryptionKey: os.Getenv("CREDENTIAL_ENCRYPTION_KEY"),

		MarketSymbols:     splitAndTrim(getEnv("MARKET_SYMBOLS", "BTCUSDT,ETHUSDT")),
		MarketInterval:    getEnv("MARKET_INTERVAL", "1h"),
		MarketFeedEnabled: getEnvBool("MARKET_FEED_ENABLED", true),
		MarketSyncEvery:   getEnvDuration("MARKET_SYNC_EVERY", 15*time.Minute),
		RegimeSyncEvery:   getEnvDuration("REGIME_SYNC_EVERY", time.Hour),
		RegimeBlocked:     splitAndTrim(getEnv("REGIME_BLOCKED", "")),

		EmailProviderURL:   os.Getenv("EMAIL_PROVIDER_URL"),
		EmailProviderToken: os.Getenv("EMAIL_PROVIDER_TOKEN"),
		EmailFrom:          getEnv("EMAIL_FROM", "noreply@nexusmeme.io"),

		AlertEmail:    os.Getenv("ALERT_EMAIL"),
		AlertCooldown: getEnvDuration("ALERT_COOLDOWN", 15*time.Minute),

		StaleJobAfter:  getEnvDuration("STALE_JOB_AFTER", 10*time.Minute),
		ReaperInterval: getEnvDuration("REAPER_INTERVAL", time.Minute),

		PoliciesPath: getEnv("POLICIES_PATH", "./policies.yaml"),
	}, nil
}

// Live reports whether orders go to a real venue.
func (c *Config) Live() bool {
	return c.TradingMode == "live"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
