// Package ratelimit implements a Redis-backed token bucket shared by
// every worker instance, so the fleet's combined request rate to a
// venue stays inside that venue's API budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrRateLimited is returned by Acquire when the wait budget is spent
// before tokens become available.
var ErrRateLimited = errors.New("ratelimit: wait budget exhausted")

// tokenBucketScript refills and deducts in one atomic round trip. The
// bucket is a JSON blob {"tokens":n,"refillTime":ms} so external
// tooling can read it directly. Token counts are fractional, and Redis
// truncates Lua numbers to integers on reply, so the script returns
// them as strings.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local refill_time = now
local raw = redis.call('GET', KEYS[1])
if raw then
  local ok, bucket = pcall(cjson.decode, raw)
  if ok and type(bucket) == 'table' then
    tokens = tonumber(bucket.tokens) or capacity
    refill_time = tonumber(bucket.refillTime) or now
  end
end

local elapsed = (now - refill_time) / 1000.0
if elapsed > 0 then
  tokens = tokens + elapsed * rate
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
local result = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
  result = tokens
else
  result = cost - tokens
end

redis.call('SET', KEYS[1], cjson.encode({tokens = tokens, refillTime = now}), 'EX', ttl)
return {allowed, tostring(result)}
`)

// Config tunes one venue's bucket.
type Config struct {
	// Capacity is the bucket size in tokens (burst budget).
	Capacity float64
	// RefillRate is tokens restored per second.
	RefillRate float64
	// MaxWait bounds how long Acquire blocks before ErrRateLimited.
	MaxWait time.Duration
	// FailOpen allows requests through when Redis is unreachable. The
	// venue's own HTTP 429 handling remains the backstop.
	FailOpen bool
	// OnFailOpen, if set, observes every allowed-despite-error decision.
	OnFailOpen func(venue string, err error)
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 50
	}
	if c.RefillRate <= 0 {
		c.RefillRate = 10
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 60 * time.Second
	}
	return c
}

// Limiter is the token bucket for one venue. All instances sharing the
// Redis key share the budget.
type Limiter struct {
	venue string
	key   string
	cfg   Config
	rdb   redis.Scripter
	log   *logrus.Entry

	// now is swapped in tests to fix the refill clock.
	now func() time.Time
}

// New creates a limiter for venue. A nil rdb means no Redis was
// configured; every decision then follows the FailOpen setting.
func New(venue string, cfg Config, rdb redis.Scripter, log *logrus.Entry) *Limiter {
	return &Limiter{
		venue: venue,
		key:   "ratelimit:" + venue,
		cfg:   cfg.withDefaults(),
		rdb:   rdb,
		log:   log,
		now:   time.Now,
	}
}

// Venue returns the limiter's venue name.
func (l *Limiter) Venue() string { return l.venue }

// Capacity returns the configured bucket size.
func (l *Limiter) Capacity() float64 { return l.cfg.Capacity }

// TryAcquire attempts to deduct cost tokens without blocking. When the
// bucket is short it reports false and how many tokens are missing.
func (l *Limiter) TryAcquire(ctx context.Context, cost float64) (bool, float64, error) {
	ok, n, err := l.run(ctx, cost)
	if err != nil {
		if l.failOpen(err) {
			return true, 0, nil
		}
		return false, 0, fmt.Errorf("ratelimit %s: %w", l.venue, err)
	}
	return ok, n, nil
}

// Acquire blocks until cost tokens are available, polling the bucket
// with short sleeps sized to the shortfall. It gives up with
// ErrRateLimited once MaxWait has elapsed.
func (l *Limiter) Acquire(ctx context.Context, cost float64) error {
	deadline := l.now().Add(l.cfg.MaxWait)

	for {
		ok, n, err := l.run(ctx, cost)
		if err != nil {
			if l.failOpen(err) {
				return nil
			}
			return fmt.Errorf("ratelimit %s: %w", l.venue, err)
		}
		if ok {
			return nil
		}

		if !l.now().Before(deadline) {
			return fmt.Errorf("%w: venue %s, %.1f tokens short after %s",
				ErrRateLimited, l.venue, n, l.cfg.MaxWait)
		}

		// n is the shortfall; waiting n/rate would exactly cover it, but
		// competing workers may drain the refill first, so poll instead
		// of sleeping the full span.
		wait := time.Duration(n / l.cfg.RefillRate * float64(time.Second))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the current bucket level after refill, without
// deducting anything.
func (l *Limiter) Tokens(ctx context.Context) (float64, error) {
	_, n, err := l.run(ctx, 0)
	return n, err
}

// run executes the bucket script once. Returns (allowed, tokens
// remaining) on success or (false, shortfall) on denial.
func (l *Limiter) run(ctx context.Context, cost float64) (bool, float64, error) {
	if l.rdb == nil {
		return false, 0, errors.New("redis not configured")
	}

	// Expire idle buckets after they would have fully refilled anyway.
	ttl := int64(l.cfg.Capacity/l.cfg.RefillRate)*2 + 60

	res, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{l.key},
		l.cfg.Capacity,
		l.cfg.RefillRate,
		l.now().UnixMilli(),
		cost,
		ttl,
	).Result()
	if err != nil {
		return false, 0, err
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply %T", res)
	}
	allowed, ok := reply[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag %T", reply[0])
	}
	raw, ok := reply[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token count %T", reply[1])
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse token count %q: %w", raw, err)
	}
	return allowed == 1, n, nil
}

// failOpen decides what a Redis failure means for the caller and logs
// the degradation either way.
func (l *Limiter) failOpen(err error) bool {
	if !l.cfg.FailOpen {
		return false
	}
	if l.log != nil {
		l.log.WithError(err).WithField("venue", l.venue).
			Warn("rate limiter degraded, allowing request")
	}
	if l.cfg.OnFailOpen != nil {
		l.cfg.OnFailOpen(l.venue, err)
	}
	return true
}
