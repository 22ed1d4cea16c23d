package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/pkg/config"
)

// Registry hands out one limiter per venue. Venues listed in
// policies.yaml get their own budgets; everything else shares the
// environment defaults.
type Registry struct {
	rdb      redis.Scripter
	log      *logrus.Entry
	defaults Config
	policies *config.Policies

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry builds a registry from the environment defaults and the
// optional per-venue policy overrides.
func NewRegistry(rdb redis.Scripter, cfg *config.Config, policies *config.Policies, log *logrus.Entry) *Registry {
	defaults := Config{
		Capacity:   cfg.RateLimitMaxTokens,
		RefillRate: cfg.RateLimitRefillPerSec,
		MaxWait:    cfg.RateLimitAcquireLimit,
		FailOpen:   cfg.RateLimitFailOpen,
	}
	if policies == nil {
		policies = &config.Policies{}
	}
	return &Registry{
		rdb:      rdb,
		log:      log,
		defaults: defaults,
		policies: policies,
		limiters: make(map[string]*Limiter),
	}
}

// SetFailOpenHook installs the observer applied to every limiter the
// registry creates afterwards. Call before the first ForVenue.
func (r *Registry) SetFailOpenHook(hook func(venue string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults.OnFailOpen = hook
}

// ForVenue returns the limiter for a venue, creating it on first use.
func (r *Registry) ForVenue(venue string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[venue]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[venue]; ok {
		return l
	}

	cfg := r.defaults
	if vp, ok := r.policies.Venue(venue); ok {
		if vp.MaxTokens > 0 {
			cfg.Capacity = vp.MaxTokens
		}
		if vp.RefillPerSec > 0 {
			cfg.RefillRate = vp.RefillPerSec
		}
	}

	l = New(venue, cfg, r.rdb, r.log)
	r.limiters[venue] = l
	return l
}

// VenueTokens is one venue's bucket level for the limits endpoint.
type VenueTokens struct {
	Venue    string  `json:"venue"`
	Tokens   float64 `json:"tokens"`
	Capacity float64 `json:"capacity"`
	Error    string  `json:"error,omitempty"`
}

// Snapshot reads every known bucket. Redis errors are reported per
// venue rather than failing the whole snapshot.
func (r *Registry) Snapshot(ctx context.Context) []VenueTokens {
	r.mu.RLock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.RUnlock()
	sort.Slice(limiters, func(i, j int) bool { return limiters[i].Venue() < limiters[j].Venue() })

	out := make([]VenueTokens, 0, len(limiters))
	for _, l := range limiters {
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		tokens, err := l.Tokens(readCtx)
		cancel()

		vt := VenueTokens{Venue: l.Venue(), Tokens: tokens, Capacity: l.Capacity()}
		if err != nil {
			vt.Error = err.Error()
		}
		out = append(out, vt)
	}
	return out
}
