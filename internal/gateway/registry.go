// Package gateway hands out venue adapters wrapped with their shared
// resilience guards. One Venue per exchange lives for the whole
// process, so breaker state persists across jobs and requests.
package gateway

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/breaker"
	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/monitor"
	"github.com/grichardomi/nexusmeme-sub003/internal/ratelimit"
	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// Factory builds the raw adapter for a venue name.
type Factory func(venue string) (common.Adapter, error)

// Registry caches one guarded Venue per exchange. Entries are never
// evicted: dropping a venue would discard its breaker state, which is
// exactly what must survive between calls.
type Registry struct {
	factory    Factory
	breakers   *breaker.Manager
	breakerCfg breaker.Config
	limiters   *ratelimit.Registry
	bus        *events.Bus
	metrics    *monitor.Metrics
	log        *logrus.Entry

	mu     sync.RWMutex
	venues map[string]*Venue
}

// NewRegistry wires the venue registry.
func NewRegistry(
	factory Factory,
	breakers *breaker.Manager,
	breakerCfg breaker.Config,
	limiters *ratelimit.Registry,
	bus *events.Bus,
	metrics *monitor.Metrics,
	log *logrus.Entry,
) *Registry {
	return &Registry{
		factory:    factory,
		breakers:   breakers,
		breakerCfg: breakerCfg,
		limiters:   limiters,
		bus:        bus,
		metrics:    metrics,
		log:        log,
		venues:     make(map[string]*Venue),
	}
}

// Get returns the guarded venue, creating adapter, breaker and limiter
// bindings on first use.
func (r *Registry) Get(venue string) (*Venue, error) {
	r.mu.RLock()
	v, ok := r.venues[venue]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.venues[venue]; ok {
		return v, nil
	}

	adapter, err := r.factory(venue)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", venue, err)
	}

	v = &Venue{
		adapter: adapter,
		brk:     r.breakers.GetOrCreate(venue, r.breakerCfg),
		limiter: r.limiters.ForVenue(venue),
		bus:     r.bus,
		metrics: r.metrics,
	}
	r.venues[venue] = v
	r.log.WithField("venue", venue).Info("venue gateway created")
	return v, nil
}

// Names lists the venues created so far.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.venues))
	for name := range r.venues {
		names = append(names, name)
	}
	return names
}
