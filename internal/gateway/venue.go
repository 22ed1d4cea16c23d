package gateway

import (
	"context"
	"time"

	"github.com/grichardomi/nexusmeme-sub003/internal/breaker"
	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/monitor"
	"github.com/grichardomi/nexusmeme-sub003/internal/ratelimit"
	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// orderCost is the token price of one authenticated venue call. The
// per-venue budget lives in the limiter config, so a flat cost keeps
// the bucket math in one place.
const orderCost = 1

// waitReportThreshold is how long an acquire must block before the
// wait is published as an event; short waits only hit metrics.
const waitReportThreshold = 100 * time.Millisecond

// Venue is one exchange adapter wrapped with that venue's shared rate
// limit and circuit breaker. All authenticated traffic to the venue
// goes through here so the guards see every call.
type Venue struct {
	adapter common.Adapter
	brk     *breaker.Breaker
	limiter *ratelimit.Limiter
	bus     *events.Bus
	metrics *monitor.Metrics
}

// Name returns the venue name.
func (v *Venue) Name() string { return v.adapter.Name() }

// Ping checks venue reachability. Unauthenticated and unguarded; used
// by health checks, which must keep working while the breaker is open.
func (v *Venue) Ping(ctx context.Context) error {
	return v.adapter.Ping(ctx)
}

// PlaceOrder submits an order through the limiter and breaker. The
// breaker's rejection and the adapter's errors both surface unchanged,
// so callers' retry classification sees the original failure.
func (v *Venue) PlaceOrder(ctx context.Context, creds common.Credentials, req common.OrderRequest) (common.OrderResult, error) {
	if err := v.acquire(ctx, orderCost); err != nil {
		return common.OrderResult{}, err
	}

	var res common.OrderResult
	err := v.brk.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = v.adapter.PlaceOrder(ctx, creds, req)
		return callErr
	})
	return res, err
}

// ValidateCredentials probes the account with the given keys through
// the same guards as trading traffic.
func (v *Venue) ValidateCredentials(ctx context.Context, creds common.Credentials) error {
	if err := v.acquire(ctx, orderCost); err != nil {
		return err
	}
	return v.brk.Execute(ctx, func(ctx context.Context) error {
		return v.adapter.ValidateCredentials(ctx, creds)
	})
}

func (v *Venue) acquire(ctx context.Context, cost float64) error {
	start := time.Now()
	if err := v.limiter.Acquire(ctx, cost); err != nil {
		return err
	}

	waited := time.Since(start)
	v.metrics.LimiterWait(v.Name(), waited)
	if waited >= waitReportThreshold {
		v.bus.Publish(events.EventLimitWaited, events.LimitPayload{
			Venue: v.Name(), Tokens: cost, Waited: waited,
		})
	}
	return nil
}
