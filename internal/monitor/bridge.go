package monitor

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
)

// Bridge keeps the breaker gauges in step with the event bus. Direct
// call sites record their own counters; breaker transitions flow
// through here so the metrics wiring stays out of the breaker package.
type Bridge struct {
	bus     *events.Bus
	metrics *Metrics
	log     *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(bus *events.Bus, metrics *Metrics, log *logrus.Entry) *Bridge {
	return &Bridge{bus: bus, metrics: metrics, log: log}
}

// Start consumes breaker transitions until Stop or ctx cancellation.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	stream, unsub := b.bus.SubscribeMany(64,
		events.EventBreakerOpened, events.EventBreakerHalfOpen, events.EventBreakerClosed)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				b.record(msg)
			}
		}
	}()
}

func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) record(msg events.Message) {
	p, ok := msg.Payload.(events.BreakerPayload)
	if !ok {
		return
	}
	b.metrics.SetBreakerState(p.Name, stateValue(p.State))
	b.metrics.BreakerTransition(p.Name, p.State)
}

// stateValue matches the breaker_state gauge encoding.
func stateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
