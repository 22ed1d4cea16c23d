package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
)

// NotifyFunc delivers one alert. The default wiring enqueues a
// send_email job with the given template and data.
type NotifyFunc func(ctx context.Context, template string, data map[string]any)

// Alerter turns failure events into notifications: jobs that exhausted
// their budget and breakers opening. A per-key cooldown keeps a flapping
// dependency from flooding the recipient.
type Alerter struct {
	bus      *events.Bus
	notify   NotifyFunc
	cooldown time.Duration
	log      *logrus.Entry

	mu       sync.Mutex
	lastSent map[string]time.Time
	clock    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAlerter wires the alert consumer. cooldown <= 0 defaults to
// 15 minutes.
func NewAlerter(bus *events.Bus, notify NotifyFunc, cooldown time.Duration, log *logrus.Entry) *Alerter {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Alerter{
		bus:      bus,
		notify:   notify,
		cooldown: cooldown,
		log:      log,
		lastSent: make(map[string]time.Time),
		clock:    time.Now,
	}
}

// Start subscribes and consumes until Stop or ctx cancellation.
func (a *Alerter) Start(ctx context.Context) {
	if a.bus == nil || a.notify == nil {
		a.log.Info("alerter not fully configured, alerts disabled")
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)
	stream, unsub := a.bus.SubscribeMany(64, events.EventJobFailed, events.EventBreakerOpened)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				a.handle(ctx, msg)
			}
		}
	}()
}

// Stop ends consumption and waits for the in-flight alert.
func (a *Alerter) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
}

func (a *Alerter) handle(ctx context.Context, msg events.Message) {
	switch msg.Event {
	case events.EventJobFailed:
		p, ok := msg.Payload.(events.JobPayload)
		if !ok {
			return
		}
		if !a.allow("job:" + p.Type) {
			return
		}
		a.notify(ctx, "job_failed", map[string]any{
			"job_id":   p.JobID,
			"job_type": p.Type,
			"error":    p.Error,
			"retries":  p.Retries,
		})

	case events.EventBreakerOpened:
		p, ok := msg.Payload.(events.BreakerPayload)
		if !ok {
			return
		}
		if !a.allow("breaker:" + p.Name) {
			return
		}
		a.notify(ctx, "breaker_opened", map[string]any{
			"name":  p.Name,
			"state": p.State,
		})
	}
}

// allow records one delivery for key unless one went out within the
// cooldown window.
func (a *Alerter) allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	if last, ok := a.lastSent[key]; ok && now.Sub(last) < a.cooldown {
		a.log.WithFields(logrus.Fields{
			"key":      key,
			"last":     last.Format(time.RFC3339),
			"cooldown": a.cooldown,
		}).Debug("alert suppressed by cooldown")
		return false
	}
	a.lastSent[key] = now
	return true
}

// Describe renders a one-line summary for log output alongside the
// notification.
func Describe(template string, data map[string]any) string {
	switch template {
	case "job_failed":
		return fmt.Sprintf("job %v (%v) failed: %v", data["job_id"], data["job_type"], data["error"])
	case "breaker_opened":
		return fmt.Sprintf("circuit breaker %v opened", data["name"])
	default:
		return template
	}
}
