// Package breaker implements per-service circuit breaking for venue
// calls. A breaker fails fast while its dependency is down and probes
// recovery after a cooldown instead of hammering it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Execute while the circuit is open. The guarded
// operation is never invoked in that state.
var ErrOpen = errors.New("breaker: circuit open")

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit from closed.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes the
	// circuit from half-open.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange, if set, observes every transition. Called outside
	// the breaker lock.
	OnStateChange func(name string, from, to State, reason string)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Stats is an observability snapshot of one breaker.
type Stats struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	Failures         int        `json:"failures"`
	Successes        int        `json:"successes"`
	LastFailure      *time.Time `json:"last_failure,omitempty"`
	LastTransition   time.Time  `json:"last_transition"`
	TransitionReason string     `json:"transition_reason,omitempty"`
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine guarding one named
// dependency. Safe for concurrent use; state lives in-process, so each
// worker instance tracks its own view of the dependency's health.
type Breaker struct {
	name string
	cfg  Config
	log  *logrus.Entry

	mu         sync.Mutex
	state      State
	failures   int
	successes  int
	lastFail   time.Time
	lastChange time.Time
	reason     string

	// generation invalidates the open->half-open timer when the breaker
	// is reset or reopened before the timer fires.
	generation uint64
	timer      *time.Timer
}

// New creates a breaker in the closed state.
func New(name string, cfg Config, log *logrus.Entry) *Breaker {
	return &Breaker{
		name:       name,
		cfg:        cfg.withDefaults(),
		log:        log,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Name returns the breaker's identity.
func (b *Breaker) Name() string { return b.name }

// Execute runs op under the breaker. While open it fails fast with
// ErrOpen and never invokes op. A context cancellation inside op counts
// as a failure: the call did not succeed.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		since := time.Since(b.lastChange)
		b.mu.Unlock()
		return fmt.Errorf("%w: %s unavailable for %s", ErrOpen, b.name, since.Round(time.Millisecond))
	}
	b.mu.Unlock()

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	notify := func() {}

	// A success in any state clears the consecutive-failure run.
	b.failures = 0

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			notify = b.transitionLocked(StateClosed, "recovered after timeout")
		}
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	notify := func() {}

	b.failures++
	b.lastFail = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			notify = b.openLocked(fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case StateHalfOpen:
		// No partial credit: one failed probe reopens immediately.
		notify = b.openLocked("probe failed")
	}
	b.mu.Unlock()
	notify()
}

// openLocked moves to open and schedules the half-open probe window.
func (b *Breaker) openLocked(reason string) func() {
	notify := b.transitionLocked(StateOpen, reason)

	gen := b.generation
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.Timeout, func() {
		b.halfOpen(gen)
	})
	return notify
}

// halfOpen fires from the open timer; a stale generation means the
// breaker was reset or reopened in the meantime.
func (b *Breaker) halfOpen(gen uint64) {
	b.mu.Lock()
	if b.generation != gen || b.state != StateOpen {
		b.mu.Unlock()
		return
	}
	b.failures = 0
	b.successes = 0
	notify := b.transitionLocked(StateHalfOpen, "timeout elapsed, probing")
	b.mu.Unlock()
	notify()
}

// transitionLocked updates state and returns the notification to run
// after the lock is released.
func (b *Breaker) transitionLocked(to State, reason string) func() {
	from := b.state
	b.state = to
	b.reason = reason
	b.lastChange = time.Now()
	b.generation++
	if to == StateClosed {
		b.failures = 0
		b.successes = 0
	}

	name, cfg, log := b.name, b.cfg, b.log
	return func() {
		if log != nil {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
				"reason":  reason,
			}).Warn("circuit breaker state change")
		}
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, from, to, reason)
		}
	}
}

// Reset forces the breaker closed and clears counters and timers. Meant
// for operational recovery via the API, not for automatic logic.
func (b *Breaker) Reset() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	notify := func() {}
	if b.state != StateClosed {
		notify = b.transitionLocked(StateClosed, "manual reset")
	} else {
		b.failures = 0
		b.successes = 0
		b.generation++
	}
	b.mu.Unlock()
	notify()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns an observability snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:             b.name,
		State:            b.state.String(),
		Failures:         b.failures,
		Successes:        b.successes,
		LastTransition:   b.lastChange,
		TransitionReason: b.reason,
	}
	if !b.lastFail.IsZero() {
		t := b.lastFail
		s.LastFailure = &t
	}
	return s
}
