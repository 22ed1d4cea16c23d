package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	}
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

// Walks the full state machine: closed -> open on the third consecutive
// failure, half-open after the timeout, closed again after two probe
// successes.
func TestBreakerLifecycle(t *testing.T) {
	b := New("binance", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: err=%v, expected errBoom", i+1, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 3 failures=%v, expected open", got)
	}

	// Open circuit rejects without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err=%v, expected ErrOpen", err)
	}
	if invoked {
		t.Fatal("operation invoked while circuit open")
	}

	// After the timeout the breaker probes.
	time.Sleep(150 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after timeout=%v, expected half_open", got)
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after 1 probe success=%v, expected half_open", got)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 probe successes=%v, expected closed", got)
	}

	stats := b.Stats()
	if stats.Failures != 0 || stats.Successes != 0 {
		t.Fatalf("counters after close: failures=%d successes=%d, expected 0/0", stats.Failures, stats.Successes)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("binance", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, fail)
	}
	time.Sleep(150 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state=%v, expected half_open", got)
	}

	// A single failed probe trips the circuit again immediately.
	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe err=%v, expected errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe=%v, expected open", got)
	}

	// And the reopened circuit probes again after another timeout.
	time.Sleep(150 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after second timeout=%v, expected half_open", got)
	}
}

// A success anywhere in a failure run resets the consecutive count, so
// intermittent errors never open the circuit.
func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("binance", testConfig(), nil)
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, succeed)
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)

	if got := b.State(); got != StateClosed {
		t.Fatalf("state=%v, expected closed", got)
	}

	b.Execute(ctx, fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after third consecutive failure=%v, expected open", got)
	}
}

func TestBreakerManualReset(t *testing.T) {
	b := New("binance", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, fail)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state=%v, expected open", got)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after reset=%v, expected closed", got)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("execute after reset: %v", err)
	}

	// The stale open timer must not fire a transition later.
	time.Sleep(150 * time.Millisecond)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after stale timer window=%v, expected closed", got)
	}
}

func TestBreakerStateChangeNotifications(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State, reason string) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	}

	b := New("binance", cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, fail)
	}
	time.Sleep(150 * time.Millisecond)
	b.Execute(ctx, succeed)
	b.Execute(ctx, succeed)

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions=%v, expected %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d=%q, expected %q", i, transitions[i], want[i])
		}
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(nil)

	a := m.GetOrCreate("binance", testConfig())
	b := m.GetOrCreate("binance", Config{FailureThreshold: 99})
	if a != b {
		t.Fatal("GetOrCreate returned distinct breakers for the same name")
	}
	// First registration wins; later configs are ignored.
	if a.cfg.FailureThreshold != 3 {
		t.Fatalf("FailureThreshold=%d, expected 3", a.cfg.FailureThreshold)
	}

	if got := m.Get("nope"); got != nil {
		t.Fatalf("Get(nope)=%v, expected nil", got)
	}

	m.GetOrCreate("kraken", testConfig())
	names := m.Names()
	if len(names) != 2 || names[0] != "binance" || names[1] != "kraken" {
		t.Fatalf("Names=%v, expected [binance kraken]", names)
	}
}

func TestManagerGetOrCreateConcurrent(t *testing.T) {
	m := NewManager(nil)

	var wg sync.WaitGroup
	results := make([]*Breaker, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("binance", testConfig())
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetOrCreate produced distinct breakers")
		}
	}
}

func TestManagerResetAll(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	b1 := m.GetOrCreate("binance", testConfig())
	b2 := m.GetOrCreate("kraken", testConfig())
	for i := 0; i < 3; i++ {
		b1.Execute(ctx, fail)
		b2.Execute(ctx, fail)
	}

	m.ResetAll()
	stats := m.AllStats()
	for name, s := range stats {
		if s.State != "closed" {
			t.Fatalf("%s state=%s after ResetAll, expected closed", name, s.State)
		}
	}
}
