package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grichardomi/nexusmeme-sub003/pkg/config"
)

// fakeBucketStore mirrors the Lua script's semantics in memory so the
// limiter logic can be exercised without a Redis server. One instance
// shared between limiters models the shared distributed budget.
type fakeBucketStore struct {
	mu      sync.Mutex
	buckets map[string]fakeBucket
	failure error
}

type fakeBucket struct {
	tokens     float64
	refillTime int64
}

func newFakeBucketStore() *fakeBucketStore {
	return &fakeBucketStore{buckets: make(map[string]fakeBucket)}
}

func argFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

func (f *fakeBucketStore) eval(keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failure != nil {
		return redis.NewCmdResult(nil, f.failure)
	}

	capacity := argFloat(args[0])
	rate := argFloat(args[1])
	now := int64(argFloat(args[2]))
	cost := argFloat(args[3])

	b, ok := f.buckets[keys[0]]
	if !ok {
		b = fakeBucket{tokens: capacity, refillTime: now}
	}

	if elapsed := float64(now-b.refillTime) / 1000.0; elapsed > 0 {
		b.tokens += elapsed * rate
	}
	if b.tokens > capacity {
		b.tokens = capacity
	}

	allowed := int64(0)
	result := cost - b.tokens
	if b.tokens >= cost {
		b.tokens -= cost
		allowed = 1
		result = b.tokens
	}
	b.refillTime = now
	f.buckets[keys[0]] = b

	return redis.NewCmdResult(
		[]interface{}{allowed, strconv.FormatFloat(result, 'f', -1, 64)}, nil)
}

func (f *fakeBucketStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeBucketStore) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeBucketStore) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeBucketStore) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeBucketStore) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeBucketStore) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestTryAcquireDeductsAndDenies(t *testing.T) {
	store := newFakeBucketStore()
	l := New("binance", Config{Capacity: 10, RefillRate: 1}, store, nil)

	// Freeze the clock so no refill interferes.
	frozen := time.Now()
	l.now = func() time.Time { return frozen }

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ok, remaining, err := l.TryAcquire(ctx, 1)
		if err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("acquire %d denied, expected allowed", i+1)
		}
		if want := float64(9 - i); remaining != want {
			t.Fatalf("acquire %d remaining=%v, expected %v", i+1, remaining, want)
		}
	}

	ok, shortfall, err := l.TryAcquire(ctx, 1)
	if err != nil {
		t.Fatalf("drained acquire: %v", err)
	}
	if ok {
		t.Fatal("acquire allowed on empty bucket")
	}
	if shortfall != 1 {
		t.Fatalf("shortfall=%v, expected 1", shortfall)
	}
}

func TestRefillOverElapsedTime(t *testing.T) {
	store := newFakeBucketStore()
	l := New("binance", Config{Capacity: 10, RefillRate: 5}, store, nil)

	clock := time.Now()
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	if ok, _, _ := l.TryAcquire(ctx, 10); !ok {
		t.Fatal("initial full-bucket acquire denied")
	}
	if ok, _, _ := l.TryAcquire(ctx, 1); ok {
		t.Fatal("empty bucket allowed acquire")
	}

	// 2s at 5 tokens/s restores 10, capped at capacity.
	clock = clock.Add(2 * time.Second)
	tokens, err := l.Tokens(ctx)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if tokens != 10 {
		t.Fatalf("tokens after refill=%v, expected 10", tokens)
	}

	// Far future still caps at capacity.
	clock = clock.Add(time.Hour)
	tokens, _ = l.Tokens(ctx)
	if tokens != 10 {
		t.Fatalf("tokens after long idle=%v, expected capacity 10", tokens)
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	store := newFakeBucketStore()
	l := New("binance", Config{Capacity: 1, RefillRate: 50, MaxWait: 2 * time.Second}, store, nil)

	ctx := context.Background()
	if ok, _, _ := l.TryAcquire(ctx, 1); !ok {
		t.Fatal("initial acquire denied")
	}

	start := time.Now()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 10*time.Millisecond {
		t.Fatalf("acquire returned in %v, expected to wait for refill", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("acquire took %v, expected under 500ms at 50 tokens/s", elapsed)
	}
}

func TestAcquireGivesUpAfterMaxWait(t *testing.T) {
	store := newFakeBucketStore()
	l := New("binance", Config{Capacity: 1, RefillRate: 0.001, MaxWait: 150 * time.Millisecond}, store, nil)

	ctx := context.Background()
	if ok, _, _ := l.TryAcquire(ctx, 1); !ok {
		t.Fatal("initial acquire denied")
	}

	start := time.Now()
	err := l.Acquire(ctx, 1)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v, expected ErrRateLimited", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("gave up after %v, expected close to the 150ms budget", elapsed)
	}
}

func TestAcquireContextCancel(t *testing.T) {
	store := newFakeBucketStore()
	l := New("binance", Config{Capacity: 1, RefillRate: 0.001, MaxWait: time.Minute}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	l.TryAcquire(ctx, 1)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	if err := l.Acquire(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, expected context.Canceled", err)
	}
}

func TestFailOpenOnStoreErrors(t *testing.T) {
	store := newFakeBucketStore()
	store.failure = errors.New("connection refused")

	var hookVenue string
	cfg := Config{
		Capacity:   10,
		RefillRate: 1,
		FailOpen:   true,
		OnFailOpen: func(venue string, err error) { hookVenue = venue },
	}
	l := New("binance", cfg, store, nil)

	ctx := context.Background()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("fail-open acquire: %v", err)
	}
	ok, _, err := l.TryAcquire(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("fail-open TryAcquire ok=%v err=%v, expected allowed", ok, err)
	}
	if hookVenue != "binance" {
		t.Fatalf("hook venue=%q, expected binance", hookVenue)
	}
}

func TestFailClosedOnStoreErrors(t *testing.T) {
	store := newFakeBucketStore()
	store.failure = errors.New("connection refused")

	l := New("binance", Config{Capacity: 10, RefillRate: 1, FailOpen: false}, store, nil)

	if err := l.Acquire(context.Background(), 1); err == nil {
		t.Fatal("expected error with FailOpen disabled")
	}
	ok, _, err := l.TryAcquire(context.Background(), 1)
	if ok || err == nil {
		t.Fatalf("TryAcquire ok=%v err=%v, expected denial with error", ok, err)
	}
}

// Two limiter instances over the same store model two worker processes
// sharing one venue budget: exactly capacity acquisitions may win.
func TestSharedBudgetAcrossInstances(t *testing.T) {
	store := newFakeBucketStore()
	frozen := time.Now()

	a := New("binance", Config{Capacity: 20, RefillRate: 0.001}, store, nil)
	b := New("binance", Config{Capacity: 20, RefillRate: 0.001}, store, nil)
	a.now = func() time.Time { return frozen }
	b.now = func() time.Time { return frozen }

	var wg sync.WaitGroup
	var allowed int64
	var mu sync.Mutex

	for i := 0; i < 30; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func(l *Limiter) {
			defer wg.Done()
			ok, _, err := l.TryAcquire(context.Background(), 1)
			if err != nil {
				t.Errorf("TryAcquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	if allowed != 20 {
		t.Fatalf("allowed=%d of 30, expected exactly the 20-token budget", allowed)
	}
}

func TestRegistryAppliesVenuePolicies(t *testing.T) {
	store := newFakeBucketStore()
	cfg := &config.Config{
		RateLimitMaxTokens:    50,
		RateLimitRefillPerSec: 10,
		RateLimitAcquireLimit: time.Minute,
		RateLimitFailOpen:     true,
	}
	policies := &config.Policies{
		Venues: []config.VenuePolicy{
			{Name: "binance", MaxTokens: 100, RefillPerSec: 20},
		},
	}

	r := NewRegistry(store, cfg, policies, nil)

	binance := r.ForVenue("binance")
	if binance.Capacity() != 100 {
		t.Fatalf("binance capacity=%v, expected policy override 100", binance.Capacity())
	}
	other := r.ForVenue("kraken")
	if other.Capacity() != 50 {
		t.Fatalf("kraken capacity=%v, expected default 50", other.Capacity())
	}

	if again := r.ForVenue("binance"); again != binance {
		t.Fatal("ForVenue returned a new limiter for a known venue")
	}

	snap := r.Snapshot(context.Background())
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d venues, expected 2", len(snap))
	}
	if snap[0].Venue != "binance" || snap[1].Venue != "kraken" {
		t.Fatalf("snapshot order=%v, expected binance then kraken", []string{snap[0].Venue, snap[1].Venue})
	}
}
