package common

import (
	"strconv"
	"sync"
	"time"
)

// WeightTracker mirrors the request-weight budget a venue enforces, fed
// from response headers so the client can throttle before getting banned.
type WeightTracker struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewWeightTracker creates a tracker for a venue budget, e.g. 1200/min.
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight reported by the venue.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		w.usedWeight = 0
		w.lastReset = time.Now()
	}
	w.usedWeight = weight
}

// Usage returns the current window's consumption.
func (w *WeightTracker) Usage() (used, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}

// NearLimit reports whether the next request risks tripping the venue ban.
func (w *WeightTracker) NearLimit() bool {
	_, _, pct := w.Usage()
	return pct >= 90
}
