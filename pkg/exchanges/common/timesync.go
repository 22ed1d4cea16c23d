package common

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// resyncEvery is how often the signing clock re-samples the venue.
// Venues reject signed requests whose timestamp falls outside their
// recv window, so the offset only needs to track slow host drift.
const resyncEvery = 30 * time.Minute

// TimeSync tracks the millisecond offset between the local clock and a
// venue's server clock. Signed requests stamp with Now so a skewed host
// still lands inside the venue's recv window.
type TimeSync struct {
	fetch func(context.Context) (int64, error)
	log   *logrus.Entry

	offsetMs atomic.Int64
}

// NewTimeSync wraps a server-time fetcher. The offset is zero until the
// first successful Sync.
func NewTimeSync(fetch func(context.Context) (int64, error), log *logrus.Entry) *TimeSync {
	return &TimeSync{fetch: fetch, log: log}
}

// Start samples once synchronously so the first signed request is
// already aligned, then re-samples in the background until ctx ends.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.WithError(err).Warn("initial clock sync failed, signing with local time")
	}

	go func() {
		tick := time.NewTicker(resyncEvery)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.WithError(err).Warn("clock resync failed, keeping previous offset")
				}
			}
		}
	}()
}

// Sync takes one sample of the venue clock. Half the round trip stands
// in for the one-way latency, so the server time is compared against
// the midpoint of the request.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.fetch(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	mid := before + (after-before)/2
	ts.offsetMs.Store(server - mid)

	ts.log.WithFields(logrus.Fields{
		"offset_ms": server - mid,
		"rtt_ms":    after - before,
	}).Debug("venue clock synced")
	return nil
}

// Now returns the current time in venue milliseconds.
func (ts *TimeSync) Now() int64 {
	return time.Now().UnixMilli() + ts.offsetMs.Load()
}

// Offset reports the last measured offset in milliseconds. Zero means
// either perfectly aligned or never synced.
func (ts *TimeSync) Offset() int64 {
	return ts.offsetMs.Load()
}
