// Package persistence coalesces streaming candle writes into batched
// upserts, so a busy feed costs one round trip per flush instead of one
// per candle.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// FlushFunc lands one batch. db.Database.UpsertMarketSnapshots
// satisfies it as a method value.
type FlushFunc func(ctx context.Context, snaps []db.MarketSnapshot) error

// Stats counts writer activity.
type Stats struct {
	Writes    uint64    `json:"writes"`
	Batches   uint64    `json:"batches"`
	Errors    uint64    `json:"errors"`
	Dropped   uint64    `json:"dropped"`
	Pending   int       `json:"pending"`
	LastFlush time.Time `json:"last_flush"`
}

// SnapshotWriter buffers market snapshots and flushes when the buffer
// fills or the interval elapses, whichever comes first. Failed batches
// are requeued; because the flush target is an upsert, replays are
// harmless.
type SnapshotWriter struct {
	flush    FlushFunc
	log      *logrus.Entry
	maxSize  int
	interval time.Duration

	mu        sync.Mutex
	buf       []db.MarketSnapshot
	lastFlush time.Time

	writes  atomic.Uint64
	batches atomic.Uint64
	errs    atomic.Uint64
	dropped atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSnapshotWriter starts a writer flushing through fn. maxSize <= 0
// defaults to 50 snapshots, interval <= 0 to 5 seconds.
func NewSnapshotWriter(fn FlushFunc, maxSize int, interval time.Duration, log *logrus.Entry) *SnapshotWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &SnapshotWriter{
		flush:    fn,
		log:      log,
		maxSize:  maxSize,
		interval: interval,
		buf:      make([]db.MarketSnapshot, 0, maxSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Add buffers one snapshot, flushing inline when the buffer is full.
func (w *SnapshotWriter) Add(s db.MarketSnapshot) {
	w.writes.Add(1)
	w.mu.Lock()
	w.buf = append(w.buf, s)
	full := len(w.buf) >= w.maxSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(context.Background()); err != nil {
			w.log.WithError(err).Warn("snapshot flush failed")
		}
	}
}

// Flush writes everything currently buffered. On failure the batch is
// requeued ahead of newer snapshots; the buffer is capped at ten times
// maxSize, and anything beyond that is dropped (the periodic market
// sync backfills dropped candles).
func (w *SnapshotWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buf
	w.buf = make([]db.MarketSnapshot, 0, w.maxSize)
	w.mu.Unlock()

	if err := w.flush(ctx, batch); err != nil {
		w.errs.Add(1)
		w.mu.Lock()
		w.buf = append(batch, w.buf...)
		if limit := w.maxSize * 10; len(w.buf) > limit {
			w.dropped.Add(uint64(len(w.buf) - limit))
			w.buf = w.buf[len(w.buf)-limit:]
		}
		w.mu.Unlock()
		return err
	}

	w.batches.Add(1)
	w.mu.Lock()
	w.lastFlush = time.Now()
	w.mu.Unlock()
	w.log.WithField("snapshots", len(batch)).Debug("snapshot batch flushed")
	return nil
}

func (w *SnapshotWriter) run() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := w.Flush(context.Background()); err != nil {
				w.log.WithError(err).Warn("snapshot flush failed")
			}
		case <-w.done:
			return
		}
	}
}

// Pending returns the number of buffered snapshots.
func (w *SnapshotWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Stats returns a point-in-time activity snapshot.
func (w *SnapshotWriter) Stats() Stats {
	w.mu.Lock()
	pending := len(w.buf)
	last := w.lastFlush
	w.mu.Unlock()
	return Stats{
		Writes:    w.writes.Load(),
		Batches:   w.batches.Load(),
		Errors:    w.errs.Load(),
		Dropped:   w.dropped.Load(),
		Pending:   pending,
		LastFlush: last,
	}
}

// Close stops the background loop and flushes whatever remains.
func (w *SnapshotWriter) Close(ctx context.Context) error {
	close(w.done)
	w.wg.Wait()
	return w.Flush(ctx)
}
