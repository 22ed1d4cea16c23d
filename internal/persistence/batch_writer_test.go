package persistence

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

type captureFlush struct {
	mu      sync.Mutex
	batches [][]db.MarketSnapshot
	err     error
}

func (c *captureFlush) fn(_ context.Context, snaps []db.MarketSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	batch := make([]db.MarketSnapshot, len(snaps))
	copy(batch, snaps)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureFlush) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureFlush) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func snap(pair string, i int) db.MarketSnapshot {
	return db.MarketSnapshot{
		Pair: pair, Interval: "1h", Close: 100 + float64(i),
		CloseTime: time.Unix(int64(i)*3600, 0),
	}
}

func TestWriterFlushesWhenFull(t *testing.T) {
	sink := &captureFlush{}
	w := NewSnapshotWriter(sink.fn, 3, time.Hour, testLogger())
	defer w.Close(context.Background())

	for i := 0; i < 3; i++ {
		w.Add(snap("BTCUSDT", i))
	}
	if sink.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1 size-triggered flush", sink.batchCount())
	}
	if got := sink.batches[0]; len(got) != 3 || got[0].Close != 100 {
		t.Fatalf("flushed batch = %+v", got)
	}
	if w.Pending() != 0 {
		t.Fatalf("pending = %d after flush", w.Pending())
	}
}

func TestWriterFlushesOnInterval(t *testing.T) {
	sink := &captureFlush{}
	w := NewSnapshotWriter(sink.fn, 100, 10*time.Millisecond, testLogger())
	defer w.Close(context.Background())

	w.Add(snap("ETHUSDT", 1))

	deadline := time.Now().Add(2 * time.Second)
	for sink.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.batchCount() == 0 {
		t.Fatal("interval flush never fired")
	}
}

func TestWriterRequeuesFailedBatch(t *testing.T) {
	sink := &captureFlush{err: errors.New("db down")}
	w := NewSnapshotWriter(sink.fn, 10, time.Hour, testLogger())
	defer w.Close(context.Background())

	w.Add(snap("BTCUSDT", 1))
	w.Add(snap("BTCUSDT", 2))
	if err := w.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if w.Pending() != 2 {
		t.Fatalf("pending = %d, failed batch must be requeued", w.Pending())
	}

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if sink.total() != 2 {
		t.Fatalf("snapshots landed = %d, want 2", sink.total())
	}

	stats := w.Stats()
	if stats.Writes != 2 || stats.Errors != 1 || stats.Batches != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestWriterCloseFlushesRemainder(t *testing.T) {
	sink := &captureFlush{}
	w := NewSnapshotWriter(sink.fn, 100, time.Hour, testLogger())

	w.Add(snap("BTCUSDT", 7))
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.total() != 1 {
		t.Fatalf("snapshots landed = %d, want the final flush", sink.total())
	}
}
