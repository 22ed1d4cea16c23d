package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Schedule describes one recurring job.
type Schedule struct {
	Type    string
	Every   time.Duration
	Payload any
	Options []Option
}

// Scheduler enqueues recurring jobs on fixed intervals. Every enqueue
// carries a window-scoped dedupe key, so several instances running the
// same schedule still produce one job per window.
type Scheduler struct {
	mgr *Manager
	log *logrus.Entry

	entries []Schedule
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates an empty scheduler bound to mgr.
func NewScheduler(mgr *Manager, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		mgr:  mgr,
		log:  log,
		stop: make(chan struct{}),
	}
}

// Add registers a schedule. Call before Start.
func (s *Scheduler) Add(sch Schedule) {
	s.entries = append(s.entries, sch)
}

// Start launches one loop per schedule, each firing immediately and
// then on its interval.
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true

	for _, sch := range s.entries {
		s.wg.Add(1)
		go s.run(sch)
	}
	s.log.WithField("schedules", len(s.entries)).Info("job scheduler started")
}

// Stop halts all schedule loops. In-flight enqueues finish.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.log.Info("job scheduler stopped")
}

func (s *Scheduler) run(sch Schedule) {
	defer s.wg.Done()

	ticker := time.NewTicker(sch.Every)
	defer ticker.Stop()

	s.fire(sch)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.fire(sch)
		}
	}
}

func (s *Scheduler) fire(sch Schedule) {
	// Window-scoped key: instances firing inside the same interval
	// window collapse into one job.
	window := time.Now().Truncate(sch.Every).Unix()
	key := fmt.Sprintf("%s:%d", sch.Type, window)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	opts := append([]Option{WithDedupeKey(key)}, sch.Options...)
	if _, err := s.mgr.Enqueue(ctx, sch.Type, sch.Payload, opts...); err != nil {
		s.log.WithError(err).WithField("job_type", sch.Type).Error("scheduled enqueue failed")
	}
}
