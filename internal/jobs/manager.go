package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/monitor"
	"github.com/grichardomi/nexusmeme-sub003/internal/retry"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// storeTimeout bounds the bookkeeping queries around a job (claim,
// complete, reschedule); handler work has its own JobTimeout.
const storeTimeout = 10 * time.Second

// TypePolicy sets enqueue defaults and the retry backoff for one job
// type. Entries in Config.TypePolicies are complete; main resolves
// them from the global defaults plus policies.yaml before handing
// them over.
type TypePolicy struct {
	Priority   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Config tunes the manager.
type Config struct {
	// NodeID identifies this instance in job_queue.claimed_by.
	NodeID string

	PollInterval  time.Duration
	BatchSize     int
	Workers       int
	JobTimeout    time.Duration
	ShutdownGrace time.Duration

	// Stale-claim recovery: jobs processing longer than StaleAfter are
	// returned to pending every ReaperEvery tick.
	StaleAfter  time.Duration
	ReaperEvery time.Duration

	Defaults     TypePolicy
	TypePolicies map[string]TypePolicy
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = "node-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ReaperEvery <= 0 {
		c.ReaperEvery = time.Minute
	}
	if c.Defaults.Priority == 0 {
		c.Defaults.Priority = 5
	}
	if c.Defaults.MaxRetries == 0 {
		c.Defaults.MaxRetries = 3
	}
	if c.Defaults.BaseDelay <= 0 {
		c.Defaults.BaseDelay = time.Second
	}
	if c.Defaults.MaxDelay <= 0 {
		c.Defaults.MaxDelay = 30 * time.Second
	}
	return c
}

// Manager owns the job queue: producers enqueue through it, and its
// poll loop claims due work and feeds a fixed worker pool. Constructed
// once in main and injected wherever jobs are produced.
type Manager struct {
	cfg     Config
	store   Store
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *logrus.Entry

	handlers map[string]HandlerFunc

	// polling is the single-flight guard: a tick is skipped while the
	// previous round still runs.
	polling  atomic.Bool
	inflight atomic.Int64
	started  atomic.Bool

	// dispatch is unbuffered: the poll loop blocks handing a claimed
	// job over until a worker is free, which is the backpressure that
	// caps concurrent handlers at Workers.
	dispatch chan *db.Job
	stop     chan struct{}
	wg       sync.WaitGroup

	clock func() time.Time
}

// NewManager wires the queue manager. Register handlers before calling
// StartProcessing.
func NewManager(store Store, bus *events.Bus, metrics *monitor.Metrics, log *logrus.Entry, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		bus:      bus,
		metrics:  metrics,
		log:      log,
		handlers: make(map[string]HandlerFunc),
		dispatch: make(chan *db.Job),
		stop:     make(chan struct{}),
		clock:    time.Now,
	}
}

// Register binds a handler to a job type. Not safe to call after
// StartProcessing.
func (m *Manager) Register(jobType string, h HandlerFunc) {
	m.handlers[jobType] = h
}

// Handles reports whether a handler is registered for jobType. The
// enqueue endpoint rejects unknown types up front instead of letting
// them rot in the queue.
func (m *Manager) Handles(jobType string) bool {
	_, ok := m.handlers[jobType]
	return ok
}

// Option adjusts a single enqueue.
type Option func(*enqueueOpts)

type enqueueOpts struct {
	priority   *int
	maxRetries *int
	runAfter   time.Time
	dedupeKey  string
}

// WithPriority overrides the type's default priority (higher runs first).
func WithPriority(p int) Option {
	return func(o *enqueueOpts) { o.priority = &p }
}

// WithMaxRetries overrides the type's default retry budget.
func WithMaxRetries(n int) Option {
	return func(o *enqueueOpts) { o.maxRetries = &n }
}

// WithRunAfter keeps the job out of poll batches until t.
func WithRunAfter(t time.Time) Option {
	return func(o *enqueueOpts) { o.runAfter = t }
}

// WithDelay keeps the job out of poll batches for d from now.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOpts) {
		if d > 0 {
			o.runAfter = time.Now().Add(d)
		}
	}
}

// WithDedupeKey collapses the enqueue into an existing pending or
// running job carrying the same key, if one exists.
func WithDedupeKey(key string) Option {
	return func(o *enqueueOpts) { o.dedupeKey = key }
}

// Enqueue persists a new job and returns its ID. The payload is
// marshalled to JSON unless it already is raw JSON.
func (m *Manager) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("enqueue: empty job type")
	}

	var o enqueueOpts
	for _, opt := range opts {
		opt(&o)
	}

	if o.dedupeKey != "" {
		existing, err := m.store.FindActiveJobByDedupeKey(ctx, o.dedupeKey)
		if err != nil {
			return "", fmt.Errorf("dedupe lookup: %w", err)
		}
		if existing != "" {
			m.log.WithFields(logrus.Fields{
				"job_type": jobType,
				"job_id":   existing,
				"key":      o.dedupeKey,
			}).Debug("enqueue collapsed into existing job")
			return existing, nil
		}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	policy := m.policyFor(jobType)
	job := &db.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    raw,
		Priority:   policy.Priority,
		Status:     db.JobPending,
		MaxRetries: policy.MaxRetries,
		RunAfter:   m.clock(),
		DedupeKey:  o.dedupeKey,
	}
	if o.priority != nil {
		job.Priority = *o.priority
	}
	if o.maxRetries != nil {
		job.MaxRetries = *o.maxRetries
	}
	if !o.runAfter.IsZero() {
		job.RunAfter = o.runAfter
	}

	if err := m.store.InsertJob(ctx, job); err != nil {
		return "", err
	}

	m.metrics.JobSubmitted(jobType, strconv.Itoa(job.Priority))
	m.bus.Publish(events.EventJobEnqueued, events.JobPayload{
		JobID: job.ID, Type: jobType, Status: db.JobPending,
	})
	m.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": jobType,
		"priority": job.Priority,
	}).Debug("job enqueued")

	return job.ID, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}

func (m *Manager) policyFor(jobType string) TypePolicy {
	if p, ok := m.cfg.TypePolicies[jobType]; ok {
		return p
	}
	return m.cfg.Defaults
}

// GetJob returns one job row for status lookups.
func (m *Manager) GetJob(ctx context.Context, id string) (*db.Job, error) {
	return m.store.GetJob(ctx, id)
}

// Stats returns queue depth by status and type.
func (m *Manager) Stats(ctx context.Context) (*db.QueueStats, error) {
	return m.store.JobStats(ctx)
}

// Inflight returns how many jobs this instance is handling right now.
func (m *Manager) Inflight() int64 {
	return m.inflight.Load()
}

// IsIdle reports whether no poll round is running and no job is in
// flight. Used for graceful shutdown checks.
func (m *Manager) IsIdle() bool {
	return !m.polling.Load() && m.inflight.Load() == 0
}

// StartProcessing launches the worker pool, the poll loop and the
// stale-claim reaper. Idempotent; the second call is a no-op.
func (m *Manager) StartProcessing() {
	if !m.started.CompareAndSwap(false, true) {
		m.log.Warn("job processing already started")
		return
	}

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.pollLoop()
	m.wg.Add(1)
	go m.reapLoop()

	m.log.WithFields(logrus.Fields{
		"workers":       m.cfg.Workers,
		"poll_interval": m.cfg.PollInterval,
		"batch":         m.cfg.BatchSize,
	}).Info("job processing started")
}

// StopProcessing stops polling and waits for in-flight jobs, bounded
// by the shutdown grace. A manager is not restartable once stopped.
func (m *Manager) StopProcessing() {
	if !m.started.Load() {
		return
	}
	select {
	case <-m.stop:
		return // already stopping
	default:
	}
	close(m.stop)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("job processing stopped")
	case <-time.After(m.cfg.ShutdownGrace):
		m.log.WithField("inflight", m.inflight.Load()).
			Warn("shutdown grace expired with jobs in flight")
	}
}

func (m *Manager) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.pollOnce()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

// pollOnce fetches one batch of due jobs and hands each claimed job to
// the worker pool. Skipped entirely while a previous round is still
// handing jobs over.
func (m *Manager) pollOnce() {
	if !m.polling.CompareAndSwap(false, true) {
		return
	}
	defer m.polling.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	due, err := m.store.DueJobs(ctx, m.cfg.BatchSize)
	cancel()
	if err != nil {
		m.log.WithError(err).Error("poll: fetching due jobs failed")
		return
	}

	for _, j := range due {
		claimCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		claimed, err := m.store.ClaimJob(claimCtx, j.ID, m.cfg.NodeID)
		cancel()
		if err != nil {
			m.log.WithError(err).WithField("job_id", j.ID).Error("poll: claim failed")
			continue
		}
		if claimed == nil {
			// Another instance won the row.
			continue
		}

		m.bus.Publish(events.EventJobStarted, events.JobPayload{
			JobID: claimed.ID, Type: claimed.Type, Status: db.JobProcessing, Retries: claimed.Retries,
		})

		select {
		case m.dispatch <- claimed:
		case <-m.stop:
			// Claimed but not handed over; the reaper returns it to the
			// pool after the stale threshold.
			return
		}
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case job := <-m.dispatch:
			m.runJob(job)
		}
	}
}

// runJob executes the handler and owns the outcome decision: the
// handler reports success or failure, the manager decides completed,
// retrying, or failed from the job's budget.
func (m *Manager) runJob(job *db.Job) {
	m.inflight.Add(1)
	defer m.inflight.Add(-1)

	log := m.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
		"retries":  job.Retries,
	})

	m.metrics.JobStarted(job.Type)
	start := time.Now()
	res, err := m.invoke(job)
	elapsed := time.Since(start)
	m.metrics.JobFinished(job.Type, elapsed)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err == nil {
		var raw json.RawMessage
		if res != nil && res.Data != nil {
			raw, _ = json.Marshal(res.Data)
		}
		if storeErr := m.store.CompleteJob(ctx, job.ID, raw); storeErr != nil {
			log.WithError(storeErr).Error("marking job completed failed")
		}
		m.metrics.JobProcessed(job.Type, db.JobCompleted)
		m.bus.Publish(events.EventJobCompleted, events.JobPayload{
			JobID: job.ID, Type: job.Type, Status: db.JobCompleted, Retries: job.Retries,
		})
		log.WithField("elapsed", elapsed.Round(time.Millisecond)).Info("job completed")
		return
	}

	if !IsTerminal(err) && job.Retries < job.MaxRetries {
		policy := m.policyFor(job.Type)
		delay := retry.Delay(retry.Policy{BaseDelay: policy.BaseDelay, MaxDelay: policy.MaxDelay}, job.Retries)
		runAfter := m.clock().Add(delay)

		if storeErr := m.store.RescheduleJob(ctx, job.ID, runAfter, err.Error()); storeErr != nil {
			log.WithError(storeErr).Error("rescheduling job failed")
		}
		m.metrics.JobProcessed(job.Type, db.JobRetrying)
		m.metrics.JobRetried(job.Type)
		m.bus.Publish(events.EventJobRetrying, events.JobPayload{
			JobID: job.ID, Type: job.Type, Status: db.JobRetrying,
			Retries: job.Retries + 1, Error: err.Error(),
		})
		log.WithError(err).WithField("run_after", runAfter).Warn("job failed, retrying")
		return
	}

	if storeErr := m.store.FailJob(ctx, job.ID, err.Error()); storeErr != nil {
		log.WithError(storeErr).Error("marking job failed failed")
	}
	m.metrics.JobProcessed(job.Type, db.JobFailed)
	m.bus.Publish(events.EventJobFailed, events.JobPayload{
		JobID: job.ID, Type: job.Type, Status: db.JobFailed,
		Retries: job.Retries, Error: err.Error(),
	})
	m.reportFailure(job, err)
	log.WithError(err).Error("job permanently failed")
}

// invoke runs the handler with the per-job timeout and converts panics
// into terminal failures.
func (m *Manager) invoke(job *db.Job) (res *Result, err error) {
	h, ok := m.handlers[job.Type]
	if !ok {
		return nil, Terminal(fmt.Errorf("no handler registered for job type %q", job.Type))
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{
				"job_id": job.ID,
				"panic":  r,
			}).Error(string(debug.Stack()))
			res, err = nil, Terminal(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return h(ctx, job)
}

func (m *Manager) reportFailure(job *db.Job, err error) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_type", job.Type)
		scope.SetExtra("job_id", job.ID)
		scope.SetExtra("retries", job.Retries)
		sentry.CaptureException(err)
	})
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReaperEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			n, err := m.store.RequeueStale(ctx, m.cfg.StaleAfter)
			cancel()
			if err != nil {
				m.log.WithError(err).Error("stale claim sweep failed")
				continue
			}
			if n > 0 {
				m.log.WithField("requeued", n).Warn("returned stale claims to the queue")
			}
		}
	}
}
