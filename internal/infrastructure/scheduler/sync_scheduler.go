// Package scheduler runs automatic integration syncs. It keeps an in-memory
// table of per-integration intervals, ticks on a fixed cadence, and hands due
// integrations to a fixed pool of workers through a bounded queue.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/infrastructure/telemetry"
)

// SyncRunner executes one scheduled sync run
type SyncRunner interface {
	RunScheduledSync(ctx context.Context, integrationID uuid.UUID) error
}

// Config holds scheduler configuration
type Config struct {
	// TickInterval is the cadence at which due schedules are checked
	TickInterval time.Duration
	// Workers is the fixed size of the worker pool
	Workers int
	// QueueSize is the capacity of the run queue
	QueueSize int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Minute,
		Workers:      4,
		QueueSize:    100,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.TickInterval <= 0 || c.Workers <= 0 || c.QueueSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Schedule is the externally observable state of one schedule entry
type Schedule struct {
	IntegrationID uuid.UUID     `json:"integration_id"`
	Interval      time.Duration `json:"interval"`
	NextDue       time.Time     `json:"next_due"`
}

// Stats is a snapshot of scheduler counters
type Stats struct {
	Running   bool   `json:"running"`
	Entries   int    `json:"entries"`
	Queued    int    `json:"queued"`
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type entry struct {
	interval time.Duration
	nextDue  time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests
func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithMetrics records enqueue/drop counters
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler owns the schedule table and the worker pool
type Scheduler struct {
	config  Config
	runner  SyncRunner
	logger  *zap.Logger
	clock   clock.WithTicker
	metrics *telemetry.SyncMetrics

	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	lifeMu  sync.RWMutex
	running bool
	jobs    chan uuid.UUID
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a stopped scheduler
func New(config Config, runner SyncRunner, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, ErrInvalidConfig
	}

	s := &Scheduler{
		config:  config,
		runner:  runner,
		logger:  logger,
		clock:   clock.RealClock{},
		entries: make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Schedule table
// ---------------------------------------------------------------------------

// EnableAutomaticSync inserts or replaces the schedule of an integration. The latest
// interval wins and the next run is one interval from now.
func (s *Scheduler) EnableAutomaticSync(integrationID uuid.UUID, interval time.Duration) error {
	if interval <= 0 {
		return integration.ErrInvalidSyncInterval
	}

	s.mu.Lock()
	s.entries[integrationID] = &entry{interval: interval, nextDue: s.clock.Now().Add(interval)}
	n := len(s.entries)
	s.mu.Unlock()

	s.metrics.RecordScheduleEntries(context.Background(), n)
	s.logger.Info("Automatic sync enabled",
		zap.String("integration_id", integrationID.String()),
		zap.Duration("interval", interval),
	)
	return nil
}

// DisableAutomaticSync removes the schedule of an integration. Unknown ids are a no-op.
func (s *Scheduler) DisableAutomaticSync(integrationID uuid.UUID) {
	s.mu.Lock()
	_, existed := s.entries[integrationID]
	delete(s.entries, integrationID)
	n := len(s.entries)
	s.mu.Unlock()

	if existed {
		s.metrics.RecordScheduleEntries(context.Background(), n)
		s.logger.Info("Automatic sync disabled", zap.String("integration_id", integrationID.String()))
	}
}

// IsScheduled reports whether the integration has an active schedule
func (s *Scheduler) IsScheduled(integrationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[integrationID]
	return ok
}

// NextDue returns the next due time of an integration's schedule
func (s *Scheduler) NextDue(integrationID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[integrationID]
	if !ok {
		return time.Time{}, false
	}
	return e.nextDue, true
}

// Schedules returns a snapshot of all entries ordered by next due time
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	out := make([]Schedule, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Schedule{IntegrationID: id, Interval: e.interval, NextDue: e.nextDue})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextDue.Equal(out[j].NextDue) {
			return out[i].IntegrationID.String() < out[j].IntegrationID.String()
		}
		return out[i].NextDue.Before(out[j].NextDue)
	})
	return out
}

// ClaimDue returns every integration whose due time has passed and advances
// each claimed entry by whole intervals until its next due time is after now.
// A claimed run is therefore never claimed twice, and a long outage produces
// one catch-up run rather than a burst.
func (s *Scheduler) ClaimDue(now time.Time) []uuid.UUID {
	return s.ClaimDueFunc(now, nil)
}

// ClaimDueFunc is ClaimDue restricted to the integrations accepted by keep.
// Entries rejected by keep are left untouched. A nil keep accepts all.
func (s *Scheduler) ClaimDueFunc(now time.Time, keep func(uuid.UUID) bool) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []uuid.UUID
	for id, e := range s.entries {
		if e.nextDue.After(now) || (keep != nil && !keep(id)) {
			continue
		}
		for !e.nextDue.After(now) {
			e.nextDue = e.nextDue.Add(e.interval)
		}
		due = append(due, id)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].String() < due[j].String() })
	return due
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start starts the worker pool and the tick loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.running {
		s.lifeMu.Unlock()
		return nil
	}
	s.running = true
	s.jobs = make(chan uuid.UUID, s.config.QueueSize)
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lifeMu.Unlock()

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i, s.jobs)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	s.logger.Info("Sync scheduler started",
		zap.Int("workers", s.config.Workers),
		zap.Int("queue_size", s.config.QueueSize),
		zap.Duration("tick_interval", s.config.TickInterval),
	)
	return nil
}

// Stop cancels in-flight runs, closes the queue and waits for workers until
// ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	if !s.running {
		s.lifeMu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	close(s.jobs)
	s.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Sync scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Sync scheduler stop timed out")
		return ctx.Err()
	}
}

// Submit queues a run without blocking
func (s *Scheduler) Submit(integrationID uuid.UUID) error {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	select {
	case s.jobs <- integrationID:
		s.enqueued.Add(1)
		s.metrics.RecordEnqueued(context.Background())
		return nil
	default:
		s.dropped.Add(1)
		s.metrics.RecordDropped(context.Background())
		return ErrQueueFull
	}
}

// Tick claims due schedules and queues them. Entries rejected by a full
// queue wait for their next due time. It returns the number queued.
func (s *Scheduler) Tick(ctx context.Context) int {
	queued := 0
	for _, id := range s.ClaimDue(s.clock.Now()) {
		switch err := s.Submit(id); {
		case err == nil:
			queued++
		case errors.Is(err, ErrQueueFull):
			s.logger.Warn("Sync queue full, skipping scheduled run until next due time",
				zap.String("integration_id", id.String()),
			)
		default:
			s.logger.Debug("Scheduled run not queued",
				zap.String("integration_id", id.String()),
				zap.Error(err),
			)
		}
	}
	if queued > 0 {
		s.logger.Debug("Scheduler tick", zap.Int("queued", queued))
	}
	return queued
}

// Stats returns a snapshot of the scheduler counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	entries := len(s.entries)
	s.mu.Unlock()

	s.lifeMu.RLock()
	running := s.running
	queued := 0
	if running {
		queued = len(s.jobs)
	}
	s.lifeMu.RUnlock()

	return Stats{
		Running:   running,
		Entries:   entries,
		Queued:    queued,
		Enqueued:  s.enqueued.Load(),
		Dropped:   s.dropped.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, workerID int, jobs <-chan uuid.UUID) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-jobs:
			if !ok {
				return
			}
			s.process(ctx, workerID, id)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, workerID int, id uuid.UUID) {
	log := s.logger.With(zap.Int("worker_id", workerID), zap.String("integration_id", id.String()))

	err := s.runner.RunScheduledSync(ctx, id)
	switch {
	case err == nil:
		s.completed.Add(1)
	case errors.Is(err, integration.ErrSyncAlreadyInProgress):
		// a manual run holds the lock; the next due time picks it up
		s.completed.Add(1)
		log.Info("Scheduled sync skipped, run already in progress")
	case errors.Is(err, integration.ErrIntegrationNotFound):
		s.failed.Add(1)
		s.DisableAutomaticSync(id)
		log.Warn("Integration no longer exists, schedule removed")
	default:
		s.failed.Add(1)
		log.Error("Scheduled sync failed", zap.Error(err))
	}
}
