// Package integration holds the application services of the integration
// synchronization engine: the run coordinator, the merge step and the
// orchestration facade used by the HTTP layer and the scheduler.
package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/infrastructure/lock"
	"github.com/retention/backend/internal/infrastructure/logger"
	"github.com/retention/backend/internal/infrastructure/telemetry"
)

// DeletedDuringSyncMessage is recorded on runs whose integration was
// deleted before the final write
const DeletedDuringSyncMessage = "integration deleted during sync"

// CoordinatorConfig bounds every run
type CoordinatorConfig struct {
	// RunTimeout is handed to connectors as SyncOptions.Timeout
	RunTimeout time.Duration
	// MaxRecords caps fetched records per run; 0 means unbounded
	MaxRecords int
	// StatusWriteTimeout bounds the final status write, which is detached
	// from the caller's cancellation
	StatusWriteTimeout time.Duration
}

// DefaultCoordinatorConfig returns the default run bounds
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RunTimeout:         10 * time.Minute,
		StatusWriteTimeout: 10 * time.Second,
	}
}

type runConfig struct {
	full    bool
	trigger Trigger
}

// RunOption configures a single RunSync call
type RunOption func(*runConfig)

// WithFullResync forces a full fetch even when an incremental one is possible
func WithFullResync() RunOption {
	return func(rc *runConfig) { rc.full = true }
}

// WithTrigger records what started the run
func WithTrigger(t Trigger) RunOption {
	return func(rc *runConfig) { rc.trigger = t }
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithClock replaces the wall clock, for tests
func WithClock(c clock.PassiveClock) CoordinatorOption {
	return func(co *Coordinator) { co.clock = c }
}

// WithMetrics records run metrics
func WithMetrics(m *telemetry.SyncMetrics) CoordinatorOption {
	return func(co *Coordinator) { co.metrics = m }
}

// WithHistory records finished runs
func WithHistory(h *History) CoordinatorOption {
	return func(co *Coordinator) { co.history = h }
}

// WithArchiver uploads the report of runs with failures
func WithArchiver(a Archiver) CoordinatorOption {
	return func(co *Coordinator) { co.archiver = a }
}

// Coordinator executes sync runs. At most one run per integration is in
// flight at any time, across every caller that shares the same Locker.
type Coordinator struct {
	integrations integration.Repository
	customers    customer.Repository
	registry     integration.ConnectorRegistry
	locker       lock.Locker
	logger       *zap.Logger
	config       CoordinatorConfig

	clock    clock.PassiveClock
	metrics  *telemetry.SyncMetrics
	history  *History
	archiver Archiver
}

// NewCoordinator creates a Coordinator
func NewCoordinator(
	integrations integration.Repository,
	customers customer.Repository,
	registry integration.ConnectorRegistry,
	locker lock.Locker,
	logger *zap.Logger,
	config CoordinatorConfig,
	opts ...CoordinatorOption,
) *Coordinator {
	if config.StatusWriteTimeout <= 0 {
		config.StatusWriteTimeout = DefaultCoordinatorConfig().StatusWriteTimeout
	}
	c := &Coordinator{
		integrations: integrations,
		customers:    customers,
		registry:     registry,
		locker:       locker,
		logger:       logger,
		config:       config,
		clock:        clock.RealClock{},
		history:      NewHistory(DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History returns the run history
func (c *Coordinator) History() *History {
	return c.history
}

// RunSync executes one sync run of an integration.
//
// It returns ErrIntegrationNotFound, ErrSyncAlreadyInProgress and
// ErrUnsupportedPlatform without a result. Every other outcome, including
// connector faults, timeouts and panics, is reported through the returned
// SyncResult and the integration's status.
func (c *Coordinator) RunSync(ctx context.Context, integrationID uuid.UUID, opts ...RunOption) (*integration.SyncResult, error) {
	rc := runConfig{trigger: TriggerManual}
	for _, opt := range opts {
		opt(&rc)
	}

	i, err := c.integrations.FindByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	release, acquired, err := c.locker.TryAcquire(ctx, lock.SyncKey(integrationID.String()))
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		c.metrics.RecordContention(ctx, i.Platform.String(), string(rc.trigger))
		c.logger.Warn("Sync rejected, run already in progress",
			zap.String("integration_id", integrationID.String()),
			zap.String("trigger", string(rc.trigger)),
		)
		return nil, integration.ErrSyncAlreadyInProgress
	}

	rec, err := c.runLocked(ctx, i, release, rc)
	if rec != nil {
		c.history.Add(*rec)
		c.archive(ctx, *rec)
	}
	if rec == nil || rec.Result == nil {
		return nil, err
	}
	return rec.Result, err
}

// RunScheduledSync runs an integration on behalf of the scheduler. A run
// that completes with failures is not an error here; the integration's
// status already carries it.
func (c *Coordinator) RunScheduledSync(ctx context.Context, integrationID uuid.UUID) error {
	_, err := c.RunSync(ctx, integrationID, WithTrigger(TriggerSchedule))
	return err
}

// runLocked performs the run while the execution lock is held and releases
// it on every exit path. Once the integration is marked SYNCING, every
// outcome, including a panic, ends with a result and a final status write.
func (c *Coordinator) runLocked(ctx context.Context, i *integration.Integration, release func(), rc runConfig) (rec *RunRecord, err error) {
	defer release()

	runID := uuid.New()
	ctx = logger.WithSyncRun(ctx, i.ID.String(), runID.String())
	ctx = logger.WithTenantID(ctx, i.TenantID.String())
	ctx, span := telemetry.StartSpan(ctx, "integration.sync",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, i.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, i.TenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrPlatform, i.Platform.String()),
		telemetry.WithAttribute(telemetry.SpanAttrTrigger, string(rc.trigger)),
	)
	defer span.End()
	log := logger.WithLogger(ctx, c.logger)

	done := c.metrics.RunStarted(ctx, i.Platform.String())
	defer done()

	// reload under the lock so the previous run's final write is visible
	i, err = c.integrations.FindByID(ctx, i.ID)
	if err != nil {
		return nil, err
	}

	startedAt := c.clock.Now()
	rec = &RunRecord{
		RunID:         runID,
		IntegrationID: i.ID,
		TenantID:      i.TenantID,
		Platform:      i.Platform,
		Trigger:       rc.trigger,
		StartedAt:     startedAt,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Sync panicked", zap.Any("panic", r), zap.Stack("stack"))
			rb := integration.NewResultBuilder(startedAt)
			rb.Abort(i.Credentials.Redact(fmt.Sprintf("internal error during sync: %v", r)))
			rec, err = c.finish(ctx, i, rec, rb.Build(c.clock.Now()), rc.trigger)
		}
	}()

	i.MarkSyncing(startedAt)
	if err := c.integrations.UpdateStatus(ctx, i); err != nil {
		if errors.Is(err, integration.ErrIntegrationNotFound) {
			return nil, err
		}
		telemetry.RecordError(span, err)
		rb := integration.NewResultBuilder(startedAt)
		rb.Abort("mark integration syncing: " + err.Error())
		return c.finish(ctx, i, rec, rb.Build(c.clock.Now()), rc.trigger)
	}

	connector, err := c.registry.GetService(i.Platform)
	if err != nil {
		i.MarkFailed(err.Error(), c.clock.Now())
		if serr := c.saveFinal(ctx, i); serr != nil {
			log.Error("Failed to persist sync failure", zap.Error(serr))
		}
		rec.Error = err.Error()
		rec.FinishedAt = c.clock.Now()
		telemetry.RecordError(span, err)
		return rec, err
	}

	syncOpts := i.SyncOptionsFor(rc.full, c.config.MaxRecords, c.config.RunTimeout)
	rec.Mode = syncOpts.Mode
	telemetry.SetAttribute(span, telemetry.SpanAttrSyncMode, string(syncOpts.Mode))
	log.Info("Sync started",
		zap.String("platform", i.Platform.String()),
		zap.String("mode", string(syncOpts.Mode)),
		zap.String("trigger", string(rc.trigger)),
	)

	result := c.execute(ctx, connector, i, syncOpts, rc.trigger)
	return c.finish(ctx, i, rec, result, rc.trigger)
}

// finish applies a run's result to the integration, records it and writes
// the final sync state. A row deleted while the run was in flight stays
// deleted; the outcome is kept in the run history only.
func (c *Coordinator) finish(ctx context.Context, i *integration.Integration, rec *RunRecord, result *integration.SyncResult, trigger Trigger) (*RunRecord, error) {
	span := telemetry.SpanFromContext(ctx)
	log := logger.WithLogger(ctx, c.logger)

	finishedAt := c.clock.Now()
	i.CompleteSync(result, rec.StartedAt, finishedAt)
	rec.Result = result
	rec.FinishedAt = finishedAt

	c.metrics.RecordRun(ctx, telemetry.SyncRun{
		Platform: i.Platform.String(),
		Trigger:  string(trigger),
		Mode:     string(rec.Mode),
		Success:  result.Success,
		Aborted:  result.Aborted,
		Created:  result.Created,
		Updated:  result.Updated,
		Skipped:  result.Skipped,
		Failed:   result.Failed,
		Duration: result.Duration,
	})
	telemetry.SetAttributes(span,
		telemetry.SpanAttrFetched, result.Fetched,
		telemetry.SpanAttrFailed, result.Failed,
	)

	fields := []zap.Field{
		zap.Int("fetched", result.Fetched),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration),
	}
	if result.Success {
		telemetry.SetOK(span)
		log.Info("Sync completed", fields...)
	} else {
		log.Warn("Sync completed with failures", append(fields, zap.String("summary", result.Summary()))...)
	}

	if err := c.saveFinal(ctx, i); err != nil {
		if errors.Is(err, integration.ErrIntegrationNotFound) {
			log.Info("Integration deleted during sync, outcome not persisted")
			rec.Error = DeletedDuringSyncMessage
			return rec, nil
		}
		telemetry.RecordError(span, err)
		log.Error("Failed to persist sync outcome", zap.Error(err))
		rec.Error = err.Error()
		return rec, fmt.Errorf("persist sync outcome: %w", err)
	}
	return rec, nil
}

// execute invokes the connector and merges its records. It never returns
// nil.
func (c *Coordinator) execute(ctx context.Context, connector integration.Connector, i *integration.Integration, opts integration.SyncOptions, trigger Trigger) *integration.SyncResult {
	startedAt := c.clock.Now()

	var (
		fetched *integration.SyncResult
		err     error
	)
	telemetry.WithProfilingLabels(ctx, telemetry.SyncRunLabels(i.Platform.String(), string(trigger)), func(ctx context.Context) {
		fetched, err = connector.SyncCustomers(ctx, i, opts)
	})

	if err != nil {
		logger.WithLogger(ctx, c.logger).Warn("Connector reported a fault",
			zap.String("error", i.Credentials.Redact(err.Error())),
		)
	}
	if fetched == nil {
		rb := integration.NewResultBuilder(startedAt)
		reason := "sync failed"
		if err != nil {
			reason = i.Credentials.Redact(err.Error())
		}
		rb.Abort(reason)
		return rb.Build(c.clock.Now())
	}
	if err != nil && !fetched.Aborted {
		// a connector fault must never read as a complete run
		rb := integration.ContinueResult(fetched)
		rb.Abort(i.Credentials.Redact(err.Error()))
		pending := fetched.Records
		fetched = rb.Build(c.clock.Now())
		fetched.Records = pending
	}
	return c.merge(ctx, i, fetched)
}

// merge upserts the pending records of a connector result into the customer
// store and returns the final result.
func (c *Coordinator) merge(ctx context.Context, i *integration.Integration, fetched *integration.SyncResult) *integration.SyncResult {
	rb := integration.ContinueResult(fetched)
	log := logger.WithLogger(ctx, c.logger)

	for n, raw := range fetched.Records {
		if err := ctx.Err(); err != nil {
			for _, rest := range fetched.Records[n:] {
				rb.MergeFailed(rest.ExternalID, "sync cancelled before merge")
			}
			rb.Abort("sync cancelled: " + err.Error())
			break
		}

		rec := raw.Normalize()
		if err := rec.Validate(); err != nil {
			rb.MergeFailed(rec.ExternalID, err.Error())
			continue
		}

		key := customer.Key{
			TenantID:   i.TenantID,
			Platform:   i.Platform.String(),
			ExternalID: rec.ExternalID,
		}
		outcome, err := c.customers.Upsert(ctx, key, i.ID, rec)
		if err != nil {
			log.Debug("Customer merge failed",
				zap.String("external_id", rec.ExternalID),
				zap.Error(err),
			)
			rb.MergeFailed(rec.ExternalID, "store customer: "+err.Error())
			continue
		}
		switch outcome {
		case customer.OutcomeCreated:
			rb.Created()
		case customer.OutcomeUpdated:
			rb.Updated()
		default:
			rb.Unchanged()
		}
	}
	return rb.Build(c.clock.Now())
}

// saveFinal persists the sync state of a run even when the caller's context
// is already cancelled. Only the columns a run owns are written.
func (c *Coordinator) saveFinal(ctx context.Context, i *integration.Integration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.StatusWriteTimeout)
	defer cancel()
	return c.integrations.UpdateSyncState(ctx, i)
}

// archive uploads the report of a run with failures. Upload errors never
// affect the run.
func (c *Coordinator) archive(ctx context.Context, rec RunRecord) {
	if c.archiver == nil || !rec.HasFailures() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.StatusWriteTimeout)
	defer cancel()
	key, err := c.archiver.Archive(ctx, rec)
	if err != nil {
		c.logger.Warn("Failed to archive sync report",
			zap.String("integration_id", rec.IntegrationID.String()),
			zap.String("run_id", rec.RunID.String()),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("Sync report archived", zap.String("key", key))
}
