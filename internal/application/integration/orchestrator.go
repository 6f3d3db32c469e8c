package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/domain/shared"
	"github.com/retention/backend/internal/infrastructure/lock"
	"github.com/retention/backend/internal/infrastructure/scheduler"
)

// InterruptedSyncMessage is recorded on integrations left in SYNCING by a
// process that stopped mid-run
const InterruptedSyncMessage = "sync interrupted"

// ErrInvalidScope is returned for an unknown SyncAll scope
var ErrInvalidScope = fmt.Errorf("%w: unknown sync scope", shared.ErrInvalidInput)

// SyncAllScope selects the integrations of a bulk sync
type SyncAllScope string

const (
	// ScopeDue runs integrations whose schedule is due and advances them
	ScopeDue SyncAllScope = "due"
	// ScopeEnabled runs every integration with an active schedule
	ScopeEnabled SyncAllScope = "enabled"
)

// ParseSyncAllScope parses a scope name; empty means ScopeDue
func ParseSyncAllScope(s string) (SyncAllScope, error) {
	switch SyncAllScope(s) {
	case "", ScopeDue:
		return ScopeDue, nil
	case ScopeEnabled:
		return ScopeEnabled, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// SyncOutcome is the result of one integration within a bulk sync
type SyncOutcome struct {
	IntegrationID uuid.UUID
	Result        *integration.SyncResult
	Err           error
}

// SyncScheduler is the part of the scheduler the orchestrator drives
type SyncScheduler interface {
	EnableAutomaticSync(integrationID uuid.UUID, interval time.Duration) error
	DisableAutomaticSync(integrationID uuid.UUID)
	IsScheduled(integrationID uuid.UUID) bool
	NextDue(integrationID uuid.UUID) (time.Time, bool)
	Schedules() []scheduler.Schedule
	ClaimDueFunc(now time.Time, keep func(uuid.UUID) bool) []uuid.UUID
}

var _ SyncScheduler = (*scheduler.Scheduler)(nil)

// PlatformInfo describes a platform with a registered connector
type PlatformInfo struct {
	Type        integration.PlatformType     `json:"type"`
	DisplayName string                       `json:"display_name"`
	Category    integration.PlatformCategory `json:"category"`
}

// CreateIntegrationInput holds the fields of a new integration
type CreateIntegrationInput struct {
	TenantID      uuid.UUID
	UserID        uuid.UUID
	Platform      integration.PlatformType
	Name          string
	Configuration map[string]string
	Credentials   integration.Credentials
}

// OrchestratorConfig configures the Orchestrator
type OrchestratorConfig struct {
	// MaxConcurrentSyncs bounds the fan-out of SyncAll
	MaxConcurrentSyncs int
}

// Orchestrator is the entry point of the sync engine for the HTTP layer and
// the process lifecycle.
type Orchestrator struct {
	coordinator  *Coordinator
	integrations integration.Repository
	registry     integration.ConnectorRegistry
	scheduler    SyncScheduler
	locker       lock.Locker
	logger       *zap.Logger
	clock        clock.PassiveClock
	config       OrchestratorConfig
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorClock replaces the wall clock, for tests
func WithOrchestratorClock(c clock.PassiveClock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(
	coordinator *Coordinator,
	integrations integration.Repository,
	registry integration.ConnectorRegistry,
	sched SyncScheduler,
	locker lock.Locker,
	logger *zap.Logger,
	config OrchestratorConfig,
	opts ...OrchestratorOption,
) *Orchestrator {
	if config.MaxConcurrentSyncs <= 0 {
		config.MaxConcurrentSyncs = 4
	}
	o := &Orchestrator{
		coordinator:  coordinator,
		integrations: integrations,
		registry:     registry,
		scheduler:    sched,
		locker:       locker,
		logger:       logger,
		clock:        clock.RealClock{},
		config:       config,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

// SyncAll runs the integrations selected by scope with bounded concurrency.
// A failing integration never cancels the others. When tenantID is not nil
// only that tenant's integrations are considered.
func (o *Orchestrator) SyncAll(ctx context.Context, scope SyncAllScope, tenantID uuid.UUID) ([]SyncOutcome, error) {
	keep, err := o.tenantFilter(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	switch scope {
	case ScopeDue:
		ids = o.scheduler.ClaimDueFunc(o.clock.Now(), keep)
	case ScopeEnabled:
		for _, s := range o.scheduler.Schedules() {
			if keep == nil || keep(s.IntegrationID) {
				ids = append(ids, s.IntegrationID)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	outcomes := make([]SyncOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(o.config.MaxConcurrentSyncs)
	for n, id := range ids {
		g.Go(func() error {
			res, err := o.coordinator.RunSync(ctx, id, WithTrigger(TriggerBulk))
			outcomes[n] = SyncOutcome{IntegrationID: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, out := range outcomes {
		if out.Err != nil || (out.Result != nil && !out.Result.Success) {
			failed++
		}
	}
	o.logger.Info("Bulk sync finished",
		zap.String("scope", string(scope)),
		zap.Int("integrations", len(ids)),
		zap.Int("unsuccessful", failed),
	)
	return outcomes, nil
}

func (o *Orchestrator) tenantFilter(ctx context.Context, tenantID uuid.UUID) (func(uuid.UUID) bool, error) {
	if tenantID == uuid.Nil {
		return nil, nil
	}
	owned, err := o.integrations.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]struct{}, len(owned))
	for _, i := range owned {
		set[i.ID] = struct{}{}
	}
	return func(id uuid.UUID) bool {
		_, ok := set[id]
		return ok
	}, nil
}

// SyncOne runs a single integration on demand
func (o *Orchestrator) SyncOne(ctx context.Context, integrationID uuid.UUID, full bool) (*integration.SyncResult, error) {
	opts := []RunOption{WithTrigger(TriggerManual)}
	if full {
		opts = append(opts, WithFullResync())
	}
	return o.coordinator.RunSync(ctx, integrationID, opts...)
}

// RecentRuns returns the latest runs, newest first. A non-nil tenantID
// restricts the result to that tenant.
func (o *Orchestrator) RecentRuns(limit int, tenantID uuid.UUID) []RunRecord {
	var keep func(RunRecord) bool
	if tenantID != uuid.Nil {
		keep = func(r RunRecord) bool { return r.TenantID == tenantID }
	}
	return o.coordinator.History().Recent(limit, keep)
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// ScheduleAutomaticSync persists the interval and schedules the integration.
// Enabling an already scheduled integration replaces its interval. Only the
// interval column is written, so a sync running at the same time keeps its
// state and does not revert the schedule.
func (o *Orchestrator) ScheduleAutomaticSync(ctx context.Context, integrationID uuid.UUID, interval time.Duration) error {
	i, err := o.integrations.FindByID(ctx, integrationID)
	if err != nil {
		return err
	}
	if err := i.EnableAutoSync(interval, o.clock.Now()); err != nil {
		return err
	}
	if err := o.integrations.UpdateSchedule(ctx, i); err != nil {
		return fmt.Errorf("save sync interval: %w", err)
	}
	return o.scheduler.EnableAutomaticSync(integrationID, interval)
}

// DisableAutomaticSync stops automatic runs. Disabling an integration that is
// not scheduled, or no longer exists, is a no-op.
func (o *Orchestrator) DisableAutomaticSync(ctx context.Context, integrationID uuid.UUID) error {
	o.scheduler.DisableAutomaticSync(integrationID)

	i, err := o.integrations.FindByID(ctx, integrationID)
	if errors.Is(err, integration.ErrIntegrationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if i.AutoSyncInterval == nil {
		return nil
	}
	i.DisableAutoSync(o.clock.Now())
	err = o.integrations.UpdateSchedule(ctx, i)
	if err != nil && !errors.Is(err, integration.ErrIntegrationNotFound) {
		return fmt.Errorf("clear sync interval: %w", err)
	}
	return nil
}

// RestoreSchedules loads persisted intervals into the scheduler and returns
// how many were restored
func (o *Orchestrator) RestoreSchedules(ctx context.Context) (int, error) {
	scheduled, err := o.integrations.FindScheduled(ctx)
	if err != nil {
		return 0, fmt.Errorf("load scheduled integrations: %w", err)
	}
	restored := 0
	for _, i := range scheduled {
		if i.AutoSyncInterval == nil {
			continue
		}
		err := integration.ValidateSyncInterval(*i.AutoSyncInterval)
		if err == nil {
			err = o.scheduler.EnableAutomaticSync(i.ID, *i.AutoSyncInterval)
		}
		if err != nil {
			o.logger.Warn("Skipping invalid schedule",
				zap.String("integration_id", i.ID.String()),
				zap.Duration("interval", *i.AutoSyncInterval),
				zap.Error(err),
			)
			continue
		}
		restored++
	}
	return restored, nil
}

// RecoverInterrupted moves integrations stuck in SYNCING to ERROR. An
// integration whose lock is currently held is still running elsewhere and
// is left alone; the rest are re-checked under their lock before the write.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	syncing, err := o.integrations.FindByStatus(ctx, integration.StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("load syncing integrations: %w", err)
	}
	recovered := 0
	for _, candidate := range syncing {
		ok, err := o.recoverOne(ctx, candidate.ID)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		o.logger.Warn("Recovered interrupted syncs", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, integrationID uuid.UUID) (bool, error) {
	release, acquired, err := o.locker.TryAcquire(ctx, lock.SyncKey(integrationID.String()))
	if err != nil {
		return false, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer release()

	i, err := o.integrations.FindByID(ctx, integrationID)
	if errors.Is(err, integration.ErrIntegrationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if i.Status != integration.StatusSyncing {
		return false, nil
	}
	i.MarkFailed(InterruptedSyncMessage, o.clock.Now())
	if err := o.integrations.UpdateStatus(ctx, i); err != nil {
		if errors.Is(err, integration.ErrIntegrationNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("save interrupted integration: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Integration lifecycle
// ---------------------------------------------------------------------------

// ListPlatforms returns the platforms with a registered connector
func (o *Orchestrator) ListPlatforms() []PlatformInfo {
	services := o.registry.GetAllServices()
	out := make([]PlatformInfo, 0, len(services))
	for _, svc := range services {
		p := svc.Platform()
		out = append(out, PlatformInfo{Type: p, DisplayName: p.DisplayName(), Category: p.Category()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// CreateIntegration stores a new, disconnected integration
func (o *Orchestrator) CreateIntegration(ctx context.Context, in CreateIntegrationInput) (*integration.Integration, error) {
	if _, err := o.registry.GetService(in.Platform); err != nil {
		return nil, err
	}
	i, err := integration.NewIntegration(in.TenantID, in.UserID, in.Platform, in.Name, in.Configuration, in.Credentials)
	if err != nil {
		return nil, err
	}
	if err := o.integrations.Save(ctx, i); err != nil {
		return nil, fmt.Errorf("save integration: %w", err)
	}
	o.logger.Info("Integration created",
		zap.String("integration_id", i.ID.String()),
		zap.String("tenant_id", i.TenantID.String()),
		zap.String("platform", i.Platform.String()),
	)
	return i, nil
}

// ConnectionTest is the outcome of a credential check. Error is redacted.
type ConnectionTest struct {
	Connected bool
	Error     string
}

// TestConnection checks the integration's credentials against its platform
// and records the outcome, unless a sync currently owns the status. A
// platform that rejects the credentials or cannot be reached is reported in
// the ConnectionTest; the error return is reserved for lookup and storage
// failures.
func (o *Orchestrator) TestConnection(ctx context.Context, integrationID uuid.UUID) (ConnectionTest, error) {
	i, err := o.integrations.FindByID(ctx, integrationID)
	if err != nil {
		return ConnectionTest{}, err
	}
	connector, err := o.registry.GetService(i.Platform)
	if err != nil {
		return ConnectionTest{}, err
	}

	ok, testErr := connector.TestConnection(ctx, i)
	if testErr == nil && !ok {
		testErr = integration.ErrConnection
	}
	outcome := ConnectionTest{Connected: testErr == nil}
	if testErr != nil {
		outcome.Error = i.Credentials.Redact(testErr.Error())
	}

	// the status write takes the sync lock so it cannot interleave with a
	// run's own writes; a running sync keeps ownership of the status
	release, acquired, err := o.locker.TryAcquire(ctx, lock.SyncKey(i.ID.String()))
	if err != nil {
		return ConnectionTest{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return outcome, nil
	}
	defer release()

	if outcome.Connected {
		i.MarkConnected(o.clock.Now())
	} else {
		i.MarkFailed(outcome.Error, o.clock.Now())
	}
	if err := o.integrations.UpdateStatus(ctx, i); err != nil {
		if errors.Is(err, integration.ErrIntegrationNotFound) {
			return ConnectionTest{}, err
		}
		return ConnectionTest{}, fmt.Errorf("save connection status: %w", err)
	}
	return outcome, nil
}

// DeleteIntegration unschedules and removes an integration
func (o *Orchestrator) DeleteIntegration(ctx context.Context, integrationID uuid.UUID) error {
	if _, err := o.integrations.FindByID(ctx, integrationID); err != nil {
		return err
	}
	o.scheduler.DisableAutomaticSync(integrationID)
	return o.integrations.Delete(ctx, integrationID)
}

// GetIntegration returns one integration
func (o *Orchestrator) GetIntegration(ctx context.Context, integrationID uuid.UUID) (*integration.Integration, error) {
	return o.integrations.FindByID(ctx, integrationID)
}

// ListIntegrations returns a tenant's integrations
func (o *Orchestrator) ListIntegrations(ctx context.Context, tenantID uuid.UUID) ([]*integration.Integration, error) {
	return o.integrations.FindByTenant(ctx, tenantID)
}

// NextSyncAt returns when the integration is next due, if it is scheduled
func (o *Orchestrator) NextSyncAt(integrationID uuid.UUID) *time.Time {
	next, ok := o.scheduler.NextDue(integrationID)
	if !ok {
		return nil
	}
	return &next
}
