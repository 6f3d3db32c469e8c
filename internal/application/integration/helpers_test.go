package integration

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/infrastructure/lock"
)

var testEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Integration store
// ---------------------------------------------------------------------------

type memIntegrationRepo struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*integration.Integration
	saves   int
	saveErr error
}

func newMemIntegrationRepo() *memIntegrationRepo {
	return &memIntegrationRepo{items: map[uuid.UUID]*integration.Integration{}}
}

func cloneIntegration(i *integration.Integration) *integration.Integration {
	c := *i
	c.Configuration = maps.Clone(i.Configuration)
	c.Credentials = i.Credentials.Clone()
	if i.LastSyncedAt != nil {
		t := *i.LastSyncedAt
		c.LastSyncedAt = &t
	}
	if i.LastSuccessfulSyncAt != nil {
		t := *i.LastSuccessfulSyncAt
		c.LastSuccessfulSyncAt = &t
	}
	if i.LastSyncError != nil {
		s := *i.LastSyncError
		c.LastSyncError = &s
	}
	if i.AutoSyncInterval != nil {
		d := *i.AutoSyncInterval
		c.AutoSyncInterval = &d
	}
	return &c
}

func (r *memIntegrationRepo) put(i *integration.Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[i.ID] = cloneIntegration(i)
}

func (r *memIntegrationRepo) get(id uuid.UUID) *integration.Integration {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.items[id]
	if !ok {
		return nil
	}
	return cloneIntegration(i)
}

// saveCount returns the number of writes of any kind
func (r *memIntegrationRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *memIntegrationRepo) FindByID(_ context.Context, id uuid.UUID) (*integration.Integration, error) {
	if i := r.get(id); i != nil {
		return i, nil
	}
	return nil, integration.ErrIntegrationNotFound
}

func (r *memIntegrationRepo) filter(keep func(*integration.Integration) bool) []*integration.Integration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*integration.Integration
	for _, i := range r.items {
		if keep(i) {
			out = append(out, cloneIntegration(i))
		}
	}
	return out
}

func (r *memIntegrationRepo) FindByTenant(_ context.Context, tenantID uuid.UUID) ([]*integration.Integration, error) {
	return r.filter(func(i *integration.Integration) bool { return i.TenantID == tenantID }), nil
}

func (r *memIntegrationRepo) FindByStatus(_ context.Context, status integration.Status) ([]*integration.Integration, error) {
	return r.filter(func(i *integration.Integration) bool { return i.Status == status }), nil
}

func (r *memIntegrationRepo) FindScheduled(_ context.Context) ([]*integration.Integration, error) {
	return r.filter(func(i *integration.Integration) bool { return i.AutoSyncInterval != nil }), nil
}

func (r *memIntegrationRepo) Save(ctx context.Context, i *integration.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(ctx); err != nil {
		return err
	}
	r.items[i.ID] = cloneIntegration(i)
	return nil
}

func (r *memIntegrationRepo) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saves++
	return nil
}

// update applies a column-scoped write to an existing row only
func (r *memIntegrationRepo) update(ctx context.Context, id uuid.UUID, apply func(stored *integration.Integration)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(ctx); err != nil {
		return err
	}
	stored, ok := r.items[id]
	if !ok {
		return integration.ErrIntegrationNotFound
	}
	apply(stored)
	return nil
}

func (r *memIntegrationRepo) UpdateSyncState(ctx context.Context, i *integration.Integration) error {
	src := cloneIntegration(i)
	return r.update(ctx, i.ID, func(stored *integration.Integration) {
		stored.Status = src.Status
		stored.LastSyncError = src.LastSyncError
		stored.LastSyncedAt = src.LastSyncedAt
		stored.LastSuccessfulSyncAt = src.LastSuccessfulSyncAt
		stored.SyncedRecordCount = src.SyncedRecordCount
		stored.UpdatedAt = src.UpdatedAt
	})
}

func (r *memIntegrationRepo) UpdateStatus(ctx context.Context, i *integration.Integration) error {
	src := cloneIntegration(i)
	return r.update(ctx, i.ID, func(stored *integration.Integration) {
		stored.Status = src.Status
		stored.LastSyncError = src.LastSyncError
		stored.UpdatedAt = src.UpdatedAt
	})
}

func (r *memIntegrationRepo) UpdateSchedule(ctx context.Context, i *integration.Integration) error {
	src := cloneIntegration(i)
	return r.update(ctx, i.ID, func(stored *integration.Integration) {
		stored.AutoSyncInterval = src.AutoSyncInterval
		stored.UpdatedAt = src.UpdatedAt
	})
}

func (r *memIntegrationRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return integration.ErrIntegrationNotFound
	}
	delete(r.items, id)
	return nil
}

// ---------------------------------------------------------------------------
// Customer store
// ---------------------------------------------------------------------------

type memCustomerRepo struct {
	mu     sync.Mutex
	hashes map[customer.Key]string
	failOn map[string]error
}

func newMemCustomerRepo() *memCustomerRepo {
	return &memCustomerRepo{hashes: map[customer.Key]string{}, failOn: map[string]error{}}
}

func (r *memCustomerRepo) Upsert(_ context.Context, key customer.Key, _ uuid.UUID, rec customer.Record) (customer.UpsertOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[key.ExternalID]; err != nil {
		return "", err
	}
	hash := rec.ContentHash()
	prev, ok := r.hashes[key]
	r.hashes[key] = hash
	switch {
	case !ok:
		return customer.OutcomeCreated, nil
	case prev != hash:
		return customer.OutcomeUpdated, nil
	}
	return customer.OutcomeUnchanged, nil
}

func (r *memCustomerRepo) FindByKey(_ context.Context, key customer.Key) (*customer.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash, ok := r.hashes[key]
	if !ok {
		return nil, fmt.Errorf("customer %s not found", key.ExternalID)
	}
	return &customer.Customer{TenantID: key.TenantID, Platform: key.Platform, ContentHash: hash}, nil
}

func (r *memCustomerRepo) CountByIntegration(_ context.Context, tenantID, _ uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k := range r.hashes {
		if k.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (r *memCustomerRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hashes)
}

// ---------------------------------------------------------------------------
// Connectors
// ---------------------------------------------------------------------------

// MockConnector is a mock implementation of integration.Connector
type MockConnector struct {
	mock.Mock
	platform integration.PlatformType
}

func (m *MockConnector) Platform() integration.PlatformType {
	return m.platform
}

func (m *MockConnector) TestConnection(ctx context.Context, i *integration.Integration) (bool, error) {
	args := m.Called(ctx, i)
	return args.Bool(0), args.Error(1)
}

func (m *MockConnector) SyncCustomers(ctx context.Context, i *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	args := m.Called(ctx, i, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.SyncResult), args.Error(1)
}

// funcConnector runs an arbitrary fetch function
type funcConnector struct {
	platform integration.PlatformType
	fetch    func(ctx context.Context, opts integration.SyncOptions) (*integration.SyncResult, error)
}

func (c *funcConnector) Platform() integration.PlatformType { return c.platform }

func (c *funcConnector) TestConnection(context.Context, *integration.Integration) (bool, error) {
	return true, nil
}

func (c *funcConnector) SyncCustomers(ctx context.Context, _ *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	return c.fetch(ctx, opts)
}

type staticRegistry map[integration.PlatformType]integration.Connector

func (r staticRegistry) GetService(p integration.PlatformType) (integration.Connector, error) {
	if c, ok := r[p]; ok {
		return c, nil
	}
	return nil, integration.ErrUnsupportedPlatform
}

func (r staticRegistry) GetAllServices() []integration.Connector {
	out := make([]integration.Connector, 0, len(r))
	for _, c := range r {
		out = append(out, c)
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func validRecord(n int) customer.Record {
	return customer.Record{
		ExternalID: fmt.Sprintf("cus_%02d", n),
		Email:      fmt.Sprintf("customer%02d@example.com", n),
		FirstName:  "Customer",
		LastName:   fmt.Sprintf("%02d", n),
	}
}

// fetchedResult builds a connector result holding the given records
func fetchedResult(records ...customer.Record) *integration.SyncResult {
	rb := integration.NewResultBuilder(testEpoch)
	for _, r := range records {
		rb.AddRecord(r)
	}
	return rb.Build(testEpoch)
}

func validRecords(n int) []customer.Record {
	out := make([]customer.Record, n)
	for k := range out {
		out[k] = validRecord(k + 1)
	}
	return out
}

func newStoredIntegration(t *testing.T, repo *memIntegrationRepo, platform integration.PlatformType) *integration.Integration {
	t.Helper()
	i, err := integration.NewIntegration(uuid.New(), uuid.New(), platform, "primary "+platform.DisplayName(),
		nil, integration.Credentials{"secret_key": "sk_live_topsecret"})
	require.NoError(t, err)
	i.MarkConnected(testEpoch)
	repo.put(i)
	return i
}

type coordinatorFixture struct {
	repo      *memIntegrationRepo
	customers *memCustomerRepo
	locker    *lock.MemoryLock
	clock     *clocktesting.FakeClock
	registry  staticRegistry
	history   *History
}

func newCoordinatorFixture(registry staticRegistry) *coordinatorFixture {
	return &coordinatorFixture{
		repo:      newMemIntegrationRepo(),
		customers: newMemCustomerRepo(),
		locker:    lock.NewMemoryLock(),
		clock:     clocktesting.NewFakeClock(testEpoch),
		registry:  registry,
		history:   NewHistory(10),
	}
}

func (f *coordinatorFixture) coordinator(opts ...CoordinatorOption) *Coordinator {
	opts = append([]CoordinatorOption{WithClock(f.clock), WithHistory(f.history)}, opts...)
	return NewCoordinator(f.repo, f.customers, f.registry, f.locker, zap.NewNop(), CoordinatorConfig{
		RunTimeout:         time.Minute,
		StatusWriteTimeout: time.Second,
	}, opts...)
}
