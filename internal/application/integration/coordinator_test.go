package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/infrastructure/lock"
	"github.com/retention/backend/internal/infrastructure/storage"
)

func fullMode(o integration.SyncOptions) bool { return o.Mode == integration.SyncModeFull }

func TestCoordinator_RunSync_AllValid(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.MatchedBy(fullMode)).
		Return(fetchedResult(validRecords(10)...), nil).Once()

	res, err := f.coordinator().RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Success)
	assert.Equal(t, 10, res.Fetched)
	assert.Equal(t, 10, res.Created)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Failed)
	assert.True(t, res.Balanced())
	assert.Empty(t, res.Records)

	stored := f.repo.get(i.ID)
	assert.Equal(t, integration.StatusConnected, stored.Status)
	assert.Equal(t, int64(10), stored.SyncedRecordCount)
	assert.Nil(t, stored.LastSyncError)
	require.NotNil(t, stored.LastSuccessfulSyncAt)
	assert.Equal(t, testEpoch, *stored.LastSuccessfulSyncAt)
	assert.Equal(t, 10, f.customers.len())

	held, err := f.locker.Held(context.Background(), lock.SyncKey(i.ID.String()))
	require.NoError(t, err)
	assert.False(t, held, "lock released after the run")
	conn.AssertExpectations(t)
}

func TestCoordinator_RunSync_PartialFailure(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)

	records := validRecords(10)
	records[3].Email = "not-an-email"
	records[7] = customer.Record{ExternalID: "cus_anonymous"}
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).
		Return(fetchedResult(records...), nil)

	res, err := f.coordinator().RunSync(context.Background(), i.ID)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 10, res.Fetched)
	assert.Equal(t, 8, res.Created)
	assert.Equal(t, 2, res.Failed)
	assert.True(t, res.Balanced())
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "cus_04", res.Failures[0].ExternalID)
	assert.Equal(t, "cus_anonymous", res.Failures[1].ExternalID)

	stored := f.repo.get(i.ID)
	assert.Equal(t, integration.StatusError, stored.Status)
	assert.Contains(t, stored.ErrorMessage(), "2 of 10 records failed")
	assert.Equal(t, int64(8), stored.SyncedRecordCount)
	assert.Nil(t, stored.LastSuccessfulSyncAt)
}

func TestCoordinator_RunSync_EmptySource(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).Return(fetchedResult(), nil)

	res, err := f.coordinator().RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, integration.StatusConnected, f.repo.get(i.ID).Status)
}

func TestCoordinator_RunSync_Idempotent(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).Return(fetchedResult(validRecords(5)...), nil)

	c := f.coordinator()
	_, err := c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)

	f.clock.Step(time.Hour)
	res, err := c.RunSync(context.Background(), i.ID, WithFullResync())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 5, res.Skipped)
	assert.Equal(t, int64(5), f.repo.get(i.ID).SyncedRecordCount)
}

func TestCoordinator_RunSync_IncrementalAfterSuccess(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)

	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.MatchedBy(fullMode)).
		Return(fetchedResult(validRecord(1)), nil).Once()
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.MatchedBy(func(o integration.SyncOptions) bool {
		return o.Incremental() && o.Since.Equal(testEpoch) && o.Timeout == time.Minute
	})).Return(fetchedResult(), nil).Once()

	c := f.coordinator()
	_, err := c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	f.clock.Step(time.Hour)
	_, err = c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)

	conn.AssertExpectations(t)
	runs := f.history.Recent(0, nil)
	require.Len(t, runs, 2)
	assert.Equal(t, integration.SyncModeIncremental, runs[0].Mode)
	assert.Equal(t, integration.SyncModeFull, runs[1].Mode)
}

func TestCoordinator_RunSync_NotFound(t *testing.T) {
	f := newCoordinatorFixture(staticRegistry{})

	res, err := f.coordinator().RunSync(context.Background(), uuid.New())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, integration.ErrIntegrationNotFound)
	assert.Zero(t, f.repo.saveCount())
	assert.Zero(t, f.history.Len())
	assert.Zero(t, f.locker.Size())
}

func TestCoordinator_RunSync_UnsupportedPlatform(t *testing.T) {
	f := newCoordinatorFixture(staticRegistry{})
	i := newStoredIntegration(t, f.repo, integration.PlatformMailchimp)

	res, err := f.coordinator().RunSync(context.Background(), i.ID)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, integration.ErrUnsupportedPlatform)

	stored := f.repo.get(i.ID)
	assert.Equal(t, integration.StatusError, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage())

	held, _ := f.locker.Held(context.Background(), lock.SyncKey(i.ID.String()))
	assert.False(t, held)
}

func TestCoordinator_RunSync_RejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	conn := &funcConnector{
		platform: integration.PlatformStripe,
		fetch: func(ctx context.Context, _ integration.SyncOptions) (*integration.SyncResult, error) {
			close(started)
			<-release
			return fetchedResult(validRecord(1)), nil
		},
	}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	c := f.coordinator()

	done := make(chan error, 1)
	go func() {
		_, err := c.RunSync(context.Background(), i.ID)
		done <- err
	}()
	<-started

	savesBefore := f.repo.saveCount()
	before := f.repo.get(i.ID)
	assert.Equal(t, integration.StatusSyncing, before.Status)

	res, err := c.RunSync(context.Background(), i.ID)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, integration.ErrSyncAlreadyInProgress)
	assert.Equal(t, savesBefore, f.repo.saveCount(), "rejected run must not touch the integration")
	assert.Equal(t, before, f.repo.get(i.ID))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, integration.StatusConnected, f.repo.get(i.ID).Status)
	assert.Equal(t, 1, f.history.Len())
}

func TestCoordinator_RunSync_OneWinnerUnderContention(t *testing.T) {
	const callers = 8
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	conn := &funcConnector{
		platform: integration.PlatformStripe,
		fetch: func(ctx context.Context, _ integration.SyncOptions) (*integration.SyncResult, error) {
			calls.Done()
			<-release
			return fetchedResult(), nil
		},
	}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	c := f.coordinator()

	errs := make(chan error, callers)
	for range callers {
		go func() {
			_, err := c.RunSync(context.Background(), i.ID)
			errs <- err
		}()
	}

	// every loser returns without waiting for the winner
	calls.Wait()
	rejected := 0
	for rejected < callers-1 {
		err := <-errs
		require.ErrorIs(t, err, integration.ErrSyncAlreadyInProgress)
		rejected++
	}
	close(release)
	assert.NoError(t, <-errs)
}

func TestCoordinator_RunSync_RecoversPanic(t *testing.T) {
	conn := &funcConnector{
		platform: integration.PlatformStripe,
		fetch: func(context.Context, integration.SyncOptions) (*integration.SyncResult, error) {
			panic("nil map write")
		},
	}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)

	res, err := f.coordinator().RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.Aborted)
	assert.Contains(t, res.Failures[0].Reason, "nil map write")

	assert.Equal(t, integration.StatusError, f.repo.get(i.ID).Status)
	held, _ := f.locker.Held(context.Background(), lock.SyncKey(i.ID.String()))
	assert.False(t, held, "lock released after a panic")
}

func TestCoordinator_RunSync_ConnectorErrors(t *testing.T) {
	tests := []struct {
		name        string
		result      *integration.SyncResult
		err         error
		wantFetched int
		wantCreated int
	}{
		{
			name: "no result",
			err:  errors.New("dial api.example.com with sk_live_topsecret: connection refused"),
		},
		{
			name:        "partial result",
			result:      fetchedResult(validRecord(1), validRecord(2)),
			err:         errors.New("page 2: sk_live_topsecret rejected"),
			wantFetched: 2,
			wantCreated: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &MockConnector{platform: integration.PlatformStripe}
			f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
			i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
			conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).Return(tt.result, tt.err)

			res, err := f.coordinator().RunSync(context.Background(), i.ID)
			require.NoError(t, err, "connector faults are reported through the result")
			assert.False(t, res.Success)
			assert.True(t, res.Aborted)
			assert.True(t, res.Balanced())
			assert.Equal(t, tt.wantFetched, res.Fetched)
			assert.Equal(t, tt.wantCreated, res.Created)

			stored := f.repo.get(i.ID)
			assert.Equal(t, integration.StatusError, stored.Status)
			assert.NotContains(t, stored.ErrorMessage(), "sk_live_topsecret")
			for _, fl := range res.Failures {
				assert.NotContains(t, fl.Reason, "sk_live_topsecret")
			}
		})
	}
}

func TestCoordinator_RunSync_StoreFailure(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	f.customers.failOn["cus_03"] = errors.New("disk full")
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).Return(fetchedResult(validRecords(4)...), nil)

	res, err := f.coordinator().RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Failures[0].Reason, "disk full")
	assert.Contains(t, f.repo.get(i.ID).ErrorMessage(), "1 of 4 records failed")
}

func TestCoordinator_RunSync_CancelledCallerStillPersists(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &funcConnector{
		platform: integration.PlatformStripe,
		fetch: func(context.Context, integration.SyncOptions) (*integration.SyncResult, error) {
			cancel()
			return fetchedResult(validRecords(3)...), nil
		},
	}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)

	res, err := f.coordinator().RunSync(ctx, i.ID)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 3, res.Failed)
	assert.True(t, res.Balanced())

	stored := f.repo.get(i.ID)
	assert.Equal(t, integration.StatusError, stored.Status, "final status written despite cancellation")
	held, _ := f.locker.Held(context.Background(), lock.SyncKey(i.ID.String()))
	assert.False(t, held)
}

func TestCoordinator_RunSync_ArchivesFailedRuns(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	store := storage.NewMemoryObjectStorage()
	c := f.coordinator(WithArchiver(NewReportArchiver(store)))

	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).
		Return(fetchedResult(validRecord(1)), nil).Once()
	_, err := c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Empty(t, store.Keys(), "successful runs are not archived")

	bad := validRecord(2)
	bad.Email = "broken"
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).
		Return(fetchedResult(bad), nil).Once()
	_, err = c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)

	runs := f.history.Recent(1, nil)
	require.Len(t, runs, 1)
	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, ReportKey(runs[0]), keys[0])

	obj, ok := store.Get(keys[0])
	require.True(t, ok)
	assert.Contains(t, string(obj.Data), `"external_id":"cus_02"`)
	assert.NotContains(t, string(obj.Data), "sk_live_topsecret")
}

func TestCoordinator_RunScheduledSync(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	bad := validRecord(1)
	bad.Email = "broken"
	conn.On("SyncCustomers", mock.Anything, mock.Anything, mock.Anything).Return(fetchedResult(bad), nil)

	c := f.coordinator()
	assert.NoError(t, c.RunScheduledSync(context.Background(), i.ID), "a failed run is recorded, not returned")

	runs := f.history.Recent(0, nil)
	require.Len(t, runs, 1)
	assert.Equal(t, TriggerSchedule, runs[0].Trigger)

	release, ok, err := f.locker.TryAcquire(context.Background(), lock.SyncKey(i.ID.String()))
	require.NoError(t, err)
	require.True(t, ok)
	defer release()
	assert.ErrorIs(t, c.RunScheduledSync(context.Background(), i.ID), integration.ErrSyncAlreadyInProgress)
}

func TestCoordinator_RunSync_CursorIsRunStart(t *testing.T) {
	var seen []integration.SyncOptions
	f := newCoordinatorFixture(nil)
	conn := &funcConnector{
		platform: integration.PlatformStripe,
		fetch: func(_ context.Context, opts integration.SyncOptions) (*integration.SyncResult, error) {
			seen = append(seen, opts)
			// a slow fetch; records edited meanwhile must be fetched next time
			f.clock.Step(10 * time.Minute)
			return fetchedResult(validRecord(len(seen))), nil
		},
	}
	f.registry = staticRegistry{integration.PlatformStripe: conn}
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	c := f.coordinator()

	_, err := c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	stored := f.repo.get(i.ID)
	require.NotNil(t, stored.LastSuccessfulSyncAt)
	assert.Equal(t, testEpoch, *stored.LastSuccessfulSyncAt)
	assert.Equal(t, testEpoch.Add(10*time.Minute), *stored.LastSyncedAt)

	_, err = c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.True(t, seen[1].Incremental())
	assert.Equal(t, testEpoch, *seen[1].Since)
}

func TestCoordinator_RunSync_DeletedWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	conn := &funcConnector{
		platform: integration.PlatformStripe,
		fetch: func(context.Context, integration.SyncOptions) (*integration.SyncResult, error) {
			close(started)
			<-release
			return fetchedResult(validRecords(3)...), nil
		},
	}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	c := f.coordinator()

	type outcome struct {
		res *integration.SyncResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.RunSync(context.Background(), i.ID)
		done <- outcome{res, err}
	}()
	<-started

	require.NoError(t, f.repo.Delete(context.Background(), i.ID))
	close(release)

	out := <-done
	require.NoError(t, out.err)
	require.NotNil(t, out.res)
	assert.Equal(t, 3, out.res.Created)
	assert.Nil(t, f.repo.get(i.ID), "final write must not recreate a deleted integration")

	runs := f.history.Recent(1, nil)
	require.Len(t, runs, 1)
	assert.Equal(t, DeletedDuringSyncMessage, runs[0].Error)
}

func TestCoordinator_RunSync_MarkSyncingFails(t *testing.T) {
	conn := &MockConnector{platform: integration.PlatformStripe}
	f := newCoordinatorFixture(staticRegistry{integration.PlatformStripe: conn})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	f.repo.saveErr = errors.New("database is read-only")

	res, err := f.coordinator().RunSync(context.Background(), i.ID)
	require.Error(t, err)
	require.NotNil(t, res, "the fault is still reported as a result")
	assert.True(t, res.Aborted)
	assert.Contains(t, res.Failures[0].Reason, "mark integration syncing")
	conn.AssertNotCalled(t, "SyncCustomers", mock.Anything, mock.Anything, mock.Anything)

	held, _ := f.locker.Held(context.Background(), lock.SyncKey(i.ID.String()))
	assert.False(t, held)
	assert.Equal(t, 1, f.history.Len())
}

// panickingRegistry fails while the run is already marked SYNCING
type panickingRegistry struct{ staticRegistry }

func (panickingRegistry) GetService(integration.PlatformType) (integration.Connector, error) {
	panic("registry not initialised")
}

func TestCoordinator_RunSync_PanicOutsideConnector(t *testing.T) {
	f := newCoordinatorFixture(staticRegistry{})
	i := newStoredIntegration(t, f.repo, integration.PlatformStripe)
	c := NewCoordinator(f.repo, f.customers, panickingRegistry{}, f.locker, zap.NewNop(),
		CoordinatorConfig{RunTimeout: time.Minute, StatusWriteTimeout: time.Second},
		WithClock(f.clock), WithHistory(f.history))

	res, err := c.RunSync(context.Background(), i.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Aborted)
	assert.Contains(t, res.Failures[0].Reason, "registry not initialised")

	stored := f.repo.get(i.ID)
	assert.Equal(t, integration.StatusError, stored.Status, "never left in SYNCING")
	held, _ := f.locker.Held(context.Background(), lock.SyncKey(i.ID.String()))
	assert.False(t, held)
}
