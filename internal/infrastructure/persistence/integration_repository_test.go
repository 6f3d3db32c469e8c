package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/domain/shared"
	"github.com/retention/backend/internal/infrastructure/persistence/models"
)

func newIntegration(t *testing.T, tenantID uuid.UUID, platform integration.PlatformType) *integration.Integration {
	t.Helper()
	i, err := integration.NewIntegration(tenantID, uuid.New(), platform, "crm "+platform.DisplayName(),
		map[string]string{"list_id": "abc"},
		integration.Credentials{"access_token": "tok_super_secret_value"})
	require.NoError(t, err)
	return i
}

func TestGormIntegrationRepository_SaveAndFind(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewGormIntegrationRepository(db, testCipher(t))
	ctx := context.Background()

	i := newIntegration(t, uuid.New(), integration.PlatformHubSpot)
	require.NoError(t, i.EnableAutoSync(time.Hour, time.Now()))
	require.NoError(t, repo.Save(ctx, i))

	got, err := repo.FindByID(ctx, i.ID)
	require.NoError(t, err)
	assert.Equal(t, i.TenantID, got.TenantID)
	assert.Equal(t, integration.PlatformHubSpot, got.Platform)
	assert.Equal(t, "abc", got.Config("list_id"))
	assert.Equal(t, "tok_super_secret_value", got.Credentials.Get("access_token"))
	assert.Equal(t, integration.StatusDisconnected, got.Status)
	require.NotNil(t, got.AutoSyncInterval)
	assert.Equal(t, time.Hour, *got.AutoSyncInterval)

	t.Run("credentials are sealed at rest", func(t *testing.T) {
		var row models.IntegrationModel
		require.NoError(t, db.First(&row, "id = ?", i.ID).Error)
		assert.NotContains(t, row.CredentialsCiphertext, "tok_super_secret_value")
		assert.NotEmpty(t, row.CredentialsCiphertext)
	})

	t.Run("save updates existing row", func(t *testing.T) {
		now := time.Now()
		got.MarkFailed("HubSpot rejected the token", now)
		got.DisableAutoSync(now)
		require.NoError(t, repo.Save(ctx, got))

		again, err := repo.FindByID(ctx, i.ID)
		require.NoError(t, err)
		assert.Equal(t, integration.StatusError, again.Status)
		assert.Equal(t, "HubSpot rejected the token", again.ErrorMessage())
		assert.Nil(t, again.AutoSyncInterval)

		var count int64
		require.NoError(t, db.Model(&models.IntegrationModel{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})
}

func TestGormIntegrationRepository_FindByID_NotFound(t *testing.T) {
	repo := NewGormIntegrationRepository(setupSQLiteDB(t), testCipher(t))

	_, err := repo.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, integration.ErrIntegrationNotFound)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormIntegrationRepository_Queries(t *testing.T) {
	repo := NewGormIntegrationRepository(setupSQLiteDB(t), testCipher(t))
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	a1 := newIntegration(t, tenantA, integration.PlatformStripe)
	a2 := newIntegration(t, tenantA, integration.PlatformMailchimp)
	a2.MarkSyncing(time.Now())
	require.NoError(t, a2.EnableAutoSync(30*time.Minute, time.Now()))
	b1 := newIntegration(t, tenantB, integration.PlatformStripe)
	b1.MarkSyncing(time.Now())

	for _, i := range []*integration.Integration{a1, a2, b1} {
		require.NoError(t, repo.Save(ctx, i))
	}

	t.Run("by tenant", func(t *testing.T) {
		got, err := repo.FindByTenant(ctx, tenantA)
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, i := range got {
			assert.Equal(t, tenantA, i.TenantID)
		}
	})

	t.Run("nil tenant is rejected", func(t *testing.T) {
		_, err := repo.FindByTenant(ctx, uuid.Nil)
		assert.Error(t, err)
	})

	t.Run("by status", func(t *testing.T) {
		got, err := repo.FindByStatus(ctx, integration.StatusSyncing)
		require.NoError(t, err)
		ids := []uuid.UUID{}
		for _, i := range got {
			ids = append(ids, i.ID)
		}
		assert.ElementsMatch(t, []uuid.UUID{a2.ID, b1.ID}, ids)
	})

	t.Run("scheduled", func(t *testing.T) {
		got, err := repo.FindScheduled(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a2.ID, got[0].ID)
	})
}

func TestGormIntegrationRepository_Delete(t *testing.T) {
	repo := NewGormIntegrationRepository(setupSQLiteDB(t), testCipher(t))
	ctx := context.Background()

	i := newIntegration(t, uuid.New(), integration.PlatformGoogleContacts)
	require.NoError(t, repo.Save(ctx, i))
	require.NoError(t, repo.Delete(ctx, i.ID))

	_, err := repo.FindByID(ctx, i.ID)
	assert.ErrorIs(t, err, integration.ErrIntegrationNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, i.ID), integration.ErrIntegrationNotFound)
}

func TestGormIntegrationRepository_DatabaseError(t *testing.T) {
	db, mock, mockDB := newMockGormDB(t)
	defer mockDB.Close()
	repo := NewGormIntegrationRepository(db, testCipher(t))

	mock.ExpectQuery(`SELECT \* FROM "integrations" WHERE id = \$1`).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.FindByID(context.Background(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, integration.ErrIntegrationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormIntegrationRepository_TamperedCredentials(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewGormIntegrationRepository(db, testCipher(t))
	ctx := context.Background()

	i := newIntegration(t, uuid.New(), integration.PlatformStripe)
	require.NoError(t, repo.Save(ctx, i))
	require.NoError(t, db.Model(&models.IntegrationModel{}).
		Where("id = ?", i.ID).
		Update("credentials", "v1:AAAA").Error)

	_, err := repo.FindByID(ctx, i.ID)
	assert.Error(t, err)
}


func TestGormIntegrationRepository_ScopedUpdates(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewGormIntegrationRepository(db, testCipher(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	i := newIntegration(t, uuid.New(), integration.PlatformStripe)
	require.NoError(t, repo.Save(ctx, i))

	// two copies loaded before either write, as a running sync and a
	// schedule request would hold them
	run, err := repo.FindByID(ctx, i.ID)
	require.NoError(t, err)
	sched, err := repo.FindByID(ctx, i.ID)
	require.NoError(t, err)

	require.NoError(t, sched.EnableAutoSync(time.Hour, now))
	require.NoError(t, repo.UpdateSchedule(ctx, sched))

	run.CompleteSync(&integration.SyncResult{Success: true, Created: 4}, now, now)
	require.NoError(t, repo.UpdateSyncState(ctx, run))

	got, err := repo.FindByID(ctx, i.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AutoSyncInterval, "sync state write keeps the schedule")
	assert.Equal(t, time.Hour, *got.AutoSyncInterval)
	assert.Equal(t, int64(4), got.SyncedRecordCount)
	assert.Equal(t, integration.StatusConnected, got.Status)
	require.NotNil(t, got.LastSuccessfulSyncAt)

	t.Run("status write keeps counters", func(t *testing.T) {
		stale := newIntegration(t, i.TenantID, integration.PlatformStripe)
		stale.ID = i.ID
		stale.MarkFailed("token revoked", now)
		require.NoError(t, repo.UpdateStatus(ctx, stale))

		again, err := repo.FindByID(ctx, i.ID)
		require.NoError(t, err)
		assert.Equal(t, integration.StatusError, again.Status)
		assert.Equal(t, "token revoked", again.ErrorMessage())
		assert.Equal(t, int64(4), again.SyncedRecordCount)
		assert.NotNil(t, again.LastSuccessfulSyncAt)
		assert.NotNil(t, again.AutoSyncInterval)
	})

	t.Run("clearing the schedule", func(t *testing.T) {
		got.DisableAutoSync(now)
		require.NoError(t, repo.UpdateSchedule(ctx, got))
		again, err := repo.FindByID(ctx, i.ID)
		require.NoError(t, err)
		assert.Nil(t, again.AutoSyncInterval)
	})

	t.Run("deleted rows are not recreated", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, i.ID))

		assert.ErrorIs(t, repo.UpdateSyncState(ctx, run), integration.ErrIntegrationNotFound)
		assert.ErrorIs(t, repo.UpdateStatus(ctx, run), integration.ErrIntegrationNotFound)
		assert.ErrorIs(t, repo.UpdateSchedule(ctx, run), integration.ErrIntegrationNotFound)

		var count int64
		require.NoError(t, db.Model(&models.IntegrationModel{}).Count(&count).Error)
		assert.Zero(t, count)
	})
}
