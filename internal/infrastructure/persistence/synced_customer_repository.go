package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/utils/clock"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/shared"
	"github.com/retention/backend/internal/infrastructure/persistence/models"
	"github.com/retention/backend/internal/infrastructure/persistence/tenant"
)

// upsertAttempts bounds the insert/update/touch cycle when a row is
// deleted between statements.
const upsertAttempts = 3

// GormSyncedCustomerRepository implements customer.Repository using GORM.
// Each Upsert is a sequence of single-statement operations that are atomic
// on the (tenant_id, platform, external_id) unique index, so it is safe
// under concurrent merges without an enclosing transaction.
type GormSyncedCustomerRepository struct {
	db    *gorm.DB
	clock clock.PassiveClock
}

// NewGormSyncedCustomerRepository creates a new GormSyncedCustomerRepository
func NewGormSyncedCustomerRepository(db *gorm.DB, clk clock.PassiveClock) *GormSyncedCustomerRepository {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &GormSyncedCustomerRepository{db: db, clock: clk}
}

// Upsert merges a normalized record into the canonical data set
func (r *GormSyncedCustomerRepository) Upsert(ctx context.Context, key customer.Key, integrationID uuid.UUID, record customer.Record) (customer.UpsertOutcome, error) {
	now := r.clock.Now().UTC()
	model, err := models.SyncedCustomerModelFromRecord(key, integrationID, record, record.ContentHash(), now)
	if err != nil {
		return "", fmt.Errorf("encode customer %s: %w", key.ExternalID, err)
	}

	db := r.db.WithContext(ctx)
	for range upsertAttempts {
		created := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "platform"}, {Name: "external_id"}},
			DoNothing: true,
		}).Create(model)
		if created.Error != nil {
			return "", created.Error
		}
		if created.RowsAffected == 1 {
			return customer.OutcomeCreated, nil
		}

		updated := db.Model(&models.SyncedCustomerModel{}).
			Scopes(keyScope(key)).
			Where("content_hash <> ?", model.ContentHash).
			Updates(model.ContentColumns())
		if updated.Error != nil {
			return "", updated.Error
		}
		if updated.RowsAffected > 0 {
			return customer.OutcomeUpdated, nil
		}

		touched := db.Model(&models.SyncedCustomerModel{}).
			Scopes(keyScope(key)).
			Updates(map[string]any{"last_synced_at": now, "integration_id": integrationID})
		if touched.Error != nil {
			return "", touched.Error
		}
		if touched.RowsAffected > 0 {
			return customer.OutcomeUnchanged, nil
		}
	}
	return "", fmt.Errorf("upsert customer %s: row vanished during merge", key.ExternalID)
}

// FindByKey loads a canonical customer by its merge key
func (r *GormSyncedCustomerRepository) FindByKey(ctx context.Context, key customer.Key) (*customer.Customer, error) {
	var model models.SyncedCustomerModel
	err := r.db.WithContext(ctx).Scopes(keyScope(key)).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

// CountByIntegration counts the customers last merged by an integration
func (r *GormSyncedCustomerRepository) CountByIntegration(ctx context.Context, tenantID, integrationID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SyncedCustomerModel{}).
		Scopes(tenant.Scope(tenantID)).
		Where("integration_id = ?", integrationID).
		Count(&count).Error
	return count, err
}

func keyScope(key customer.Key) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return tenant.Scope(key.TenantID)(db).
			Where("platform = ? AND external_id = ?", key.Platform, key.ExternalID)
	}
}

var _ customer.Repository = (*GormSyncedCustomerRepository)(nil)
