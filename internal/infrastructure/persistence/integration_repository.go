package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/domain/shared"
	"github.com/retention/backend/internal/infrastructure/persistence/models"
	"github.com/retention/backend/internal/infrastructure/persistence/tenant"
)

// CredentialSealer seals and opens integration credentials at rest.
// secrets.Cipher is the production implementation.
type CredentialSealer interface {
	EncryptCredentials(integrationID uuid.UUID, creds integration.Credentials) (string, error)
	DecryptCredentials(integrationID uuid.UUID, envelope string) (integration.Credentials, error)
}

// GormIntegrationRepository implements integration.Repository using GORM
type GormIntegrationRepository struct {
	db     *gorm.DB
	sealer CredentialSealer
}

// NewGormIntegrationRepository creates a new GormIntegrationRepository
func NewGormIntegrationRepository(db *gorm.DB, sealer CredentialSealer) *GormIntegrationRepository {
	return &GormIntegrationRepository{db: db, sealer: sealer}
}

// FindByID finds an integration by its ID
func (r *GormIntegrationRepository) FindByID(ctx context.Context, id uuid.UUID) (*integration.Integration, error) {
	var model models.IntegrationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", integration.ErrIntegrationNotFound, shared.ErrNotFound)
		}
		return nil, err
	}
	return r.toDomain(&model)
}

// FindByTenant returns the tenant's integrations ordered by creation time
func (r *GormIntegrationRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID) ([]*integration.Integration, error) {
	var rows []models.IntegrationModel
	err := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return r.toDomainSlice(rows)
}

// FindByStatus returns every integration in the given status across tenants
func (r *GormIntegrationRepository) FindByStatus(ctx context.Context, status integration.Status) ([]*integration.Integration, error) {
	var rows []models.IntegrationModel
	err := r.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return r.toDomainSlice(rows)
}

// FindScheduled returns integrations with an automatic sync interval
func (r *GormIntegrationRepository) FindScheduled(ctx context.Context) ([]*integration.Integration, error) {
	var rows []models.IntegrationModel
	err := r.db.WithContext(ctx).
		Where("auto_sync_interval_seconds IS NOT NULL").
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return r.toDomainSlice(rows)
}

// Save creates or updates an integration. Credentials are sealed before
// they reach the database.
func (r *GormIntegrationRepository) Save(ctx context.Context, i *integration.Integration) error {
	sealed, err := r.sealer.EncryptCredentials(i.ID, i.Credentials)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	model, err := models.IntegrationModelFromDomain(i, sealed)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(model).Error
}

// UpdateSyncState writes the columns owned by a sync run
func (r *GormIntegrationRepository) UpdateSyncState(ctx context.Context, i *integration.Integration) error {
	return r.updateColumns(ctx, i.ID, map[string]any{
		"status":                  i.Status.String(),
		"last_sync_error":         i.LastSyncError,
		"last_synced_at":          i.LastSyncedAt,
		"last_successful_sync_at": i.LastSuccessfulSyncAt,
		"synced_record_count":     i.SyncedRecordCount,
		"updated_at":              i.UpdatedAt,
	})
}

// UpdateStatus writes status and last error
func (r *GormIntegrationRepository) UpdateStatus(ctx context.Context, i *integration.Integration) error {
	return r.updateColumns(ctx, i.ID, map[string]any{
		"status":          i.Status.String(),
		"last_sync_error": i.LastSyncError,
		"updated_at":      i.UpdatedAt,
	})
}

// UpdateSchedule writes the automatic sync interval
func (r *GormIntegrationRepository) UpdateSchedule(ctx context.Context, i *integration.Integration) error {
	var secs *int64
	if i.AutoSyncInterval != nil {
		s := int64(*i.AutoSyncInterval / time.Second)
		secs = &s
	}
	return r.updateColumns(ctx, i.ID, map[string]any{
		"auto_sync_interval_seconds": secs,
		"updated_at":                 i.UpdatedAt,
	})
}

// updateColumns updates an existing row only; a missing row is reported as
// not found rather than recreated
func (r *GormIntegrationRepository) updateColumns(ctx context.Context, id uuid.UUID, values map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&models.IntegrationModel{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %w", integration.ErrIntegrationNotFound, shared.ErrNotFound)
	}
	return nil
}

// Delete removes an integration
func (r *GormIntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&models.IntegrationModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %w", integration.ErrIntegrationNotFound, shared.ErrNotFound)
	}
	return nil
}

func (r *GormIntegrationRepository) toDomain(m *models.IntegrationModel) (*integration.Integration, error) {
	creds, err := r.sealer.DecryptCredentials(m.ID, m.CredentialsCiphertext)
	if err != nil {
		return nil, fmt.Errorf("open credentials for integration %s: %w", m.ID, err)
	}
	i, err := m.ToDomain(creds)
	if err != nil {
		return nil, fmt.Errorf("decode integration %s: %w", m.ID, err)
	}
	return i, nil
}

func (r *GormIntegrationRepository) toDomainSlice(rows []models.IntegrationModel) ([]*integration.Integration, error) {
	out := make([]*integration.Integration, 0, len(rows))
	for i := range rows {
		item, err := r.toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

var _ integration.Repository = (*GormIntegrationRepository)(nil)
