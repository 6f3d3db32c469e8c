package integration

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the narrow store interface the sync engine uses for
// integrations. FindByID returns ErrIntegrationNotFound for unknown ids.
//
// Save writes the whole row and is meant for new integrations. Writes that
// can race with a running sync go through the Update methods, which touch
// only their own columns and return ErrIntegrationNotFound when the row no
// longer exists instead of recreating it.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Integration, error)
	FindByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Integration, error)
	FindByStatus(ctx context.Context, status Status) ([]*Integration, error)
	FindScheduled(ctx context.Context) ([]*Integration, error)
	Save(ctx context.Context, integration *Integration) error
	// UpdateSyncState writes status, last error, sync timestamps and the
	// synced record count
	UpdateSyncState(ctx context.Context, integration *Integration) error
	// UpdateStatus writes status and last error
	UpdateStatus(ctx context.Context, integration *Integration) error
	// UpdateSchedule writes the automatic sync interval
	UpdateSchedule(ctx context.Context, integration *Integration) error
	Delete(ctx context.Context, id uuid.UUID) error
}
