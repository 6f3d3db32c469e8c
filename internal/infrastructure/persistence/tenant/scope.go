// Package tenant provides multi-tenant database scoping for GORM.
//
// Every synchronized row belongs to exactly one tenant. Repositories apply
// these scopes so that a query issued for one tenant can never observe
// another tenant's integrations or customers.
//
// Usage:
//
//	db.WithContext(ctx).Scopes(tenant.Scope(tenantID)).Find(&rows)
package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/retention/backend/internal/infrastructure/logger"
)

// ErrTenantIDRequired is returned when tenant_id is required but not found
var ErrTenantIDRequired = errors.New("tenant_id is required but not found")

// ErrInvalidTenantID is returned when tenant_id format is invalid
var ErrInvalidTenantID = errors.New("invalid tenant_id format")

// Scope filters a query by tenant. A nil tenant ID poisons the statement
// instead of silently matching every row.
func Scope(tenantID uuid.UUID) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if tenantID == uuid.Nil {
			_ = db.AddError(ErrTenantIDRequired)
			return db
		}
		return db.Where("tenant_id = ?", tenantID)
	}
}

// FromContext returns a scope built from the tenant stored in ctx by the
// HTTP middleware.
func FromContext(ctx context.Context) func(db *gorm.DB) *gorm.DB {
	raw := logger.GetTenantID(ctx)
	if raw == "" {
		return Scope(uuid.Nil)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return func(db *gorm.DB) *gorm.DB {
			_ = db.AddError(ErrInvalidTenantID)
			return db
		}
	}
	return Scope(id)
}
