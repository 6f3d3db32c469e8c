package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/retention/backend/internal/domain/customer"
)

// SyncedCustomerModel is a canonical customer row. The merge key is the
// unique (tenant_id, platform, external_id) index.
type SyncedCustomerModel struct {
	BaseModel
	TenantID        uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uq_synced_customers_key,priority:1"`
	Platform        string          `gorm:"type:varchar(32);not null;uniqueIndex:uq_synced_customers_key,priority:2"`
	ExternalID      string          `gorm:"type:varchar(255);not null;uniqueIndex:uq_synced_customers_key,priority:3"`
	IntegrationID   uuid.UUID       `gorm:"type:uuid;not null;index:idx_synced_customers_integration"`
	Email           string          `gorm:"type:varchar(320);index:idx_synced_customers_email"`
	FirstName       string          `gorm:"type:varchar(100)"`
	LastName        string          `gorm:"type:varchar(100)"`
	Phone           string          `gorm:"type:varchar(50)"`
	Company         string          `gorm:"type:varchar(200)"`
	LifetimeValue   decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Currency        string          `gorm:"type:varchar(3)"`
	TagsJSON        string          `gorm:"type:text;column:tags"`
	AttributesJSON  string          `gorm:"type:text;column:attributes"`
	ContentHash     string          `gorm:"type:varchar(64);not null"`
	RemoteUpdatedAt *time.Time
	FirstSyncedAt   time.Time `gorm:"not null"`
	LastSyncedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncedCustomerModel) TableName() string {
	return "synced_customers"
}

// SyncedCustomerModelFromRecord builds a row for a normalized record
func SyncedCustomerModelFromRecord(key customer.Key, integrationID uuid.UUID, rec customer.Record, hash string, now time.Time) (*SyncedCustomerModel, error) {
	tags, err := json.Marshal(nonNilTags(rec.Tags))
	if err != nil {
		return nil, err
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}

	return &SyncedCustomerModel{
		BaseModel:       BaseModel{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		TenantID:        key.TenantID,
		Platform:        key.Platform,
		ExternalID:      key.ExternalID,
		IntegrationID:   integrationID,
		Email:           rec.Email,
		FirstName:       rec.FirstName,
		LastName:        rec.LastName,
		Phone:           rec.Phone,
		Company:         rec.Company,
		LifetimeValue:   rec.LifetimeValue,
		Currency:        rec.Currency,
		TagsJSON:        string(tags),
		AttributesJSON:  string(attrsJSON),
		ContentHash:     hash,
		RemoteUpdatedAt: rec.RemoteUpdatedAt,
		FirstSyncedAt:   now,
		LastSyncedAt:    now,
	}, nil
}

// ContentColumns returns the columns rewritten when content changes
func (m *SyncedCustomerModel) ContentColumns() map[string]any {
	return map[string]any{
		"integration_id":    m.IntegrationID,
		"email":             m.Email,
		"first_name":        m.FirstName,
		"last_name":         m.LastName,
		"phone":             m.Phone,
		"company":           m.Company,
		"lifetime_value":    m.LifetimeValue,
		"currency":          m.Currency,
		"tags":              m.TagsJSON,
		"attributes":        m.AttributesJSON,
		"content_hash":      m.ContentHash,
		"remote_updated_at": m.RemoteUpdatedAt,
		"last_synced_at":    m.LastSyncedAt,
		"updated_at":        m.UpdatedAt,
	}
}

// ToDomain converts the row to a canonical customer
func (m *SyncedCustomerModel) ToDomain() (*customer.Customer, error) {
	rec := customer.Record{
		ExternalID:      m.ExternalID,
		Email:           m.Email,
		FirstName:       m.FirstName,
		LastName:        m.LastName,
		Phone:           m.Phone,
		Company:         m.Company,
		LifetimeValue:   m.LifetimeValue,
		Currency:        m.Currency,
		RemoteUpdatedAt: m.RemoteUpdatedAt,
	}
	if m.TagsJSON != "" {
		if err := json.Unmarshal([]byte(m.TagsJSON), &rec.Tags); err != nil {
			return nil, err
		}
		if len(rec.Tags) == 0 {
			rec.Tags = nil
		}
	}
	if m.AttributesJSON != "" {
		if err := json.Unmarshal([]byte(m.AttributesJSON), &rec.Attributes); err != nil {
			return nil, err
		}
		if len(rec.Attributes) == 0 {
			rec.Attributes = nil
		}
	}

	return &customer.Customer{
		ID:            m.ID,
		TenantID:      m.TenantID,
		IntegrationID: m.IntegrationID,
		Platform:      m.Platform,
		Record:        rec,
		ContentHash:   m.ContentHash,
		FirstSyncedAt: m.FirstSyncedAt,
		LastSyncedAt:  m.LastSyncedAt,
	}, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
