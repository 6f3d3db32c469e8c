package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/retention/backend/internal/domain/integration"
)

// IntegrationModel is the persistence model for the Integration aggregate.
// Credentials are stored as a sealed envelope produced by the credential
// cipher; the model never sees plaintext values.
type IntegrationModel struct {
	BaseModel
	TenantID              uuid.UUID  `gorm:"type:uuid;not null;index:idx_integrations_tenant"`
	UserID                uuid.UUID  `gorm:"type:uuid;not null"`
	Platform              string     `gorm:"type:varchar(32);not null;index:idx_integrations_platform"`
	Name                  string     `gorm:"type:varchar(200);not null"`
	ConfigurationJSON     string     `gorm:"type:text;column:configuration"`
	CredentialsCiphertext string     `gorm:"type:text;column:credentials"`
	Status                string     `gorm:"type:varchar(20);not null;default:'DISCONNECTED';index:idx_integrations_status"`
	LastSyncedAt          *time.Time `gorm:"index"`
	LastSuccessfulSyncAt  *time.Time
	SyncedRecordCount     int64   `gorm:"not null;default:0"`
	LastSyncError         *string `gorm:"type:text"`
	AutoSyncIntervalSecs  *int64  `gorm:"column:auto_sync_interval_seconds;index:idx_integrations_scheduled"`
}

// TableName returns the table name for GORM
func (IntegrationModel) TableName() string {
	return "integrations"
}

// ToDomain converts the persistence model to a domain Integration. The
// caller supplies the already opened credentials.
func (m *IntegrationModel) ToDomain(creds integration.Credentials) (*integration.Integration, error) {
	cfg := map[string]string{}
	if m.ConfigurationJSON != "" {
		if err := json.Unmarshal([]byte(m.ConfigurationJSON), &cfg); err != nil {
			return nil, err
		}
	}
	if creds == nil {
		creds = integration.Credentials{}
	}

	i := &integration.Integration{
		BaseEntity:           m.BaseModel.ToDomain(),
		TenantID:             m.TenantID,
		UserID:               m.UserID,
		Platform:             integration.PlatformType(m.Platform),
		Name:                 m.Name,
		Configuration:        cfg,
		Credentials:          creds,
		Status:               integration.Status(m.Status),
		LastSyncedAt:         m.LastSyncedAt,
		LastSuccessfulSyncAt: m.LastSuccessfulSyncAt,
		SyncedRecordCount:    m.SyncedRecordCount,
		LastSyncError:        m.LastSyncError,
	}
	if m.AutoSyncIntervalSecs != nil {
		d := time.Duration(*m.AutoSyncIntervalSecs) * time.Second
		i.AutoSyncInterval = &d
	}
	return i, nil
}

// IntegrationModelFromDomain builds a persistence model from an Integration
// and its sealed credentials
func IntegrationModelFromDomain(i *integration.Integration, sealedCredentials string) (*IntegrationModel, error) {
	cfg := i.Configuration
	if cfg == nil {
		cfg = map[string]string{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	m := &IntegrationModel{
		TenantID:              i.TenantID,
		UserID:                i.UserID,
		Platform:              i.Platform.String(),
		Name:                  i.Name,
		ConfigurationJSON:     string(cfgJSON),
		CredentialsCiphertext: sealedCredentials,
		Status:                i.Status.String(),
		LastSyncedAt:          i.LastSyncedAt,
		LastSuccessfulSyncAt:  i.LastSuccessfulSyncAt,
		SyncedRecordCount:     i.SyncedRecordCount,
		LastSyncError:         i.LastSyncError,
	}
	m.FromDomainBaseEntity(i.BaseEntity)
	if i.AutoSyncInterval != nil {
		secs := int64(*i.AutoSyncInterval / time.Second)
		m.AutoSyncIntervalSecs = &secs
	}
	return m, nil
}
