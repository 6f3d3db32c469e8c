package integration

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/retention/backend/internal/domain/shared"
	"go.uber.org/zap/zapcore"
)

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status is the connection/sync status of an integration
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnected    Status = "CONNECTED"
	StatusSyncing      Status = "SYNCING"
	StatusError        Status = "ERROR"
)

// IsValid returns true if the status is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusDisconnected, StatusConnected, StatusSyncing, StatusError:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// Sync interval bounds for automatic synchronization
const (
	MinSyncInterval = 5 * time.Minute
	MaxSyncInterval = 7 * 24 * time.Hour
)

// ValidateSyncInterval checks an automatic sync interval against its bounds
func ValidateSyncInterval(d time.Duration) error {
	if d < MinSyncInterval || d > MaxSyncInterval {
		return fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidSyncInterval, d, MinSyncInterval, MaxSyncInterval)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// Credentials is an opaque key-value secret set whose schema is owned by the
// platform's connector. Values never leave the process through String, JSON
// or structured logging.
type Credentials map[string]string

// Validate ensures no credential value is empty
func (c Credentials) Validate() error {
	for k, v := range c {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %q", ErrEmptyCredential, k)
		}
	}
	return nil
}

// Get returns a credential value
func (c Credentials) Get(key string) string {
	return c[key]
}

// Keys returns the sorted credential keys
func (c Credentials) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String implements fmt.Stringer without revealing values
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials%v", c.Keys())
}

// MarshalJSON emits only the credential keys
func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Keys())
}

// MarshalLogObject implements zapcore.ObjectMarshaler without revealing values
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for _, k := range c.Keys() {
		enc.AddString(k, "[REDACTED]")
	}
	return nil
}

// Redact replaces every credential value found in msg
func (c Credentials) Redact(msg string) string {
	for _, v := range c {
		if len(v) < 4 {
			continue
		}
		msg = strings.ReplaceAll(msg, v, "[REDACTED]")
	}
	return msg
}

// Clone returns a copy safe to hand to a connector
func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Integration aggregate
// ---------------------------------------------------------------------------

// Integration is one connected account of one external platform for one
// tenant. Status and LastSyncError only change through the methods below so
// that an ERROR status always carries an error message and no other status
// does.
type Integration struct {
	shared.BaseEntity
	TenantID             uuid.UUID
	UserID               uuid.UUID
	Platform             PlatformType
	Name                 string
	Configuration        map[string]string
	Credentials          Credentials
	Status               Status
	LastSyncedAt         *time.Time
	LastSuccessfulSyncAt *time.Time
	SyncedRecordCount    int64
	LastSyncError        *string
	AutoSyncInterval     *time.Duration
}

// NewIntegration creates a disconnected integration
func NewIntegration(tenantID, userID uuid.UUID, platform PlatformType, name string, configuration map[string]string, credentials Credentials) (*Integration, error) {
	if !platform.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := credentials.Validate(); err != nil {
		return nil, err
	}
	if configuration == nil {
		configuration = map[string]string{}
	}
	if credentials == nil {
		credentials = Credentials{}
	}

	return &Integration{
		BaseEntity:    shared.NewBaseEntity(),
		TenantID:      tenantID,
		UserID:        userID,
		Platform:      platform,
		Name:          name,
		Configuration: configuration,
		Credentials:   credentials,
		Status:        StatusDisconnected,
	}, nil
}

// Config returns a configuration value
func (i *Integration) Config(key string) string {
	return i.Configuration[key]
}

// HasError reports whether the integration currently carries an error
func (i *Integration) HasError() bool {
	return i.Status == StatusError
}

// ErrorMessage returns the last error or an empty string
func (i *Integration) ErrorMessage() string {
	if i.LastSyncError == nil {
		return ""
	}
	return *i.LastSyncError
}

// MarkConnected records a successful connection test
func (i *Integration) MarkConnected(now time.Time) {
	i.Status = StatusConnected
	i.LastSyncError = nil
	i.UpdatedAt = now
}

// MarkSyncing moves the integration into SYNCING and clears any previous error
func (i *Integration) MarkSyncing(now time.Time) {
	i.Status = StatusSyncing
	i.LastSyncError = nil
	i.UpdatedAt = now
}

// MarkFailed moves the integration into ERROR with the given message
func (i *Integration) MarkFailed(message string, now time.Time) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "sync failed"
	}
	i.Status = StatusError
	i.LastSyncError = &message
	i.UpdatedAt = now
}

// CompleteSync applies the outcome of a run that started at startedAt. The
// incremental cursor moves to startedAt, not now, so remote changes made
// while the run was fetching are picked up by the next incremental run.
func (i *Integration) CompleteSync(result *SyncResult, startedAt, now time.Time) {
	i.LastSyncedAt = &now
	i.SyncedRecordCount += int64(result.Created + result.Updated)
	if result.Success {
		i.MarkConnected(now)
		i.LastSuccessfulSyncAt = &startedAt
		return
	}
	i.MarkFailed(result.Summary(), now)
}

// RotateCredentials replaces the credentials; the integration must be
// connection-tested again before it is considered connected.
func (i *Integration) RotateCredentials(credentials Credentials, now time.Time) error {
	if err := credentials.Validate(); err != nil {
		return err
	}
	i.Credentials = credentials
	i.Status = StatusDisconnected
	i.LastSyncError = nil
	i.UpdatedAt = now
	return nil
}

// EnableAutoSync records the automatic sync interval
func (i *Integration) EnableAutoSync(interval time.Duration, now time.Time) error {
	if err := ValidateSyncInterval(interval); err != nil {
		return err
	}
	i.AutoSyncInterval = &interval
	i.UpdatedAt = now
	return nil
}

// DisableAutoSync clears the automatic sync interval
func (i *Integration) DisableAutoSync(now time.Time) {
	i.AutoSyncInterval = nil
	i.UpdatedAt = now
}

// SyncOptionsFor builds the options of a run. A run is incremental unless a
// full resync was requested or the integration never synced successfully.
func (i *Integration) SyncOptionsFor(full bool, maxRecords int, timeout time.Duration) SyncOptions {
	opts := SyncOptions{
		Mode:       SyncModeFull,
		MaxRecords: maxRecords,
		Timeout:    timeout,
	}
	if !full && i.LastSuccessfulSyncAt != nil {
		since := *i.LastSuccessfulSyncAt
		opts.Mode = SyncModeIncremental
		opts.Since = &since
	}
	return opts
}
