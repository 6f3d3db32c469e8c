package integration

import (
	"time"

	"github.com/google/uuid"

	"github.com/retention/backend/internal/domain/integration"
)

// ---------------------------------------------------------------------------
// Response DTOs
// ---------------------------------------------------------------------------

// IntegrationResponse is the API view of an integration. It lists the
// credential keys that are set, never their values.
type IntegrationResponse struct {
	ID                      uuid.UUID                `json:"id"`
	TenantID                uuid.UUID                `json:"tenant_id"`
	Platform                integration.PlatformType `json:"platform"`
	PlatformDisplayName     string                   `json:"platform_display_name"`
	Name                    string                   `json:"name"`
	Configuration           map[string]string        `json:"configuration,omitempty"`
	CredentialKeys          []string                 `json:"credential_keys"`
	Status                  integration.Status       `json:"status"`
	LastSyncedAt            *time.Time               `json:"last_synced_at,omitempty"`
	LastSuccessfulSyncAt    *time.Time               `json:"last_successful_sync_at,omitempty"`
	SyncedRecordCount       int64                    `json:"synced_record_count"`
	LastSyncError           string                   `json:"last_sync_error,omitempty"`
	AutoSyncIntervalMinutes *int                     `json:"auto_sync_interval_minutes,omitempty"`
	NextSyncAt              *time.Time               `json:"next_sync_at,omitempty"`
	CreatedAt               time.Time                `json:"created_at"`
	UpdatedAt               time.Time                `json:"updated_at"`
}

// SyncResultResponse is the API view of a SyncResult
type SyncResultResponse struct {
	Success    bool                        `json:"success"`
	Aborted    bool                        `json:"aborted,omitempty"`
	Fetched    int                         `json:"fetched"`
	Created    int                         `json:"created"`
	Updated    int                         `json:"updated"`
	Skipped    int                         `json:"skipped"`
	Failed     int                         `json:"failed"`
	Failures   []integration.RecordFailure `json:"failures,omitempty"`
	StartedAt  time.Time                   `json:"started_at"`
	DurationMs int64                       `json:"duration_ms"`
}

// SyncOutcomeResponse is one entry of a bulk sync response
type SyncOutcomeResponse struct {
	IntegrationID uuid.UUID           `json:"integration_id"`
	Result        *SyncResultResponse `json:"result,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// RunRecordResponse is the API view of a history entry
type RunRecordResponse struct {
	RunID         uuid.UUID                `json:"run_id"`
	IntegrationID uuid.UUID                `json:"integration_id"`
	Platform      integration.PlatformType `json:"platform"`
	Trigger       Trigger                  `json:"trigger"`
	Mode          integration.SyncMode     `json:"mode,omitempty"`
	Result        *SyncResultResponse      `json:"result,omitempty"`
	Error         string                   `json:"error,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
}

// ---------------------------------------------------------------------------
// Request DTOs
// ---------------------------------------------------------------------------

// CreateIntegrationRequest is the body of an integration creation
type CreateIntegrationRequest struct {
	Platform      string            `json:"platform" binding:"required"`
	Name          string            `json:"name" binding:"required,max=200"`
	Configuration map[string]string `json:"configuration"`
	Credentials   map[string]string `json:"credentials" binding:"required,min=1"`
}

// ScheduleRequest is the body of a schedule change
type ScheduleRequest struct {
	IntervalMinutes int `json:"interval_minutes" binding:"required,min=5,max=10080"`
}

// Interval returns the requested interval
func (r ScheduleRequest) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// ---------------------------------------------------------------------------
// Conversion functions
// ---------------------------------------------------------------------------

// ToIntegrationResponse converts an integration; nextSyncAt may be nil
func ToIntegrationResponse(i *integration.Integration, nextSyncAt *time.Time) IntegrationResponse {
	resp := IntegrationResponse{
		ID:                   i.ID,
		TenantID:             i.TenantID,
		Platform:             i.Platform,
		PlatformDisplayName:  i.Platform.DisplayName(),
		Name:                 i.Name,
		Configuration:        i.Configuration,
		CredentialKeys:       i.Credentials.Keys(),
		Status:               i.Status,
		LastSyncedAt:         i.LastSyncedAt,
		LastSuccessfulSyncAt: i.LastSuccessfulSyncAt,
		SyncedRecordCount:    i.SyncedRecordCount,
		LastSyncError:        i.ErrorMessage(),
		NextSyncAt:           nextSyncAt,
		CreatedAt:            i.CreatedAt,
		UpdatedAt:            i.UpdatedAt,
	}
	if resp.CredentialKeys == nil {
		resp.CredentialKeys = []string{}
	}
	if i.AutoSyncInterval != nil {
		minutes := int(i.AutoSyncInterval.Minutes())
		resp.AutoSyncIntervalMinutes = &minutes
	}
	return resp
}

// ToSyncResultResponse converts a result; nil stays nil
func ToSyncResultResponse(r *integration.SyncResult) *SyncResultResponse {
	if r == nil {
		return nil
	}
	return &SyncResultResponse{
		Success:    r.Success,
		Aborted:    r.Aborted,
		Fetched:    r.Fetched,
		Created:    r.Created,
		Updated:    r.Updated,
		Skipped:    r.Skipped,
		Failed:     r.Failed,
		Failures:   r.Failures,
		StartedAt:  r.StartedAt,
		DurationMs: r.Duration.Milliseconds(),
	}
}

// ToSyncOutcomeResponses converts bulk sync outcomes
func ToSyncOutcomeResponses(outcomes []SyncOutcome) []SyncOutcomeResponse {
	out := make([]SyncOutcomeResponse, len(outcomes))
	for n, o := range outcomes {
		out[n] = SyncOutcomeResponse{
			IntegrationID: o.IntegrationID,
			Result:        ToSyncResultResponse(o.Result),
		}
		if o.Err != nil {
			out[n].Error = o.Err.Error()
		}
	}
	return out
}

// ToRunRecordResponses converts history entries
func ToRunRecordResponses(records []RunRecord) []RunRecordResponse {
	out := make([]RunRecordResponse, len(records))
	for n, r := range records {
		out[n] = RunRecordResponse{
			RunID:         r.RunID,
			IntegrationID: r.IntegrationID,
			Platform:      r.Platform,
			Trigger:       r.Trigger,
			Mode:          r.Mode,
			Result:        ToSyncResultResponse(r.Result),
			Error:         r.Error,
			StartedAt:     r.StartedAt,
			FinishedAt:    r.FinishedAt,
		}
	}
	return out
}
