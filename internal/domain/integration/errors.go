package integration

import (
	"github.com/retention/backend/internal/domain/shared"
)

// ---------------------------------------------------------------------------
// Integration Errors
// ---------------------------------------------------------------------------

var (
	// ErrIntegrationNotFound is returned when an integration identity is unknown.
	ErrIntegrationNotFound = shared.NewDomainError("INTEGRATION_NOT_FOUND", "Integration not found")
	// ErrUnsupportedPlatform is returned when no connector is registered for a platform type.
	ErrUnsupportedPlatform = shared.NewDomainError("UNSUPPORTED_PLATFORM", "Platform is not supported")
	// ErrSyncAlreadyInProgress is returned when another run holds the integration's execution lock.
	ErrSyncAlreadyInProgress = shared.NewDomainError("SYNC_IN_PROGRESS", "A sync is already in progress for this integration")
	// ErrConnection is returned when a platform is unreachable or rejects the credentials.
	ErrConnection = shared.NewDomainError("CONNECTION_FAILED", "Could not connect to the platform")
	// ErrSyncTimeout marks a run that exceeded SyncOptions.Timeout.
	ErrSyncTimeout = shared.NewDomainError("SYNC_TIMEOUT", "Sync timed out")

	ErrInvalidPlatform      = shared.NewDomainError("INVALID_PLATFORM", "Invalid platform type")
	ErrInvalidName          = shared.NewDomainError("INVALID_NAME", "Integration name is required")
	ErrEmptyCredential      = shared.NewDomainError("EMPTY_CREDENTIAL", "Credential values must not be empty")
	ErrInvalidSyncInterval  = shared.NewDomainError("INVALID_SYNC_INTERVAL", "Sync interval is out of range")
	ErrMissingConfiguration = shared.NewDomainError("MISSING_CONFIGURATION", "Required configuration is missing")
	ErrInvalidTransition    = shared.NewDomainError("INVALID_STATUS_TRANSITION", "Invalid integration status transition")
)
