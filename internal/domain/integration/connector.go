package integration

import (
	"context"
)

// ---------------------------------------------------------------------------
// Connector port
// ---------------------------------------------------------------------------

// Connector is implemented once per platform. It owns the platform's rate
// limiting, pagination and field mapping. A malformed remote record must be
// reported through the result's failures and never abort the run.
type Connector interface {
	// Platform returns the platform this connector serves
	Platform() PlatformType

	// TestConnection verifies reachability and credentials.
	// Fails with ErrConnection when the platform is unreachable or rejects the credentials.
	TestConnection(ctx context.Context, integration *Integration) (bool, error)

	// SyncCustomers fetches customer records. The returned result carries the
	// mapped records in Records for the caller to merge. When opts.Timeout
	// elapses the connector stops fetching and returns the partial result
	// with Success=false and a timeout failure. A fault that is not
	// per-record returns the partial result together with an error.
	SyncCustomers(ctx context.Context, integration *Integration, opts SyncOptions) (*SyncResult, error)
}

// ConnectorRegistry resolves connectors by platform type. It is built once at
// startup and safe for concurrent reads.
type ConnectorRegistry interface {
	// GetService returns the connector for a platform or ErrUnsupportedPlatform
	GetService(platform PlatformType) (Connector, error)
	// GetAllServices returns every registered connector
	GetAllServices() []Connector
}
