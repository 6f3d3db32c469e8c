package connector

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retention/backend/internal/domain/integration"
)

func newTestIntegration(t *testing.T, platform integration.PlatformType, creds integration.Credentials, configuration map[string]string) *integration.Integration {
	t.Helper()
	i, err := integration.NewIntegration(uuid.New(), uuid.New(), platform, "test "+platform.DisplayName(), configuration, creds)
	require.NoError(t, err)
	return i
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		HTTPTimeout: 5 * time.Second,
		MaxRetries:  2,
		PageSize:    2,
	}
}

func testOptions() []Option {
	return []Option{withRetryBase(time.Millisecond)}
}

func fullSync() integration.SyncOptions {
	return integration.SyncOptions{Mode: integration.SyncModeFull}
}

func incrementalSince(since time.Time) integration.SyncOptions {
	return integration.SyncOptions{Mode: integration.SyncModeIncremental, Since: &since}
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// requireBalanced checks the counter invariant on a connector result
func requireBalanced(t *testing.T, res *integration.SyncResult) {
	t.Helper()
	require.NotNil(t, res)
	require.True(t, res.Balanced(), "result not balanced: %+v", res)
}
