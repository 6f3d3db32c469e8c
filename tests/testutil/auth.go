package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/retention/backend/internal/infrastructure/auth"
	"github.com/retention/backend/internal/infrastructure/config"
)

// TestJWTConfig is the signing configuration used by API tests
var TestJWTConfig = config.JWTConfig{
	Secret: "test-secret-key-with-at-least-32-bytes!!",
	Issuer: "retention-test",
}

// NewJWTService returns a service signing with TestJWTConfig
func NewJWTService() *auth.JWTService {
	return auth.NewJWTService(TestJWTConfig)
}

// Token signs an access token for tenantID and userID carrying perms
func Token(t *testing.T, svc *auth.JWTService, tenantID, userID uuid.UUID, perms ...string) string {
	t.Helper()
	token, err := svc.GenerateAccessToken(auth.GenerateTokenInput{
		TenantID:    tenantID,
		UserID:      userID,
		Username:    "tester",
		Permissions: perms,
		TTL:         time.Hour,
	})
	require.NoError(t, err, "Failed to sign token")
	return token
}
