package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retention/backend/internal/interfaces/http/dto"
)

// Integration API permissions carried in access tokens
const (
	PermIntegrationRead   = "integration:read"
	PermIntegrationWrite  = "integration:write"
	PermIntegrationSync   = "integration:sync"
	PermIntegrationManage = "integration:manage"
)

// PermissionConfig holds configuration for permission middleware
type PermissionConfig struct {
	Logger *zap.Logger
	// OnDenied is called when permission is denied (optional)
	OnDenied func(c *gin.Context, requiredPerms []string)
}

// RequirePermission creates middleware that requires a specific permission
func RequirePermission(permission string) gin.HandlerFunc {
	return RequireAnyPermissionWithConfig(PermissionConfig{}, permission)
}

// RequireAnyPermission creates middleware that requires any of the specified permissions
func RequireAnyPermission(permissions ...string) gin.HandlerFunc {
	return RequireAnyPermissionWithConfig(PermissionConfig{}, permissions...)
}

// RequireAnyPermissionWithConfig creates middleware that requires any of the
// specified permissions with custom config. integration:manage satisfies
// every integration permission.
func RequireAnyPermissionWithConfig(cfg PermissionConfig, permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetJWTClaims(c)
		if claims == nil {
			handlePermissionDenied(c, cfg, permissions, "no authentication claims found")
			return
		}

		if !HasAnyPermission(c, permissions...) {
			handlePermissionDenied(c, cfg, permissions, "user lacks required permission")
			return
		}

		c.Next()
	}
}

// HasAnyPermission reports whether the authenticated caller holds any of the
// permissions
func HasAnyPermission(c *gin.Context, permissions ...string) bool {
	granted := GetJWTPermissions(c)
	if slices.Contains(granted, PermIntegrationManage) {
		return true
	}
	for _, p := range permissions {
		if slices.Contains(granted, p) {
			return true
		}
	}
	return false
}

func handlePermissionDenied(c *gin.Context, cfg PermissionConfig, requiredPerms []string, reason string) {
	if cfg.OnDenied != nil {
		cfg.OnDenied(c, requiredPerms)
		return
	}

	if cfg.Logger != nil {
		cfg.Logger.Warn("Permission denied",
			zap.String("reason", reason),
			zap.String("user_id", GetJWTUserID(c)),
			zap.Strings("required_permissions", requiredPerms),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
	}

	c.AbortWithStatusJSON(http.StatusForbidden, dto.NewErrorResponseWithRequestID(
		dto.ErrCodeForbidden, "Access denied: insufficient permissions", GetRequestID(c)))
}
