package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/retention/backend/internal/infrastructure/auth"
	"github.com/retention/backend/internal/interfaces/http/dto"
)

func withClaims(perms ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(JWTClaimsKey, &auth.Claims{UserID: "u1", TenantID: "t1", Permissions: perms})
		c.Set(JWTPermissions, perms)
		c.Next()
	}
}

func TestRequireAnyPermission(t *testing.T) {
	tests := []struct {
		name     string
		auth     gin.HandlerFunc
		required []string
		want     int
	}{
		{"exact permission", withClaims(PermIntegrationRead), []string{PermIntegrationRead}, http.StatusOK},
		{"one of several", withClaims(PermIntegrationSync), []string{PermIntegrationWrite, PermIntegrationSync}, http.StatusOK},
		{"manage grants all", withClaims(PermIntegrationManage), []string{PermIntegrationSync}, http.StatusOK},
		{"missing permission", withClaims(PermIntegrationRead), []string{PermIntegrationWrite}, http.StatusForbidden},
		{"no claims", func(c *gin.Context) { c.Next() }, []string{PermIntegrationRead}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(tt.auth, RequireAnyPermission(tt.required...))
			router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, dto.ErrCodeForbidden, decodeError(t, rec).Code)
			}
		})
	}
}

func TestRequirePermission_OnDenied(t *testing.T) {
	var denied []string
	router := gin.New()
	router.Use(withClaims(), RequireAnyPermissionWithConfig(PermissionConfig{
		OnDenied: func(c *gin.Context, perms []string) {
			denied = perms
			c.AbortWithStatus(http.StatusTeapot)
		},
	}, PermIntegrationWrite))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, []string{PermIntegrationWrite}, denied)
}
