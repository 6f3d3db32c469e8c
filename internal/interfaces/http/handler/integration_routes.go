package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/retention/backend/internal/interfaces/http/middleware"
	"github.com/retention/backend/internal/interfaces/http/router"
)

// IntegrationRoutes builds the /integrations route group. syncLimit, when
// not nil, guards the endpoints that start sync runs or call out to a
// platform.
func IntegrationRoutes(h *IntegrationHandler, syncLimit gin.HandlerFunc) *router.DomainGroup {
	read := middleware.RequirePermission(middleware.PermIntegrationRead)
	write := middleware.RequirePermission(middleware.PermIntegrationWrite)
	sync := middleware.RequirePermission(middleware.PermIntegrationSync)

	limited := func(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
		if syncLimit == nil {
			return handlers
		}
		return append([]gin.HandlerFunc{syncLimit}, handlers...)
	}

	g := router.NewDomainGroup("integrations", "/integrations")
	g.GET("/platforms", read, h.ListPlatforms)
	g.GET("/runs", read, h.RecentRuns)
	g.POST("/sync", limited(sync, h.SyncAll)...)
	g.GET("", read, h.List)
	g.POST("", write, h.Create)
	g.GET("/:id", read, h.Get)
	g.DELETE("/:id", write, h.Delete)
	g.POST("/:id/test", limited(write, h.TestConnection)...)
	g.POST("/:id/sync", limited(sync, h.Sync)...)
	g.PUT("/:id/schedule", write, h.Schedule)
	g.DELETE("/:id/schedule", write, h.Unschedule)
	return g
}
