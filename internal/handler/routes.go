package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/suteetoe/feedsync/prometheus"
)

// Routes mounts every endpoint of the service on e
func Routes(e *echo.Echo, syncs *SyncHandler, feeds *FeedHandler, health *HealthHandler) {
	// Metrics endpoint
	e.GET("/metrics", echo.WrapHandler(prometheus.GetPrometheusHandler()))

	// Health check endpoint
	e.GET("/health", health.HealthCheck)

	api := e.Group("/api")
	syncs.Register(api.Group("/sync"))
	api.GET("/feeds/:id", feeds.GetFeed)
	api.GET("/cache/:slug", feeds.GetCache)
}
