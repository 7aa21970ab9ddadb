package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/suteetoe/feedsync/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HealthHandler reports liveness and, on request, database reachability
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler creates a HealthHandler
func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// HealthCheck handles the health check endpoint
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	log := logger.FromEcho(c)

	// Basic response
	response := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}

	// Check database connection if requested
	if c.QueryParam("check") == "db" {
		sqlDB, err := h.db.DB()
		if err != nil {
			log.Error("Database connection error", zap.Error(err))
			response["status"] = "error"
			response["db_status"] = "error"
			response["db_error"] = "Failed to get database connection"
			return c.JSON(http.StatusInternalServerError, response)
		}

		if err := sqlDB.PingContext(c.Request().Context()); err != nil {
			log.Error("Database ping error", zap.Error(err))
			response["status"] = "error"
			response["db_status"] = "error"
			response["db_error"] = "Failed to ping database"
			return c.JSON(http.StatusInternalServerError, response)
		}

		response["db_status"] = "ok"
	}

	return c.JSON(http.StatusOK, response)
}
