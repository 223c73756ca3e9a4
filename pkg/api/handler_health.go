package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/database"
	"github.com/enginekit/substrate/pkg/version"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":             "healthy",
		"version":            version.GitCommit,
		"database":           dbHealth,
		"active_connections": s.connMgr.ActiveConnections(),
	})
}
