package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/models"
)

// blackboardWriteHandler handles POST /api/v1/blackboard/write. The write is
// optimistic: expected_version nil creates, otherwise compare-and-set. A
// lost race is a 409 carrying the current version.
func (s *Server) blackboardWriteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	var req models.BlackboardWriteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.gates.Run(c.Request().Context(), "blackboard.write", rc, identity.PayloadScope{
		TenantID:  req.TenantID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		SurfaceID: req.SurfaceID,
		Mode:      req.Mode,
	}); err != nil {
		return err
	}

	if _, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindBlackboardStore); err != nil {
		return err
	}

	entry, err := s.blackboard.Write(c.Request().Context(), rc.Actor(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// blackboardReadHandler handles GET /api/v1/blackboard/read. With a version
// query it reads that historical version, otherwise the latest.
func (s *Server) blackboardReadHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	streamKey := c.QueryParam("stream_key")
	key := c.QueryParam("key")
	if streamKey == "" || key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stream_key and key are required")
	}

	if _, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindBlackboardStore); err != nil {
		return err
	}

	if raw := c.QueryParam("version"); raw != "" {
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || version < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
		}
		result, err := s.blackboard.ReadVersion(c.Request().Context(), streamKey, key, version)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, result)
	}

	result, err := s.blackboard.Read(c.Request().Context(), streamKey, key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// blackboardKeysHandler handles GET /api/v1/blackboard/keys.
func (s *Server) blackboardKeysHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	streamKey := c.QueryParam("stream_key")
	if streamKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stream_key is required")
	}

	if _, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindBlackboardStore); err != nil {
		return err
	}

	entries, err := s.blackboard.ListKeys(c.Request().Context(), streamKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}
