package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// auditEntriesHandler handles GET /api/v1/audit/entries: a page of the
// tenant's chain after the given seq.
func (s *Server) auditEntriesHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	afterSeq := int64(0)
	if raw := c.QueryParam("after_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		afterSeq = parsed
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	entries, err := s.auditor.List(c.Request().Context(), rc.TenantID, afterSeq, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tenant_id": rc.TenantID,
		"entries":   entries,
	})
}

// auditVerifyHandler handles GET /api/v1/audit/verify: recomputes the
// tenant's hash chain and reports the first broken link, if any.
func (s *Server) auditVerifyHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	result, err := s.auditor.Verify(c.Request().Context(), rc.TenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
