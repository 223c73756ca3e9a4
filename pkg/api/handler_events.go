package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/metrics"
	"github.com/enginekit/substrate/pkg/models"
)

// appendEventHandler handles POST /api/v1/events/append. The envelope's
// routing fields are stamped from the resolved context; client-supplied
// identity fields that disagree are refused by the gate chain before the
// write happens.
func (s *Server) appendEventHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	var req models.AppendEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.StreamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stream_id is required")
	}

	if err := s.gates.Run(c.Request().Context(), "events.append", rc, identity.PayloadScope{
		TenantID:  req.Envelope.TenantID,
		Mode:      string(req.Envelope.Mode),
		Env:       string(req.Envelope.Env),
		ProjectID: req.Envelope.ProjectID,
		SurfaceID: req.Envelope.SurfaceID,
		AppID:     req.Envelope.AppID,
	}); err != nil {
		return err
	}

	// Server-derived context wins over whatever the client put in the
	// envelope. Only event semantics survive from the request.
	env := rc.Envelope(req.Envelope.EventType, req.Envelope.ActorType, req.Envelope.StorageClass)
	env.Severity = req.Envelope.Severity
	env.IdempotencyKey = req.Envelope.IdempotencyKey
	env.ThreadID = req.Envelope.ThreadID
	env.CanvasID = req.Envelope.CanvasID
	env.SessionID = req.Envelope.SessionID
	env.PIIFlags = req.Envelope.PIIFlags
	if env.ActorType == "" {
		env.ActorType = models.ActorAgent
	}

	if _, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindEventStream); err != nil {
		return err
	}

	rec, err := s.store.Append(c.Request().Context(), req.StreamID, env, req.Payload)
	if err != nil {
		metrics.StreamAppends.WithLabelValues("error").Inc()
		return err
	}
	metrics.StreamAppends.WithLabelValues("ok").Inc()
	return c.JSON(http.StatusOK, rec)
}

// tailEventsHandler handles GET /api/v1/events/tail: the REST replay path.
// Unknown cursors are 410 so clients know to restart without one.
func (s *Server) tailEventsHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	streamID := c.QueryParam("stream_id")
	if streamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stream_id is required")
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	if _, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindEventStream); err != nil {
		return err
	}

	records, err := s.store.ListAfter(c.Request().Context(), streamID, c.QueryParam("after"), limit)
	if err != nil {
		return err
	}

	cursor := c.QueryParam("after")
	if len(records) > 0 {
		cursor = records[len(records)-1].Envelope.EventID
	}
	return c.JSON(http.StatusOK, map[string]any{
		"stream_id": streamID,
		"events":    records,
		"cursor":    cursor,
		"has_more":  len(records) == limit,
	})
}
