package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/models"
)

// wsHandler handles GET /api/v1/ws: upgrades to WebSocket and delegates to
// the ConnectionManager. Subscriptions, catchup, and live delivery all run
// over the client message protocol.
func (s *Server) wsHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	if _, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindEventStream); err != nil {
		return err
	}

	opts := &websocket.AcceptOptions{}
	if origins := s.cfg.Server.AllowedWSOrigins; len(origins) > 0 {
		opts.OriginPatterns = origins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade failed")
	}

	// Blocks until the WebSocket closes.
	s.connMgr.HandleConnection(c.Request().Context(), conn)
	return nil
}

// wsStreamHandler handles GET /api/v1/ws/stream/:stream_id: a WebSocket
// pre-subscribed to one stream, replaying from the client's Last-Event-ID.
func (s *Server) wsStreamHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	streamID := c.Param("stream_id")
	if streamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stream_id is required")
	}

	if _, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindEventStream); err != nil {
		return err
	}

	opts := &websocket.AcceptOptions{}
	if origins := s.cfg.Server.AllowedWSOrigins; len(origins) > 0 {
		opts.OriginPatterns = origins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade failed")
	}

	s.connMgr.HandleStream(c.Request().Context(), conn, streamID, c.Request().Header.Get("Last-Event-ID"))
	return nil
}
