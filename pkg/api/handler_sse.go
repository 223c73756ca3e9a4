package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/models"
)

// sseHandler handles GET /api/v1/sse/stream/:stream_id. The client's
// Last-Event-ID header (or last_event_id query) is the replay cursor; the
// tailer replays the durable suffix, then hands off to live events on the
// same connection with no gap and no duplicates.
func (s *Server) sseHandler(c *echo.Context) error {
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

	cursor := c.Request().Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = c.QueryParam("last_event_id")
	}

	// Validate the cursor before committing the 200, so an unknown cursor
	// is a clean 410 envelope and the client reconnects without one.
	if cursor != "" {
		if _, err := s.store.ListAfter(c.Request().Context(), streamID, cursor, 1); err != nil {
			return err
		}
	}

	res := c.Response()
	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	flusher, ok := res.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	err = s.tailer.Tail(c.Request().Context(), streamID, cursor, func(rec *models.StreamRecord) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "id: %s\ndata: %s\n\n", rec.Envelope.EventID, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if c.Request().Context().Err() != nil {
		return nil // client went away
	}
	return err
}
