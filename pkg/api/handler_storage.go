package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/models"
)

// maxObjectBytes caps a single object upload through the API.
const maxObjectBytes = 16 << 20

// memorySetRequest is the body of POST /api/v1/memory/set.
type memorySetRequest struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// memorySetHandler handles POST /api/v1/memory/set on the routed
// memory_store backend.
func (s *Server) memorySetHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	var req memorySetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}

	if err := s.gates.Run(c.Request().Context(), "memory.set", rc, identity.PayloadScope{}); err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindMemoryStore)
	if err != nil {
		return err
	}
	store, err := s.factory.MemoryStore(route)
	if err != nil {
		return err
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := store.Set(c.Request().Context(), req.Key, []byte(req.Value), ttl); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// memoryGetHandler handles GET /api/v1/memory/get.
func (s *Server) memoryGetHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindMemoryStore)
	if err != nil {
		return err
	}
	store, err := s.factory.MemoryStore(route)
	if err != nil {
		return err
	}

	value, found, err := store.Get(c.Request().Context(), key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"found": found,
		"value": string(value),
	})
}

// memoryDeleteHandler handles DELETE /api/v1/memory/delete.
func (s *Server) memoryDeleteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}

	if err := s.gates.Run(c.Request().Context(), "memory.delete", rc, identity.PayloadScope{}); err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindMemoryStore)
	if err != nil {
		return err
	}
	store, err := s.factory.MemoryStore(route)
	if err != nil {
		return err
	}

	if err := store.Delete(c.Request().Context(), key); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// objectPutHandler handles PUT /api/v1/objects/:key. The body is the blob;
// Content-Type rides along.
func (s *Server) objectPutHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	key := c.Param("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}

	if err := s.gates.Run(c.Request().Context(), "objects.put", rc, identity.PayloadScope{}); err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindObjectStore)
	if err != nil {
		return err
	}
	store, err := s.factory.ObjectStore(route)
	if err != nil {
		return err
	}

	content, err := io.ReadAll(io.LimitReader(c.Request().Body, maxObjectBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(content) > maxObjectBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "object exceeds size limit")
	}

	if err := store.Put(c.Request().Context(), key, content, c.Request().Header.Get("Content-Type")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"key": key, "size": len(content)})
}

// objectGetHandler handles GET /api/v1/objects/:key.
func (s *Server) objectGetHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	key := c.Param("key")
	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindObjectStore)
	if err != nil {
		return err
	}
	store, err := s.factory.ObjectStore(route)
	if err != nil {
		return err
	}

	content, contentType, err := store.Get(c.Request().Context(), key)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, contentType, content)
}

// objectExistsHandler handles HEAD /api/v1/objects/:key: 200 when the key
// exists, the usual 404 envelope-free status when it does not.
func (s *Server) objectExistsHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindObjectStore)
	if err != nil {
		return err
	}
	store, err := s.factory.ObjectStore(route)
	if err != nil {
		return err
	}

	found, err := store.Exists(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	if !found {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

// objectListHandler handles GET /api/v1/objects: keys under a prefix, cursor
// paginated.
func (s *Server) objectListHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindObjectStore)
	if err != nil {
		return err
	}
	store, err := s.factory.ObjectStore(route)
	if err != nil {
		return err
	}

	keys, next, err := store.List(c.Request().Context(),
		c.QueryParam("prefix"), c.QueryParam("cursor"), queryLimit(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"keys":        keys,
		"next_cursor": next,
	})
}

// objectDeleteHandler handles DELETE /api/v1/objects/:key.
func (s *Server) objectDeleteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	if err := s.gates.Run(c.Request().Context(), "objects.delete", rc, identity.PayloadScope{}); err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindObjectStore)
	if err != nil {
		return err
	}
	store, err := s.factory.ObjectStore(route)
	if err != nil {
		return err
	}

	if err := store.Delete(c.Request().Context(), c.Param("key")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// tabularPutHandler handles POST /api/v1/tabular/:table/:key. Each write is
// a new version of the record.
func (s *Server) tabularPutHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	var record map[string]any
	if err := c.Bind(&record); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.gates.Run(c.Request().Context(), "tabular.put", rc, identity.PayloadScope{}); err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindTabularStore)
	if err != nil {
		return err
	}
	store, err := s.factory.TabularStore(route)
	if err != nil {
		return err
	}

	version, err := store.PutRecord(c.Request().Context(), c.Param("table"), c.Param("key"), record)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"version": version})
}

// tabularGetHandler handles GET /api/v1/tabular/:table/:key. The optional
// version query pins an exact version; the default is the latest.
func (s *Server) tabularGetHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	var version int64
	if raw := c.QueryParam("version"); raw != "" {
		version, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || version <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
		}
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindTabularStore)
	if err != nil {
		return err
	}
	store, err := s.factory.TabularStore(route)
	if err != nil {
		return err
	}

	record, got, err := store.GetRecord(c.Request().Context(), c.Param("table"), c.Param("key"), version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"record": record, "version": got})
}

// tabularListHandler handles GET /api/v1/tabular/:table: the newest version
// of each record under a key prefix, cursor paginated.
func (s *Server) tabularListHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindTabularStore)
	if err != nil {
		return err
	}
	store, err := s.factory.TabularStore(route)
	if err != nil {
		return err
	}

	rows, next, err := store.ListRecords(c.Request().Context(), c.Param("table"),
		c.QueryParam("prefix"), c.QueryParam("cursor"), queryLimit(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"records":     rows,
		"next_cursor": next,
	})
}

// queryLimit parses the limit query parameter; 0 lets the adapter apply its
// default page size.
func queryLimit(c *echo.Context) int {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// analyticsIngestHandler handles POST /api/v1/analytics/ingest. Fire and
// forget: the envelope is stamped from context, the payload lands in the
// routed analytics backend.
func (s *Server) analyticsIngestHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.gates.Run(c.Request().Context(), "analytics.ingest", rc, identity.PayloadScope{}); err != nil {
		return err
	}

	route, err := s.guard.RequireRoute(c.Request().Context(), rc, models.KindAnalyticsStore)
	if err != nil {
		return err
	}
	store, err := s.factory.AnalyticsStore(route)
	if err != nil {
		return err
	}

	env := rc.Envelope("ANALYTICS_EVENT", models.ActorAgent, models.StorageMetric)
	if err := store.Ingest(c.Request().Context(), env, payload); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
