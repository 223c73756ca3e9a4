// Package api mounts the substrate's HTTP surface: the routing control
// plane, stream append/replay with SSE and WebSocket delivery, blackboard,
// storage adapters, and the audit read side. Every scoped route runs behind
// the identity middleware and returns the uniform error envelope.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enginekit/substrate/pkg/audit"
	"github.com/enginekit/substrate/pkg/backend"
	"github.com/enginekit/substrate/pkg/blackboard"
	"github.com/enginekit/substrate/pkg/config"
	"github.com/enginekit/substrate/pkg/database"
	"github.com/enginekit/substrate/pkg/events"
	"github.com/enginekit/substrate/pkg/gates"
	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/routing"
)

// Server holds the wired services behind the HTTP surface.
type Server struct {
	httpServer *http.Server

	cfg        *config.Config
	db         *database.Client
	resolver   *identity.Resolver
	routes     *routing.Service
	guard      *routing.Validator
	factory    *backend.Factory
	store      *events.Store
	connMgr    *events.ConnectionManager
	tailer     *events.Tailer
	blackboard *blackboard.Service
	auditor    *audit.Recorder
	gates      *gates.Runner
}

// NewServer wires the services into a Server.
func NewServer(
	cfg *config.Config,
	db *database.Client,
	resolver *identity.Resolver,
	routes *routing.Service,
	guard *routing.Validator,
	factory *backend.Factory,
	store *events.Store,
	connMgr *events.ConnectionManager,
	tailer *events.Tailer,
	bb *blackboard.Service,
	auditor *audit.Recorder,
	gateRunner *gates.Runner,
) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		resolver:   resolver,
		routes:     routes,
		guard:      guard,
		factory:    factory,
		store:      store,
		connMgr:    connMgr,
		tailer:     tailer,
		blackboard: bb,
		auditor:    auditor,
		gates:      gateRunner,
	}
}

// NewEcho builds the echo instance with middleware, the error handler, and
// every route registered.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(securityHeaders())

	// Unscoped operational endpoints.
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Everything under /api/v1 runs with the configured deadline and
	// requires a resolved request context.
	requestTimeout := time.Duration(0)
	if s.cfg != nil && s.cfg.Server != nil {
		requestTimeout = s.cfg.Server.RequestTimeout
	}
	g := e.Group("/api/v1", requestDeadline(requestTimeout), identityContext(s.resolver))

	// Routing control plane. Resolution and diagnostics come in two shapes:
	// context-scoped (:kind only) and operator-scoped (:kind/:tenant/:env).
	g.POST("/routing/routes", s.upsertRouteHandler)
	g.GET("/routing/routes", s.listRoutesHandler)
	g.GET("/routing/routes/:kind", s.resolveRouteHandler)
	g.DELETE("/routing/routes/:kind", s.deleteRouteHandler)
	g.GET("/routing/routes/:kind/:tenant/:env", s.resolveScopedRouteHandler)
	g.PUT("/routing/routes/:kind/:tenant/:env/switch", s.switchRouteHandler)
	g.GET("/routing/diagnostics/:kind", s.routeDiagnosticsHandler)
	g.GET("/routing/diagnostics/:kind/:tenant/:env", s.scopedDiagnosticsHandler)

	// Event streams.
	g.POST("/events/append", s.appendEventHandler)
	g.GET("/events/tail", s.tailEventsHandler)
	g.GET("/sse/stream/:stream_id", s.sseHandler)
	g.GET("/ws", s.wsHandler)
	g.GET("/ws/stream/:stream_id", s.wsStreamHandler)

	// Blackboard.
	g.POST("/blackboard/write", s.blackboardWriteHandler)
	g.GET("/blackboard/read", s.blackboardReadHandler)
	g.GET("/blackboard/keys", s.blackboardKeysHandler)
	g.GET("/blackboard/list-keys", s.blackboardKeysHandler)

	// Routed storage adapters.
	g.POST("/memory/set", s.memorySetHandler)
	g.GET("/memory/get", s.memoryGetHandler)
	g.DELETE("/memory/delete", s.memoryDeleteHandler)
	g.GET("/objects", s.objectListHandler)
	g.PUT("/objects/:key", s.objectPutHandler)
	g.GET("/objects/:key", s.objectGetHandler)
	g.HEAD("/objects/:key", s.objectExistsHandler)
	g.DELETE("/objects/:key", s.objectDeleteHandler)
	g.POST("/tabular/:table/:key", s.tabularPutHandler)
	g.GET("/tabular/:table", s.tabularListHandler)
	g.GET("/tabular/:table/:key", s.tabularGetHandler)
	g.POST("/analytics/ingest", s.analyticsIngestHandler)

	// Audit read side.
	g.GET("/audit/entries", s.auditEntriesHandler)
	g.GET("/audit/verify", s.auditVerifyHandler)

	return e
}

// Start runs the HTTP server on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.NewEcho(),
		// No WriteTimeout: SSE and WebSocket connections are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
