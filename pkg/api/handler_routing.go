package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/backend"
	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/metrics"
	"github.com/enginekit/substrate/pkg/models"
)

// upsertRouteHandler handles POST /api/v1/routing/routes. Creating or
// switching a route is a durable write, so the full gate chain runs first.
func (s *Server) upsertRouteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	var req models.UpsertRouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// System-tenant operators provision routes for any tenant; everyone else
	// must target their own scope, which the context-match gate enforces.
	scope := identity.PayloadScope{TenantID: req.TenantID, Env: req.Env}
	if rc.TenantID == models.SystemTenant {
		scope = identity.PayloadScope{}
	}
	if err := s.gates.Run(c.Request().Context(), "routing.upsert", rc, scope); err != nil {
		return err
	}

	route, err := s.routes.Upsert(c.Request().Context(), rc, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, route)
}

// listRoutesHandler handles GET /api/v1/routing/routes.
func (s *Server) listRoutesHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	filter := models.RouteFilter{
		ResourceKind: models.ResourceKind(c.QueryParam("resource_kind")),
		TenantID:     c.QueryParam("tenant_id"),
		ProjectID:    c.QueryParam("project_id"),
		BackendType:  c.QueryParam("backend_type"),
		RequiredOnly: c.QueryParam("required") == "true",
	}
	if raw := c.QueryParam("env"); raw != "" {
		env, ok := models.NormalizeEnv(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown env "+raw)
		}
		filter.Env = env
	}
	// Non-system tenants only see their own routes.
	if rc.TenantID != models.SystemTenant {
		filter.TenantID = rc.TenantID
	}

	routes, err := s.routes.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"routes": routes})
}

// resolveRouteHandler handles GET /api/v1/routing/routes/:kind. The scope
// comes from the resolved context, never from the query.
func (s *Server) resolveRouteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	kind := models.ResourceKind(c.Param("kind"))
	if !kind.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown resource kind "+c.Param("kind"))
	}

	route, scope, err := s.routes.Resolve(c.Request().Context(), kind, rc.TenantID, rc.Env, rc.ProjectID)
	if err != nil {
		metrics.RouteResolutions.WithLabelValues("miss").Inc()
		return err
	}
	metrics.RouteResolutions.WithLabelValues(scope).Inc()

	return c.JSON(http.StatusOK, map[string]any{
		"route":         route,
		"matched_scope": scope,
	})
}

// deleteRouteHandler handles DELETE /api/v1/routing/routes/:kind. The
// optional project_id query narrows the target below the tenant default.
func (s *Server) deleteRouteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	kind := models.ResourceKind(c.Param("kind"))
	if !kind.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown resource kind "+c.Param("kind"))
	}

	if err := s.gates.Run(c.Request().Context(), "routing.delete", rc, identity.PayloadScope{}); err != nil {
		return err
	}

	if err := s.routes.Delete(c.Request().Context(), rc, kind, rc.TenantID, rc.Env, c.QueryParam("project_id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// routeDiagnosticsHandler handles GET /api/v1/routing/diagnostics/:kind.
func (s *Server) routeDiagnosticsHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	kind := models.ResourceKind(c.Param("kind"))
	if !kind.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown resource kind "+c.Param("kind"))
	}

	diag := s.routes.Diagnostics(c.Request().Context(), kind, rc.TenantID, rc.Env, rc.ProjectID, rc.Mode, backend.CheckClass)
	return c.JSON(http.StatusOK, diag)
}

// pathScope extracts and checks the :kind/:tenant/:env path segments shared
// by the scoped routing endpoints. Non-system tenants may only name their
// own scope.
func (s *Server) pathScope(c *echo.Context, rc *identity.RequestContext) (models.ResourceKind, string, models.Env, error) {
	kind := models.ResourceKind(c.Param("kind"))
	if !kind.IsValid() {
		return "", "", "", echo.NewHTTPError(http.StatusBadRequest, "unknown resource kind "+c.Param("kind"))
	}
	tenant := c.Param("tenant")
	env, ok := models.NormalizeEnv(c.Param("env"))
	if !ok {
		return "", "", "", echo.NewHTTPError(http.StatusBadRequest, "unknown env "+c.Param("env"))
	}
	if rc.TenantID != models.SystemTenant {
		if err := identity.AssertContextMatches(rc, identity.PayloadScope{TenantID: tenant, Env: string(env)}); err != nil {
			return "", "", "", err
		}
	}
	return kind, tenant, env, nil
}

// resolveScopedRouteHandler handles
// GET /api/v1/routing/routes/:kind/:tenant/:env.
func (s *Server) resolveScopedRouteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	kind, tenant, env, err := s.pathScope(c, rc)
	if err != nil {
		return err
	}

	route, scope, err := s.routes.Resolve(c.Request().Context(), kind, tenant, env, c.QueryParam("project_id"))
	if err != nil {
		metrics.RouteResolutions.WithLabelValues("miss").Inc()
		return err
	}
	metrics.RouteResolutions.WithLabelValues(scope).Inc()

	return c.JSON(http.StatusOK, map[string]any{
		"route":         route,
		"matched_scope": scope,
	})
}

// switchRouteRequest is the body of PUT .../switch: the replacement backend
// plus the operator's rationale for the audit trail.
type switchRouteRequest struct {
	BackendType string            `json:"backend_type"`
	Config      map[string]string `json:"config,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	Rationale   string            `json:"rationale,omitempty"`
}

// switchRouteHandler handles
// PUT /api/v1/routing/routes/:kind/:tenant/:env/switch.
func (s *Server) switchRouteHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	kind, tenant, env, err := s.pathScope(c, rc)
	if err != nil {
		return err
	}

	var req switchRouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.BackendType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "backend_type is required")
	}

	scope := identity.PayloadScope{TenantID: tenant, Env: string(env)}
	if rc.TenantID == models.SystemTenant {
		scope = identity.PayloadScope{}
	}
	if err := s.gates.Run(c.Request().Context(), "routing.switch", rc, scope); err != nil {
		return err
	}

	route, err := s.routes.Upsert(c.Request().Context(), rc, models.UpsertRouteRequest{
		ResourceKind:    kind,
		TenantID:        tenant,
		Env:             string(env),
		ProjectID:       req.ProjectID,
		BackendType:     req.BackendType,
		Config:          req.Config,
		SwitchRationale: req.Rationale,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, route)
}

// scopedDiagnosticsHandler handles
// GET /api/v1/routing/diagnostics/:kind/:tenant/:env.
func (s *Server) scopedDiagnosticsHandler(c *echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	kind, tenant, env, err := s.pathScope(c, rc)
	if err != nil {
		return err
	}

	diag := s.routes.Diagnostics(c.Request().Context(), kind, tenant, env, c.QueryParam("project_id"), rc.Mode, backend.CheckClass)
	return c.JSON(http.StatusOK, diag)
}
