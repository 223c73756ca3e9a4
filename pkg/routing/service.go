// Package routing implements the resource routing registry: the control
// plane mapping every (resource_kind, tenant, env, project) scope to a
// physical backend. Resolution is most-specific-wins with a system-tenant
// fallback; every mutation is broadcast as a ROUTE_CHANGED event and
// recorded in the tenant audit chain.
package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/models"
)

// resolveCacheTTL bounds staleness of the read-through resolution cache.
// Mutations through this process invalidate immediately; mutations from
// other replicas converge within the TTL.
const resolveCacheTTL = 5 * time.Second

// EventAppender publishes route changes to the infra stream.
// Implemented by events.Store.
type EventAppender interface {
	Append(ctx context.Context, streamID string, env models.EventEnvelope, payload map[string]any) (*models.StreamRecord, error)
}

// AuditRecorder appends route mutations to the tenant audit chain.
// Implemented by audit.Recorder.
type AuditRecorder interface {
	Record(ctx context.Context, tenantID string, env models.EventEnvelope, payload map[string]any) (*models.AuditEntry, error)
}

type cachedRoute struct {
	route   *models.ResourceRoute
	scope   string
	fetched time.Time
}

// Service is the routing registry over the control-plane database.
type Service struct {
	db     *sql.DB
	events EventAppender
	audit  AuditRecorder
	logger *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]cachedRoute
}

// NewService creates the registry service. events and audit may be nil in
// tests; mutations then skip emission.
func NewService(db *sql.DB, events EventAppender, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		events: events,
		audit:  audit,
		logger: logger,
		cache:  make(map[string]cachedRoute),
	}
}

// Upsert creates a route or switches an existing one's backend. The scope
// (kind, tenant, env, project) identifies the route; a backend change on an
// existing route records the previous backend and the rationale. Last
// writer wins on concurrent upserts to the same scope.
func (s *Service) Upsert(ctx context.Context, rc *identity.RequestContext, req models.UpsertRouteRequest) (*models.ResourceRoute, error) {
	route, err := s.validateUpsert(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.getByScope(ctx, route.ResourceKind, route.TenantID, route.Env, route.ProjectID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	action := "route.created"
	if existing != nil {
		route.ID = existing.ID
		route.CreatedAt = existing.CreatedAt
		route.UpdatedAt = now
		if existing.BackendType != route.BackendType {
			action = "route.switched"
			route.PreviousBackendType = existing.BackendType
			route.LastSwitchTime = &now
			route.SwitchRationale = req.SwitchRationale
		} else {
			action = "route.updated"
			route.PreviousBackendType = existing.PreviousBackendType
			route.LastSwitchTime = existing.LastSwitchTime
			route.SwitchRationale = existing.SwitchRationale
		}
		if err := s.update(ctx, route); err != nil {
			return nil, err
		}
	} else {
		route.ID = uuid.New().String()
		route.CreatedAt = now
		route.UpdatedAt = now
		if err := s.insert(ctx, route); err != nil {
			return nil, err
		}
	}

	s.invalidate(route)
	s.emitChange(ctx, rc, action, route)
	return route, nil
}

// Delete soft-deletes a route. Resolution falls through to the next scope
// level immediately.
func (s *Service) Delete(ctx context.Context, rc *identity.RequestContext, kind models.ResourceKind, tenantID string, env models.Env, projectID string) error {
	route, err := s.getByScope(ctx, kind, tenantID, env, projectID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE resource_routes SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		now, route.ID)
	if err != nil {
		return models.ErrBackendUnavailable(models.KindRoutingRegistry, err)
	}
	route.DeletedAt = &now

	s.invalidate(route)
	s.emitChange(ctx, rc, "route.deleted", route)
	return nil
}

// Resolve finds the backend for a scope, most specific first: the project
// route, then the tenant default, then the system-tenant default. No match
// is a 503 so callers distinguish misconfiguration from missing data.
func (s *Service) Resolve(ctx context.Context, kind models.ResourceKind, tenantID string, env models.Env, projectID string) (*models.ResourceRoute, string, error) {
	key := cacheKey(kind, tenantID, env, projectID)
	s.cacheMu.Lock()
	if c, ok := s.cache[key]; ok && time.Since(c.fetched) < resolveCacheTTL {
		s.cacheMu.Unlock()
		return c.route, c.scope, nil
	}
	s.cacheMu.Unlock()

	route, scope, err := s.resolveUncached(ctx, kind, tenantID, env, projectID)
	if err != nil {
		return nil, "", err
	}

	s.cacheMu.Lock()
	s.cache[key] = cachedRoute{route: route, scope: scope, fetched: time.Now()}
	s.cacheMu.Unlock()
	return route, scope, nil
}

func (s *Service) resolveUncached(ctx context.Context, kind models.ResourceKind, tenantID string, env models.Env, projectID string) (*models.ResourceRoute, string, error) {
	if projectID != "" {
		route, err := s.getByScope(ctx, kind, tenantID, env, projectID)
		if err == nil {
			return route, "project", nil
		}
		if !isNotFound(err) {
			return nil, "", err
		}
	}

	route, err := s.getByScope(ctx, kind, tenantID, env, "")
	if err == nil {
		return route, "tenant", nil
	}
	if !isNotFound(err) {
		return nil, "", err
	}

	if tenantID != models.SystemTenant {
		route, err = s.getByScope(ctx, kind, models.SystemTenant, env, "")
		if err == nil {
			return route, "system", nil
		}
		if !isNotFound(err) {
			return nil, "", err
		}
	}

	return nil, "", models.ErrMissingRoute(kind, tenantID, env)
}

// Diagnostics resolves a scope and reports which level matched and whether
// the backend passes the class guard for the given mode.
func (s *Service) Diagnostics(ctx context.Context, kind models.ResourceKind, tenantID string, env models.Env, projectID string, mode models.Mode, classCheck func(models.ResourceKind, string, string, models.Mode) error) *models.RouteDiagnostics {
	diag := &models.RouteDiagnostics{
		Requested: kind,
		TenantID:  tenantID,
		Env:       env,
	}

	route, scope, err := s.Resolve(ctx, kind, tenantID, env, projectID)
	if err != nil {
		diag.Error = err.Error()
		return diag
	}
	diag.Resolved = route
	diag.MatchedScope = scope
	diag.ClassAllowed = true
	if classCheck != nil {
		if err := classCheck(kind, route.BackendType, tenantID, mode); err != nil {
			diag.ClassAllowed = false
			diag.Error = err.Error()
		}
	}
	return diag
}

// List returns routes matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter models.RouteFilter) ([]models.ResourceRoute, error) {
	query := `
		SELECT id, resource_kind, tenant_id, env, project_id, surface_id, backend_type,
		       config, required, tier, cost_notes, health_status,
		       previous_backend_type, last_switch_time, switch_rationale,
		       created_at, updated_at, deleted_at
		FROM resource_routes WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}

	if filter.ResourceKind != "" {
		add("resource_kind", string(filter.ResourceKind))
	}
	if filter.TenantID != "" {
		add("tenant_id", filter.TenantID)
	}
	if filter.Env != "" {
		add("env", string(filter.Env))
	}
	if filter.ProjectID != "" {
		add("project_id", filter.ProjectID)
	}
	if filter.BackendType != "" {
		add("backend_type", filter.BackendType)
	}
	if filter.RequiredOnly {
		query += " AND required = TRUE"
	}
	if !filter.IncludeDeleted {
		query += " AND deleted_at IS NULL"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.ErrBackendUnavailable(models.KindRoutingRegistry, err)
	}
	defer rows.Close()

	var out []models.ResourceRoute
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *route)
	}
	return out, rows.Err()
}

func (s *Service) validateUpsert(req models.UpsertRouteRequest) (*models.ResourceRoute, error) {
	bad := func(msg string) error {
		return &models.DomainError{Code: "routing.invalid_request", Status: 400, Message: msg}
	}

	if !req.ResourceKind.IsValid() {
		return nil, bad(fmt.Sprintf("unknown resource_kind %q", req.ResourceKind))
	}
	if !identity.ValidTenantID(req.TenantID) {
		return nil, models.ErrTenantInvalid(req.TenantID)
	}
	env, ok := models.NormalizeEnv(req.Env)
	if !ok {
		return nil, bad(fmt.Sprintf("unknown env %q", req.Env))
	}
	if req.BackendType == "" {
		return nil, bad("backend_type is required")
	}
	surface := req.SurfaceID
	if surface != "" {
		canonical, ok := identity.NormalizeSurface(surface)
		if !ok {
			return nil, bad(fmt.Sprintf("unknown surface %q", surface))
		}
		surface = canonical
	}

	return &models.ResourceRoute{
		ResourceKind: req.ResourceKind,
		TenantID:     req.TenantID,
		Env:          env,
		ProjectID:    req.ProjectID,
		SurfaceID:    surface,
		BackendType:  req.BackendType,
		Config:       req.Config,
		Required:     req.Required,
		Tier:         req.Tier,
		CostNotes:    req.CostNotes,
	}, nil
}

func (s *Service) getByScope(ctx context.Context, kind models.ResourceKind, tenantID string, env models.Env, projectID string) (*models.ResourceRoute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, resource_kind, tenant_id, env, project_id, surface_id, backend_type,
		       config, required, tier, cost_notes, health_status,
		       previous_backend_type, last_switch_time, switch_rationale,
		       created_at, updated_at, deleted_at
		FROM resource_routes
		WHERE resource_kind = $1 AND tenant_id = $2 AND env = $3 AND project_id = $4
		  AND deleted_at IS NULL`,
		string(kind), tenantID, string(env), projectID)
	route, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("routing", fmt.Sprintf("%s/%s/%s/%s", kind, tenantID, env, projectID))
	}
	return route, err
}

func (s *Service) insert(ctx context.Context, r *models.ResourceRoute) error {
	configJSON, err := json.Marshal(orEmpty(r.Config))
	if err != nil {
		return fmt.Errorf("marshal route config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resource_routes (id, resource_kind, tenant_id, env, project_id, surface_id,
		       backend_type, config, required, tier, cost_notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, string(r.ResourceKind), r.TenantID, string(r.Env), r.ProjectID, r.SurfaceID,
		r.BackendType, configJSON, r.Required, r.Tier, r.CostNotes, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return models.ErrBackendUnavailable(models.KindRoutingRegistry, err)
	}
	return nil
}

func (s *Service) update(ctx context.Context, r *models.ResourceRoute) error {
	configJSON, err := json.Marshal(orEmpty(r.Config))
	if err != nil {
		return fmt.Errorf("marshal route config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE resource_routes
		SET backend_type = $1, config = $2, required = $3, tier = $4, cost_notes = $5,
		    surface_id = $6, previous_backend_type = $7, last_switch_time = $8,
		    switch_rationale = $9, updated_at = $10
		WHERE id = $11 AND deleted_at IS NULL`,
		r.BackendType, configJSON, r.Required, r.Tier, r.CostNotes,
		r.SurfaceID, r.PreviousBackendType, r.LastSwitchTime,
		r.SwitchRationale, r.UpdatedAt, r.ID)
	if err != nil {
		return models.ErrBackendUnavailable(models.KindRoutingRegistry, err)
	}
	return nil
}

// emitChange publishes the mutation to the tenant's routing infra stream
// and the audit chain. Emission failures are logged, not returned: the
// registry row is already committed and callers must see the truth.
func (s *Service) emitChange(ctx context.Context, rc *identity.RequestContext, action string, route *models.ResourceRoute) {
	payload := map[string]any{
		"action":        action,
		"route_id":      route.ID,
		"resource_kind": string(route.ResourceKind),
		"tenant_id":     route.TenantID,
		"env":           string(route.Env),
		"project_id":    route.ProjectID,
		"backend_type":  route.BackendType,
	}
	if route.PreviousBackendType != "" {
		payload["previous_backend_type"] = route.PreviousBackendType
		payload["switch_rationale"] = route.SwitchRationale
	}

	eventType := models.EventTypeRouteChanged
	if action == "route.deleted" {
		eventType = models.EventTypeRouteDeleted
	}

	var env models.EventEnvelope
	if rc != nil {
		env = rc.Envelope(eventType, models.ActorHuman, models.StorageOps)
	} else {
		// System-originated change (bootstrap, janitor). t_system is held to
		// sellable rules, so its envelopes carry the enterprise mode.
		env = models.EventEnvelope{
			EventType:    eventType,
			TenantID:     route.TenantID,
			Mode:         models.ModeEnterprise,
			Env:          route.Env,
			ProjectID:    "control",
			ActorID:      "system",
			ActorType:    models.ActorSystem,
			StorageClass: models.StorageOps,
		}
	}

	if s.events != nil {
		stream := models.InfraStream(models.KindRoutingRegistry, route.TenantID)
		if _, err := s.events.Append(ctx, stream, env, payload); err != nil {
			s.logger.Error("route change event append failed",
				"route_id", route.ID, "error", err)
		}
	}
	if s.audit != nil {
		if _, err := s.audit.Record(ctx, route.TenantID, env, payload); err != nil {
			s.logger.Error("route change audit record failed",
				"route_id", route.ID, "error", err)
		}
	}
}

func (s *Service) invalidate(route *models.ResourceRoute) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	// A tenant or system default can shadow any project scope, so drop every
	// cached resolution for the kind.
	for key := range s.cache {
		if c := s.cache[key]; c.route != nil && c.route.ResourceKind == route.ResourceKind {
			delete(s.cache, key)
		}
	}
	delete(s.cache, cacheKey(route.ResourceKind, route.TenantID, route.Env, route.ProjectID))
}

func cacheKey(kind models.ResourceKind, tenantID string, env models.Env, projectID string) string {
	return string(kind) + "/" + tenantID + "/" + string(env) + "/" + projectID
}

func isNotFound(err error) bool {
	derr, ok := models.AsDomainError(err)
	return ok && derr.Status == 404
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoute(row rowScanner) (*models.ResourceRoute, error) {
	var r models.ResourceRoute
	var configJSON []byte
	var lastSwitch, deletedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.ResourceKind, &r.TenantID, &r.Env, &r.ProjectID, &r.SurfaceID,
		&r.BackendType, &configJSON, &r.Required, &r.Tier, &r.CostNotes, &r.HealthStatus,
		&r.PreviousBackendType, &lastSwitch, &r.SwitchRationale,
		&r.CreatedAt, &r.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if lastSwitch.Valid {
		t := lastSwitch.Time
		r.LastSwitchTime = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		r.DeletedAt = &t
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &r.Config); err != nil {
			return nil, fmt.Errorf("decode route config: %w", err)
		}
	}
	return &r, nil
}
