package models

import "time"

// ResourceRoute maps (resource_kind, tenant, env, project) to a backend
// descriptor. Routes are the single source of truth for backend selection:
// no service touches a durable store without resolving one first.
type ResourceRoute struct {
	ID           string       `json:"id"`
	ResourceKind ResourceKind `json:"resource_kind"`

	// Scope. TenantID and Env are always set; ProjectID and SurfaceID narrow
	// the route. Scope keys are stored canonical (surface normalized).
	TenantID  string `json:"tenant_id"`
	Env       Env    `json:"env"`
	ProjectID string `json:"project_id,omitempty"`
	SurfaceID string `json:"surface_id,omitempty"`

	// BackendType names the physical backend (postgres, redis, s3, gcs,
	// firestore, dynamodb, cosmos, lancedb, filesystem, ...).
	BackendType string `json:"backend_type"`

	// Config holds backend-specific settings (bucket, region, endpoint,
	// key prefix). Never secrets — credentials come from the environment.
	Config map[string]string `json:"config,omitempty"`

	Required     bool   `json:"required"`
	Tier         string `json:"tier,omitempty"`
	CostNotes    string `json:"cost_notes,omitempty"`
	HealthStatus string `json:"health_status,omitempty"`

	// Switch audit trail. PreviousBackendType captures the replaced backend
	// on every switch; the full history lives in the audit chain.
	PreviousBackendType string     `json:"previous_backend_type,omitempty"`
	LastSwitchTime      *time.Time `json:"last_switch_time,omitempty"`
	SwitchRationale     string     `json:"switch_rationale,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ScopeKey returns the unique lookup key for a route. Empty project means
// the tenant-wide default.
func (r *ResourceRoute) ScopeKey() string {
	p := r.ProjectID
	if p == "" {
		p = "_"
	}
	return string(r.ResourceKind) + "/" + r.TenantID + "/" + string(r.Env) + "/" + p
}

// RouteFilter narrows ListRoutes results. Zero values mean "any".
type RouteFilter struct {
	ResourceKind   ResourceKind
	TenantID       string
	Env            Env
	ProjectID      string
	BackendType    string
	RequiredOnly   bool
	IncludeDeleted bool
}

// UpsertRouteRequest is the control-plane payload for creating or switching
// a route. It doubles as the YAML shape of bootstrap routes in substrate.yaml.
type UpsertRouteRequest struct {
	ResourceKind    ResourceKind      `json:"resource_kind" yaml:"resource_kind"`
	TenantID        string            `json:"tenant_id" yaml:"tenant_id"`
	Env             string            `json:"env" yaml:"env"`
	ProjectID       string            `json:"project_id,omitempty" yaml:"project_id"`
	SurfaceID       string            `json:"surface_id,omitempty" yaml:"surface_id"`
	BackendType     string            `json:"backend_type" yaml:"backend_type"`
	Config          map[string]string `json:"config,omitempty" yaml:"config"`
	Required        bool              `json:"required" yaml:"required"`
	Tier            string            `json:"tier,omitempty" yaml:"tier"`
	CostNotes       string            `json:"cost_notes,omitempty" yaml:"cost_notes"`
	SwitchRationale string            `json:"switch_rationale,omitempty" yaml:"switch_rationale"`
}

// RouteDiagnostics is the operator view of a resolved route: which scope
// level matched and whether the backend passes the class guard.
type RouteDiagnostics struct {
	Requested    ResourceKind   `json:"resource_kind"`
	TenantID     string         `json:"tenant_id"`
	Env          Env            `json:"env"`
	Resolved     *ResourceRoute `json:"resolved,omitempty"`
	MatchedScope string         `json:"matched_scope,omitempty"` // "project" | "tenant" | "system"
	ClassAllowed bool           `json:"class_allowed"`
	Error        string         `json:"error,omitempty"`
}
