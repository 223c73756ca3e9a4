package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/enginekit/substrate/pkg/backend"
	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/models"
)

// Validator checks at startup that every required resource kind resolves to
// an allowed backend. A failed check aborts the process before it serves a
// single request: a substrate that cannot locate its own stores must not
// come up half-alive.
type Validator struct {
	service *Service
	logger  *slog.Logger

	// RequiredKinds must resolve for the system tenant in Env at boot.
	RequiredKinds []models.ResourceKind
	Env           models.Env
}

// NewValidator creates a startup validator for the given required kinds.
func NewValidator(service *Service, requiredKinds []models.ResourceKind, env models.Env, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		service:       service,
		logger:        logger,
		RequiredKinds: requiredKinds,
		Env:           env,
	}
}

// Validate resolves every required kind for the system tenant and runs the
// class guard on the result. The returned error names the first failing
// resource kind so the operator knows exactly what to fix.
func (v *Validator) Validate(ctx context.Context) error {
	for _, kind := range v.RequiredKinds {
		route, scope, err := v.service.Resolve(ctx, kind, models.SystemTenant, v.Env, "")
		if err != nil {
			return fmt.Errorf("startup validation failed for resource_kind %s: %w", kind, err)
		}
		if err := backend.CheckClass(kind, route.BackendType, models.SystemTenant, models.ModeEnterprise); err != nil {
			return fmt.Errorf("startup validation failed for resource_kind %s: backend %q is a forbidden class: %w",
				kind, route.BackendType, err)
		}
		v.logger.Info("startup route validated",
			"resource_kind", kind, "backend_type", route.BackendType, "scope", scope)
	}

	// Every route flagged required must also pass the guard, regardless of
	// whether it is in the boot set.
	routes, err := v.service.List(ctx, models.RouteFilter{RequiredOnly: true})
	if err != nil {
		return fmt.Errorf("startup validation could not list required routes: %w", err)
	}
	for i := range routes {
		r := &routes[i]
		mode := models.ModeEnterprise
		if r.TenantID != models.SystemTenant {
			// Tenant-scoped required routes are validated under sellable
			// rules; lab tenants do not mark routes required.
			mode = models.ModeSaaS
		}
		if err := backend.CheckClass(r.ResourceKind, r.BackendType, r.TenantID, mode); err != nil {
			return fmt.Errorf("startup validation failed for resource_kind %s (tenant %s): %w",
				r.ResourceKind, r.TenantID, err)
		}
	}
	return nil
}

// RequireRoute is the per-request guard: resolve the scope's route and
// enforce the backend-class rules for the request's mode. Handlers call this
// before touching any backend.
func (v *Validator) RequireRoute(ctx context.Context, rc *identity.RequestContext, kind models.ResourceKind) (*models.ResourceRoute, error) {
	route, _, err := v.service.Resolve(ctx, kind, rc.TenantID, rc.Env, rc.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := backend.CheckClass(kind, route.BackendType, rc.TenantID, rc.Mode); err != nil {
		return nil, err
	}
	return route, nil
}
