// Package identity builds the validated per-request context and enforces
// the identity discipline: server-derived scope wins, legacy headers are
// rejected, and clients can never override who they are.
package identity

import (
	"context"
	"regexp"

	"github.com/enginekit/substrate/pkg/models"
)

// tenantPattern is the only accepted tenant id shape. t_system is the sole
// hardcoded tenant.
var tenantPattern = regexp.MustCompile(`^t_[a-z0-9_-]+$`)

// ValidTenantID reports whether a tenant id matches the required pattern.
func ValidTenantID(tenant string) bool {
	return tenantPattern.MatchString(tenant)
}

// RequestContext is the validated identity and scope of one request. It is
// constructed once at the boundary and never mutated afterwards.
type RequestContext struct {
	TenantID  string
	Mode      models.Mode
	Env       models.Env
	ProjectID string
	SurfaceID string // canonical form
	AppID     string

	UserID         string
	ActorID        string
	MembershipRole models.MembershipRole

	RequestID string
	TraceID   string
	RunID     string
	StepID    string

	// Authenticated is true when a bearer token was present and valid.
	Authenticated bool
	// Memberships is the tenant set from the token overlay.
	Memberships []string
}

// Actor returns the effective actor id: explicit actor, then user, then
// the system actor.
func (rc *RequestContext) Actor() string {
	if rc.ActorID != "" {
		return rc.ActorID
	}
	if rc.UserID != "" {
		return rc.UserID
	}
	return "system"
}

// Envelope stamps a new event envelope with the context's routing and
// correlation fields.
func (rc *RequestContext) Envelope(eventType string, actorType models.ActorType, class models.StorageClass) models.EventEnvelope {
	return models.EventEnvelope{
		TenantID:      rc.TenantID,
		Mode:          rc.Mode,
		Env:           rc.Env,
		ProjectID:     rc.ProjectID,
		AppID:         rc.AppID,
		SurfaceID:     rc.SurfaceID,
		ActorID:       rc.Actor(),
		ActorType:     actorType,
		RequestID:     rc.RequestID,
		TraceID:       rc.TraceID,
		RunID:         rc.RunID,
		StepID:        rc.StepID,
		EventType:     eventType,
		StorageClass:  class,
		SchemaVersion: models.EnvelopeSchemaVersion,
	}
}

type ctxKey struct{}

// WithRequestContext attaches a resolved RequestContext to a context.Context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext retrieves the RequestContext placed by the identity middleware.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok
}
