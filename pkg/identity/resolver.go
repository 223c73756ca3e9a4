package identity

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/enginekit/substrate/pkg/models"
)

// Header names of the identity contract. Parsing is case-insensitive
// (http.Header canonicalizes on Get).
const (
	HeaderTenantID       = "X-Tenant-Id"
	HeaderMode           = "X-Mode"
	HeaderProjectID      = "X-Project-Id"
	HeaderSurfaceID      = "X-Surface-Id"
	HeaderAppID          = "X-App-Id"
	HeaderUserID         = "X-User-Id"
	HeaderMembershipRole = "X-Membership-Role"
	HeaderRequestID      = "X-Request-Id"
	HeaderTraceID        = "X-Trace-Id"
	HeaderRunID          = "X-Run-Id"
	HeaderStepID         = "X-Step-Id"

	// HeaderLegacyEnv is the retired environment header. Its presence in any
	// case fails the request before any handler runs.
	HeaderLegacyEnv = "X-Env"
)

// Resolver constructs validated RequestContexts from incoming requests.
type Resolver struct {
	tokens *TokenVerifier
	// defaultEnv is the environment this process serves; requests carry no
	// env (the legacy header is forbidden) so env comes from deployment scope.
	defaultEnv models.Env
	// legacyQueryScope permits tenant/project/surface/app/user from query
	// parameters during migrations. Off by default.
	legacyQueryScope bool
}

// NewResolver creates a Resolver. verifier may be nil when no user-scoped
// endpoints are mounted.
func NewResolver(verifier *TokenVerifier, defaultEnv models.Env, legacyQueryScope bool) *Resolver {
	return &Resolver{tokens: verifier, defaultEnv: defaultEnv, legacyQueryScope: legacyQueryScope}
}

// Resolve builds the RequestContext for a request, applying the precedence
// order: bearer-token claims, then headers, then (only under the migration
// flag) query parameters. Earlier sources win.
func (r *Resolver) Resolve(req *http.Request) (*RequestContext, error) {
	h := req.Header

	// The legacy env header is rejected outright, whatever its casing or value.
	if _, present := h[http.CanonicalHeaderKey(HeaderLegacyEnv)]; present {
		return nil, models.ErrLegacyEnvForbidden()
	}

	mode := models.Mode(strings.ToLower(strings.TrimSpace(h.Get(HeaderMode))))
	if !mode.IsValid() {
		return nil, models.ErrModeRequired(h.Get(HeaderMode))
	}

	rc := &RequestContext{
		TenantID:  strings.TrimSpace(h.Get(HeaderTenantID)),
		Mode:      mode,
		Env:       r.defaultEnv,
		ProjectID: strings.TrimSpace(h.Get(HeaderProjectID)),
		AppID:     strings.TrimSpace(h.Get(HeaderAppID)),
		UserID:    strings.TrimSpace(h.Get(HeaderUserID)),
		RequestID: strings.TrimSpace(h.Get(HeaderRequestID)),
		TraceID:   strings.TrimSpace(h.Get(HeaderTraceID)),
		RunID:     strings.TrimSpace(h.Get(HeaderRunID)),
		StepID:    strings.TrimSpace(h.Get(HeaderStepID)),
	}
	if role := models.MembershipRole(h.Get(HeaderMembershipRole)); role != "" && role.IsValid() {
		rc.MembershipRole = role
	}

	// Legacy query fallback fills only fields the headers left empty.
	if r.legacyQueryScope {
		fillFromQuery(rc, req.URL.Query())
	}

	// Token overlay: claims take precedence over everything client-supplied.
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if r.tokens == nil {
			return nil, models.ErrAuthMissing()
		}
		claims, err := r.tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return nil, models.ErrAuthMissing().WithCause(err)
		}
		applyClaims(rc, claims)
		if rc.TenantID != "" && !claimsMember(claims, rc.TenantID) {
			return nil, models.ErrTenantNotMember(rc.TenantID)
		}
		rc.Authenticated = true
		rc.Memberships = claims.Memberships
	}

	surface, ok := NormalizeSurface(h.Get(HeaderSurfaceID))
	if !ok {
		return nil, models.ErrContextMismatch(http.StatusBadRequest, []models.FieldMismatch{{
			Field:    "surface_id",
			Expected: "a known surface alias",
			Supplied: h.Get(HeaderSurfaceID),
		}})
	}
	rc.SurfaceID = surface

	if rc.ProjectID == "" {
		return nil, models.ErrProjectRequired()
	}
	if !ValidTenantID(rc.TenantID) {
		return nil, models.ErrTenantInvalid(rc.TenantID)
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	return rc, nil
}

func fillFromQuery(rc *RequestContext, q url.Values) {
	if rc.TenantID == "" {
		rc.TenantID = q.Get("tenant_id")
	}
	if rc.ProjectID == "" {
		rc.ProjectID = q.Get("project_id")
	}
	if rc.AppID == "" {
		rc.AppID = q.Get("app_id")
	}
	if rc.UserID == "" {
		rc.UserID = q.Get("user_id")
	}
}

func applyClaims(rc *RequestContext, claims *TokenClaims) {
	if claims.TenantID != "" {
		rc.TenantID = claims.TenantID
	}
	if claims.UserID != "" {
		rc.UserID = claims.UserID
		rc.ActorID = claims.UserID
	}
	if claims.Role != "" && claims.Role.IsValid() {
		rc.MembershipRole = claims.Role
	}
}

func claimsMember(claims *TokenClaims, tenant string) bool {
	for _, t := range claims.Memberships {
		if t == tenant {
			return true
		}
	}
	// A token scoped to a single tenant with no membership list is treated
	// as a member of exactly that tenant.
	return len(claims.Memberships) == 0 && claims.TenantID == tenant
}
