package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
)

func newRequest(t *testing.T, headers map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/append", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func validHeaders() map[string]string {
	return map[string]string{
		HeaderTenantID:  "t_acme",
		HeaderMode:      "saas",
		HeaderProjectID: "proj-1",
	}
}

func TestResolve_HappyPath(t *testing.T) {
	r := NewResolver(nil, models.EnvProd, false)

	rc, err := r.Resolve(newRequest(t, validHeaders()))
	require.NoError(t, err)

	assert.Equal(t, "t_acme", rc.TenantID)
	assert.Equal(t, models.ModeSaaS, rc.Mode)
	assert.Equal(t, models.EnvProd, rc.Env, "env comes from deployment scope, not the request")
	assert.Equal(t, "proj-1", rc.ProjectID)
	assert.False(t, rc.Authenticated)
	assert.NotEmpty(t, rc.RequestID, "request id is generated when absent")
}

func TestResolve_LegacyEnvHeaderForbidden(t *testing.T) {
	r := NewResolver(nil, models.EnvDev, false)

	for _, spelling := range []string{"X-Env", "x-env", "X-ENV"} {
		h := validHeaders()
		req := newRequest(t, h)
		req.Header.Set(spelling, "prod")

		_, err := r.Resolve(req)
		derr, ok := models.AsDomainError(err)
		require.True(t, ok, "spelling %q", spelling)
		assert.Equal(t, "context.legacy_env_forbidden", derr.Code)
		assert.Equal(t, http.StatusBadRequest, derr.Status)
	}
}

func TestResolve_ModeRequired(t *testing.T) {
	r := NewResolver(nil, models.EnvDev, false)

	tests := []struct {
		name string
		mode string
	}{
		{"missing", ""},
		{"unknown", "hybrid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHeaders()
			h[HeaderMode] = tt.mode

			_, err := r.Resolve(newRequest(t, h))
			derr, ok := models.AsDomainError(err)
			require.True(t, ok)
			assert.Equal(t, "context.mode_required", derr.Code)
		})
	}
}

func TestResolve_ModeIsCaseInsensitive(t *testing.T) {
	r := NewResolver(nil, models.EnvDev, false)
	h := validHeaders()
	h[HeaderMode] = " Enterprise "

	rc, err := r.Resolve(newRequest(t, h))
	require.NoError(t, err)
	assert.Equal(t, models.ModeEnterprise, rc.Mode)
}

func TestResolve_ProjectRequired(t *testing.T) {
	r := NewResolver(nil, models.EnvDev, false)
	h := validHeaders()
	delete(h, HeaderProjectID)

	_, err := r.Resolve(newRequest(t, h))
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "context.project_required", derr.Code)
}

func TestResolve_TenantValidation(t *testing.T) {
	r := NewResolver(nil, models.EnvDev, false)

	tests := []struct {
		tenant string
		valid  bool
	}{
		{"t_acme", true},
		{"t_system", true},
		{"t_a-b_c9", true},
		{"", false},
		{"acme", false},
		{"t_Acme", false},
		{"t_", false},
		{"t_acme!", false},
	}
	for _, tt := range tests {
		t.Run(tt.tenant, func(t *testing.T) {
			h := validHeaders()
			h[HeaderTenantID] = tt.tenant

			_, err := r.Resolve(newRequest(t, h))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			derr, ok := models.AsDomainError(err)
			require.True(t, ok)
			assert.Equal(t, "context.tenant_invalid", derr.Code)
		})
	}
}

func TestResolve_SurfaceNormalization(t *testing.T) {
	r := NewResolver(nil, models.EnvDev, false)

	h := validHeaders()
	h[HeaderSurfaceID] = "squared²"
	rc, err := r.Resolve(newRequest(t, h))
	require.NoError(t, err)
	assert.Equal(t, "squared2", rc.SurfaceID)

	h[HeaderSurfaceID] = "holodeck"
	_, err = r.Resolve(newRequest(t, h))
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "context.context_mismatch", derr.Code)
	require.Len(t, derr.Mismatches, 1)
	assert.Equal(t, "surface_id", derr.Mismatches[0].Field)
}

func TestResolve_LegacyQueryScope(t *testing.T) {
	// Off: query scope is ignored entirely.
	r := NewResolver(nil, models.EnvDev, false)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/routing/routes?tenant_id=t_acme&project_id=proj-1", nil)
	req.Header.Set(HeaderMode, "lab")
	_, err := r.Resolve(req)
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "context.project_required", derr.Code)

	// On: query fills fields the headers left empty.
	r = NewResolver(nil, models.EnvDev, true)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/routing/routes?tenant_id=t_acme&project_id=proj-1", nil)
	req.Header.Set(HeaderMode, "lab")
	rc, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "t_acme", rc.TenantID)
	assert.Equal(t, "proj-1", rc.ProjectID)

	// Headers still win over query values.
	req.Header.Set(HeaderTenantID, "t_other")
	rc, err = r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "t_other", rc.TenantID)
}

func TestResolve_TokenOverlay(t *testing.T) {
	verifier := NewTokenVerifier([]byte("test-secret"))
	r := NewResolver(verifier, models.EnvDev, false)

	token, err := verifier.Sign(&TokenClaims{
		TenantID:    "t_acme",
		UserID:      "user-42",
		Role:        models.RoleAdmin,
		Memberships: []string{"t_acme", "t_other"},
	})
	require.NoError(t, err)

	h := validHeaders()
	h[HeaderUserID] = "spoofed-user"
	h["Authorization"] = "Bearer " + token

	rc, err := r.Resolve(newRequest(t, h))
	require.NoError(t, err)
	assert.True(t, rc.Authenticated)
	assert.Equal(t, "user-42", rc.UserID, "token claims override the header")
	assert.Equal(t, models.RoleAdmin, rc.MembershipRole)
	assert.Equal(t, []string{"t_acme", "t_other"}, rc.Memberships)
}

func TestResolve_TokenTenantMismatch(t *testing.T) {
	verifier := NewTokenVerifier([]byte("test-secret"))
	r := NewResolver(verifier, models.EnvDev, false)

	token, err := verifier.Sign(&TokenClaims{
		UserID:      "user-42",
		Memberships: []string{"t_other"},
	})
	require.NoError(t, err)

	h := validHeaders() // tenant t_acme, not in the membership set
	h["Authorization"] = "Bearer " + token

	_, err = r.Resolve(newRequest(t, h))
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "auth.tenant_not_member", derr.Code)
	assert.Equal(t, http.StatusForbidden, derr.Status)
}

func TestResolve_InvalidToken(t *testing.T) {
	verifier := NewTokenVerifier([]byte("test-secret"))
	r := NewResolver(verifier, models.EnvDev, false)

	other := NewTokenVerifier([]byte("wrong-secret"))
	token, err := other.Sign(&TokenClaims{UserID: "user-42"})
	require.NoError(t, err)

	h := validHeaders()
	h["Authorization"] = "Bearer " + token

	_, err = r.Resolve(newRequest(t, h))
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "auth.missing_or_invalid", derr.Code)
	assert.Equal(t, http.StatusUnauthorized, derr.Status)
}
