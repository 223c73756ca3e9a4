package identity

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
)

func testContext() *RequestContext {
	return &RequestContext{
		TenantID:  "t_acme",
		Mode:      models.ModeSaaS,
		Env:       models.EnvProd,
		ProjectID: "proj-1",
		SurfaceID: "squared2",
		AppID:     "app-1",
		UserID:    "user-42",
	}
}

func TestAssertContextMatches_EmptyScopeAlwaysMatches(t *testing.T) {
	assert.NoError(t, AssertContextMatches(testContext(), PayloadScope{}))
}

func TestAssertContextMatches_MatchingScope(t *testing.T) {
	err := AssertContextMatches(testContext(), PayloadScope{
		TenantID:  "t_acme",
		Mode:      "saas",
		Env:       "production", // alias of prod
		ProjectID: "proj-1",
		SurfaceID: "squared", // alias of squared2
	})
	assert.NoError(t, err)
}

func TestAssertContextMatches_SoftMismatchIs400(t *testing.T) {
	err := AssertContextMatches(testContext(), PayloadScope{ProjectID: "proj-2"})
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "context.context_mismatch", derr.Code)
	assert.Equal(t, http.StatusBadRequest, derr.Status)
	require.Len(t, derr.Mismatches, 1)
	assert.Equal(t, "project_id", derr.Mismatches[0].Field)
	assert.Equal(t, "proj-1", derr.Mismatches[0].Expected)
	assert.Equal(t, "proj-2", derr.Mismatches[0].Supplied)
}

func TestAssertContextMatches_HardMismatchIs403(t *testing.T) {
	tests := []struct {
		name  string
		scope PayloadScope
	}{
		{"tenant", PayloadScope{TenantID: "t_other"}},
		{"mode", PayloadScope{Mode: "lab"}},
		{"user", PayloadScope{UserID: "someone-else"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AssertContextMatches(testContext(), tt.scope)
			derr, ok := models.AsDomainError(err)
			require.True(t, ok)
			assert.Equal(t, http.StatusForbidden, derr.Status)
		})
	}
}

func TestAssertContextMatches_CollectsAllMismatches(t *testing.T) {
	err := AssertContextMatches(testContext(), PayloadScope{
		TenantID:  "t_other",
		ProjectID: "proj-2",
		Env:       "dev",
	})
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Len(t, derr.Mismatches, 3)
	assert.Equal(t, http.StatusForbidden, derr.Status, "hard mismatch dominates the status")
}

func TestValidateIdentityPrecedence(t *testing.T) {
	rc := testContext()

	assert.NoError(t, ValidateIdentityPrecedence(rc, PayloadScope{}))
	assert.NoError(t, ValidateIdentityPrecedence(rc, PayloadScope{
		TenantID: "t_acme",
		UserID:   "user-42",
	}))

	err := ValidateIdentityPrecedence(rc, PayloadScope{UserID: "impostor"})
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "auth.identity_override", derr.Code)
	assert.Equal(t, http.StatusForbidden, derr.Status)
	require.Len(t, derr.Mismatches, 1)
	assert.Equal(t, "user_id", derr.Mismatches[0].Field)
}

func TestValidateIdentityPrecedence_TenantOverride(t *testing.T) {
	err := ValidateIdentityPrecedence(testContext(), PayloadScope{TenantID: "t_beta"})
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "auth.identity_override", derr.Code)
	assert.Equal(t, http.StatusForbidden, derr.Status)
	require.Len(t, derr.Mismatches, 1)
	assert.Equal(t, "tenant_id", derr.Mismatches[0].Field)
	assert.Equal(t, "t_acme", derr.Mismatches[0].Expected)
	assert.Equal(t, "t_beta", derr.Mismatches[0].Supplied)
}

func TestValidateIdentityPrecedence_ScopeFieldsAreNotIdentity(t *testing.T) {
	// Project and surface mismatches are context errors, not override
	// attempts; AssertContextMatches owns them.
	assert.NoError(t, ValidateIdentityPrecedence(testContext(), PayloadScope{ProjectID: "proj-2"}))
	assert.NoError(t, ValidateIdentityPrecedence(testContext(), PayloadScope{SurfaceID: "gallery"}))
}
