package identity

import (
	"net/http"

	"github.com/enginekit/substrate/pkg/models"
)

// PayloadScope carries the scope fields a client supplied in a payload, path
// or query. Empty fields were not supplied and are never a mismatch.
type PayloadScope struct {
	TenantID  string
	Mode      string
	Env       string
	ProjectID string
	SurfaceID string
	AppID     string
	UserID    string
}

// hardFields are scope fields whose mismatch is an authorization failure
// (403); the rest are plain context errors (400).
var hardFields = map[string]bool{
	"tenant_id": true,
	"mode":      true,
	"user_id":   true,
}

// AssertContextMatches verifies that every scope field present in the payload
// matches the resolved context. Surface values are normalized before
// comparison so aliases of the canonical surface are not mismatches.
func AssertContextMatches(rc *RequestContext, scope PayloadScope) error {
	var mismatches []models.FieldMismatch
	hard := false

	check := func(field, supplied, expected string) {
		if supplied == "" || supplied == expected {
			return
		}
		mismatches = append(mismatches, models.FieldMismatch{
			Field: field, Expected: expected, Supplied: supplied,
		})
		if hardFields[field] {
			hard = true
		}
	}

	check("tenant_id", scope.TenantID, rc.TenantID)
	check("mode", scope.Mode, string(rc.Mode))
	check("user_id", scope.UserID, rc.UserID)
	check("project_id", scope.ProjectID, rc.ProjectID)
	check("app_id", scope.AppID, rc.AppID)

	if scope.Env != "" {
		if env, ok := models.NormalizeEnv(scope.Env); !ok || env != rc.Env {
			mismatches = append(mismatches, models.FieldMismatch{
				Field: "env", Expected: string(rc.Env), Supplied: scope.Env,
			})
		}
	}
	if scope.SurfaceID != "" {
		if canonical, ok := NormalizeSurface(scope.SurfaceID); !ok || canonical != rc.SurfaceID {
			mismatches = append(mismatches, models.FieldMismatch{
				Field: "surface_id", Expected: rc.SurfaceID, Supplied: scope.SurfaceID,
			})
		}
	}

	if len(mismatches) == 0 {
		return nil
	}
	status := http.StatusBadRequest
	if hard {
		status = http.StatusForbidden
	}
	return models.ErrContextMismatch(status, mismatches)
}

// ValidateIdentityPrecedence refuses payloads that try to override who the
// caller is: tenant_id, user_id, or mode differing from the server-derived
// context is auth.identity_override, and the caller persists an
// auth_violation with the mismatch list. Softer scope fields (project,
// surface, env) are left to AssertContextMatches.
func ValidateIdentityPrecedence(rc *RequestContext, scope PayloadScope) error {
	var mismatches []models.FieldMismatch

	check := func(field, supplied, expected string) {
		if supplied != "" && supplied != expected {
			mismatches = append(mismatches, models.FieldMismatch{
				Field: field, Expected: expected, Supplied: supplied,
			})
		}
	}

	check("tenant_id", scope.TenantID, rc.TenantID)
	check("user_id", scope.UserID, rc.UserID)
	check("mode", scope.Mode, string(rc.Mode))

	if len(mismatches) == 0 {
		return nil
	}
	return models.ErrIdentityOverride(mismatches)
}
