package models

import (
	"errors"
	"fmt"
	"net/http"
)

// FieldMismatch describes a single scope field that differed between the
// resolved request context and a client-supplied value.
type FieldMismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Supplied string `json:"supplied"`
}

// DomainError is the one error shape every layer maps into. The API layer
// serializes it as the uniform error envelope:
//
//	{ "error_code": "<domain>.<kind>", "message": "...",
//	  "resource_kind"?: "...", "mismatches"?: [...], "gate"?: "..." }
type DomainError struct {
	Code         string          `json:"error_code"`
	Status       int             `json:"-"`
	Message      string          `json:"message"`
	ResourceKind ResourceKind    `json:"resource_kind,omitempty"`
	Mismatches   []FieldMismatch `json:"mismatches,omitempty"`
	Gate         string          `json:"gate,omitempty"`

	// Version conflict details, set only on blackboard.version_conflict so
	// clients can re-read and retry without parsing the message.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
	CurrentVersion  int64 `json:"current_version,omitempty"`

	cause error
}

func (e *DomainError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *DomainError) Unwrap() error { return e.cause }

// WithCause attaches an underlying error without changing the envelope.
func (e *DomainError) WithCause(err error) *DomainError {
	clone := *e
	clone.cause = err
	return &clone
}

// AsDomainError extracts a *DomainError from an error chain.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// --- Context / identity errors (400, 401, 403) ---

// ErrLegacyEnvForbidden rejects any request carrying the retired X-Env header.
func ErrLegacyEnvForbidden() *DomainError {
	return &DomainError{
		Code:    "context.legacy_env_forbidden",
		Status:  http.StatusBadRequest,
		Message: "legacy X-Env header is forbidden; environment is derived from routing scope",
	}
}

// ErrModeRequired rejects requests with a missing or unknown X-Mode.
func ErrModeRequired(got string) *DomainError {
	return &DomainError{
		Code:    "context.mode_required",
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("X-Mode must be one of saas, enterprise, lab (got %q)", got),
	}
}

// ErrProjectRequired rejects requests with no project scope.
func ErrProjectRequired() *DomainError {
	return &DomainError{
		Code:    "context.project_required",
		Status:  http.StatusBadRequest,
		Message: "X-Project-Id is required; there is no implicit default project",
	}
}

// ErrTenantInvalid rejects malformed tenant identifiers.
func ErrTenantInvalid(tenant string) *DomainError {
	return &DomainError{
		Code:    "context.tenant_invalid",
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("tenant id %q does not match ^t_[a-z0-9_-]+$", tenant),
	}
}

// ErrContextMismatch reports payload/path scope fields that contradict the
// resolved context. Tenant and mode mismatches are authorization failures.
func ErrContextMismatch(status int, mismatches []FieldMismatch) *DomainError {
	return &DomainError{
		Code:       "context.context_mismatch",
		Status:     status,
		Message:    "request scope does not match resolved context",
		Mismatches: mismatches,
	}
}

// ErrAuthMissing rejects unauthenticated access to user-scoped operations.
func ErrAuthMissing() *DomainError {
	return &DomainError{
		Code:    "auth.missing_or_invalid",
		Status:  http.StatusUnauthorized,
		Message: "missing or invalid bearer token",
	}
}

// ErrTenantNotMember rejects tokens whose membership set excludes the tenant.
func ErrTenantNotMember(tenant string) *DomainError {
	return &DomainError{
		Code:    "auth.tenant_not_member",
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("authenticated user is not a member of tenant %q", tenant),
	}
}

// ErrIdentityOverride rejects client-supplied identity fields that differ
// from the server-derived context.
func ErrIdentityOverride(mismatches []FieldMismatch) *DomainError {
	return &DomainError{
		Code:       "auth.identity_override",
		Status:     http.StatusForbidden,
		Message:    "client-supplied identity fields may not override server-derived context",
		Mismatches: mismatches,
	}
}

// --- Routing / backend errors (403, 503) ---

// ErrMissingRoute reports an unresolvable resource kind for a scope.
// The code is kind-prefixed so clients can branch per resource.
func ErrMissingRoute(kind ResourceKind, tenant string, env Env) *DomainError {
	return &DomainError{
		Code:         string(kind) + ".missing_route",
		Status:       http.StatusServiceUnavailable,
		Message:      fmt.Sprintf("no route for %s under (%s, %s); operator must provision one", kind, tenant, env),
		ResourceKind: kind,
	}
}

// ErrForbiddenBackendClass rejects non-durable backends in sellable modes.
func ErrForbiddenBackendClass(kind ResourceKind, backendType string, mode Mode) *DomainError {
	return &DomainError{
		Code:         "backend.forbidden_backend_class",
		Status:       http.StatusForbidden,
		Message:      fmt.Sprintf("backend type %q is not a durable class and is forbidden for %s in mode %s", backendType, kind, mode),
		ResourceKind: kind,
	}
}

// ErrBackendUnavailable wraps adapter-level failures with routing scope.
func ErrBackendUnavailable(kind ResourceKind, cause error) *DomainError {
	return (&DomainError{
		Code:         "backend.backend_unavailable",
		Status:       http.StatusInternalServerError,
		Message:      fmt.Sprintf("backend for %s is unavailable", kind),
		ResourceKind: kind,
	}).WithCause(cause)
}

// --- Stream errors (410, 500) ---

// ErrCursorInvalid reports an unknown or expired replay cursor.
func ErrCursorInvalid(streamID, cursor string) *DomainError {
	return &DomainError{
		Code:    "stream.cursor_invalid",
		Status:  http.StatusGone,
		Message: fmt.Sprintf("cursor %q is not a known event in stream %q; reconnect without a cursor", cursor, streamID),
	}
}

// ErrStreamWriteFailed reports a failed durable append. There is no fallback;
// the caller retries with the same idempotency key.
func ErrStreamWriteFailed(streamID string, cause error) *DomainError {
	return (&DomainError{
		Code:    "stream.stream_write_failed",
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("durable append to stream %q failed", streamID),
	}).WithCause(cause)
}

// --- Blackboard errors (409) ---

// ErrVersionConflict reports a lost optimistic-concurrency race. The body
// carries both versions so clients can retry against current state.
func ErrVersionConflict(expected, current int64) *DomainError {
	return &DomainError{
		Code:            "blackboard.version_conflict",
		Status:          http.StatusConflict,
		Message:         fmt.Sprintf("expected version %d but current version is %d", expected, current),
		ExpectedVersion: expected,
		CurrentVersion:  current,
	}
}

// --- Generic (404, 504) ---

// ErrNotFound reports a read of a record that does not exist.
func ErrNotFound(domain, what string) *DomainError {
	return &DomainError{
		Code:    domain + ".not_found",
		Status:  http.StatusNotFound,
		Message: what + " not found",
	}
}

// ErrRequestTimeout reports a deadline expiry inside an adapter operation.
func ErrRequestTimeout(cause error) *DomainError {
	return (&DomainError{
		Code:    "request.request_timeout",
		Status:  http.StatusGatewayTimeout,
		Message: "operation exceeded the request deadline; retries are idempotent",
	}).WithCause(cause)
}

// ErrGateBlocked wraps a gate refusal with the gate's name so the envelope
// carries the "gate" field.
func ErrGateBlocked(gate string, underlying *DomainError) *DomainError {
	clone := *underlying
	clone.Gate = gate
	return &clone
}
