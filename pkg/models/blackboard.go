package models

import "time"

// BlackboardEntry is one version of a coordination key. Versions start at 1
// and increase monotonically per (stream_key, key); history is never deleted.
type BlackboardEntry struct {
	StreamKey string         `json:"stream_key"`
	Key       string         `json:"key"`
	Version   int64          `json:"version"`
	Value     map[string]any `json:"value"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedBy string         `json:"updated_by"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BlackboardWriteRequest is the payload for POST /blackboard/write.
// ExpectedVersion nil means "create"; a value means compare-and-set.
type BlackboardWriteRequest struct {
	StreamKey       string         `json:"stream_key"`
	Key             string         `json:"key"`
	Value           map[string]any `json:"value"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`

	// Scope fields clients may echo; identity precedence rejects overrides.
	TenantID  string `json:"tenant_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SurfaceID string `json:"surface_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// BlackboardReadResult wraps a read; Found is false for missing keys
// instead of a 404 so pollers can branch cheaply.
type BlackboardReadResult struct {
	Found bool             `json:"found"`
	Entry *BlackboardEntry `json:"entry,omitempty"`
}

// Membership is the durable (user, tenant, role) tuple used by the
// membership gate and the token overlay check.
type Membership struct {
	UserID   string         `json:"user_id"`
	TenantID string         `json:"tenant_id"`
	Role     MembershipRole `json:"role"`
}
