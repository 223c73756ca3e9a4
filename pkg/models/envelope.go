package models

import (
	"fmt"
	"time"
)

// EventEnvelope is the routing + identity + correlation metadata attached to
// every persisted event. Envelopes are immutable after emission.
type EventEnvelope struct {
	// Routing scope
	TenantID  string `json:"tenant_id"`
	Mode      Mode   `json:"mode"`
	Env       Env    `json:"env"`
	ProjectID string `json:"project_id"`
	AppID     string `json:"app_id,omitempty"`
	SurfaceID string `json:"surface_id,omitempty"` // canonical form only

	// Actor
	ActorID   string    `json:"actor_id"`
	ActorType ActorType `json:"actor_type"`

	// Optional domain scoping
	ThreadID  string `json:"thread_id,omitempty"`
	CanvasID  string `json:"canvas_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Correlation IDs. EventID is assigned by the stream store, never the
	// caller. IdempotencyKey is caller-supplied for exactly-once appends.
	EventID        string `json:"event_id,omitempty"`
	RequestID      string `json:"request_id"`
	TraceID        string `json:"trace_id,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	StepID         string `json:"step_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Meta
	EventType     string       `json:"event_type"`
	Timestamp     time.Time    `json:"timestamp"`
	Severity      Severity     `json:"severity"`
	SchemaVersion string       `json:"schema_version"`
	StorageClass  StorageClass `json:"storage_class"`
	PIIFlags      []string     `json:"pii_flags,omitempty"`
}

// EnvelopeSchemaVersion is stamped on envelopes missing an explicit version.
const EnvelopeSchemaVersion = "v1"

// Validate checks the envelope invariants: required routing keys non-empty
// and enum fields within their value sets. Defaults are filled in place for
// timestamp, severity, schema version and storage class.
func (e *EventEnvelope) Validate() error {
	if e.TenantID == "" || e.ProjectID == "" || e.ActorID == "" {
		return fmt.Errorf("envelope requires tenant_id, project_id and actor_id")
	}
	if !e.Mode.IsValid() {
		return fmt.Errorf("envelope mode %q is invalid", e.Mode)
	}
	if e.Env != EnvDev && e.Env != EnvStaging && e.Env != EnvProd {
		return fmt.Errorf("envelope env %q is invalid", e.Env)
	}
	if !e.ActorType.IsValid() {
		return fmt.Errorf("envelope actor_type %q is invalid", e.ActorType)
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope requires event_type")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	} else if !e.Severity.IsValid() {
		return fmt.Errorf("envelope severity %q is invalid", e.Severity)
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = EnvelopeSchemaVersion
	}
	if e.StorageClass == "" {
		e.StorageClass = StorageStream
	} else if !e.StorageClass.IsValid() {
		return fmt.Errorf("envelope storage_class %q is invalid", e.StorageClass)
	}
	return nil
}

// Event types emitted by the control plane itself.
const (
	EventTypeRouteChanged   = "ROUTE_CHANGED"
	EventTypeRouteDeleted   = "ROUTE_DELETED"
	EventTypeSafetyDecision = "SAFETY_DECISION"
	EventTypeAuthViolation  = "auth_violation"
	EventTypeRetentionSweep = "RETENTION_SWEEP"
)

// StreamRecord is an EventEnvelope plus its domain payload and position
// within the stream. PrevEventID links each record to its predecessor,
// making per-stream order independently checkable.
type StreamRecord struct {
	Envelope    EventEnvelope  `json:"envelope"`
	Payload     map[string]any `json:"payload,omitempty"`
	StreamID    string         `json:"stream_id"`
	Seq         int64          `json:"seq"`
	PrevEventID string         `json:"prev_event_id,omitempty"`
	CommittedAt time.Time      `json:"committed_at"`
}

// InfraStream names the stream for control-plane events about a resource
// kind within a tenant, e.g. "routing/t_acme".
func InfraStream(kind ResourceKind, tenantID string) string {
	name := string(kind)
	if kind == KindRoutingRegistry {
		name = "routing"
	}
	return name + "/" + tenantID
}

// AppendEventRequest is the public payload for POST /events/append.
type AppendEventRequest struct {
	StreamID string         `json:"stream_id"`
	Envelope EventEnvelope  `json:"envelope"`
	Payload  map[string]any `json:"payload,omitempty"`
}
