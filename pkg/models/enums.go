package models

// Mode is the deployment class of a tenant. It drives the backend-class guard:
// sellable modes (saas, enterprise) never resolve to non-durable backends.
type Mode string

const (
	ModeSaaS       Mode = "saas"
	ModeEnterprise Mode = "enterprise"
	ModeLab        Mode = "lab"
)

// IsValid checks if the mode is one of the accepted deployment classes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSaaS, ModeEnterprise, ModeLab:
		return true
	default:
		return false
	}
}

// Sellable reports whether the mode is subject to the strict backend-class guard.
func (m Mode) Sellable() bool {
	return m == ModeSaaS || m == ModeEnterprise
}

// Env is the deployment environment of a request scope.
type Env string

const (
	EnvDev     Env = "dev"
	EnvStaging Env = "staging"
	EnvProd    Env = "prod"
)

// NormalizeEnv maps environment aliases to their canonical form.
// The second return value is false for unknown environments.
func NormalizeEnv(raw string) (Env, bool) {
	switch raw {
	case "dev", "development":
		return EnvDev, true
	case "staging", "stage":
		return EnvStaging, true
	case "prod", "production":
		return EnvProd, true
	default:
		return "", false
	}
}

// ResourceKind is a logical capability whose physical backend is chosen
// per tenant via a ResourceRoute.
type ResourceKind string

const (
	KindObjectStore     ResourceKind = "object_store"
	KindEventStream     ResourceKind = "event_stream"
	KindTabularStore    ResourceKind = "tabular_store"
	KindMetricsStore    ResourceKind = "metrics_store"
	KindMemoryStore     ResourceKind = "memory_store"
	KindBlackboardStore ResourceKind = "blackboard_store"
	KindAnalyticsStore  ResourceKind = "analytics_store"
	KindRoutingRegistry ResourceKind = "routing_registry"
	KindAuditStore      ResourceKind = "audit_store"
)

// IsValid checks if the resource kind is known.
func (k ResourceKind) IsValid() bool {
	switch k {
	case KindObjectStore, KindEventStream, KindTabularStore, KindMetricsStore,
		KindMemoryStore, KindBlackboardStore, KindAnalyticsStore,
		KindRoutingRegistry, KindAuditStore:
		return true
	default:
		return false
	}
}

// ActorType identifies what produced an event.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
	ActorTool   ActorType = "tool"
)

// IsValid checks if the actor type is known.
func (a ActorType) IsValid() bool {
	switch a {
	case ActorHuman, ActorAgent, ActorSystem, ActorTool:
		return true
	default:
		return false
	}
}

// Severity is the log-style severity attached to an event envelope.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// IsValid checks if the severity is known.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError:
		return true
	default:
		return false
	}
}

// StorageClass partitions persisted events by retention and access pattern.
type StorageClass string

const (
	StorageOps    StorageClass = "ops"
	StorageAudit  StorageClass = "audit"
	StorageStream StorageClass = "stream"
	StorageCost   StorageClass = "cost"
	StorageMetric StorageClass = "metric"
)

// IsValid checks if the storage class is known.
func (s StorageClass) IsValid() bool {
	switch s {
	case StorageOps, StorageAudit, StorageStream, StorageCost, StorageMetric:
		return true
	default:
		return false
	}
}

// MembershipRole is a user's role within a tenant.
type MembershipRole string

const (
	RoleOwner  MembershipRole = "owner"
	RoleAdmin  MembershipRole = "admin"
	RoleMember MembershipRole = "member"
)

// IsValid checks if the membership role is known.
func (r MembershipRole) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

// SystemTenant is the only hardcoded tenant. Global default routes and
// process-level streams live under it.
const SystemTenant = "t_system"
