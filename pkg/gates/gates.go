// Package gates runs the ordered safety checks ahead of every durable
// write: authentication, tenant membership, identity precedence, context
// match. Every evaluation, pass or block, is counted and emitted as a
// SAFETY_DECISION event so operators can replay what the substrate allowed
// and refused, and why. Blocked evaluations additionally land on the
// tenant's audit chain.
package gates

import (
	"context"
	"log/slog"

	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/metrics"
	"github.com/enginekit/substrate/pkg/models"
)

// MembershipLookup answers whether a user belongs to a tenant.
// Implemented by identity.MembershipService.
type MembershipLookup interface {
	Lookup(ctx context.Context, userID, tenantID string) (models.MembershipRole, bool, error)
}

// EventAppender publishes SAFETY_DECISION events. Implemented by events.Store.
type EventAppender interface {
	Append(ctx context.Context, streamID string, env models.EventEnvelope, payload map[string]any) (*models.StreamRecord, error)
}

// AuditRecorder persists refusals onto the tenant's hash chain. Implemented
// by audit.Recorder.
type AuditRecorder interface {
	Record(ctx context.Context, tenantID string, env models.EventEnvelope, payload map[string]any) (*models.AuditEntry, error)
}

// Gate is one named check in the chain.
type Gate struct {
	Name  string
	Check func(ctx context.Context, rc *identity.RequestContext, scope identity.PayloadScope) error
}

// Runner executes the gate chain in order and stops at the first refusal.
type Runner struct {
	gates   []Gate
	events  EventAppender
	auditor AuditRecorder
	logger  *slog.Logger
}

// NewRunner builds the standard chain. memberships may be nil to skip the
// membership gate (lab single-user deployments); events and auditor may be
// nil in tests.
func NewRunner(memberships MembershipLookup, events EventAppender, auditor AuditRecorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{events: events, auditor: auditor, logger: logger}

	r.gates = append(r.gates, Gate{
		Name: "authenticated",
		Check: func(ctx context.Context, rc *identity.RequestContext, _ identity.PayloadScope) error {
			// Lab mode runs without a token; everything sellable requires one.
			if rc.Mode.Sellable() && !rc.Authenticated {
				return models.ErrAuthMissing()
			}
			return nil
		},
	})

	if memberships != nil {
		r.gates = append(r.gates, Gate{
			Name: "tenant_membership",
			Check: func(ctx context.Context, rc *identity.RequestContext, _ identity.PayloadScope) error {
				if !rc.Authenticated || rc.UserID == "" {
					return nil // the authenticated gate already ruled
				}
				_, member, err := memberships.Lookup(ctx, rc.UserID, rc.TenantID)
				if err != nil {
					return models.ErrBackendUnavailable(models.KindRoutingRegistry, err)
				}
				if !member {
					return models.ErrTenantNotMember(rc.TenantID)
				}
				return nil
			},
		})
	}

	// Identity precedence runs before the general context match so an
	// attempted tenant/user/mode override is refused as auth.identity_override
	// rather than swallowed as a plain context mismatch.
	r.gates = append(r.gates,
		Gate{
			Name: "identity_precedence",
			Check: func(_ context.Context, rc *identity.RequestContext, scope identity.PayloadScope) error {
				return identity.ValidateIdentityPrecedence(rc, scope)
			},
		},
		Gate{
			Name: "context_match",
			Check: func(_ context.Context, rc *identity.RequestContext, scope identity.PayloadScope) error {
				return identity.AssertContextMatches(rc, scope)
			},
		},
	)
	return r
}

// Run executes the chain for the named action. Every gate evaluation, pass
// or block, lands on the tenant's safety stream. The first refusal is
// returned with the gate name attached; a refused write never reaches a
// backend.
func (r *Runner) Run(ctx context.Context, action string, rc *identity.RequestContext, scope identity.PayloadScope) error {
	for _, gate := range r.gates {
		err := gate.Check(ctx, rc, scope)
		if err == nil {
			metrics.GateDecisions.WithLabelValues(gate.Name, "allow").Inc()
			r.emitDecision(ctx, rc, action, gate.Name, nil)
			continue
		}

		metrics.GateDecisions.WithLabelValues(gate.Name, "block").Inc()
		derr, ok := models.AsDomainError(err)
		if !ok {
			derr = models.ErrBackendUnavailable(models.KindEventStream, err)
		}
		blocked := models.ErrGateBlocked(gate.Name, derr)
		r.emitDecision(ctx, rc, action, gate.Name, blocked)
		return blocked
	}
	return nil
}

// emitDecision appends one gate evaluation to the tenant's safety stream and,
// for a refusal, records it on the tenant's audit chain. derr is nil for a
// pass. Emission is best effort: the decision stands whether or not the
// event lands.
func (r *Runner) emitDecision(ctx context.Context, rc *identity.RequestContext, action, gateName string, derr *models.DomainError) {
	eventType := models.EventTypeSafetyDecision
	env := rc.Envelope(eventType, models.ActorSystem, models.StorageOps)

	payload := map[string]any{
		"action": action,
		"gate":   gateName,
		"result": "allow",
	}
	if derr != nil {
		if derr.Code == "auth.identity_override" || derr.Code == "auth.tenant_not_member" {
			env.EventType = models.EventTypeAuthViolation
		}
		env.Severity = models.SeverityWarn
		payload["result"] = "block"
		payload["reason"] = derr.Message
		payload["error_code"] = derr.Code
		if len(derr.Mismatches) > 0 {
			payload["mismatches"] = derr.Mismatches
		}
	}

	if r.events != nil {
		stream := "safety/" + rc.TenantID
		if _, err := r.events.Append(ctx, stream, env, payload); err != nil {
			r.logger.Error("safety decision emit failed",
				"gate", gateName, "tenant_id", rc.TenantID, "error", err)
		}
	}

	if derr != nil && r.auditor != nil {
		if _, err := r.auditor.Record(ctx, rc.TenantID, env, payload); err != nil {
			r.logger.Error("gate refusal audit record failed",
				"gate", gateName, "tenant_id", rc.TenantID, "error", err)
		}
	}
}
