// Package metrics registers the substrate's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateDecisions counts gate outcomes by gate name and decision.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_gate_decisions_total",
		Help: "Safety gate decisions by gate and outcome.",
	}, []string{"gate", "outcome"})

	// StreamAppends counts durable appends by result.
	StreamAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_stream_appends_total",
		Help: "Durable stream appends by result.",
	}, []string{"result"})

	// RouteResolutions counts registry lookups by matched scope level.
	RouteResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_route_resolutions_total",
		Help: "Route resolutions by matched scope (project, tenant, system, miss).",
	}, []string{"scope"})

	// ContextRejections counts boundary rejections by error code.
	ContextRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_context_rejections_total",
		Help: "Requests rejected at the identity boundary by error code.",
	}, []string{"code"})

	// AuditAppends counts audit chain appends by result.
	AuditAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_audit_appends_total",
		Help: "Audit chain appends by result.",
	}, []string{"result"})
)
