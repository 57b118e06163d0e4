// Package metrics wires the process-wide Prometheus registry: the Breaker's
// state-transition counters and the credential-selection counters this
// package defines itself. This instruments the core only — the scrapeable
// exporter endpoint and any dashboard are collaborators outside this
// package's scope (SPEC_FULL.md DOMAIN STACK).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nullstream/genai-key-proxy/internal/breaker"
)

// Registry bundles every metrics collector the core registers once at
// startup.
type Registry struct {
	Breaker *breaker.PromMetrics

	keySelections *prometheus.CounterVec
	keyFailures   *prometheus.CounterVec
	keyBlocks     *prometheus.CounterVec
	auditDropped  prometheus.Counter
}

// New registers every collector against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Breaker: breaker.NewPromMetrics(reg),
		keySelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_credential_selections_total",
			Help: "Count of credential selections by group and rotation method.",
		}, []string{"group", "rotation_method"}),
		keyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_credential_failures_total",
			Help: "Count of recorded credential failures by group.",
		}, []string{"group"}),
		keyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_credential_blocks_total",
			Help: "Count of credentials transitioning to blocked by group.",
		}, []string{"group"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyproxy_audit_events_dropped_total",
			Help: "Count of audit events dropped because the writer's buffer was full.",
		}),
	}

	reg.MustRegister(r.keySelections, r.keyFailures, r.keyBlocks, r.auditDropped)
	return r
}

// RecordSelection increments the selection counter for group/rotationMethod.
func (r *Registry) RecordSelection(group, rotationMethod string) {
	r.keySelections.WithLabelValues(group, rotationMethod).Inc()
}

// RecordFailure increments the failure counter for group.
func (r *Registry) RecordFailure(group string) {
	r.keyFailures.WithLabelValues(group).Inc()
}

// RecordBlock increments the block counter for group.
func (r *Registry) RecordBlock(group string) {
	r.keyBlocks.WithLabelValues(group).Inc()
}

// RecordAuditDropped increments the audit-drop counter.
func (r *Registry) RecordAuditDropped() {
	r.auditDropped.Inc()
}
