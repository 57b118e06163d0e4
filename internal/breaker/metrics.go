package breaker

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the observability hook a Breaker reports into.
type Metrics interface {
	StateChanged(from, to State)
	RequestBlocked(state State)
}

type noopMetrics struct{}

func (noopMetrics) StateChanged(State, State) {}
func (noopMetrics) RequestBlocked(State)      {}

// PromMetrics implements Metrics on top of client_golang, registered once
// per process and shared across every per-target Breaker.
type PromMetrics struct {
	stateChanges    *prometheus.CounterVec
	requestsBlocked *prometheus.CounterVec
}

// NewPromMetrics registers the breaker metric families on reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_breaker_state_transitions_total",
			Help: "Circuit breaker state transitions, labeled by from/to state.",
		}, []string{"from", "to"}),
		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyproxy_breaker_requests_blocked_total",
			Help: "Requests rejected by a circuit breaker without reaching the upstream.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.stateChanges, m.requestsBlocked)
	return m
}

func (m *PromMetrics) StateChanged(from, to State) {
	m.stateChanges.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *PromMetrics) RequestBlocked(state State) {
	m.requestsBlocked.WithLabelValues(state.String()).Inc()
}
