// Package metrics provides Prometheus metrics for the session manager.
package metrics

import (
	"marketplace-session/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "marketplace_session"

var states = []domain.AuthState{
	domain.StateUnknown,
	domain.StateRestoring,
	domain.StateAuthenticated,
	domain.StateAnonymous,
}

// SessionMetrics implements domain.SessionMetrics.
type SessionMetrics struct {
	transitions *prometheus.CounterVec
	signIns     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

// New registers the session metrics on reg.
func New(reg prometheus.Registerer) *SessionMetrics {
	f := promauto.With(reg)
	return &SessionMetrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		signIns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_in_total",
			Help:      "Sign-in attempts by method and result code",
		}, []string{"method", "result"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_failures_total",
			Help:      "Failed fire-and-forget tasks",
		}, []string{"task"}),
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_discarded_total",
			Help:      "Background results dropped because the identity changed",
		}, []string{"task"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current session state (1 for the active state)",
		}, []string{"state"}),
	}
}

func (m *SessionMetrics) Transition(to domain.AuthState) {
	m.transitions.WithLabelValues(to.String()).Inc()
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

func (m *SessionMetrics) SignIn(method, result string) {
	m.signIns.WithLabelValues(method, result).Inc()
}

func (m *SessionMetrics) BackgroundFailure(task string) {
	m.failures.WithLabelValues(task).Inc()
}

func (m *SessionMetrics) StaleResultDiscarded(task string) {
	m.discarded.WithLabelValues(task).Inc()
}

var _ domain.SessionMetrics = (*SessionMetrics)(nil)
