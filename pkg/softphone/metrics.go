package softphone

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics счетчики Prometheus для клиента.
//
// Регистратор передается явно, чтобы в тестах можно было поднимать
// несколько независимых клиентов. Nil-экземпляр безопасен: все методы
// записи становятся no-op.
type Metrics struct {
	registrations    *prometheus.CounterVec
	calls            *prometheus.CounterVec
	callErrors       prometheus.Counter
	stateTransitions *prometheus.CounterVec
	activeCalls      prometheus.Gauge
	replacedSessions prometheus.Counter
}

// NewMetrics создает и регистрирует метрики клиента
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "client",
			Name:      "registrations_total",
			Help:      "Registration outcomes by status.",
		}, []string{"status"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Call sessions by direction.",
		}, []string{"direction"}),
		callErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "client",
			Name:      "call_errors_total",
			Help:      "Engine-reported call failures.",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "client",
			Name:      "call_state_transitions_total",
			Help:      "Call state machine transitions.",
		}, []string{"state"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webphone",
			Subsystem: "client",
			Name:      "active_calls",
			Help:      "Currently tracked call sessions.",
		}),
		replacedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone",
			Subsystem: "client",
			Name:      "replaced_sessions_total",
			Help:      "Sessions silently replaced by a newer one.",
		}),
	}
	reg.MustRegister(m.registrations, m.calls, m.callErrors,
		m.stateTransitions, m.activeCalls, m.replacedSessions)
	return m
}

func (m *Metrics) registration(status RegistrationStatus) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) callStarted(dir Direction) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(string(dir)).Inc()
	m.activeCalls.Inc()
}

func (m *Metrics) callFinished() {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
}

func (m *Metrics) callError() {
	if m == nil {
		return
	}
	m.callErrors.Inc()
}

func (m *Metrics) transition(state CallState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) sessionReplaced() {
	if m == nil {
		return
	}
	m.replacedSessions.Inc()
}
