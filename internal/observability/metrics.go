package observability

import "github.com/prometheus/client_golang/prometheus"

// namespace for all RSM prometheus metrics.
const namespace = "rsm"

// RelayMetrics holds the relay's prometheus instruments. All fields are
// safe for concurrent use; a nil *RelayMetrics disables instrumentation.
type RelayMetrics struct {
	// EnvelopesRouted counts delivered envelopes by routing class
	// ("p2p" or "broadcast").
	EnvelopesRouted *prometheus.CounterVec
	// SessionsActive tracks currently registered sessions by role.
	SessionsActive *prometheus.GaugeVec
	// BrokerCalls counts correlated calls by outcome
	// ("resolved", "timeout", "cancelled").
	BrokerCalls *prometheus.CounterVec
	// WireErrors counts protocol faults reported back to senders, by code.
	WireErrors *prometheus.CounterVec
	// AuditDropped counts audit events dropped because the mirror's
	// buffer was full.
	AuditDropped prometheus.Counter
}

// NewRelayMetrics creates and registers the relay instruments on reg.
//
// Precondition: reg must not be nil; instruments must not already be
// registered on it.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		EnvelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_envelopes_routed_total",
			Help:      "Envelopes delivered by the relay, by routing class.",
		}, []string{"class"}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions_active",
			Help:      "Currently registered relay sessions, by role.",
		}, []string{"role"}),
		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_broker_calls_total",
			Help:      "Correlated broker calls, by outcome.",
		}, []string{"outcome"}),
		WireErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_wire_errors_total",
			Help:      "Protocol errors reported back to senders, by code.",
		}, []string{"code"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_audit_dropped_total",
			Help:      "Audit events dropped due to a full mirror buffer.",
		}),
	}
	reg.MustRegister(
		m.EnvelopesRouted,
		m.SessionsActive,
		m.BrokerCalls,
		m.WireErrors,
		m.AuditDropped,
	)
	return m
}

// RoutedInc increments the routed-envelope counter; safe on a nil receiver.
func (m *RelayMetrics) RoutedInc(class string) {
	if m == nil {
		return
	}
	m.EnvelopesRouted.WithLabelValues(class).Inc()
}

// SessionDelta adjusts the active-session gauge; safe on a nil receiver.
func (m *RelayMetrics) SessionDelta(role string, delta float64) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(role).Add(delta)
}

// BrokerCallInc records a broker call outcome; safe on a nil receiver.
func (m *RelayMetrics) BrokerCallInc(outcome string) {
	if m == nil {
		return
	}
	m.BrokerCalls.WithLabelValues(outcome).Inc()
}

// WireErrorInc records a reported protocol fault; safe on a nil receiver.
func (m *RelayMetrics) WireErrorInc(code string) {
	if m == nil {
		return
	}
	m.WireErrors.WithLabelValues(code).Inc()
}

// AuditDroppedInc records a dropped audit event; safe on a nil receiver.
func (m *RelayMetrics) AuditDroppedInc() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}
