// Package metrics exposes Prometheus collectors for the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsClosed *prometheus.CounterVec
	Broadcasts     prometheus.Counter
	Commands       *prometheus.CounterVec
	MessagesSaved  prometheus.Counter
	AuthFailures   prometheus.Counter
	StoreErrors    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "sessions_active",
			Help:      "Sessions currently joined to the registry.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "broadcasts_total",
			Help:      "Payloads fanned out to all sessions.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "commands_total",
			Help:      "Inbound frames by decoded type.",
		}, []string{"type"}),
		MessagesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "messages_saved_total",
			Help:      "Chat messages written to the store.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "auth_failures_total",
			Help:      "Frames rejected with auth_error.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "store_errors_total",
			Help:      "Failed store operations.",
		}),
	}
	reg.MustRegister(
		m.SessionsActive,
		m.SessionsClosed,
		m.Broadcasts,
		m.Commands,
		m.MessagesSaved,
		m.AuthFailures,
		m.StoreErrors,
	)
	return m
}

func (m *Metrics) SessionJoined() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionLeft() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) SessionClosed(reason string) {
	if m != nil {
		m.SessionsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.Broadcasts.Inc()
	}
}

func (m *Metrics) Command(t string) {
	if m != nil {
		m.Commands.WithLabelValues(t).Inc()
	}
}

func (m *Metrics) MessageSaved() {
	if m != nil {
		m.MessagesSaved.Inc()
	}
}

func (m *Metrics) AuthFailure() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}

func (m *Metrics) StoreError() {
	if m != nil {
		m.StoreErrors.Inc()
	}
}
