// Package metrics exposes prometheus instruments for the channel engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's instruments. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	SendsTotal       *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	OpenSessions     prometheus.Gauge
	StreamReconnects prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carechat",
			Name:      "sends_total",
			Help:      "Local send attempts by outcome.",
		}, []string{"outcome"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carechat",
			Name:      "events_total",
			Help:      "Remote events applied, by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carechat",
			Name:      "events_dropped_total",
			Help:      "Remote events dropped, by reason.",
		}, []string{"reason"}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carechat",
			Name:      "open_sessions",
			Help:      "Channel sessions currently open.",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carechat",
			Name:      "stream_reconnects_total",
			Help:      "Push stream reconnection attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SendsTotal, m.EventsTotal, m.EventsDropped, m.OpenSessions, m.StreamReconnects)
	}
	return m
}

// Send records a send attempt outcome ("sent", "rate_limited", "rejected", "failed").
func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(outcome).Inc()
}

// Event records an applied remote event.
func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// Dropped records a dropped remote event.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.OpenSessions.Inc()
}

// SessionClosed decrements the open session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.OpenSessions.Dec()
}

// Reconnect records a push stream reconnection attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}
