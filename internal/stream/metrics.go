package stream

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Subscriber kinds.
const (
	KindSession  = "session"
	KindCall     = "call"
	KindCallList = "call_list"
)

// Metrics are the stream collectors.
type Metrics struct {
	subscribers *prometheus.GaugeVec
	events      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agencyscout",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Connected stream subscribers.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agencyscout",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Frames emitted to subscribers.",
		}, []string{"kind", "type"}),
	}
	if reg != nil {
		m.subscribers = mustRegister(reg, m.subscribers)
		m.events = mustRegister(reg, m.events)
	}
	return m
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) connected(kind string, delta float64) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(kind).Add(delta)
}

func (m *Metrics) emitted(kind, typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, typ).Inc()
}
