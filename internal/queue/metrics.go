package queue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded on agencyscout_queue_jobs_total.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRequeued  = "requeued"
	OutcomeDeferred  = "deferred"
	OutcomeDead      = "dead"
	OutcomeRecovered = "recovered"
)

// Metrics holds the prometheus collectors shared by every queue of a process.
type Metrics struct {
	jobs  *prometheus.CounterVec
	depth *prometheus.GaugeVec
}

// NewMetrics registers the queue collectors on reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agencyscout",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Jobs processed by outcome.",
		}, []string{"queue", "outcome"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agencyscout",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Job files present by state.",
		}, []string{"queue", "state"}),
	}
	if reg == nil {
		return m
	}
	m.jobs = register(reg, m.jobs)
	m.depth = register(reg, m.depth)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
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

func (m *Metrics) observe(queue, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) setDepth(queue string, queued, claimed int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue, "queued").Set(float64(queued))
	m.depth.WithLabelValues(queue, "claimed").Set(float64(claimed))
}
