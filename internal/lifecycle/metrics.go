package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	publishes   *prometheus.CounterVec
	publishTime prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commlifecycle",
			Name:      "transitions_total",
			Help:      "Status change requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commlifecycle",
			Name:      "events_published_total",
			Help:      "Direct event publish attempts by outcome.",
		}, []string{"outcome"}),
		publishTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "commlifecycle",
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing one event.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.publishes, m.publishTime)
	}
	return m
}

func (m *Metrics) transition(op, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) published(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.publishes.WithLabelValues(outcome).Inc()
	m.publishTime.Observe(took.Seconds())
}
