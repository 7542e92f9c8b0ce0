package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Dials      *prometheus.CounterVec
	Reconnects prometheus.Counter
	Exhausted  prometheus.Counter
	State      prometheus.Gauge
}

// NewMetrics registers the connection collectors on reg. A nil reg yields
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "connection",
			Name:      "dials_total",
			Help:      "Transport dial attempts by result.",
		}, []string{"result"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "connection",
			Name:      "reconnects_scheduled_total",
			Help:      "Automatic reconnects scheduled after a failure or closure.",
		}),
		Exhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "connection",
			Name:      "exhausted_total",
			Help:      "Times automatic reconnection gave up.",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidekick",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected).",
		}),
	}
}
