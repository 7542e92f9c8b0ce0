package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections prometheus.Gauge
	Replaced    prometheus.Counter
	Received    prometheus.Counter
	Relayed     prometheus.Counter
	Replayed    prometheus.Counter
	Dropped     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidekick_relay",
			Name:      "connections",
			Help:      "Authenticated WebSocket connections currently registered.",
		}),
		Replaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick_relay",
			Name:      "connections_replaced_total",
			Help:      "Connections closed because the same user connected again.",
		}),
		Received: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick_relay",
			Name:      "messages_received_total",
			Help:      "Message frames accepted from senders.",
		}),
		Relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick_relay",
			Name:      "messages_relayed_total",
			Help:      "Message frames written to an online recipient.",
		}),
		Replayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick_relay",
			Name:      "messages_replayed_total",
			Help:      "Stored messages queued to a recipient on connect.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidekick_relay",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
	}
}
