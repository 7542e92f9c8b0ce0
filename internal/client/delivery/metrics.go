package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Submitted     *prometheus.CounterVec
	Transmitted   prometheus.Counter
	Retransmitted prometheus.Counter
	Acked         prometheus.Counter
	AckTimeouts   prometheus.Counter
	Failed        *prometheus.CounterVec
	Inbound       prometheus.Counter
	DecodeErrors  prometheus.Counter
	Ignored       *prometheus.CounterVec
}

// NewMetrics registers the delivery collectors on reg. A nil reg yields
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "delivery",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		Submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "delivery",
			Name:      "submitted_total",
			Help:      "Outbound messages accepted from the user, by kind.",
		}, []string{"kind"}),
		Transmitted:   counter("transmitted_total", "Message frames handed to the connection."),
		Retransmitted: counter("retransmitted_total", "Message frames sent again after a timeout or send error."),
		Acked:         counter("acked_total", "Outbound messages acknowledged by the relay."),
		AckTimeouts:   counter("ack_timeouts_total", "Acknowledgement windows that expired."),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "delivery",
			Name:      "failed_total",
			Help:      "Outbound messages that ended Failed, by reason.",
		}, []string{"reason"}),
		Inbound:      counter("inbound_total", "Inbound messages added to a conversation."),
		DecodeErrors: counter("decode_errors_total", "Inbound frames dropped because they could not be decoded."),
		Ignored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "delivery",
			Name:      "ignored_frames_total",
			Help:      "Well-formed inbound frames that were ignored, by reason.",
		}, []string{"reason"}),
	}
}
