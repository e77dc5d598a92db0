package node

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"p2p-network/internal/core/network"
)

type Metrics struct {
	commands      *prometheus.CounterVec
	incoming      prometheus.Counter
	dropped       prometheus.Counter
	queryDuration *prometheus.HistogramVec
	events        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2p_node",
			Name:      "commands_total",
			Help:      "Commands handled by the network task.",
		}, []string{"command", "outcome"}),
		incoming: f.NewCounter(prometheus.CounterOpts{
			Namespace: "p2p_node",
			Name:      "incoming_messages_total",
			Help:      "Pub/sub messages forwarded to the operator.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "p2p_node",
			Name:      "dropped_payloads_total",
			Help:      "Pub/sub messages dropped because the payload did not decode.",
		}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "p2p_node",
			Name:      "query_duration_seconds",
			Help:      "Time from starting an overlay query to its result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"command"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2p_node",
			Name:      "overlay_events_total",
			Help:      "Overlay events observed, by protocol.",
		}, []string{"protocol"}),
	}
}

func (m *Metrics) command(cmd Command, res Result) {
	outcome := "ok"
	if res.Failure() != nil {
		outcome = "error"
	}
	m.commands.WithLabelValues(cmd.Name(), outcome).Inc()
}

func (m *Metrics) query(cmd Command, started time.Time) {
	m.queryDuration.WithLabelValues(cmd.Name()).Observe(time.Since(started).Seconds())
}

func (m *Metrics) event(ev network.Event) {
	m.events.WithLabelValues(ev.Protocol().String()).Inc()
}
