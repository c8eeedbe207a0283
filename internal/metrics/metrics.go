// Package metrics exposes Prometheus collectors for connection, stream and
// poll activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openhabsync"

// ConnectionStates lists the label values of connection_status.
var ConnectionStates = []string{"disconnected", "connecting", "connected"}

// Metrics groups every collector the integration updates.
type Metrics struct {
	ConnectionStatus *prometheus.GaugeVec
	StreamConnected  prometheus.Gauge
	StreamReconnects prometheus.Counter
	StreamEvents     *prometheus.CounterVec
	ParseErrors      *prometheus.CounterVec
	Polls            *prometheus.CounterVec
	EntitiesMissing  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_status",
				Help:      "1 for the current connection state, 0 for the others",
			},
			[]string{"state"},
		),
		StreamConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_connected",
				Help:      "1 while the event stream is open",
			},
		),
		StreamReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_reconnects_total",
				Help:      "Event stream reconnect attempts",
			},
		),
		StreamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_total",
				Help:      "Item updates received from the event stream, by outcome",
			},
			[]string{"outcome"},
		),
		ParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_parse_errors_total",
				Help:      "Event frame decoding problems, by kind",
			},
			[]string{"kind"},
		),
		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Item polls issued, by kind (full or incremental)",
			},
			[]string{"kind"},
		),
		EntitiesMissing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities_missing",
				Help:      "Entities not found on the hub after the last full poll",
			},
		),
	}

	reg.MustRegister(
		m.ConnectionStatus,
		m.StreamConnected,
		m.StreamReconnects,
		m.StreamEvents,
		m.ParseErrors,
		m.Polls,
		m.EntitiesMissing,
	)
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range ConnectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetStreamConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func (m *Metrics) IncStreamEvent(outcome string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncParseError(kind string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPoll(kind string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetEntitiesMissing(n int) {
	if m == nil {
		return
	}
	m.EntitiesMissing.Set(float64(n))
}
