package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the server. Each instance owns
// its registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions *prometheus.GaugeVec
	SessionsTotal  *prometheus.CounterVec
	SessionEnds    *prometheus.CounterVec

	// Engine metrics
	ProtocolErrors    *prometheus.CounterVec
	Negotiations      *prometheus.CounterVec
	TimeoutsRequested prometheus.Counter
	TimeoutsFired     prometheus.Counter

	// Traffic metrics
	FramesTotal   *prometheus.CounterVec
	FrameSize     prometheus.Histogram
	BytesReceived *prometheus.CounterVec

	// Rejected connections
	SessionsRefused *prometheus.CounterVec
}

// NewMetrics creates the collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "myproto"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of engines currently attached to a connection",
			},
			[]string{"transport"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions started",
			},
			[]string{"transport"},
		),
		SessionEnds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_ends_total",
				Help:      "Total number of sessions ended, by reason",
			},
			[]string{"reason"},
		),
		ProtocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Total number of protocol errors, by code",
			},
			[]string{"code"},
		),
		Negotiations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "negotiations_total",
				Help:      "Total number of negotiation responses received",
			},
			[]string{"response"},
		),
		TimeoutsRequested: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_requested_total",
				Help:      "Total number of data timeouts requested by engines",
			},
		),
		TimeoutsFired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_fired_total",
				Help:      "Total number of data timers that expired",
			},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of frames delivered, by type",
			},
			[]string{"type"},
		),
		FrameSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_size_bytes",
				Help:      "Size of delivered frame bodies in bytes",
				Buckets:   []float64{0, 16, 64, 256, 1024, 4096, 16384, 65536, 99999},
			},
		),
		BytesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_received_total",
				Help:      "Total number of bytes fed into engines",
			},
			[]string{"transport"},
		),
		SessionsRefused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_refused_total",
				Help:      "Total number of connections refused before an engine started",
			},
			[]string{"reason"},
		),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
