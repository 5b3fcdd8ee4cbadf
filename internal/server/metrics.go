package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "shunt"

// Metrics are the server's Prometheus collectors. Each Metrics has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsOpened  prometheus.Counter
	SessionsActive  prometheus.Gauge
	Listeners       prometheus.Gauge
	StreamsAccepted prometheus.Counter
	ForwardFailures prometheus.Counter
	Bytes           *prometheus.CounterVec
	Errors          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_opened_total",
			Help:      "Counter of sessions accepted.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Gauge of sessions currently open.",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "listeners_active",
			Help:      "Gauge of addresses being listened on.",
		}),
		StreamsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_accepted_total",
			Help:      "Counter of streams opened by clients.",
		}),
		ForwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forward_failures_total",
			Help:      "Counter of streams that couldn't be forwarded to the redirection address.",
		}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_bytes_total",
			Help:      "Counter of bytes moved by finished sessions.",
		}, []string{"direction"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "service_errors_total",
			Help:      "Counter of service errors per kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.SessionsOpened,
		m.SessionsActive,
		m.Listeners,
		m.StreamsAccepted,
		m.ForwardFailures,
		m.Bytes,
		m.Errors,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
