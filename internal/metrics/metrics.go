// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is registered on its own registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted      prometheus.Counter
	ActiveSessions       prometheus.Gauge
	SessionStartDuration prometheus.Histogram
	TokensInput          prometheus.Counter
	TokensOutput         prometheus.Counter

	NetworkRequests             prometheus.Counter
	NetworkRequestsDeduplicated prometheus.Counter
	NetworkRequestDuration      prometheus.Histogram
	Approvals                   *prometheus.CounterVec
	CallbackDuration            prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessions_started_total",
			Help: "Sessions successfully started.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Sessions currently starting or active.",
		}),
		SessionStartDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_start_duration_seconds",
			Help:    "Time from start command to ready session.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		TokensInput: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokens_input_total",
			Help: "Input tokens reported by completed turns.",
		}),
		TokensOutput: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokens_output_total",
			Help: "Output tokens reported by completed turns.",
		}),
		NetworkRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "network_requests_total",
			Help: "Network access requests that produced an approval prompt.",
		}),
		NetworkRequestsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "network_requests_deduplicated_total",
			Help: "Network access requests suppressed because one is already pending.",
		}),
		NetworkRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "network_request_duration_seconds",
			Help:    "Time from prompt to human decision.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_total",
			Help: "Approval decisions by action.",
		}, []string{"action"}),
		CallbackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callback_duration_seconds",
			Help:    "Time spent handling approval callbacks.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsStarted,
		m.ActiveSessions,
		m.SessionStartDuration,
		m.TokensInput,
		m.TokensOutput,
		m.NetworkRequests,
		m.NetworkRequestsDeduplicated,
		m.NetworkRequestDuration,
		m.Approvals,
		m.CallbackDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordTokens adds a completed turn's usage.
func (m *Metrics) RecordTokens(input, output uint64) {
	m.TokensInput.Add(float64(input))
	m.TokensOutput.Add(float64(output))
}
