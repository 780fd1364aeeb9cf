// Package metrics exposes agentchat's Prometheus instruments. A nil
// *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentchat"

// Metrics aggregates counters, gauges, and histograms on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	frames       *prometheus.CounterVec
	messages     *prometheus.CounterVec
	fanIn        *prometheus.CounterVec
	connection   *prometheus.GaugeVec
	rollbacks    *prometheus.CounterVec
	healthChecks *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	wsClients    prometheus.Gauge
	startTime    time.Time
}

// New creates a collector set registered on a fresh registry, with the Go
// runtime and process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_turns_total",
			Help: "Agent turns by outcome (complete, approval_requested, error, timeout, ended_early).",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "agent_turn_duration_seconds",
			Help:    "Wall time of agent turns from request to terminal frame.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_frames_total",
			Help: "Decoded stream frames by event name.",
		}, []string{"event"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_persisted_total",
			Help: "Messages written to the store by kind.",
		}, []string{"kind"}),
		fanIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanin_rows_total",
			Help: "Realtime rows by disposition (delivered, duplicate, handover, refetched).",
		}, []string{"result"}),
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_status",
			Help: "1 for the current connection status of each transport.",
		}, []string{"transport", "status"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attachment_rollbacks_total",
			Help: "Attachment sends rolled back, by failed step.",
		}, []string{"step"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_health_checks_total",
			Help: "Agent health probes by resulting liveness status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "API server requests by route and status code.",
		}, []string{"route", "code"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_clients",
			Help: "Connected WebSocket clients.",
		}),
		startTime: time.Now(),
	}
	reg.MustRegister(
		m.turns, m.turnDuration, m.frames, m.messages, m.fanIn, m.connection,
		m.rollbacks, m.healthChecks, m.httpRequests, m.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Uptime returns how long the collector has been running.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveFrame(event string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(event).Inc()
}

func (m *Metrics) MessagePersisted(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) FanIn(result string) {
	if m == nil {
		return
	}
	m.fanIn.WithLabelValues(result).Inc()
}

// ConnectionStatus sets the gauge for status to 1 and the other known
// statuses to 0.
func (m *Metrics) ConnectionStatus(transport, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.connection.WithLabelValues(transport, s).Set(v)
	}
}

func (m *Metrics) AttachmentRollback(step string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(step).Inc()
}

func (m *Metrics) HealthCheck(status string) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) WebSocketClients(delta int) {
	if m == nil {
		return
	}
	m.wsClients.Add(float64(delta))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
