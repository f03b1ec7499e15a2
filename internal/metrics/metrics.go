// Package metrics holds the daemon's Prometheus collectors. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	online        prometheus.Gauge
	probeRaces    *prometheus.CounterVec
	probeDuration prometheus.Histogram
	reconnects    prometheus.Counter
	transitions   *prometheus.CounterVec
	sendDuration  prometheus.Histogram
	uploads       *prometheus.CounterVec
	retries       prometheus.Counter
	merges        prometheus.Counter
	duplicates    prometheus.Counter
	indexed       *prometheus.CounterVec
	cacheDegraded prometheus.Counter
	heartbeats    *prometheus.CounterVec
	receipts      prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_online",
			Help: "1 when the last connectivity check succeeded",
		}),
		probeRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_probe_races_total",
			Help: "Connectivity probe races by outcome",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_probe_race_duration_seconds",
			Help:    "Time until a probe race was decided",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Offline to online transitions",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_message_transitions_total",
			Help: "Message status transitions by target status",
		}, []string{"to"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_remote_write_duration_seconds",
			Help:    "Remote store message write latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_attachment_uploads_total",
			Help: "Attachment upload attempts by outcome",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_retries_total",
			Help: "Messages pushed back through the send pipeline by retry",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_merges_total",
			Help: "Remote snapshots merged into a conversation view",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_duplicate_deliveries_total",
			Help: "Redelivered messages suppressed by the dedup set",
		}),
		indexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_indexed_total",
			Help: "Outbound indexing calls by outcome",
		}, []string{"result"}),
		cacheDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_cache_errors_total",
			Help: "Local cache operations that failed",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_presence_heartbeats_total",
			Help: "Presence heartbeats by outcome",
		}, []string{"result"}),
		receipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_read_receipts_total",
			Help: "Read receipts applied",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Control API requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "Control API request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.online, m.probeRaces, m.probeDuration, m.reconnects, m.transitions,
		m.sendDuration, m.uploads, m.retries, m.merges, m.duplicates, m.indexed,
		m.cacheDegraded, m.heartbeats, m.receipts, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ProbeRace(online bool, took time.Duration) {
	if m == nil {
		return
	}
	m.probeRaces.WithLabelValues(outcome(online)).Inc()
	m.probeDuration.Observe(took.Seconds())
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) RemoteWrite(took time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.Observe(took.Seconds())
}

func (m *Metrics) Upload(ok bool) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) Retried(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retries.Add(float64(n))
}

func (m *Metrics) Merged() {
	if m == nil {
		return
	}
	m.merges.Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Indexed(ok bool) {
	if m == nil {
		return
	}
	m.indexed.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) CacheError() {
	if m == nil {
		return
	}
	m.cacheDegraded.Inc()
}

func (m *Metrics) Heartbeat(ok bool) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) Receipts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.receipts.Add(float64(n))
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
