// Package metrics holds the Prometheus instruments of the memory engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "nim_memory"

// Metrics groups all instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesStored    *prometheus.CounterVec
	LongTermDegraded  *prometheus.CounterVec
	RetrievalHits     *prometheus.CounterVec
	EchoesSuppressed  prometheus.Counter
	ContextsAssembled *prometheus.CounterVec
	EmbedLatency      prometheus.Histogram
	SearchLatency     prometheus.Histogram
	DocumentsIngested *prometheus.CounterVec
	RecencyPurged     prometheus.Counter
	HTTPRequests      *prometheus.HistogramVec
	WSMessages        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the instruments with reg. A nil reg uses a fresh private
// registry, which keeps tests independent of the global default.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_stored_total",
			Help:      "Conversation turns written to the recency store, by role.",
		}, []string{"role"}),
		LongTermDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "long_term_degraded_total",
			Help:      "Long-term writes or reads that degraded, by stage.",
		}, []string{"stage"}),
		RetrievalHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retrieval_hits_total",
			Help:      "Long-term hits returned after filtering, by source type.",
		}, []string{"source"}),
		EchoesSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "echoes_suppressed_total",
			Help:      "Candidates dropped because they restate the query.",
		}),
		ContextsAssembled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "contexts_assembled_total",
			Help:      "Hybrid contexts assembled, by context type.",
		}, []string{"type"}),
		EmbedLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "embed_latency_ms",
			Help:      "Embedding latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		SearchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "search_latency_ms",
			Help:      "Nearest-neighbour query latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		DocumentsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "documents_ingested_total",
			Help:      "Documents ingested, by final status.",
		}, []string{"status"}),
		RecencyPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "recency_purged_total",
			Help:      "Expired recency entries physically removed.",
		}),
		HTTPRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds, by route and status.",
			Buckets:   []float64{5, 25, 100, 250, 1000, 2500, 10000, 30000},
		}, []string{"route", "status"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket frames, by direction and type.",
		}, []string{"direction", "type"}),
		gatherer: gatherer,
	}
}

func (m *Metrics) MessageStored(role string) {
	if m == nil {
		return
	}
	m.MessagesStored.WithLabelValues(role).Inc()
}

func (m *Metrics) Degraded(stage string) {
	if m == nil {
		return
	}
	m.LongTermDegraded.WithLabelValues(stage).Inc()
}

func (m *Metrics) Hits(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RetrievalHits.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) EchoSuppressed() {
	if m == nil {
		return
	}
	m.EchoesSuppressed.Inc()
}

func (m *Metrics) ContextAssembled(contextType string) {
	if m == nil {
		return
	}
	m.ContextsAssembled.WithLabelValues(contextType).Inc()
}

func (m *Metrics) ObserveEmbed(d time.Duration) {
	if m == nil {
		return
	}
	m.EmbedLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.SearchLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) DocumentIngested(status string) {
	if m == nil {
		return
	}
	m.DocumentsIngested.WithLabelValues(status).Inc()
}

func (m *Metrics) Purged(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecencyPurged.Add(float64(n))
}

func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) WSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
