// Package metrics exposes indexing and retrieval counters for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ghostkb"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	filesTotal         *prometheus.CounterVec
	embedRequestsTotal *prometheus.CounterVec
	embedTexts         prometheus.Counter
	searchesTotal      *prometheus.CounterVec
	searchDuration     prometheus.Histogram
	reconcileDuration  *prometheus.HistogramVec
	pendingEmbeddings  prometheus.Gauge
	linkViolations     prometheus.Counter
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files seen by reconciliation, by outcome (scanned, skipped, indexed, deleted, failed).",
		}, []string{"outcome"}),
		embedRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Embedding provider calls, by status.",
		}, []string{"status"}),
		embedTexts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_texts_total",
			Help:      "Texts sent to the embedding provider.",
		}),
		searchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Search requests, by mode (hybrid, lexical_only).",
		}, []string{"mode"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Reconciliation pass duration, by kind (full, path).",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"kind"}),
		pendingEmbeddings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_embeddings",
			Help:      "Chunks waiting for an embedding after the last pass.",
		}),
		linkViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_policy_violations_total",
			Help:      "Shared links that could only resolve into private entries.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.filesTotal, m.embedRequestsTotal, m.embedTexts, m.searchesTotal,
		m.searchDuration, m.reconcileDuration, m.pendingEmbeddings, m.linkViolations,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Files adds n to the counter of one reconciliation outcome.
func (m *Metrics) Files(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.filesTotal.WithLabelValues(outcome).Add(float64(n))
}

// EmbedRequest records one provider call of n texts.
func (m *Metrics) EmbedRequest(n int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.embedRequestsTotal.WithLabelValues(status).Inc()
	m.embedTexts.Add(float64(n))
}

// Search records one query and whether it ran without dense retrieval.
func (m *Metrics) Search(started time.Time, degraded bool) {
	if m == nil {
		return
	}
	mode := "hybrid"
	if degraded {
		mode = "lexical_only"
	}
	m.searchesTotal.WithLabelValues(mode).Inc()
	m.searchDuration.Observe(time.Since(started).Seconds())
}

// Reconcile records the duration of a pass.
func (m *Metrics) Reconcile(kind string, started time.Time) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// Pending sets the number of chunks still lacking a vector.
func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.pendingEmbeddings.Set(float64(n))
}

// LinkViolations adds n policy violations.
func (m *Metrics) LinkViolations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.linkViolations.Add(float64(n))
}
