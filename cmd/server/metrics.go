package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kevinxiao27/collabdoc/engine"
)

type metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	relayed  prometheus.Counter
}

func newMetrics(s *Server) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collabdoc_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collabdoc_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collabdoc_relayed_operations_total",
			Help: "Operations received from other instances",
		}),
	}
	m.registry.MustRegister(m.requests, m.duration, m.relayed, &documentCollector{server: s})
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument records count and latency for route.
func (m *metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.requests.WithLabelValues(r.Method, route).Inc()
		start := time.Now()
		next(w, r)
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	}
}

var (
	documentGauges = []struct {
		desc  *prometheus.Desc
		value func(engine.Stats) int
	}{
		{docDesc("operations", "Operations held in the log"), func(s engine.Stats) int { return s.Operations }},
		{docDesc("items", "Items in the document, tombstones included"), func(s engine.Stats) int { return s.Items }},
		{docDesc("visible_items", "Visible items in the document"), func(s engine.Stats) int { return s.Visible }},
		{docDesc("pending_operations", "Operations waiting for a missing anchor"), func(s engine.Stats) int { return s.Pending }},
		{docDesc("buffered_operations", "Operations waiting in the merge scheduler"), func(s engine.Stats) int { return s.Buffered }},
	}
	documentCounters = []struct {
		desc  *prometheus.Desc
		value func(engine.Stats) int
	}{
		{docDesc("flushes_total", "Scheduler batches processed"), func(s engine.Stats) int { return s.Flushes }},
		{docDesc("compactions_total", "Compaction passes run"), func(s engine.Stats) int { return s.Compactions }},
		{docDesc("compacted_operations_total", "Operations folded away by compaction"), func(s engine.Stats) int { return s.Compacted }},
		{docDesc("rejected_operations_total", "Operations rejected for sitting on a dependency cycle"), func(s engine.Stats) int { return s.Rejected }},
	}
)

func docDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("collabdoc_document_"+name, help, []string{"doc"}, nil)
}

// documentCollector reports engine statistics for every open document at
// scrape time.
type documentCollector struct {
	server *Server
}

func (c *documentCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range documentGauges {
		ch <- g.desc
	}
	for _, g := range documentCounters {
		ch <- g.desc
	}
}

func (c *documentCollector) Collect(ch chan<- prometheus.Metric) {
	for id, doc := range c.server.openDocuments() {
		stats := doc.Stats()
		for _, g := range documentGauges {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(g.value(stats)), id)
		}
		for _, g := range documentCounters {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.CounterValue, float64(g.value(stats)), id)
		}
	}
}
