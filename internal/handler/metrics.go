package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exposed at GET /metrics,
// replacing the teacher's hand-rolled atomic-counter JSON endpoint.
type Metrics struct {
	UploadsCompleted prometheus.Counter
	UploadsRejected  *prometheus.CounterVec
	DedupHits        prometheus.Counter
	ChunkDuration    prometheus.Histogram
}

// NewMetrics registers the collectors against registry. Each Handler
// instance owns its own registry (promhttp.HandlerFor in handler.go serves
// it) so tests that build multiple Handlers don't collide on the global
// default registerer.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		UploadsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_uploads_completed_total",
			Help: "Number of uploads that reached COMMITTED.",
		}),
		UploadsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_uploads_rejected_total",
			Help: "Number of chunk/pre-request failures, labeled by error kind.",
		}, []string{"kind"}),
		DedupHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_dedup_hits_total",
			Help: "Number of pre-requests/STATUS checks that found an existing StoredObject.",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_chunk_duration_seconds",
			Help:    "Wall-clock time spent appending one chunk to a backend.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
