package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittocache/pkg/ingest"
)

// ingestMetrics is the Prometheus implementation of the ingest.Metrics
// interface.
type ingestMetrics struct {
	ingestions     *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	ingestBytes    prometheus.Counter
}

// NewIngestMetrics creates a Prometheus-backed ingest.Metrics.
//
// Returns nil if metrics are not enabled, which causes the pipeline to
// use its built-in no-op implementation.
func NewIngestMetrics() ingest.Metrics {
	reg := getRegistry()
	if reg == nil {
		return nil
	}

	factory := promauto.With(reg)

	return &ingestMetrics{
		ingestions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dittocache_ingest_total",
			Help: "Total ingestion requests, partitioned by terminal state",
		}, []string{"outcome"}),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dittocache_ingest_duration_seconds",
			Help:    "Ingestion latency from first byte to terminal state",
			Buckets: prometheus.DefBuckets,
		}),
		ingestBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittocache_ingest_bytes_total",
			Help: "Total bytes received by ingestions",
		}),
	}
}

// ObserveIngest records one ingestion reaching a terminal state.
func (m *ingestMetrics) ObserveIngest(outcome string, bytes int64, duration time.Duration) {
	m.ingestions.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(duration.Seconds())
	m.ingestBytes.Add(float64(bytes))
}
