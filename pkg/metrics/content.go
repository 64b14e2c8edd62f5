package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittocache/pkg/content"
)

// contentMetrics is the Prometheus implementation of the
// content.Metrics interface.
type contentMetrics struct {
	putOperations *prometheus.CounterVec
	putDuration   prometheus.Histogram
	putBytes      prometheus.Counter
	getOperations prometheus.Counter
	getDuration   prometheus.Histogram
	getBytes      prometheus.Counter
	verifyChecked prometheus.Counter
	verifyCorrupt prometheus.Counter
}

// NewContentMetrics creates a Prometheus-backed content.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes the content store to use its built-in no-op implementation.
func NewContentMetrics() content.Metrics {
	reg := getRegistry()
	if reg == nil {
		return nil
	}

	factory := promauto.With(reg)

	return &contentMetrics{
		putOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dittocache_content_put_total",
			Help: "Total put operations, partitioned by dedup outcome",
		}, []string{"outcome"}),
		putDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dittocache_content_put_duration_seconds",
			Help:    "Put latency",
			Buckets: prometheus.DefBuckets,
		}),
		putBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittocache_content_put_bytes_total",
			Help: "Total bytes ingested by put operations",
		}),
		getOperations: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittocache_content_get_total",
			Help: "Total get operations",
		}),
		getDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dittocache_content_get_duration_seconds",
			Help:    "Get latency",
			Buckets: prometheus.DefBuckets,
		}),
		getBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittocache_content_get_bytes_total",
			Help: "Total bytes served by get operations",
		}),
		verifyChecked: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittocache_verify_checked_total",
			Help: "Total records checked by the verification pass",
		}),
		verifyCorrupt: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittocache_verify_corrupted_total",
			Help: "Total records quarantined by the verification pass",
		}),
	}
}

// ObservePut records one put operation.
func (m *contentMetrics) ObservePut(bytes int64, duration time.Duration, deduplicated bool) {
	outcome := "stored"
	if deduplicated {
		outcome = "deduplicated"
	}
	m.putOperations.WithLabelValues(outcome).Inc()
	m.putDuration.Observe(duration.Seconds())
	m.putBytes.Add(float64(bytes))
}

// ObserveGet records one get operation.
func (m *contentMetrics) ObserveGet(bytes int64, duration time.Duration) {
	m.getOperations.Inc()
	m.getDuration.Observe(duration.Seconds())
	m.getBytes.Add(float64(bytes))
}

// ObserveVerification records one verification pass.
func (m *contentMetrics) ObserveVerification(checked, corrupted int) {
	m.verifyChecked.Add(float64(checked))
	m.verifyCorrupt.Add(float64(corrupted))
}
