// Package metrics provides optional observability for DittoCache.
//
// Stores and the ingestion pipeline accept small metrics interfaces; when
// no collector is supplied they fall back to built-in no-ops with zero
// overhead. This package carries the Prometheus-backed implementations
// and the registry they attach to.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryMu sync.Mutex
	registry   *prometheus.Registry
)

// InitRegistry enables metrics collection. Must be called before the
// New*Metrics constructors; calling them without an initialized registry
// yields nil, which consumers replace with their no-op implementation.
//
// Safe to call multiple times; subsequent calls are no-ops.
func InitRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	registryMu.Lock()
	defer registryMu.Unlock()

	return registry != nil
}

// Handler returns an HTTP handler serving the metrics endpoint, or nil
// if metrics are disabled.
func Handler() http.Handler {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// getRegistry returns the active registry, or nil when disabled.
func getRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()

	return registry
}
