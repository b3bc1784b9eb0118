// Package metrics wires the chunk I/O engine's per-image counters into
// Prometheus. It is an optional collaborator: pkg/vimage records into it
// unconditionally, and every exported method is a safe no-op on a nil
// receiver, so nothing is collected unless a registry has been configured.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry installs reg as the registry future NewImageMetrics calls
// register against. Passing nil disables metrics collection; IsEnabled
// then reports false and NewImageMetrics returns nil.
func InitRegistry(reg *prometheus.Registry) {
	mu.Lock()
	defer mu.Unlock()
	registry = reg
}

// GetRegistry returns the registry installed by InitRegistry, or nil.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// IsEnabled reports whether InitRegistry has been called with a non-nil
// registry.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}
