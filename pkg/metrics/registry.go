// Package metrics provides Prometheus metrics collection for styxd
// components.
//
// All metrics are optional - if the registry is never initialized,
// constructors hand out no-op implementations with zero overhead, so the
// server runs the same with or without metrics collection enabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	styxMetrics := metrics.NewStyxMetrics()
//	storeMetrics := metrics.NewStoreMetrics("badger")
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all styxd metrics.
	// Protected by registryOnce for write-once, read-many access.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// Must be called before creating any metrics instances. Safe to call
// multiple times - subsequent calls are ignored.
//
// If never called, GetRegistry() returns nil and all metrics
// constructors return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when
// metrics are disabled.
//
// Thread safety: the sync.Once in InitRegistry() provides the
// happens-before relationship making the registry value visible.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether metrics collection is enabled, that is,
// whether InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
