package config

import (
	"github.com/marmos91/styxd/pkg/metrics"
)

// MetricsResult contains all metrics components created from
// configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if
	// disabled)
	Server *metrics.Server

	// Styx is the collector for the Styx adapter (never nil; noop when
	// disabled)
	Styx metrics.StyxMetrics

	// Store is the collector wrapped around the backend store via
	// backend.Instrument (nil when disabled, which makes Instrument a
	// no-op)
	Store metrics.StoreMetrics
}

// InitializeMetrics creates all metrics components based on
// configuration.
//
// When metrics are enabled the global Prometheus registry is
// initialized, the HTTP server created, and live collectors returned.
// When disabled the result carries no-op collectors and a nil server,
// which costs nothing at runtime.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Server: nil,
			Styx:   metrics.NoopStyxMetrics(),
			Store:  nil,
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Server.Metrics.Port,
		}),
		Styx:  metrics.NewStyxMetrics(),
		Store: metrics.NewStoreMetrics(cfg.Backend.Type),
	}
}
