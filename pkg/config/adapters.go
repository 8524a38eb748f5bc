package config

import (
	"fmt"

	"github.com/marmos91/styxd/pkg/adapter"
	styxAdapter "github.com/marmos91/styxd/pkg/adapter/styx"
	"github.com/marmos91/styxd/pkg/metrics"
)

// CreateAdapters creates all enabled protocol adapters from the
// configuration. Centralizing adapter creation keeps cmd/styxd free of
// per-protocol wiring and gives every adapter the same metrics plumbing.
func CreateAdapters(cfg *Config, styxMetrics metrics.StyxMetrics) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Adapters.Styx.Enabled {
		adapters = append(adapters, styxAdapter.New(cfg.Adapters.Styx, styxMetrics))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
