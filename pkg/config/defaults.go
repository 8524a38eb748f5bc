package config

import (
	"strings"
	"time"
)

// StandardPort is the registered TCP port for the Styx service.
const StandardPort = 564

// ApplyDefaults sets default values for any unspecified configuration
// fields. It is called after loading configuration from file and
// environment, so explicit values are preserved and only zero values
// are replaced.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyBackendDefaults(&cfg.Backend)
	applyAdaptersDefaults(&cfg.Adapters)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize for a consistent internal representation.
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server-wide defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyBackendDefaults sets backend store defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Local == nil {
		cfg.Local = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Memory["user"]; !ok {
		cfg.Memory["user"] = "styxd"
	}
	if _, ok := cfg.Local["user"]; !ok {
		cfg.Local["user"] = "styxd"
	}
	if _, ok := cfg.Badger["user"]; !ok {
		cfg.Badger["user"] = "styxd"
	}
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/var/lib/styxd/badger"
	}
	if _, ok := cfg.S3["user"]; !ok {
		cfg.S3["user"] = "styxd"
	}
}

// applyAdaptersDefaults sets protocol adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// Enable the Styx adapter by default when nothing was configured,
	// so a fresh config with no file passes validation. An explicit
	// enabled: false with a configured port is preserved.
	if !cfg.Styx.Enabled && cfg.Styx.Port == 0 {
		cfg.Styx.Enabled = true
	}
	if cfg.Styx.Port == 0 {
		cfg.Styx.Port = StandardPort
	}
	if cfg.Styx.ShutdownTimeout == 0 {
		cfg.Styx.ShutdownTimeout = 30 * time.Second
	}
}
