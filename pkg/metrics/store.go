package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics provides observability for backend store operations.
//
// Wrap any backend with backend.Instrument to feed this interface. Pass
// nil (or leave the registry uninitialized) for no-op behavior.
type StoreMetrics interface {
	// RecordOperation records a completed store operation with its name
	// (e.g. "walk", "read"), duration, and outcome.
	RecordOperation(op string, duration time.Duration, err error)

	// RecordBytes records payload bytes moved by read or write
	// operations. direction is "read" or "write".
	RecordBytes(direction string, bytes int64)

	// SetLiveRefs updates the gauge of references currently held by
	// sessions.
	SetLiveRefs(count int64)
}

// storeMetrics is the Prometheus implementation of StoreMetrics. The
// store label distinguishes backends when several run side by side.
type storeMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTotal        *prometheus.CounterVec
	liveRefs          prometheus.Gauge
}

// NewStoreMetrics creates a Prometheus-backed StoreMetrics for the named
// store type ("memory", "local", "badger", "s3"). Returns a no-op
// implementation when metrics are disabled.
func NewStoreMetrics(storeType string) StoreMetrics {
	if !IsEnabled() {
		return NoopStoreMetrics()
	}

	reg := GetRegistry()
	labels := prometheus.Labels{"store": storeType}

	return &storeMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "styxd_store_operations_total",
				Help:        "Total number of backend store operations by name and status",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "styxd_store_operation_duration_seconds",
				Help:        "Duration of backend store operations in seconds",
				ConstLabels: labels,
				Buckets: []float64{
					0.0001, // 100µs
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1.0,    // 1s
					10.0,   // 10s
				},
			},
			[]string{"operation"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "styxd_store_bytes_total",
				Help:        "Total payload bytes moved through the store",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
		liveRefs: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name:        "styxd_store_live_refs",
				Help:        "References currently held open by sessions",
				ConstLabels: labels,
			},
		),
	}
}

func (m *storeMetrics) RecordOperation(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(op, status).Inc()
	m.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *storeMetrics) RecordBytes(direction string, bytes int64) {
	m.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *storeMetrics) SetLiveRefs(count int64) {
	m.liveRefs.Set(float64(count))
}

// NoopStoreMetrics returns a StoreMetrics implementation that discards
// everything.
func NoopStoreMetrics() StoreMetrics {
	return noopStoreMetrics{}
}

type noopStoreMetrics struct{}

func (noopStoreMetrics) RecordOperation(op string, duration time.Duration, err error) {}
func (noopStoreMetrics) RecordBytes(direction string, bytes int64)                    {}
func (noopStoreMetrics) SetLiveRefs(count int64)                                      {}
