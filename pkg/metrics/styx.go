package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StyxMetrics provides observability for the Styx adapter.
//
// Implementations collect metrics about protocol requests, connection
// lifecycle, throughput, and decode failures. The interface is optional:
// pass nil to the adapter and a no-op implementation is used.
type StyxMetrics interface {
	// RecordRequest records a completed request with its message kind
	// name (e.g. "Twalk"), duration, and outcome. A request answered
	// with Rerror counts as an error.
	RecordRequest(kind string, duration time.Duration, err error)

	// RecordRequestStart increments the in-flight request gauge.
	RecordRequestStart(kind string)

	// RecordRequestEnd decrements the in-flight request gauge.
	RecordRequestEnd(kind string)

	// RecordBytesTransferred records payload bytes moved by Tread or
	// Twrite. direction is "read" or "write".
	RecordBytesTransferred(direction string, bytes int64)

	// RecordFlush counts a Tflush, split by whether it actually
	// cancelled an outstanding request.
	RecordFlush(cancelled bool)

	// RecordDecodeError counts a message the codec rejected.
	RecordDecodeError()

	// SetActiveConnections updates the current connection gauge.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts a connection torn down because
	// graceful shutdown ran out of time.
	RecordConnectionForceClosed()
}

// styxMetrics is the Prometheus implementation of StyxMetrics.
type styxMetrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	requestsInFlight       *prometheus.GaugeVec
	bytesTransferred       *prometheus.CounterVec
	flushesTotal           *prometheus.CounterVec
	decodeErrors           prometheus.Counter
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
}

// NewStyxMetrics creates a Prometheus-backed StyxMetrics instance, or a
// no-op implementation when metrics are disabled.
func NewStyxMetrics() StyxMetrics {
	if !IsEnabled() {
		return NoopStyxMetrics()
	}

	reg := GetRegistry()

	return &styxMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "styxd_styx_requests_total",
				Help: "Total number of Styx requests by message kind and status",
			},
			[]string{"kind", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "styxd_styx_request_duration_seconds",
				Help: "Duration of Styx requests in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
				},
			},
			[]string{"kind"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "styxd_styx_requests_in_flight",
				Help: "Current number of Styx requests being processed",
			},
			[]string{"kind"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "styxd_styx_bytes_transferred_total",
				Help: "Total payload bytes moved by read and write requests",
			},
			[]string{"direction"},
		),
		flushesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "styxd_styx_flushes_total",
				Help: "Total Tflush requests by whether they cancelled a request",
			},
			[]string{"cancelled"},
		),
		decodeErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "styxd_styx_decode_errors_total",
				Help: "Total messages rejected by the wire codec",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "styxd_styx_active_connections",
				Help: "Current number of active Styx connections",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "styxd_styx_connections_accepted_total",
				Help: "Total number of Styx connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "styxd_styx_connections_closed_total",
				Help: "Total number of Styx connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "styxd_styx_connections_force_closed_total",
				Help: "Total Styx connections force-closed during shutdown",
			},
		),
	}
}

func (m *styxMetrics) RecordRequest(kind string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.requestsTotal.WithLabelValues(kind, status).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *styxMetrics) RecordRequestStart(kind string) {
	m.requestsInFlight.WithLabelValues(kind).Inc()
}

func (m *styxMetrics) RecordRequestEnd(kind string) {
	m.requestsInFlight.WithLabelValues(kind).Dec()
}

func (m *styxMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *styxMetrics) RecordFlush(cancelled bool) {
	if cancelled {
		m.flushesTotal.WithLabelValues("true").Inc()
	} else {
		m.flushesTotal.WithLabelValues("false").Inc()
	}
}

func (m *styxMetrics) RecordDecodeError() {
	m.decodeErrors.Inc()
}

func (m *styxMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *styxMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *styxMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *styxMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

// NoopStyxMetrics returns a StyxMetrics implementation that discards
// everything.
func NoopStyxMetrics() StyxMetrics {
	return noopStyxMetrics{}
}

type noopStyxMetrics struct{}

func (noopStyxMetrics) RecordRequest(kind string, duration time.Duration, err error) {}
func (noopStyxMetrics) RecordRequestStart(kind string)                               {}
func (noopStyxMetrics) RecordRequestEnd(kind string)                                 {}
func (noopStyxMetrics) RecordBytesTransferred(direction string, bytes int64)         {}
func (noopStyxMetrics) RecordFlush(cancelled bool)                                   {}
func (noopStyxMetrics) RecordDecodeError()                                           {}
func (noopStyxMetrics) SetActiveConnections(count int32)                             {}
func (noopStyxMetrics) RecordConnectionAccepted()                                    {}
func (noopStyxMetrics) RecordConnectionClosed()                                      {}
func (noopStyxMetrics) RecordConnectionForceClosed()                                 {}
