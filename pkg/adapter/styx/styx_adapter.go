// Package styx implements the Styx (9P2000) protocol adapter: a TCP
// server that frames protocol messages, runs one session per
// connection, and serves requests from the shared backend store.
package styx

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/styxd/internal/logger"
	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/metrics"
	"github.com/marmos91/styxd/pkg/styx"
)

// StyxAdapter implements the adapter.Adapter interface for the Styx
// protocol.
//
// The adapter manages the TCP listener and connection lifecycle. Each
// accepted connection is handled by a StyxConnection that owns one
// protocol session. The adapter coordinates graceful shutdown across
// all active connections using context cancellation and wait groups.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. shutdownCtx cancelled (signals in-flight requests to abort)
//  4. Wait for active connections to complete (up to ShutdownTimeout)
//  5. Force-close any remaining connections after timeout
//
// Thread safety:
// All methods are safe for concurrent use. The shutdown mechanism uses
// sync.Once so Stop() may be called multiple times.
type StyxAdapter struct {
	config StyxConfig

	// listener is closed during shutdown to stop accepting connections.
	listener net.Listener

	// port is the actual listening port, resolved after Listen so
	// dynamic allocation (Port: 0) is visible through Port().
	port atomic.Int32

	// store serves every session on this adapter.
	store backend.Store

	// metrics is never nil; a no-op implementation stands in when
	// collection is disabled.
	metrics metrics.StyxMetrics

	// activeConns tracks connections for graceful shutdown.
	activeConns sync.WaitGroup

	shutdownOnce sync.Once

	// shutdown is closed by initiateShutdown and monitored by Serve.
	shutdown chan struct{}

	connCount atomic.Int32

	// connSemaphore limits concurrent connections when MaxConnections > 0.
	connSemaphore chan struct{}

	// shutdownCtx is cancelled during shutdown to abort in-flight
	// requests; handlers see it through the session dispatch path.
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeConnections maps remote address to net.Conn for forced
	// closure after the graceful window expires.
	activeConnections sync.Map
}

// StyxConfig holds configuration parameters for the Styx server.
//
// All timeout values are optional - zero means use the default. Default
// values (applied by New if zero):
//   - Port: 0 (dynamic allocation; pkg/config defaults it to 564)
//   - MaxConnections: 0 (unlimited)
//   - MaxMessageSize: 8216 (8 KiB payload plus framing overhead)
//   - ReadTimeout: 5m
//   - WriteTimeout: 30s
//   - IdleTimeout: 5m
//   - ShutdownTimeout: 30s
//   - MetricsLogInterval: 5m (0 disables)
type StyxConfig struct {
	// Enabled controls whether the Styx adapter is active.
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port to listen on. The standard Styx port is 564;
	// 0 lets the OS pick a port, which tests rely on.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// MaxConnections limits concurrent client connections. When
	// reached, new connections wait until existing ones close.
	// 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// MaxRequestsPerSecond throttles each connection's sustained request
	// rate. Over-limit requests are delayed, not rejected. 0 means
	// unlimited.
	MaxRequestsPerSecond uint `mapstructure:"max_requests_per_second"`

	// RequestBurst is the per-connection burst capacity above the
	// sustained rate. Ignored when MaxRequestsPerSecond is 0; values
	// below the sustained rate are raised to it.
	RequestBurst uint `mapstructure:"request_burst"`

	// MaxMessageSize caps the msize the server will negotiate. Clients
	// asking for more are clamped down; messages exceeding the
	// negotiated size drop the connection.
	MaxMessageSize uint32 `mapstructure:"max_message_size"`

	// ReadTimeout is the maximum duration for reading a complete
	// message once its first byte arrived.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0"`

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// IdleTimeout closes connections with no traffic between requests.
	// 0 means connections stay open indefinitely.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout is the maximum duration to wait for active
	// connections during graceful shutdown before force-closing them.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// MetricsLogInterval is the interval for logging server load.
	// 0 disables periodic logging.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`
}

func (c *StyxConfig) applyDefaults() {
	// Enabled and Port defaults live in pkg/config/defaults.go so
	// explicit zero values keep their meaning here.

	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 8192 + styx.IOOverhead
	}
	if c.MaxMessageSize < styx.MinMessageSize {
		c.MaxMessageSize = styx.MinMessageSize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MetricsLogInterval == 0 {
		c.MetricsLogInterval = 5 * time.Minute
	}
}

func (c *StyxConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.MaxMessageSize < styx.MinMessageSize {
		return fmt.Errorf("invalid MaxMessageSize %d: must be >= %d", c.MaxMessageSize, styx.MinMessageSize)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("invalid ReadTimeout %v: must be >= 0", c.ReadTimeout)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("invalid WriteTimeout %v: must be >= 0", c.WriteTimeout)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("invalid IdleTimeout %v: must be >= 0", c.IdleTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// New creates a StyxAdapter with the specified configuration.
//
// The adapter is created in a stopped state. Call SetStore() to inject
// the backend, then Serve() to start accepting connections.
//
// Zero config values are replaced with defaults; an invalid
// configuration panics, since it indicates a programmer error.
func New(config StyxConfig, styxMetrics metrics.StyxMetrics) *StyxAdapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid Styx config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug("Styx connection limit: %d", config.MaxConnections)
	} else {
		logger.Debug("Styx connection limit: unlimited")
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	if styxMetrics == nil {
		styxMetrics = metrics.NoopStyxMetrics()
	}

	a := &StyxAdapter{
		config:         config,
		metrics:        styxMetrics,
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
	a.port.Store(int32(config.Port))
	return a
}

// SetStore injects the shared backend store. Called once before Serve().
func (s *StyxAdapter) SetStore(store backend.Store) {
	s.store = store
	logger.Debug("Styx store configured")
}

// Serve starts the Styx server and blocks until the context is
// cancelled or an unrecoverable error occurs.
//
// Each accepted connection gets its own goroutine and its own protocol
// session. When the context is cancelled, Serve stops accepting, cancels
// in-flight request contexts, waits up to ShutdownTimeout for active
// connections, then force-closes the rest.
func (s *StyxAdapter) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to create Styx listener on port %d: %w", s.config.Port, err)
	}

	s.listener = listener
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(addr.Port))
	}
	logger.Info("Styx server listening on port %d", s.Port())
	logger.Debug("Styx config: max_connections=%d max_message_size=%d read_timeout=%v write_timeout=%v idle_timeout=%v",
		s.config.MaxConnections, s.config.MaxMessageSize, s.config.ReadTimeout, s.config.WriteTimeout, s.config.IdleTimeout)

	go func() {
		<-ctx.Done()
		logger.Info("Styx shutdown signal received: %v", ctx.Err())
		s.initiateShutdown()
	}()

	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics(ctx)
	}

	for {
		// The semaphore blocks accepts at MaxConnections until a
		// connection closes.
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := s.listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}

			select {
			case <-s.shutdown:
				// Listener was closed on purpose.
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting Styx connection: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)

		connAddr := tcpConn.RemoteAddr().String()
		s.activeConnections.Store(connAddr, tcpConn)

		s.metrics.RecordConnectionAccepted()
		currentConns := s.connCount.Load()
		s.metrics.SetActiveConnections(currentConns)

		logger.Debug("Styx connection accepted from %s (active: %d)",
			tcpConn.RemoteAddr(), currentConns)

		conn := s.newConn(tcpConn)
		go func(addr string, tcp net.Conn) {
			defer func() {
				s.activeConnections.Delete(addr)

				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}

				s.metrics.RecordConnectionClosed()
				currentConns := s.connCount.Load()
				s.metrics.SetActiveConnections(currentConns)

				logger.Debug("Styx connection closed from %s (active: %d)",
					tcp.RemoteAddr(), currentConns)
			}()

			conn.Serve(s.shutdownCtx)
		}(connAddr, tcpConn)
	}
}

// initiateShutdown signals the server to begin graceful shutdown. Safe
// to call multiple times and from multiple goroutines.
func (s *StyxAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("Styx shutdown initiated")

		close(s.shutdown)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("Error closing Styx listener: %v", err)
			}
		}

		// In-flight handlers see the cancellation through their
		// request context and abort cleanly.
		s.cancelRequests()
		logger.Debug("Styx request cancellation signal sent to all in-flight operations")
	})
}

// gracefulShutdown waits for active connections to complete or timeout,
// then force-closes whatever remains.
func (s *StyxAdapter) gracefulShutdown() error {
	activeCount := s.connCount.Load()
	logger.Info("Styx graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		activeCount, s.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Styx graceful shutdown complete: all connections closed")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("Styx shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
			remaining, s.config.ShutdownTimeout)

		s.forceCloseConnections()

		return fmt.Errorf("styx shutdown timeout: %d connections force-closed", remaining)
	}
}

// forceCloseConnections closes all active TCP connections. Called after
// the graceful shutdown window expires; the TCP close forces immediate
// failure of any ongoing reads and writes so handlers exit quickly.
func (s *StyxAdapter) forceCloseConnections() {
	logger.Info("Force-closing active Styx connections")

	closedCount := 0
	s.activeConnections.Range(func(key, value any) bool {
		addr := key.(string)
		conn := value.(net.Conn)

		if err := conn.Close(); err != nil {
			logger.Debug("Error force-closing connection to %s: %v", addr, err)
		} else {
			closedCount++
			s.metrics.RecordConnectionForceClosed()
			logger.Debug("Force-closed connection to %s", addr)
		}
		return true
	})

	if closedCount == 0 {
		logger.Debug("No connections to force-close")
	} else {
		logger.Info("Force-closed %d connection(s)", closedCount)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times and
// concurrently with Serve(). A nil context falls back to the configured
// ShutdownTimeout; otherwise the context deadline governs the wait.
func (s *StyxAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.gracefulShutdown()
	}

	activeCount := s.connCount.Load()
	logger.Info("Styx graceful shutdown: waiting for %d active connection(s) (context timeout)",
		activeCount)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Styx graceful shutdown complete: all connections closed")
		return nil

	case <-ctx.Done():
		remaining := s.connCount.Load()
		logger.Warn("Styx shutdown context cancelled: %d connection(s) still active: %v",
			remaining, ctx.Err())
		s.forceCloseConnections()
		return ctx.Err()
	}
}

// logMetrics periodically logs the active connection count so operators
// can monitor load. Exits when the context is cancelled.
func (s *StyxAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("Styx metrics: active_connections=%d", s.connCount.Load())
		}
	}
}

// GetActiveConnections returns the current number of active
// connections. Primarily used for testing and monitoring.
func (s *StyxAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

func (s *StyxAdapter) newConn(tcpConn net.Conn) *StyxConnection {
	return NewStyxConnection(s, tcpConn)
}

// Port returns the TCP port the server is listening on. After Serve()
// starts this reflects the actual port, also under dynamic allocation.
func (s *StyxAdapter) Port() int {
	return int(s.port.Load())
}

// Protocol returns "Styx" for logging and metrics.
func (s *StyxAdapter) Protocol() string {
	return "Styx"
}
