// Package server orchestrates the lifecycle of protocol adapters
// serving one shared backend store.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/styxd/internal/logger"
	"github.com/marmos91/styxd/pkg/adapter"
	"github.com/marmos91/styxd/pkg/backend"
)

// Server manages multiple protocol adapters that share one backend
// store.
//
// Lifecycle:
//  1. Creation: New() with the shared store
//  2. Registration: AddAdapter() for each protocol
//  3. Startup: Serve() starts all adapters concurrently
//  4. Shutdown: context cancellation triggers graceful shutdown
//
// Thread safety:
// AddAdapter() may be called concurrently before Serve(). Serve() must
// only be called once per instance.
type Server struct {
	// store is the shared backend all adapters serve
	store backend.Store

	// adapters contains all registered protocol adapters
	adapters []adapter.Adapter

	// mu protects the adapters slice
	mu sync.RWMutex

	// serving flips when Serve() is called, exactly once
	serving atomic.Bool
}

// New creates a server around the shared backend store.
//
// Panics if store is nil, which indicates a programmer error: every
// adapter needs a store to serve.
func New(store backend.Store) *Server {
	if store == nil {
		panic("backend store cannot be nil")
	}
	return &Server{
		store:    store,
		adapters: make([]adapter.Adapter, 0, 2),
	}
}

// AddAdapter registers a protocol adapter, injecting the shared store.
// Duplicate protocols and port conflicts between adapters with fixed
// ports are rejected.
//
// Panics if a is nil or if Serve() has already been called.
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}
	if s.serving.Load() {
		panic("cannot add adapter after Serve() has been called")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		// Port 0 means dynamic allocation, so only fixed ports clash.
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetStore(s.store)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// Serve starts all registered adapters and blocks until the context is
// cancelled or an adapter fails.
//
// On shutdown every adapter receives a Stop() call in reverse
// registration order, then Serve waits for all adapter goroutines to
// finish. A failed adapter takes the rest of the server down with it,
// since partial service is worse than an honest crash.
//
// Returns context.Canceled on a clean signal-driven shutdown, or the
// failing adapter's error. Panics when called twice.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		panic("Serve() has already been called on this server instance")
	}

	s.mu.RLock()
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.RUnlock()

	if len(adapters) == 0 {
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}

	logger.Info("Starting server with %d adapter(s)", len(adapters))

	// Buffered so simultaneously failing adapters never leak goroutines.
	errChan := make(chan adapterError, len(adapters))

	var wg sync.WaitGroup
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter on port %d", protocol, a.Port())

			if err := a.Serve(ctx); err != nil {
				// context.Canceled is the expected shutdown path.
				if err != context.Canceled && ctx.Err() == nil {
					logger.Error("%s adapter failed: %v", protocol, err)
					errChan <- adapterError{protocol: protocol, err: err}
					return
				}
				logger.Debug("%s adapter stopped gracefully", protocol)
				return
			}
			logger.Info("%s adapter stopped", protocol)
		}(adp)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		s.stopAllAdapters(adapters)
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - stopping all adapters",
			adapterErr.protocol, adapterErr.err)
		s.stopAllAdapters(adapters)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	wg.Wait()
	logger.Info("Server stopped")

	return shutdownErr
}

// adapterError pairs an adapter protocol name with its error.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters initiates graceful shutdown in reverse registration
// order, bounded by one shared timeout so a stuck adapter cannot block
// shutdown indefinitely. The caller waits for the adapter goroutines
// themselves.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) {
	const stopTimeout = 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && err != context.Canceled {
			logger.Error("Error stopping %s adapter: %v", adp.Protocol(), err)
		}
	}
}

// Adapters returns a snapshot of the registered adapters, safe to
// iterate without holding locks.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
