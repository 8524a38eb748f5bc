package adapter

import (
	"context"

	"github.com/marmos91/styxd/pkg/backend"
)

// Adapter represents a protocol-specific server adapter managed by the
// styxd server.
//
// Each adapter implements one wire protocol over its own listener and
// provides a unified interface for lifecycle management. All adapters
// serve the same backend store, so clients see the same tree whichever
// protocol they speak.
//
// Lifecycle:
//  1. Creation: adapter is created with protocol-specific configuration
//  2. Store injection: SetStore() provides the shared backend
//  3. Startup: Serve() starts the protocol server and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetStore() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is
	// cancelled or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must initiate graceful
	// shutdown:
	//   - Stop accepting new connections
	//   - Wait for active connections to complete (with timeout)
	//   - Clean up resources
	//   - Return context.Canceled or nil
	//
	// If Serve returns before context cancellation, the server treats it
	// as a fatal error and stops all other adapters.
	Serve(ctx context.Context) error

	// SetStore injects the shared backend store. Called exactly once
	// before Serve(); no synchronization needed.
	SetStore(store backend.Store)

	// Stop initiates graceful shutdown of the protocol server.
	//
	// May be called concurrently with Serve(). Implementations must be
	// idempotent and respect the context deadline; when the context is
	// cancelled, remaining connections are force-closed.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging and
	// metrics, e.g. "Styx". Constant for the adapter's lifetime.
	Protocol() string

	// Port returns the TCP port the adapter is listening on. Returns 0
	// before Serve() when the adapter uses dynamic port allocation.
	Port() int
}
