package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/styxd/internal/logger"
	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/config"
	"github.com/marmos91/styxd/pkg/server"
)

// configureLogging applies the logging section of the configuration.
// Output is "stdout", "stderr", or a file path (appended to).
func configureLogging(cfg *config.LoggingConfig) (io.Closer, error) {
	logger.SetLevel(cfg.Level)

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(f)
		return f, nil
	}
	return nil, nil
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logFile, err := configureLogging(&cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Println("styxd - Styx File Server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	// Set up metrics before the store so the store can be instrumented.
	metricsResult := config.InitializeMetrics(cfg)

	store, err := config.CreateBackendStore(ctx, &cfg.Backend)
	if err != nil {
		log.Fatalf("Failed to create backend store: %v", err)
	}
	defer func() {
		if closer, ok := store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Error("Error closing backend store: %v", err)
			}
		}
	}()

	if metricsResult.Store != nil {
		store = backend.Instrument(store, metricsResult.Store)
	}

	srv := server.New(store)

	adapters, err := config.CreateAdapters(cfg, metricsResult.Styx)
	if err != nil {
		log.Fatalf("Failed to create adapters: %v", err)
	}
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			log.Fatalf("Failed to register %s adapter: %v", a.Protocol(), err)
		}
		logger.Info("Adapter registered: %s on port %d", a.Protocol(), a.Port())
	}

	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
		logger.Info("Metrics exposed on port %d", metricsResult.Server.Port())
	}

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel() // Cancel context to initiate shutdown

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}
