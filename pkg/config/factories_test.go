package config

import (
	"context"
	"testing"
)

func TestCreateBackendStore_Memory(t *testing.T) {
	cfg := validConfig()

	store, err := CreateBackendStore(context.Background(), &cfg.Backend)
	if err != nil {
		t.Fatalf("Failed to create memory backend: %v", err)
	}
	if store == nil {
		t.Fatal("Expected a store, got nil")
	}

	if _, _, err := store.Attach(context.Background(), nil, "glenda", ""); err != nil {
		t.Errorf("Attach on fresh memory backend failed: %v", err)
	}
}

func TestCreateBackendStore_Local(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Type = "local"
	cfg.Backend.Local["path"] = t.TempDir()

	store, err := CreateBackendStore(context.Background(), &cfg.Backend)
	if err != nil {
		t.Fatalf("Failed to create local backend: %v", err)
	}
	if _, _, err := store.Attach(context.Background(), nil, "glenda", ""); err != nil {
		t.Errorf("Attach on local backend failed: %v", err)
	}
}

func TestCreateBackendStore_LocalMissingPath(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Type = "local"

	if _, err := CreateBackendStore(context.Background(), &cfg.Backend); err == nil {
		t.Fatal("Expected error for local backend without path, got nil")
	}
}

func TestCreateBackendStore_BadgerInMemory(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Type = "badger"
	cfg.Backend.Badger["path"] = ""
	cfg.Backend.Badger["in_memory"] = true

	store, err := CreateBackendStore(context.Background(), &cfg.Backend)
	if err != nil {
		t.Fatalf("Failed to create badger backend: %v", err)
	}
	if _, _, err := store.Attach(context.Background(), nil, "glenda", ""); err != nil {
		t.Errorf("Attach on badger backend failed: %v", err)
	}
}

func TestCreateBackendStore_UnknownType(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Type = "floppy"

	if _, err := CreateBackendStore(context.Background(), &cfg.Backend); err == nil {
		t.Fatal("Expected error for unknown backend type, got nil")
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Metrics.Enabled = false

	result := InitializeMetrics(cfg)
	if result.Server != nil {
		t.Error("Expected nil metrics server when disabled")
	}
	if result.Styx == nil {
		t.Error("Expected noop Styx metrics, got nil")
	}
	if result.Store != nil {
		t.Error("Expected nil store metrics when disabled")
	}
}
