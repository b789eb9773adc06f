package database

import (
	"os"
	"path/filepath"
	"testing"

	"wlm-go/internal/config"
)

func TestNewRegistryFromConfig(t *testing.T) {
	t.Run("memory database", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "memory"}
		got, err := NewRegistryFromConfig(cfg, "test-host-123")

		if err != nil {
			t.Errorf("NewRegistryFromConfig() unexpected error: %v", err)
			return
		}

		if got == nil {
			t.Error("NewRegistryFromConfig() returned nil")
		}

		if got != nil {
			got.Close()
		}
	})

	t.Run("sqlite database", func(t *testing.T) {
		cfg := config.DatabaseConfig{
			Type:    "sqlite",
			DataDir: t.TempDir(),
		}
		got, err := NewRegistryFromConfig(cfg, "test-host-123")

		if err != nil {
			t.Errorf("NewRegistryFromConfig() unexpected error: %v", err)
			return
		}

		if got == nil {
			t.Error("NewRegistryFromConfig() returned nil")
		}

		if got != nil {
			got.Close()
		}
	})

	t.Run("sqlite database is migrated", func(t *testing.T) {
		cfg := config.DatabaseConfig{
			Type:    "sqlite",
			DataDir: t.TempDir(),
		}
		got, err := NewRegistryFromConfig(cfg, "test-host-123")
		if err != nil {
			t.Fatalf("NewRegistryFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(cfg.DataDir, "test-host-123.db")); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	t.Run("sqlite database without data_dir", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "sqlite"}
		got, err := NewRegistryFromConfig(cfg, "test-host-123")

		if err == nil {
			t.Error("NewRegistryFromConfig() expected error for missing data_dir, got nil")
		}

		if got != nil {
			t.Error("NewRegistryFromConfig() should return nil on error")
			got.Close()
		}
	})

	t.Run("unknown database type", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "unknown"}
		got, err := NewRegistryFromConfig(cfg, "test-host-123")

		if err == nil {
			t.Error("NewRegistryFromConfig() expected error for unknown type, got nil")
		}

		if got != nil {
			t.Error("NewRegistryFromConfig() should return nil on error")
			got.Close()
		}
	})
}
