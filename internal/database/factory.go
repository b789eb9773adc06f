package database

import (
	"fmt"
	"path/filepath"

	"wlm-go/internal/config"
	"wlm-go/internal/wlm"
)

// NewRegistryFromConfig creates a Registry implementation based on the database config type
// and brings its schema up to date.
func NewRegistryFromConfig(cfg config.DatabaseConfig, hostID string) (wlm.Registry, error) {
	var path string
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		path = filepath.Join(cfg.DataDir, hostID+".db")
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	reg, err := NewSQLiteRegistry(path)
	if err != nil {
		return nil, err
	}
	if err := reg.Migrate(); err != nil {
		reg.Close()
		return nil, fmt.Errorf("migrating registry: %w", err)
	}
	return reg, nil
}
