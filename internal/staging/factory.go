package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"wlm-go/internal/config"
	"wlm-go/internal/wlm"
)

// NewStagingAreaFromConfig creates a StagingArea implementation based on the config type.
func NewStagingAreaFromConfig(cfg config.StagingConfig) (wlm.StagingArea, error) {
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("staging max_size must not be negative")
	}

	switch cfg.Type {
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires staging_dir to be set")
		}
		return NewFileSystemStagingArea(cfg.StagingDir, cfg.MaxSize)
	case "temp":
		return NewFileSystemStagingArea(filepath.Join(os.TempDir(), fmt.Sprintf("wlm-staging-%d", os.Getpid())), cfg.MaxSize)
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
