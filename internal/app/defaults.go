package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the default locations wlm uses before a config file exists.
type Paths struct {
	ConfigPath string
	BaseDir    string
}

// LogDir is where per-operation log files go.
func (p Paths) LogDir() string { return filepath.Join(p.BaseDir, "log") }

// DefaultPaths resolves the default paths. WLM_CONFIG_PATH overrides
// ~/.config/wlm/config.toml and WLM_HOME overrides ~/.local/share/wlm.
func DefaultPaths() (Paths, error) {
	configPath, err := fromEnvOrHome("WLM_CONFIG_PATH", ".config", "wlm", "config.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := fromEnvOrHome("WLM_HOME", ".local", "share", "wlm")
	if err != nil {
		return Paths{}, err
	}
	return Paths{ConfigPath: configPath, BaseDir: baseDir}, nil
}

func fromEnvOrHome(env string, rel ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for %s: %w", env, err)
	}
	return filepath.Join(append([]string{homeDir}, rel...)...), nil
}
