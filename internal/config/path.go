package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath applies CLI/XDG/home fallback rules for config.jsonc location.
func ResolvePath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}

	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.jsonc"), nil
}

// ResolveEnvPath returns the optional env override file next to the config file.
func ResolveEnvPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "vesper.env")
}

// StateDir returns the per-user state directory holding logs, the store, and debug dumps.
func StateDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return filepath.Join(xdg, "vesper"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for state dir")
	}
	return filepath.Join(home, ".local", "state", "vesper"), nil
}

// StorePath returns the configured store path or the backend-specific default.
func StorePath(cfg StoreConfig) (string, error) {
	if path := strings.TrimSpace(cfg.Path); path != "" {
		return path, nil
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), "sqlite") {
		return filepath.Join(dir, "state.db"), nil
	}
	return filepath.Join(dir, "state.yaml"), nil
}

func configDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "vesper"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}

	return filepath.Join(home, ".config", "vesper"), nil
}
