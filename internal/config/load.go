package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path         string
	Config       Config
	Warnings     []Warning
	Exists       bool
	EnvOverrides []string
}

// Load resolves, reads, parses, applies environment overrides, and validates the runtime
// configuration.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{Path: resolvedPath, Config: Default()}

	content, err := os.ReadFile(resolvedPath)
	switch {
	case err == nil:
		loaded.Exists = true
		cfg, warnings, err := parseJSONCOnly(string(content), loaded.Config)
		if err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
		}
		loaded.Config = cfg
		loaded.Warnings = append(loaded.Warnings, warnings...)
	case errors.Is(err, os.ErrNotExist):
		loaded.Warnings = append(loaded.Warnings, Warning{
			Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
		})
	default:
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	}

	applied, err := applyEnv(&loaded.Config, ResolveEnvPath(resolvedPath))
	if err != nil {
		return Loaded{}, err
	}
	sort.Strings(applied)
	loaded.EnvOverrides = applied

	warnings, err := Validate(loaded.Config)
	if err != nil {
		if len(applied) > 0 {
			return Loaded{}, fmt.Errorf("config %q with overrides %s: %w", resolvedPath, strings.Join(applied, ","), err)
		}
		return Loaded{}, fmt.Errorf("config %q: %w", resolvedPath, err)
	}
	loaded.Warnings = append(loaded.Warnings, warnings...)
	return loaded, nil
}

// parseJSONCOnly decodes file content without validating; Load validates after env overrides.
func parseJSONCOnly(content string, base Config) (Config, []Warning, error) {
	if strings.TrimSpace(content) == "" {
		return base, nil, nil
	}
	if !strings.HasPrefix(strings.TrimSpace(content), "{") {
		return Config{}, nil, errors.New("config must be a JSONC object")
	}
	return parseJSONC(content, base)
}
