package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// envOverrides maps VESPER_* variables onto config fields.
var envOverrides = map[string]func(*Config, string){
	"VESPER_PROVISION_URL":  func(c *Config, v string) { c.Server.ProvisionURL = v },
	"VESPER_ACTIVATION_URL": func(c *Config, v string) { c.Server.ActivationURL = v },
	"VESPER_SESSION_URL":    func(c *Config, v string) { c.Server.SessionURL = v },
	"VESPER_HARDWARE_MAC":   func(c *Config, v string) { c.Device.HardwareMAC = v },
	"VESPER_STORE_BACKEND":  func(c *Config, v string) { c.Store.Backend = v },
	"VESPER_STORE_PATH":     func(c *Config, v string) { c.Store.Path = v },
	"VESPER_LOG_LEVEL":      func(c *Config, v string) { c.Log.Level = v },
}

// applyEnv overlays VESPER_* values from the process environment, then from envFile
// for keys the process environment leaves unset. It reports which keys were applied.
func applyEnv(cfg *Config, envFile string) ([]string, error) {
	fileValues := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileValues = values
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read env file %q: %w", envFile, err)
		}
	}

	applied := make([]string, 0)
	for key, apply := range envOverrides {
		value, ok := os.LookupEnv(key)
		if !ok {
			value, ok = fileValues[key]
		}
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		apply(cfg, value)
		applied = append(applied, key)
	}
	return applied, nil
}
