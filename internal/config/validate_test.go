package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	warnings, err := Validate(Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestValidateRejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "empty provision url", mutate: func(c *Config) { c.Server.ProvisionURL = "" }, wantErr: "server.provision_url must not be empty"},
		{name: "websocket provision url", mutate: func(c *Config) { c.Server.ProvisionURL = "ws://x/ota" }, wantErr: "server.provision_url must use"},
		{name: "http session url", mutate: func(c *Config) { c.Server.SessionURL = "https://x/ws" }, wantErr: "server.session_url must use"},
		{name: "empty device type", mutate: func(c *Config) { c.Device.Type = " " }, wantErr: "device.type"},
		{name: "unknown store backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }, wantErr: "store.backend"},
		{name: "zero attempts", mutate: func(c *Config) { c.Activation.MaxAttempts = 0 }, wantErr: "activation.max_attempts"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Activation.PollInterval = 0 }, wantErr: "activation.poll_interval"},
		{name: "zero retries", mutate: func(c *Config) { c.Session.MaxRetries = 0 }, wantErr: "session.max_retries"},
		{name: "cap below base", mutate: func(c *Config) { c.Session.BackoffCap = 500 * time.Millisecond }, wantErr: "session.backoff_cap"},
		{name: "zero frame", mutate: func(c *Config) { c.Audio.FrameSamples = 0 }, wantErr: "audio.frame_samples"},
		{name: "wake below silence", mutate: func(c *Config) { c.Audio.WakeThreshold = 100 }, wantErr: "audio.wake_threshold"},
		{name: "zero playback rate", mutate: func(c *Config) { c.Audio.PlaybackSampleRate = 0 }, wantErr: "audio.playback_sample_rate"},
		{name: "zero silence frames", mutate: func(c *Config) { c.Audio.SilenceFrames = 0 }, wantErr: "audio.silence_frames"},
		{name: "unknown mode", mutate: func(c *Config) { c.Listening.Mode = "always_on" }, wantErr: "listening.mode"},
		{name: "notify without app name", mutate: func(c *Config) { c.Indicator.DesktopAppName = "" }, wantErr: "indicator.desktop_app_name"},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: "log.level"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			_, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "memory"
	cfg.Audio.MaxUtterance = 200 * time.Millisecond

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	require.Contains(t, warnings[0].Message, "store.backend=memory")
	require.Contains(t, warnings[1].Message, "silence endpoint")
}
