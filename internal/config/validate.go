package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	validListeningModes = map[string]struct{}{"manual": {}, "auto_stop": {}, "realtime": {}}
	validStoreBackends  = map[string]struct{}{"file": {}, "sqlite": {}, "memory": {}}
	validLogLevels      = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if err := validateURL("server.provision_url", cfg.Server.ProvisionURL, "http", "https"); err != nil {
		return nil, err
	}
	if err := validateURL("server.activation_url", cfg.Server.ActivationURL, "http", "https"); err != nil {
		return nil, err
	}
	if err := validateURL("server.session_url", cfg.Server.SessionURL, "ws", "wss"); err != nil {
		return nil, err
	}
	if strings.HasPrefix(cfg.Server.SessionURL, "ws://") {
		warnings = append(warnings, Warning{Message: "server.session_url is not encrypted (ws://); bearer token is sent in clear text"})
	}

	if strings.TrimSpace(cfg.Device.Type) == "" {
		return nil, fmt.Errorf("device.type must not be empty")
	}
	if strings.TrimSpace(cfg.Device.AppVersion) == "" {
		return nil, fmt.Errorf("device.app_version must not be empty")
	}

	if _, ok := validStoreBackends[strings.ToLower(cfg.Store.Backend)]; !ok {
		return nil, fmt.Errorf("store.backend must be one of: file, sqlite, memory")
	}
	if strings.EqualFold(cfg.Store.Backend, "memory") {
		warnings = append(warnings, Warning{Message: "store.backend=memory; identity and credentials are lost on restart"})
	}

	if cfg.Activation.MaxAttempts <= 0 {
		return nil, fmt.Errorf("activation.max_attempts must be > 0")
	}
	if cfg.Activation.PollInterval <= 0 {
		return nil, fmt.Errorf("activation.poll_interval must be > 0")
	}
	if cfg.Activation.RequestTimeout <= 0 {
		return nil, fmt.Errorf("activation.request_timeout must be > 0")
	}

	if cfg.Session.MaxRetries <= 0 {
		return nil, fmt.Errorf("session.max_retries must be > 0")
	}
	if cfg.Session.BackoffBase <= 0 {
		return nil, fmt.Errorf("session.backoff_base must be > 0")
	}
	if cfg.Session.BackoffCap < cfg.Session.BackoffBase {
		return nil, fmt.Errorf("session.backoff_cap must be >= session.backoff_base")
	}

	if cfg.Audio.SampleRate <= 0 {
		return nil, fmt.Errorf("audio.sample_rate must be > 0")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return nil, fmt.Errorf("audio.frame_samples must be > 0")
	}
	if cfg.Audio.SilenceThreshold <= 0 {
		return nil, fmt.Errorf("audio.silence_threshold must be > 0")
	}
	if cfg.Audio.WakeThreshold < cfg.Audio.SilenceThreshold {
		return nil, fmt.Errorf("audio.wake_threshold must be >= audio.silence_threshold")
	}
	if cfg.Audio.SilenceFrames <= 0 {
		return nil, fmt.Errorf("audio.silence_frames must be > 0")
	}
	if cfg.Audio.MaxUtterance <= 0 {
		return nil, fmt.Errorf("audio.max_utterance must be > 0")
	}
	if cfg.Audio.Playback && cfg.Audio.PlaybackSampleRate <= 0 {
		return nil, fmt.Errorf("audio.playback_sample_rate must be > 0")
	}
	frame := time.Duration(cfg.Audio.FrameSamples) * time.Second / time.Duration(cfg.Audio.SampleRate)
	if endpoint := frame * time.Duration(cfg.Audio.SilenceFrames); endpoint >= cfg.Audio.MaxUtterance {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("silence endpoint %s is not shorter than audio.max_utterance %s", endpoint, cfg.Audio.MaxUtterance)})
	}

	if _, ok := validListeningModes[strings.ToLower(cfg.Listening.Mode)]; !ok {
		return nil, fmt.Errorf("listening.mode must be one of: manual, auto_stop, realtime")
	}
	if cfg.Indicator.DesktopNotify && strings.TrimSpace(cfg.Indicator.DesktopAppName) == "" {
		return nil, fmt.Errorf("indicator.desktop_app_name must not be empty when indicator.desktop_notify=true")
	}
	if _, ok := validLogLevels[strings.ToLower(cfg.Log.Level)]; !ok {
		return nil, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	return warnings, nil
}

func validateURL(name, raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of: %s", name, strings.Join(schemes, ", "))
}
