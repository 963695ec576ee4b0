// Package config resolves, parses, validates, and defaults vesper configuration.
package config

import "time"

// Config is the fully materialized runtime configuration used by vesper.
type Config struct {
	Server     ServerConfig
	Device     DeviceConfig
	Store      StoreConfig
	Activation ActivationConfig
	Session    SessionConfig
	Audio      AudioConfig
	Listening  ListeningConfig
	Indicator  IndicatorConfig
	Log        LogConfig
	Debug      DebugConfig
}

// ServerConfig locates the provisioning, activation, and session endpoints.
type ServerConfig struct {
	ProvisionURL  string
	ActivationURL string
	SessionURL    string
}

// DeviceConfig describes the appliance to the cloud service.
type DeviceConfig struct {
	Type        string
	Board       string
	AppName     string
	AppVersion  string
	OSVersion   string
	Language    string
	HardwareMAC string
}

// StoreConfig selects the persisted key/value backend.
type StoreConfig struct {
	Backend string
	Path    string
}

// ActivationConfig bounds the activation polling loop.
type ActivationConfig struct {
	MaxAttempts    int
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// SessionConfig controls reconnect policy and protocol framing.
type SessionConfig struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ProtocolVersion int
}

// AudioConfig controls capture source selection and endpointing thresholds.
type AudioConfig struct {
	Input            string
	Fallback         string
	SampleRate       int
	FrameSamples     int
	WakeThreshold    float64
	SilenceThreshold float64
	SilenceFrames    int
	MaxUtterance     time.Duration

	// Playback plays PCM speech sent by the server.
	Playback           bool
	PlaybackSampleRate int
}

// ListeningConfig is the initial listening policy.
type ListeningConfig struct {
	Mode          string
	KeepListening bool
}

// IndicatorConfig controls audio cues and desktop notifications.
type IndicatorConfig struct {
	Enable         bool
	SoundEnable    bool
	DesktopNotify  bool
	DesktopAppName string
}

// LogConfig controls runtime log verbosity.
type LogConfig struct {
	Level string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
