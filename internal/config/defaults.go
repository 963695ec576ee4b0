package config

import "time"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ProvisionURL:  "https://api.tenclass.net/xiaozhi/ota/",
			ActivationURL: "https://api.tenclass.net/xiaozhi/ota/activate",
			SessionURL:    "wss://xiaozhi.me/v1/ws",
		},
		Device: DeviceConfig{
			Type:       "vesper-speaker",
			Board:      "vesper",
			AppName:    "vesper",
			AppVersion: "1.0.0",
			OSVersion:  "linux",
			Language:   "en-US",
		},
		Store: StoreConfig{Backend: "file"},
		Activation: ActivationConfig{
			MaxAttempts:    60,
			PollInterval:   5 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			MaxRetries:      8,
			BackoffBase:     time.Second,
			BackoffCap:      30 * time.Second,
			ProtocolVersion: 1,
		},
		Audio: AudioConfig{
			Input:            "default",
			Fallback:         "default",
			SampleRate:       16000,
			FrameSamples:     320,
			WakeThreshold:    1500,
			SilenceThreshold: 500,
			SilenceFrames:    20,
			MaxUtterance:     10 * time.Second,

			Playback:           true,
			PlaybackSampleRate: 16000,
		},
		Listening: ListeningConfig{Mode: "auto_stop"},
		Indicator: IndicatorConfig{
			Enable:         true,
			SoundEnable:    true,
			DesktopNotify:  true,
			DesktopAppName: "vesper",
		},
		Log: LogConfig{Level: "info"},
	}
}
