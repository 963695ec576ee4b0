package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

type jsoncConfig struct {
	Server     *jsoncServer     `json:"server"`
	Device     *jsoncDevice     `json:"device"`
	Store      *jsoncStore      `json:"store"`
	Activation *jsoncActivation `json:"activation"`
	Session    *jsoncSession    `json:"session"`
	Audio      *jsoncAudio      `json:"audio"`
	Listening  *jsoncListening  `json:"listening"`
	Indicator  *jsoncIndicator  `json:"indicator"`
	Log        *jsoncLog        `json:"log"`
	Debug      *jsoncDebug      `json:"debug"`
}

type jsoncServer struct {
	ProvisionURL  *string `json:"provision_url"`
	ActivationURL *string `json:"activation_url"`
	SessionURL    *string `json:"session_url"`
}

type jsoncDevice struct {
	Type        *string `json:"type"`
	Board       *string `json:"board"`
	AppName     *string `json:"app_name"`
	AppVersion  *string `json:"app_version"`
	OSVersion   *string `json:"os_version"`
	Language    *string `json:"language"`
	HardwareMAC *string `json:"hardware_mac"`
}

type jsoncStore struct {
	Backend *string `json:"backend"`
	Path    *string `json:"path"`
}

type jsoncActivation struct {
	MaxAttempts    *int           `json:"max_attempts"`
	PollInterval   *jsoncDuration `json:"poll_interval"`
	RequestTimeout *jsoncDuration `json:"request_timeout"`
}

type jsoncSession struct {
	MaxRetries      *int           `json:"max_retries"`
	BackoffBase     *jsoncDuration `json:"backoff_base"`
	BackoffCap      *jsoncDuration `json:"backoff_cap"`
	ProtocolVersion *int           `json:"protocol_version"`
}

type jsoncAudio struct {
	Input            *string        `json:"input"`
	Fallback         *string        `json:"fallback"`
	SampleRate       *int           `json:"sample_rate"`
	FrameSamples     *int           `json:"frame_samples"`
	WakeThreshold    *float64       `json:"wake_threshold"`
	SilenceThreshold *float64       `json:"silence_threshold"`
	SilenceFrames    *int           `json:"silence_frames"`
	MaxUtterance     *jsoncDuration `json:"max_utterance"`

	Playback           *bool `json:"playback"`
	PlaybackSampleRate *int  `json:"playback_sample_rate"`
}

type jsoncListening struct {
	Mode          *string `json:"mode"`
	KeepListening *bool   `json:"keep_listening"`
}

type jsoncIndicator struct {
	Enable         *bool   `json:"enable"`
	SoundEnable    *bool   `json:"sound_enable"`
	DesktopNotify  *bool   `json:"desktop_notify"`
	DesktopAppName *string `json:"desktop_app_name"`
}

type jsoncLog struct {
	Level *string `json:"level"`
}

type jsoncDebug struct {
	AudioDump *bool `json:"audio_dump"`
}

// jsoncDuration accepts Go duration strings ("5s") or integer milliseconds.
type jsoncDuration time.Duration

func (d *jsoncDuration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(text))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", text, err)
		}
		*d = jsoncDuration(parsed)
		return nil
	}

	var millis int64
	if err := json.Unmarshal(data, &millis); err == nil {
		*d = jsoncDuration(time.Duration(millis) * time.Millisecond)
		return nil
	}

	return fmt.Errorf("expected duration string or integer milliseconds")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	payload.applyTo(&cfg)
	return cfg, nil, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if s := payload.Server; s != nil {
		setString(&cfg.Server.ProvisionURL, s.ProvisionURL)
		setString(&cfg.Server.ActivationURL, s.ActivationURL)
		setString(&cfg.Server.SessionURL, s.SessionURL)
	}

	if d := payload.Device; d != nil {
		setString(&cfg.Device.Type, d.Type)
		setString(&cfg.Device.Board, d.Board)
		setString(&cfg.Device.AppName, d.AppName)
		setString(&cfg.Device.AppVersion, d.AppVersion)
		setString(&cfg.Device.OSVersion, d.OSVersion)
		setString(&cfg.Device.Language, d.Language)
		setString(&cfg.Device.HardwareMAC, d.HardwareMAC)
	}

	if s := payload.Store; s != nil {
		setString(&cfg.Store.Backend, s.Backend)
		setString(&cfg.Store.Path, s.Path)
	}

	if a := payload.Activation; a != nil {
		setInt(&cfg.Activation.MaxAttempts, a.MaxAttempts)
		setDuration(&cfg.Activation.PollInterval, a.PollInterval)
		setDuration(&cfg.Activation.RequestTimeout, a.RequestTimeout)
	}

	if s := payload.Session; s != nil {
		setInt(&cfg.Session.MaxRetries, s.MaxRetries)
		setDuration(&cfg.Session.BackoffBase, s.BackoffBase)
		setDuration(&cfg.Session.BackoffCap, s.BackoffCap)
		setInt(&cfg.Session.ProtocolVersion, s.ProtocolVersion)
	}

	if a := payload.Audio; a != nil {
		setString(&cfg.Audio.Input, a.Input)
		setString(&cfg.Audio.Fallback, a.Fallback)
		setInt(&cfg.Audio.SampleRate, a.SampleRate)
		setInt(&cfg.Audio.FrameSamples, a.FrameSamples)
		if a.WakeThreshold != nil {
			cfg.Audio.WakeThreshold = *a.WakeThreshold
		}
		if a.SilenceThreshold != nil {
			cfg.Audio.SilenceThreshold = *a.SilenceThreshold
		}
		setInt(&cfg.Audio.SilenceFrames, a.SilenceFrames)
		setDuration(&cfg.Audio.MaxUtterance, a.MaxUtterance)
		setBool(&cfg.Audio.Playback, a.Playback)
		setInt(&cfg.Audio.PlaybackSampleRate, a.PlaybackSampleRate)
	}

	if l := payload.Listening; l != nil {
		setString(&cfg.Listening.Mode, l.Mode)
		if l.KeepListening != nil {
			cfg.Listening.KeepListening = *l.KeepListening
		}
	}

	if i := payload.Indicator; i != nil {
		setBool(&cfg.Indicator.Enable, i.Enable)
		setBool(&cfg.Indicator.SoundEnable, i.SoundEnable)
		setBool(&cfg.Indicator.DesktopNotify, i.DesktopNotify)
		setString(&cfg.Indicator.DesktopAppName, i.DesktopAppName)
	}

	if payload.Log != nil {
		setString(&cfg.Log.Level, payload.Log.Level)
	}

	if payload.Debug != nil {
		setBool(&cfg.Debug.EnableAudioDump, payload.Debug.AudioDump)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *jsoncDuration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
