package session

import (
	"encoding/base64"

	"github.com/google/uuid"
)

const (
	namespaceSystem = "ai.vesper.system"
	namespaceSpeech = "ai.vesper.speech"

	rawSnippetLimit = 256
)

// Inbound message types.
const (
	TypeTTS     = "tts"
	TypeSTT     = "stt"
	TypeText    = "text"
	TypeLLM     = "llm"
	TypeCommand = "command"
	TypeError   = "error"
	TypePing    = "ping"
	TypeHello   = "hello"
	TypeAudio   = "audio"
)

// Inbound is one decoded server message.
type Inbound struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Text      string `json:"text,omitempty"`
	Command   string `json:"command,omitempty"`
	Message   string `json:"message,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Speech payload: base64 PCM16LE, or a remote file reference.
	AudioData  string `json:"audio_data,omitempty"`
	AudioURL   string `json:"audio_url,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	Raw []byte `json:"-"`
}

type header struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	MessageID string `json:"message_id"`
}

type envelope struct {
	Header  header `json:"header"`
	Payload any    `json:"payload"`
}

type helloPayload struct {
	DeviceID     string `json:"device_id"`
	SerialNumber string `json:"serial_number"`
	DeviceType   string `json:"device_type"`
	OSVersion    string `json:"os_version"`
	AppVersion   string `json:"app_version"`
}

type recognizePayload struct {
	Audio         string `json:"audio"`
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
}

type listenMessage struct {
	SessionID string `json:"session_id,omitempty"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

type abortMessage struct {
	SessionID string `json:"session_id,omitempty"`
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
}

type pongMessage struct {
	Type string `json:"type"`
}

func newEnvelope(name, namespace string, payload any) envelope {
	return envelope{
		Header:  header{Name: name, Namespace: namespace, MessageID: uuid.NewString()},
		Payload: payload,
	}
}

func helloEnvelope(p helloPayload) envelope {
	return newEnvelope("hello", namespaceSystem, p)
}

func recognizeEnvelope(pcm []byte, sampleRate, channels int) envelope {
	return newEnvelope("Recognize", namespaceSpeech, recognizePayload{
		Audio:         base64.StdEncoding.EncodeToString(pcm),
		Format:        "pcm",
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: 16,
	})
}

func snippet(raw []byte) string {
	if len(raw) > rawSnippetLimit {
		return string(raw[:rawSnippetLimit]) + "..."
	}
	return string(raw)
}
