// Package provision talks to the cloud provisioning and activation HTTP endpoints.
package provision

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/logging"
)

const (
	activationVersion = "2"
	algorithmHMAC     = "hmac-sha256"
	defaultTimeout    = 300 * time.Second
	maxBodyBytes      = 64 << 10
)

// Device is the board metadata sent with every request.
type Device struct {
	Type       string
	Board      string
	AppName    string
	AppVersion string
	Language   string
}

// Websocket is the session endpoint descriptor returned by provisioning.
type Websocket struct {
	URL      string
	Token    string
	Protocol string
}

// Challenge is one transient activation challenge.
type Challenge struct {
	Challenge string
	Code      string
	Message   string
	URL       string
	Timeout   time.Duration
	IssuedAt  time.Time
}

// Provisioning is the decoded provisioning response.
type Provisioning struct {
	Websocket  *Websocket
	Activation *Challenge
}

// Outcome classifies an activation poll response.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomePending
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePending:
		return "pending"
	default:
		return "rejected"
	}
}

// Result is one activation poll response.
type Result struct {
	Outcome     Outcome
	StatusCode  int
	AccessToken string
	ExpiresIn   time.Duration
	Code        string
	Message     string
	Error       string
}

// HTTPError reports a non-success provisioning status.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client issues provisioning and activation requests.
type Client struct {
	httpClient    *http.Client
	provisionURL  string
	activationURL string
	device        Device
	logger        *slog.Logger

	digestOnce sync.Once
	digest     string
}

// NewClient builds a client. A nil httpClient uses a client with timeout.
func NewClient(provisionURL, activationURL string, device Device, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		provisionURL:  provisionURL,
		activationURL: activationURL,
		device:        device,
		logger:        logging.OrDiscard(logger),
	}
}

type provisionRequest struct {
	Application struct {
		Name      string `json:"name"`
		Version   string `json:"version"`
		ELFSHA256 string `json:"elf_sha256,omitempty"`
	} `json:"application"`
	Board struct {
		Type string `json:"type"`
		Name string `json:"name"`
		MAC  string `json:"mac"`
	} `json:"board"`
}

type provisionResponse struct {
	Websocket *struct {
		URL      string `json:"url"`
		Token    string `json:"token"`
		Protocol string `json:"protocol"`
	} `json:"websocket"`
	Activation *struct {
		Challenge string `json:"challenge"`
		Code      string `json:"code"`
		Message   string `json:"message"`
		URL       string `json:"url"`
		Timeout   int    `json:"timeout"`
	} `json:"activation"`
}

// Provision fetches the session descriptor and, for unactivated devices, an activation
// challenge.
func (c *Client) Provision(ctx context.Context, id identity.DeviceIdentity) (Provisioning, error) {
	var body provisionRequest
	body.Application.Name = c.device.AppName
	body.Application.Version = c.device.AppVersion
	body.Application.ELFSHA256 = c.buildDigest()
	body.Board.Type = c.device.Type
	body.Board.Name = c.device.Board
	body.Board.MAC = id.DeviceID()

	target, err := url.Parse(c.provisionURL)
	if err != nil {
		return Provisioning{}, fmt.Errorf("parse provision url: %w", err)
	}
	query := target.Query()
	query.Set("device_id", id.DeviceID())
	query.Set("client_id", id.ClientID)
	target.RawQuery = query.Encode()

	status, raw, err := c.post(ctx, target.String(), id, body)
	if err != nil {
		return Provisioning{}, fmt.Errorf("provision: %w", err)
	}
	if status < 200 || status >= 300 {
		return Provisioning{}, &HTTPError{Op: "provision", StatusCode: status, Body: snippet(raw)}
	}

	var decoded provisionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Provisioning{}, fmt.Errorf("decode provision response: %w", err)
	}

	var out Provisioning
	if ws := decoded.Websocket; ws != nil && strings.TrimSpace(ws.URL) != "" {
		out.Websocket = &Websocket{URL: strings.TrimSpace(ws.URL), Token: ws.Token, Protocol: ws.Protocol}
	}
	if act := decoded.Activation; act != nil && strings.TrimSpace(act.Challenge) != "" {
		timeout := time.Duration(act.Timeout) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		out.Activation = &Challenge{
			Challenge: act.Challenge,
			Code:      act.Code,
			Message:   act.Message,
			URL:       act.URL,
			Timeout:   timeout,
			IssuedAt:  time.Now(),
		}
	}

	c.logger.Debug("provisioning response",
		"has_websocket", out.Websocket != nil,
		"has_activation", out.Activation != nil,
	)
	return out, nil
}

type activationPayload struct {
	Algorithm    string `json:"algorithm"`
	SerialNumber string `json:"serial_number"`
	Challenge    string `json:"challenge"`
	HMAC         string `json:"hmac"`
}

type activationResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Error       string `json:"error"`
}

// Activate submits one signed challenge. Non-200/202 statuses are returned as
// OutcomeRejected with a nil error; err is reserved for transport failures.
func (c *Client) Activate(ctx context.Context, id identity.DeviceIdentity, challenge, signature string) (Result, error) {
	body := map[string]activationPayload{
		"Payload": {
			Algorithm:    algorithmHMAC,
			SerialNumber: id.SerialNumber,
			Challenge:    challenge,
			HMAC:         signature,
		},
	}

	status, raw, err := c.post(ctx, c.activationURL, id, body)
	if err != nil {
		return Result{}, fmt.Errorf("activate: %w", err)
	}

	var decoded activationResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		// Error bodies are not always JSON; keep the status classification regardless.
		if err := json.Unmarshal(raw, &decoded); err != nil && status == http.StatusOK {
			return Result{}, fmt.Errorf("decode activation response: %w", err)
		}
	}

	result := Result{
		StatusCode:  status,
		AccessToken: strings.TrimSpace(decoded.AccessToken),
		ExpiresIn:   time.Duration(decoded.ExpiresIn) * time.Second,
		Code:        decoded.Code,
		Message:     decoded.Message,
		Error:       decoded.Error,
	}
	switch status {
	case http.StatusOK:
		result.Outcome = OutcomeSuccess
	case http.StatusAccepted:
		result.Outcome = OutcomePending
	default:
		result.Outcome = OutcomeRejected
		if result.Error == "" {
			result.Error = snippet(raw)
		}
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, target string, id identity.DeviceIdentity, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", id.DeviceID())
	req.Header.Set("Client-Id", id.ClientID)
	req.Header.Set("Activation-Version", activationVersion)
	req.Header.Set("User-Agent", c.device.Board+"/"+c.device.AppVersion)
	if c.device.Language != "" {
		req.Header.Set("Accept-Language", c.device.Language)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// buildDigest hashes the running executable once.
func (c *Client) buildDigest() string {
	c.digestOnce.Do(func() {
		path, err := os.Executable()
		if err != nil {
			return
		}
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return
		}
		c.digest = hex.EncodeToString(h.Sum(nil))
	})
	return c.digest
}

func snippet(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200] + "…"
	}
	return text
}
