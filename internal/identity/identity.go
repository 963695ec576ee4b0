// Package identity owns the device fingerprint, signing key, and persisted credentials.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rbright/vesper/internal/logging"
	"github.com/rbright/vesper/internal/store"
)

// ErrIdentityMissing reports a signing request before EnsureIdentity ran.
var ErrIdentityMissing = errors.New("device identity not initialized")

const (
	keySerial     = "identity.serial_number"
	keySigningKey = "identity.signing_key"
	keyMAC        = "identity.hardware_mac"
	keyClientID   = "identity.client_id"
)

// DeviceIdentity is the immutable device fingerprint.
type DeviceIdentity struct {
	SerialNumber string
	HardwareMAC  string
	ClientID     string
	signingKey   []byte
}

// DeviceID is the network-facing device id.
func (d DeviceIdentity) DeviceID() string {
	return d.HardwareMAC
}

// Store guards identity and credential state behind one mutex and one backend snapshot.
type Store struct {
	backend store.Backend
	logger  *slog.Logger
	mac     string
	random  io.Reader

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

// Option customizes a Store.
type Option func(*Store)

// WithHardwareMAC pins the MAC used when generating identity.
func WithHardwareMAC(mac string) Option {
	return func(s *Store) { s.mac = mac }
}

// WithRandom replaces the entropy source used for signing keys.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.random = r }
}

// New constructs a Store over backend.
func New(backend store.Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{backend: backend, logger: logging.OrDiscard(logger), random: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIdentity returns the persisted identity, generating it on first use.
func (s *Store) EnsureIdentity(ctx context.Context) (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return DeviceIdentity{}, err
	}
	if id, ok := s.identityLocked(); ok {
		return id, nil
	}

	mac, err := s.resolveMAC()
	if err != nil {
		return DeviceIdentity{}, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(s.random, key); err != nil {
		return DeviceIdentity{}, fmt.Errorf("generate signing key: %w", err)
	}

	next := clone(s.values)
	next[keyMAC] = mac
	next[keySerial] = SerialNumber(mac)
	next[keySigningKey] = hex.EncodeToString(key)
	if next[keyClientID] == "" {
		next[keyClientID] = uuid.NewString()
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return DeviceIdentity{}, err
	}

	id, _ := s.identityLocked()
	s.logger.Info("device identity generated",
		"serial_number", id.SerialNumber,
		"device_id", id.DeviceID(),
	)
	return id, nil
}

// Identity returns the persisted identity without generating one.
func (s *Store) Identity(ctx context.Context) (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return DeviceIdentity{}, err
	}
	id, ok := s.identityLocked()
	if !ok {
		return DeviceIdentity{}, ErrIdentityMissing
	}
	return id, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of challenge under the device signing key.
func (s *Store) Sign(ctx context.Context, challenge []byte) (string, error) {
	id, err := s.Identity(ctx)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, id.signingKey)
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Reset clears identity and credentials. The next EnsureIdentity generates a new fingerprint.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("reset identity: %w", err)
	}
	s.values = map[string]string{}
	s.loaded = true
	s.logger.Warn("device identity and credentials reset")
	return nil
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	values, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load identity store: %w", err)
	}
	s.values = values
	s.loaded = true
	return nil
}

// commitLocked persists next and swaps it in only after the backend accepted it.
func (s *Store) commitLocked(ctx context.Context, next map[string]string) error {
	if err := s.backend.Save(ctx, next); err != nil {
		return fmt.Errorf("persist identity store: %w", err)
	}
	s.values = next
	return nil
}

func (s *Store) identityLocked() (DeviceIdentity, bool) {
	serial := s.values[keySerial]
	rawKey := s.values[keySigningKey]
	mac := s.values[keyMAC]
	if serial == "" || rawKey == "" || mac == "" {
		return DeviceIdentity{}, false
	}
	key, err := hex.DecodeString(rawKey)
	if err != nil || len(key) == 0 {
		return DeviceIdentity{}, false
	}
	return DeviceIdentity{
		SerialNumber: serial,
		HardwareMAC:  mac,
		ClientID:     s.values[keyClientID],
		signingKey:   key,
	}, true
}

func (s *Store) resolveMAC() (string, error) {
	if mac := NormalizeMAC(s.mac); mac != "" {
		return mac, nil
	}
	if mac := interfaceMAC(); mac != "" {
		return mac, nil
	}

	// Locally administered unicast address.
	buf := make([]byte, 6)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("generate hardware id: %w", err)
	}
	buf[0] = (buf[0] | 0x02) &^ 0x01
	s.logger.Warn("no hardware MAC available; using generated device id")
	return hex.EncodeToString(buf), nil
}

// NormalizeMAC strips separators and lowercases a MAC address. Invalid input yields "".
func NormalizeMAC(raw string) string {
	replacer := strings.NewReplacer(":", "", "-", "", ".", "")
	mac := strings.ToLower(replacer.Replace(strings.TrimSpace(raw)))
	if len(mac) != 12 {
		return ""
	}
	if _, err := hex.DecodeString(mac); err != nil {
		return ""
	}
	return mac
}

// SerialNumber derives the device serial from a normalized MAC.
func SerialNumber(mac string) string {
	sum := md5.Sum([]byte(mac))
	return "SN-" + strings.ToUpper(hex.EncodeToString(sum[:4])) + "-" + strings.ToUpper(mac)
}

func interfaceMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		if mac := NormalizeMAC(iface.HardwareAddr.String()); mac != "" && mac != "000000000000" {
			return mac
		}
	}
	return ""
}

func clone(values map[string]string) map[string]string {
	out := make(map[string]string, len(values)+4)
	for k, v := range values {
		out[k] = v
	}
	return out
}
