package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	keyActivated    = "credentials.activated"
	keyToken        = "credentials.bearer_token"
	keyIssuedAt     = "credentials.token_issued_at"
	keyExpiry       = "credentials.token_expiry"
	keyTokenSource  = "credentials.token_source"
	keyWebsocketURL = "credentials.websocket_url"
)

// TokenSource records where the bearer token came from.
type TokenSource string

const (
	TokenSourceServer       TokenSource = "server"
	TokenSourceProvisioning TokenSource = "provisioning"
	TokenSourceDerived      TokenSource = "derived"
)

// Credentials is the persisted activation outcome. Zero times mean unset.
type Credentials struct {
	Activated     bool
	BearerToken   string
	TokenIssuedAt time.Time
	TokenExpiry   time.Time
	TokenSource   TokenSource
	WebsocketURL  string
}

// Expired reports whether the token has a known expiry at or before now.
func (c Credentials) Expired(now time.Time) bool {
	return !c.TokenExpiry.IsZero() && !now.Before(c.TokenExpiry)
}

// Usable reports whether the credentials can open a session at now.
func (c Credentials) Usable(now time.Time) bool {
	return c.Activated && c.BearerToken != "" && !c.Expired(now)
}

// Credentials returns the current credential snapshot.
func (s *Store) Credentials(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return Credentials{}, err
	}
	return decodeCredentials(s.values), nil
}

// SetCredentials replaces the credential snapshot.
func (s *Store) SetCredentials(ctx context.Context, creds Credentials) error {
	_, err := s.UpdateCredentials(ctx, func(c *Credentials) error {
		*c = creds
		return nil
	})
	return err
}

// UpdateCredentials applies fn to the current credentials and persists the result atomically.
// Nothing is written when fn fails.
func (s *Store) UpdateCredentials(ctx context.Context, fn func(*Credentials) error) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return Credentials{}, err
	}

	creds := decodeCredentials(s.values)
	if err := fn(&creds); err != nil {
		return Credentials{}, err
	}
	if creds.Activated && creds.BearerToken == "" {
		return Credentials{}, errors.New("activated credentials require a bearer token")
	}

	next := clone(s.values)
	encodeCredentials(next, creds)
	if err := s.commitLocked(ctx, next); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func decodeCredentials(values map[string]string) Credentials {
	activated, _ := strconv.ParseBool(values[keyActivated])
	return Credentials{
		Activated:     activated,
		BearerToken:   values[keyToken],
		TokenIssuedAt: parseTime(values[keyIssuedAt]),
		TokenExpiry:   parseTime(values[keyExpiry]),
		TokenSource:   TokenSource(values[keyTokenSource]),
		WebsocketURL:  values[keyWebsocketURL],
	}
}

func encodeCredentials(values map[string]string, creds Credentials) {
	setOrDelete(values, keyActivated, strconv.FormatBool(creds.Activated), creds.Activated)
	setOrDelete(values, keyToken, creds.BearerToken, creds.BearerToken != "")
	setOrDelete(values, keyIssuedAt, formatTime(creds.TokenIssuedAt), !creds.TokenIssuedAt.IsZero())
	setOrDelete(values, keyExpiry, formatTime(creds.TokenExpiry), !creds.TokenExpiry.IsZero())
	setOrDelete(values, keyTokenSource, string(creds.TokenSource), creds.TokenSource != "")
	setOrDelete(values, keyWebsocketURL, creds.WebsocketURL, creds.WebsocketURL != "")
}

func setOrDelete(values map[string]string, key, value string, present bool) {
	if !present {
		delete(values, key)
		return
	}
	values[key] = value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// String renders credentials for status output without leaking the token.
func (c Credentials) String() string {
	expiry := "none"
	if !c.TokenExpiry.IsZero() {
		expiry = c.TokenExpiry.Format(time.RFC3339)
	}
	return fmt.Sprintf("activated=%t token=%t source=%s expiry=%s", c.Activated, c.BearerToken != "", c.TokenSource, expiry)
}
