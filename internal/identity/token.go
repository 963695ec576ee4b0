package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const fallbackTokenPrefix = "local."

// DeriveFallbackToken builds a device-local bearer token for servers that confirm activation
// without issuing one. The value is deterministic per device and instant and cannot be
// reproduced without the signing key.
func (s *Store) DeriveFallbackToken(ctx context.Context, at time.Time) (string, error) {
	id, err := s.Identity(ctx)
	if err != nil {
		return "", err
	}

	info := id.DeviceID() + "|" + strconv.FormatInt(at.Unix(), 10)
	r := hkdf.New(sha256.New, id.signingKey, []byte(id.SerialNumber), []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("derive fallback token: %w", err)
	}

	s.logger.Warn("server omitted access token; using locally derived token",
		"serial_number", id.SerialNumber,
		"mode", "degraded",
	)
	return fallbackTokenPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// TokenExpiry returns the exp claim of a JWT bearer token. Non-JWT tokens and tokens
// without exp report ok=false. The signature is not verified.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
