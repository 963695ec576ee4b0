package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotActivated      = errors.New("device not activated")
	ErrTokenExpired      = errors.New("bearer token expired")
	ErrServerUnavailable = errors.New("voice server unavailable")
	ErrNotReady          = errors.New("session not ready")
)

// TransportError is a dial or I/O failure. The connection loop retries it.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, e.URL, e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ProtocolError is an inbound message that could not be decoded.
type ProtocolError struct {
	Raw string
	Err error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("protocol error: %v (raw=%q)", e.Err, e.Raw)
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
