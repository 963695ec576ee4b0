// Package transport implements the session transport over gorilla/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbright/vesper/internal/logging"
	"github.com/rbright/vesper/internal/session"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeGrace              = 2 * time.Second
)

// Dialer opens websocket connections for the session manager.
type Dialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewDialer returns a Dialer. A zero timeout uses 10s.
func NewDialer(handshakeTimeout time.Duration, logger *slog.Logger) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: logging.OrDiscard(logger),
	}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (session.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &session.TransportError{Op: "dial", URL: url, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &session.TransportError{Op: "dial", URL: url, Err: err}
	}
	d.logger.Debug("websocket connected", "url", url, "subprotocol", conn.Subprotocol())
	return &Conn{conn: conn, logger: d.logger}, nil
}

// Conn is one websocket connection carrying JSON text frames.
type Conn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// ReadMessage returns the next text frame. Binary frames are skipped. A normal close from
// either side yields io.EOF.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("skipping non-text frame", "type", messageType, "bytes", len(data))
			continue
		}
		return data, nil
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears down the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
