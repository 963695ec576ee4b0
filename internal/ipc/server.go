package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rbright/vesper/internal/logging"
)

// requestTimeout bounds how long one client may take to send its line and read the reply.
const requestTimeout = 5 * time.Second

// Handler processes one control request.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Serve accepts clients until ctx is cancelled or the listener closes, then waits for
// in-flight requests.
func Serve(ctx context.Context, listener net.Listener, handler Handler, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			serveConn(ctx, c, handler, logger)
		}(conn)
	}
}

func serveConn(ctx context.Context, c net.Conn, handler Handler, logger *slog.Logger) {
	_ = c.SetDeadline(time.Now().Add(requestTimeout))
	enc := json.NewEncoder(c)

	line, err := bufio.NewReader(c).ReadBytes('\n')
	if err != nil {
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	resp := handler.Handle(ctx, req)
	logger.Debug("control request handled", "command", req.Command, "arg", req.Arg, "ok", resp.OK)
	if err := enc.Encode(resp); err != nil {
		logger.Debug("control response not written", "command", req.Command, "error", err.Error())
	}
}
