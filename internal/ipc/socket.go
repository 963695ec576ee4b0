package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

var ErrAlreadyRunning = errors.New("vesper daemon already running")

func RuntimeSocketPath() (string, error) {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, "vesper.sock"), nil
}

// Acquire binds the control socket. A responsive owner yields ErrAlreadyRunning; a stale
// socket file is unlinked and the bind retried up to retries more times.
func Acquire(ctx context.Context, path string, probeTimeout time.Duration, retries int) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}
	if retries < 0 {
		retries = 0
	}

	var listener net.Listener
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewConstant(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		l, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			listener = l
			return nil
		}
		if !isAddrInUse(err) {
			return fmt.Errorf("listen unix %s: %w", path, err)
		}

		alive, probeErr := Probe(ctx, path, probeTimeout)
		if alive {
			return ErrAlreadyRunning
		}
		if probeErr != nil {
			return fmt.Errorf("probe existing socket %s: %w", path, probeErr)
		}
		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket %s: %w", path, removeErr)
		}
		return retry.RetryableError(fmt.Errorf("socket %s in use", path))
	})
	if err != nil {
		return nil, err
	}
	return listener, nil
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "address already in use")
}
