// Package app wires the command line to the device components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rbright/vesper/internal/activation"
	"github.com/rbright/vesper/internal/audio"
	"github.com/rbright/vesper/internal/cli"
	"github.com/rbright/vesper/internal/config"
	"github.com/rbright/vesper/internal/devicestate"
	"github.com/rbright/vesper/internal/doctor"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/indicator"
	"github.com/rbright/vesper/internal/ipc"
	"github.com/rbright/vesper/internal/logging"
	"github.com/rbright/vesper/internal/provision"
	"github.com/rbright/vesper/internal/version"
)

const (
	forwardTimeout = 220 * time.Millisecond
	probeTimeout   = 180 * time.Millisecond
	acquireRetries = 8
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("vesper"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("vesper"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	if parsed.Command == cli.CommandMode && !devicestate.ListeningMode(parsed.Arg).Valid() {
		fmt.Fprintf(r.Stderr, "error: unknown listening mode %q (want manual, auto_stop, or realtime)\n", parsed.Arg)
		return 2
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logRuntime, err := logging.New(cfgLoaded.Config.Log.Level)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"env_overrides", cfgLoaded.EnvOverrides,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandRun:
		return r.commandRun(ctx, cfgLoaded.Config, logger)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandListen, cli.CommandStop, cli.CommandCancel, cli.CommandConnect:
		return r.forwardOrFail(ctx, ipc.Request{Command: string(parsed.Command)})
	case cli.CommandMode:
		return r.forwardOrFail(ctx, ipc.Request{Command: string(parsed.Command), Arg: parsed.Arg})
	case cli.CommandActivate:
		return r.commandActivate(ctx, cfgLoaded.Config, logger)
	case cli.CommandIdentity:
		return r.commandIdentity(ctx, cfgLoaded.Config, logger)
	case cli.CommandReset:
		return r.commandReset(ctx, cfgLoaded.Config, logger)
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandRun(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, probeTimeout, acquireRetries)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer d.Close()

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, d, logger)
	}()

	runErr := d.Run(serverCtx)
	serverCancel()
	serverErr := <-serverErrCh

	if runErr != nil {
		logger.Error("daemon failed", "error", runErr.Error())
		fmt.Fprintf(r.Stderr, "error: %v\n", runErr)
		return 1
	}
	if serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: control server failed: %v\n", serverErr)
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "stopped")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "status"})
	if !handled {
		fmt.Fprintln(r.Stdout, "stopped")
		return 0
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout, formatStatus(resp))
	return 0
}

func formatStatus(resp ipc.Response) string {
	field := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	return fmt.Sprintf("state=%s session=%s mode=%s activation=%s",
		field(resp.State, string(devicestate.Idle)),
		field(resp.Session, "unknown"),
		field(resp.Mode, "unknown"),
		field(resp.Activation, "unknown"),
	)
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: vesper daemon is not running\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandActivate hands activation to a running daemon, or runs it in the foreground.
func (r Runner) commandActivate(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	if socketPath, err := ipc.RuntimeSocketPath(); err == nil {
		resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "activate"})
		if handled {
			if err != nil {
				fmt.Fprintf(r.Stderr, "error: %v\n", err)
				return 1
			}
			fmt.Fprintln(r.Stdout, resp.Message)
			return 0
		}
	}

	backend, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer backend.Close()

	ids := newIdentityStore(cfg, backend, logger)
	return r.activate(ctx, ids, newProvisioner(cfg, logger), cfg, logger)
}

func (r Runner) activate(ctx context.Context, ids *identity.Store, prov activation.Provisioner, cfg config.Config, logger *slog.Logger) int {
	machine := activation.New(ids, prov, activation.Options{
		MaxAttempts:  cfg.Activation.MaxAttempts,
		PollInterval: cfg.Activation.PollInterval,
	}, logger)

	notify := indicator.New(cfg.Indicator, cfg.Device.Language, logger)
	machine.Subscribe(notify)
	defer notify.Wait()

	err := machine.Run(ctx, activation.Callbacks{
		OnVerificationCode: func(c provision.Challenge) {
			fmt.Fprintf(r.Stdout, "verification code: %s\n", c.Code)
			if msg := strings.TrimSpace(c.Message); msg != "" {
				fmt.Fprintln(r.Stdout, msg)
			}
			if c.URL != "" {
				fmt.Fprintf(r.Stdout, "enter it at %s\n", c.URL)
			}
		},
		OnProgress: func(attempt, total int) {
			logger.Debug("activation poll", "attempt", attempt, "total", total)
		},
		OnActivated: func(creds identity.Credentials) {
			fmt.Fprintf(r.Stdout, "activated (%s)\n", creds)
		},
	})
	if err != nil {
		if errors.Is(err, activation.ErrCancelled) {
			fmt.Fprintln(r.Stderr, "activation cancelled")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (r Runner) commandIdentity(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	backend, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer backend.Close()

	ids := newIdentityStore(cfg, backend, logger)
	id, err := ids.EnsureIdentity(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	creds, err := ids.Credentials(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Fprintf(r.Stdout, "serial_number: %s\n", id.SerialNumber)
	fmt.Fprintf(r.Stdout, "device_id: %s\n", id.DeviceID())
	fmt.Fprintf(r.Stdout, "client_id: %s\n", id.ClientID)
	fmt.Fprintf(r.Stdout, "credentials: %s\n", creds)
	return 0
}

// commandReset erases identity and credentials. It refuses while a daemon owns the socket.
func (r Runner) commandReset(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	if socketPath, err := ipc.RuntimeSocketPath(); err == nil {
		alive, probeErr := ipc.Probe(ctx, socketPath, probeTimeout)
		if probeErr != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", probeErr)
			return 1
		}
		if alive {
			fmt.Fprintln(r.Stderr, "error: vesper daemon is running; stop it before reset")
			return 1
		}
	}

	backend, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer backend.Close()

	if err := newIdentityStore(cfg, backend, logger).Reset(ctx); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout, "identity and credentials erased")
	return 0
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			yesNo(device.Available),
			yesNo(device.Muted),
		)
	}
	return 0
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// tryForward reports handled=false when no daemon listens on socketPath.
func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, forwardTimeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) || isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}
	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
