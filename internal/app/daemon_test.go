package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbright/vesper/internal/config"
	"github.com/rbright/vesper/internal/devicestate"
	"github.com/rbright/vesper/internal/fsm"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/ipc"
	"github.com/rbright/vesper/internal/pipeline"
	"github.com/rbright/vesper/internal/provision"
	"github.com/rbright/vesper/internal/session"
	"github.com/rbright/vesper/internal/store"
	"github.com/stretchr/testify/require"
)

// blockingProvisioner holds activation in fetching_challenge until its context ends.
type blockingProvisioner struct{}

func (blockingProvisioner) Provision(ctx context.Context, _ identity.DeviceIdentity) (provision.Provisioning, error) {
	<-ctx.Done()
	return provision.Provisioning{}, ctx.Err()
}

func (blockingProvisioner) Activate(ctx context.Context, _ identity.DeviceIdentity, _, _ string) (provision.Result, error) {
	<-ctx.Done()
	return provision.Result{}, ctx.Err()
}

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string, http.Header) (session.Conn, error) {
	return nil, errors.New("connection refused")
}

type idleSource struct {
	frames chan []byte
	once   sync.Once
}

func (s *idleSource) Frames() <-chan []byte { return s.frames }

func (s *idleSource) Stop() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

// countingDialer refuses every dial and counts the attempts.
type countingDialer struct {
	dials atomic.Int32
}

func (d *countingDialer) Dial(context.Context, string, http.Header) (session.Conn, error) {
	d.dials.Add(1)
	return nil, errors.New("connection refused")
}

func testDaemonConfig() config.Config {
	cfg := config.Default()
	cfg.Device.HardwareMAC = "AA:BB:CC:DD:EE:FF"
	cfg.Indicator.Enable = false
	return cfg
}

func testDaemonDeps(backend store.Backend, dialer session.Dialer) daemonDeps {
	return daemonDeps{
		backend:     backend,
		provisioner: blockingProvisioner{},
		dialer:      dialer,
		capture: func(context.Context) (pipeline.Source, error) {
			return &idleSource{frames: make(chan []byte)}, nil
		},
	}
}

func startTestDaemon(t *testing.T) (*daemon, func(ipc.Request) ipc.Response) {
	t.Helper()
	return startDaemon(t, testDaemonConfig(), testDaemonDeps(store.NewMemory(), refusingDialer{}))
}

func startDaemon(t *testing.T, cfg config.Config, deps daemonDeps) (*daemon, func(ipc.Request) ipc.Response) {
	t.Helper()

	d := buildDaemon(cfg, deps, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()
	require.Eventually(t, d.pipeline.Running, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-runErr)
		d.Close()
	})

	handle := func(req ipc.Request) ipc.Response { return d.Handle(ctx, req) }
	return d, handle
}

func TestDaemonStatusWhileAwaitingActivation(t *testing.T) {
	_, handle := startTestDaemon(t)

	var resp ipc.Response
	require.Eventually(t, func() bool {
		resp = handle(ipc.Request{Command: "status"})
		return resp.Activation == "fetching_challenge"
	}, time.Second, time.Millisecond)
	require.True(t, resp.OK)
	require.Equal(t, "idle", resp.State)
	require.Equal(t, "disconnected", resp.Session)
	require.Equal(t, "auto_stop", resp.Mode)

	resp = handle(ipc.Request{Command: "activate"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "already in progress")
}

func TestDaemonModeCommand(t *testing.T) {
	d, handle := startTestDaemon(t)

	resp := handle(ipc.Request{Command: "mode", Arg: "Realtime"})
	require.True(t, resp.OK)
	require.Equal(t, "realtime", resp.Mode)
	require.Equal(t, devicestate.ModeRealtime, d.coord.ListeningMode())

	resp = handle(ipc.Request{Command: "mode", Arg: "always"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown listening mode")
}

func TestDaemonListenStopCancel(t *testing.T) {
	d, handle := startTestDaemon(t)

	resp := handle(ipc.Request{Command: "listen"})
	require.True(t, resp.OK, resp.Error)
	require.Equal(t, devicestate.Listening, d.coord.State())
	require.False(t, handle(ipc.Request{Command: "listen"}).OK)

	resp = handle(ipc.Request{Command: "cancel"})
	require.True(t, resp.OK)
	require.Equal(t, devicestate.Idle, d.coord.State())
	require.False(t, handle(ipc.Request{Command: "cancel"}).OK)

	require.True(t, handle(ipc.Request{Command: "listen"}).OK)
	// The session is not ready, so the empty utterance goes nowhere and the device idles.
	require.True(t, handle(ipc.Request{Command: "stop"}).OK)
	require.Equal(t, devicestate.Idle, d.coord.State())
	require.False(t, handle(ipc.Request{Command: "stop"}).OK)
}

func TestDaemonRejectsUnknownCommand(t *testing.T) {
	_, handle := startTestDaemon(t)

	resp := handle(ipc.Request{Command: "toggle"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, `unsupported command "toggle"`)
}

func TestDaemonSinkRequiresReadySession(t *testing.T) {
	d, _ := startTestDaemon(t)
	require.ErrorIs(t, d.SendUtterance([]byte{1, 2}, 16000, 1), session.ErrNotReady)
}

func TestDaemonConnectAfterRetriesExhausted(t *testing.T) {
	backend := store.NewMemory()
	seed := identity.New(backend, nil, identity.WithHardwareMAC("AA:BB:CC:DD:EE:FF"))
	require.NoError(t, seed.SetCredentials(context.Background(), identity.Credentials{
		Activated:   true,
		BearerToken: "tok-abc",
		TokenSource: identity.TokenSourceServer,
	}))

	cfg := testDaemonConfig()
	cfg.Session.MaxRetries = 1
	cfg.Session.BackoffBase = time.Millisecond
	cfg.Session.BackoffCap = time.Millisecond
	dialer := &countingDialer{}
	d, handle := startDaemon(t, cfg, testDaemonDeps(backend, dialer))

	// One dial plus one retry, then the session gives up.
	require.Eventually(t, func() bool {
		return dialer.dials.Load() == 2 && d.session.State() == fsm.StateDisconnected
	}, time.Second, time.Millisecond)
	require.Never(t, func() bool { return dialer.dials.Load() > 2 }, 30*time.Millisecond, 5*time.Millisecond)

	resp := handle(ipc.Request{Command: "connect"})
	require.True(t, resp.OK, resp.Error)
	require.Eventually(t, func() bool { return dialer.dials.Load() == 4 }, time.Second, time.Millisecond)
}

func TestDaemonConnectRequiresActivation(t *testing.T) {
	_, handle := startTestDaemon(t)

	resp := handle(ipc.Request{Command: "connect"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "activation requested")
}
