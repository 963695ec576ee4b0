package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbright/vesper/internal/activation"
	"github.com/rbright/vesper/internal/audio"
	"github.com/rbright/vesper/internal/config"
	"github.com/rbright/vesper/internal/devicestate"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/indicator"
	"github.com/rbright/vesper/internal/ipc"
	"github.com/rbright/vesper/internal/logging"
	"github.com/rbright/vesper/internal/pipeline"
	"github.com/rbright/vesper/internal/playback"
	"github.com/rbright/vesper/internal/provision"
	"github.com/rbright/vesper/internal/session"
	"github.com/rbright/vesper/internal/store"
	"github.com/rbright/vesper/internal/transport"
	"github.com/rbright/vesper/internal/version"
)

const dialTimeout = 10 * time.Second

// daemonDeps are the outward-facing edges of the object graph.
type daemonDeps struct {
	backend     store.Backend
	provisioner activation.Provisioner
	dialer      session.Dialer
	capture     pipeline.StartFunc
	// speaker is nil when server speech playback is off.
	speaker     *playback.Player
}

// daemon owns every long-lived component of a running device.
type daemon struct {
	cfg    config.Config
	logger *slog.Logger

	backend    store.Backend
	ids        *identity.Store
	activation *activation.Machine
	coord      *devicestate.Coordinator
	session    *session.Manager
	pipeline   *pipeline.Pipeline
	indicator  *indicator.Indicator
	speaker    *playback.Player

	unsubscribe func()
}

// newDaemon builds the production graph from cfg.
func newDaemon(cfg config.Config, logger *slog.Logger) (*daemon, error) {
	backend, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	format := audio.Format{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     1,
		FrameSamples: cfg.Audio.FrameSamples,
	}
	capture := func(ctx context.Context) (pipeline.Source, error) {
		selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
		if err != nil {
			return nil, err
		}
		if selection.Warning != "" {
			logger.Warn("audio device fallback", "warning", selection.Warning)
		}
		c, err := audio.StartCapture(ctx, selection.Device, format)
		if err != nil {
			return nil, err
		}
		logger.Info("audio capture opened", "device", selection.Device.ID, "description", selection.Device.Description)
		return c, nil
	}

	deps := daemonDeps{
		backend:     backend,
		provisioner: newProvisioner(cfg, logger),
		dialer:      transport.NewDialer(dialTimeout, logger),
		capture:     capture,
	}
	if cfg.Audio.Playback {
		deps.speaker = playback.New(logger)
	}
	return buildDaemon(cfg, deps, logger), nil
}

func openStore(cfg config.Config) (store.Backend, error) {
	path, err := config.StorePath(cfg.Store)
	if err != nil {
		return nil, err
	}
	backend, err := store.Open(store.Kind(cfg.Store.Backend), path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return backend, nil
}

func newProvisioner(cfg config.Config, logger *slog.Logger) *provision.Client {
	return provision.NewClient(
		cfg.Server.ProvisionURL,
		cfg.Server.ActivationURL,
		provision.Device{
			Type:       cfg.Device.Type,
			Board:      cfg.Device.Board,
			AppName:    cfg.Device.AppName,
			AppVersion: version.AppVersion(cfg.Device.AppVersion),
			Language:   cfg.Device.Language,
		},
		cfg.Activation.RequestTimeout,
		logger,
	)
}

func newIdentityStore(cfg config.Config, backend store.Backend, logger *slog.Logger) *identity.Store {
	return identity.New(backend, logger, identity.WithHardwareMAC(cfg.Device.HardwareMAC))
}

func buildDaemon(cfg config.Config, deps daemonDeps, logger *slog.Logger) *daemon {
	logger = logging.OrDiscard(logger)
	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		backend: deps.backend,
		speaker: deps.speaker,
	}

	d.ids = newIdentityStore(cfg, deps.backend, logger)
	d.activation = activation.New(d.ids, deps.provisioner, activation.Options{
		MaxAttempts:  cfg.Activation.MaxAttempts,
		PollInterval: cfg.Activation.PollInterval,
	}, logger)
	d.coord = devicestate.New(logger, devicestate.ParseListeningMode(cfg.Listening.Mode), cfg.Listening.KeepListening)

	d.indicator = indicator.New(cfg.Indicator, cfg.Device.Language, logger)
	d.unsubscribe = d.coord.Subscribe(d.indicator)
	d.activation.Subscribe(d.indicator)

	var sessionOpts []session.Option
	if d.speaker != nil {
		sessionOpts = append(sessionOpts, session.WithSpeaker(d.speaker))
	}
	d.session = session.New(d.ids, d.activation, deps.dialer, d.coord, session.Options{
		URL:             cfg.Server.SessionURL,
		ProtocolVersion: cfg.Session.ProtocolVersion,
		DeviceType:      cfg.Device.Type,
		OSVersion:       cfg.Device.OSVersion,
		AppVersion:      version.AppVersion(cfg.Device.AppVersion),
		BackoffBase:     cfg.Session.BackoffBase,
		BackoffCap:      cfg.Session.BackoffCap,
		MaxRetries:      cfg.Session.MaxRetries,

		PlaybackSampleRate: cfg.Audio.PlaybackSampleRate,
	}, logger, sessionOpts...)
	d.session.Subscribe(session.Callbacks{
		OnReady: d.indicator.Dismiss,
		OnError: func(err error) {
			logger.Error("session error", "error", err.Error())
		},
		OnMessage: d.logMessage,
	})

	d.pipeline = pipeline.New(
		deps.capture,
		pipeline.EnergyDetector{Threshold: cfg.Audio.WakeThreshold},
		d.coord,
		d,
		pipeline.Options{
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         1,
			SilenceThreshold: cfg.Audio.SilenceThreshold,
			SilenceFrames:    cfg.Audio.SilenceFrames,
			MaxUtterance:     cfg.Audio.MaxUtterance,
			DumpDir:          dumpDir(cfg, logger),
		},
		pipeline.Events{
			OnWake: func() {
				d.beginTurn("wake_word_detected", d.coord.State() == devicestate.Speaking)
			},
			OnCancel: d.indicator.UtteranceCancelled,
		},
		logger,
	)
	return d
}

func dumpDir(cfg config.Config, logger *slog.Logger) string {
	if !cfg.Debug.EnableAudioDump {
		return ""
	}
	dir, err := config.StateDir()
	if err != nil {
		logger.Warn("debug audio dump disabled", "error", err.Error())
		return ""
	}
	return filepath.Join(dir, "debug")
}

// Run connects the session and starts sampling, then blocks until ctx is done. A device that
// still needs activation keeps running; the session connects once activation succeeds.
func (d *daemon) Run(ctx context.Context) error {
	if _, err := d.ids.EnsureIdentity(ctx); err != nil {
		return fmt.Errorf("ensure identity: %w", err)
	}

	err := d.session.Connect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotActivated), errors.Is(err, session.ErrTokenExpired):
		d.logger.Info("waiting for activation", "reason", err.Error())
	default:
		return fmt.Errorf("connect session: %w", err)
	}

	if err := d.pipeline.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// Close tears the graph down in dependency order.
func (d *daemon) Close() {
	if err := d.pipeline.Stop(); err != nil {
		d.logger.Warn("audio pipeline stop failed", "error", err.Error())
	}
	d.session.Close()
	if d.speaker != nil {
		d.speaker.Close()
	}
	d.activation.Cancel()
	<-d.activation.Done()
	d.unsubscribe()
	d.coord.Close()
	d.indicator.Wait()
	d.indicator.Dismiss()
	if err := d.backend.Close(); err != nil {
		d.logger.Warn("store close failed", "error", err.Error())
	}
}

// SendUtterance forwards a finished utterance and closes the listen turn.
func (d *daemon) SendUtterance(pcm []byte, sampleRate, channels int) error {
	if err := d.session.SendUtterance(pcm, sampleRate, channels); err != nil {
		return err
	}
	if err := d.session.SendStopListening(); err != nil {
		d.logger.Debug("listen stop not sent", "error", err.Error())
	}
	return nil
}

// beginTurn interrupts playback when the turn started over speech and announces listening to
// the server.
func (d *daemon) beginTurn(reason string, speaking bool) {
	if speaking {
		if err := d.session.SendAbortSpeaking(reason); err != nil {
			d.logger.Debug("abort not sent", "error", err.Error())
		}
	}
	if err := d.session.SendStartListening(d.coord.ListeningMode()); err != nil {
		d.logger.Debug("listen start not sent", "error", err.Error())
	}
}

func (d *daemon) logMessage(msg session.Inbound) {
	switch msg.Type {
	case session.TypeSTT:
		d.logger.Info("speech recognized", "text", msg.Text)
	case session.TypeLLM:
		d.logger.Info("assistant emotion", "emotion", msg.Emotion)
	case session.TypeCommand:
		d.logger.Info("server command", "command", msg.Command)
	case session.TypeError:
		d.logger.Warn("server error", "message", msg.Message)
	default:
		d.logger.Debug("server message", "type", msg.Type, "text", msg.Text)
	}
}

// activationStatus summarizes activation for status output.
func (d *daemon) activationStatus(ctx context.Context) string {
	if d.activation.Running() {
		return string(d.activation.State())
	}
	creds, err := d.ids.Credentials(ctx)
	switch {
	case err != nil:
		return "unknown"
	case creds.Usable(time.Now()):
		return "activated"
	case creds.Activated:
		return "expired"
	default:
		return "not_activated"
	}
}

// Handle serves control requests from the CLI.
func (d *daemon) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case "status":
		snap := d.coord.Snapshot()
		return ipc.Response{
			OK:         true,
			State:      string(snap.State),
			Session:    string(d.session.State()),
			Mode:       string(snap.Mode),
			Activation: d.activationStatus(ctx),
		}
	case "listen":
		speaking := d.coord.State() == devicestate.Speaking
		if !d.pipeline.Trigger() {
			return ipc.Response{OK: false, Error: "already listening or audio not running"}
		}
		d.beginTurn("user_interrupt", speaking)
		return ipc.Response{OK: true, Message: "listening"}
	case "stop":
		if !d.pipeline.Finish() {
			return ipc.Response{OK: false, Error: "not listening"}
		}
		return ipc.Response{OK: true, Message: "utterance sent"}
	case "cancel":
		if !d.pipeline.Cancel() {
			return ipc.Response{OK: false, Error: "not listening"}
		}
		return ipc.Response{OK: true, Message: "cancelled"}
	case "mode":
		mode := devicestate.ListeningMode(strings.ToLower(strings.TrimSpace(req.Arg)))
		if err := d.coord.SetListeningMode(mode); err != nil {
			return ipc.Response{OK: false, Error: err.Error()}
		}
		return ipc.Response{OK: true, Mode: string(mode), Message: "mode " + string(mode)}
	case "connect":
		err := d.session.Connect(ctx)
		switch {
		case err == nil:
			return ipc.Response{OK: true, Session: string(d.session.State()), Message: "session connecting"}
		case errors.Is(err, session.ErrNotActivated), errors.Is(err, session.ErrTokenExpired):
			return ipc.Response{OK: false, Error: err.Error() + "; activation requested"}
		default:
			return ipc.Response{OK: false, Error: err.Error()}
		}
	case "activate":
		hook := activation.Callbacks{
			OnActivated: func(identity.Credentials) {
				if err := d.session.Connect(ctx); err != nil {
					d.logger.Error("connect after activation failed", "error", err.Error())
				}
			},
		}
		if !d.activation.Start(ctx, hook) {
			return ipc.Response{OK: false, Error: activation.ErrInProgress.Error()}
		}
		return ipc.Response{OK: true, Message: "activation started"}
	default:
		return ipc.Response{OK: false, Error: fmt.Sprintf("unsupported command %q", req.Command)}
	}
}
