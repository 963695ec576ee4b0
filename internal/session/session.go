// Package session owns the authenticated voice session: connect, handshake, reconnect, and
// message exchange with the voice server.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rbright/vesper/internal/activation"
	"github.com/rbright/vesper/internal/devicestate"
	"github.com/rbright/vesper/internal/fsm"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/logging"
)

// Conn is one open session transport. ReadMessage returns io.EOF after a normal close.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Speaker plays PCM16LE speech from the server. Play must not block on the sink.
type Speaker interface {
	Play(pcm []byte, sampleRate, channels int) error
	Stop()
}

// Activator is the subset of the activation machine the manager drives.
type Activator interface {
	Start(ctx context.Context, l activation.Listener) bool
	Done() <-chan struct{}
}

// Options are the manager's tunables.
type Options struct {
	URL             string
	ProtocolVersion int
	DeviceType      string
	OSVersion       string
	AppVersion      string
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxRetries      int

	// PlaybackSampleRate applies to server audio that does not name its rate.
	PlaybackSampleRate int
}

// Option customizes a Manager.
type Option func(*Manager)

// WithWaiter replaces the backoff sleep.
func WithWaiter(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if wait != nil {
			m.wait = wait
		}
	}
}

// WithSpeaker plays server speech. Without one, audio payloads are dropped.
func WithSpeaker(s Speaker) Option {
	return func(m *Manager) {
		m.speaker = s
	}
}

// WithClock replaces time.Now for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns SessionState and at most one connection loop.
type Manager struct {
	ids       *identity.Store
	activator Activator
	dialer    Dialer
	coord     *devicestate.Coordinator
	opts      Options
	logger    *slog.Logger
	speaker   Speaker

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	unsubscribe func()

	sendMu sync.Mutex

	mu            sync.Mutex
	state         fsm.State
	conn          Conn
	endpoint      string
	serverSession string
	cancel        context.CancelFunc
	loopDone      chan struct{}
	localClose    bool
	observers     []Observer
}

// New builds a Manager and registers it for listening mode changes on coord.
func New(
	ids *identity.Store,
	activator Activator,
	dialer Dialer,
	coord *devicestate.Coordinator,
	opts Options,
	logger *slog.Logger,
	options ...Option,
) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 8
	}
	if opts.ProtocolVersion <= 0 {
		opts.ProtocolVersion = 1
	}
	if opts.PlaybackSampleRate <= 0 {
		opts.PlaybackSampleRate = 16000
	}

	m := &Manager{
		ids:       ids,
		activator: activator,
		dialer:    dialer,
		coord:     coord,
		opts:      opts,
		logger:    logging.OrDiscard(logger),
		wait:      sleepContext,
		now:       time.Now,
		state:     fsm.StateDisconnected,
	}
	for _, option := range options {
		option(m)
	}
	if coord != nil {
		m.unsubscribe = coord.Subscribe(modeWatcher{m: m})
	}
	return m
}

// State returns the current SessionState snapshot.
func (m *Manager) State() fsm.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether outbound messages are accepted.
func (m *Manager) Ready() bool {
	return m.State() == fsm.StateReady
}

// ServerSessionID is the id the server announced in its hello, if any.
func (m *Manager) ServerSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverSession
}

// Subscribe registers an observer. Observers are called on the connection loop goroutine and
// must not block.
func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Connect starts the connection loop. Without usable credentials it hands off to the activator
// and connects once activation succeeds.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	busy := m.state != fsm.StateDisconnected || m.loopDone != nil
	m.mu.Unlock()
	if busy {
		m.logger.Debug("connect ignored; session already active", "session_state", string(m.State()))
		return nil
	}

	creds, err := m.ids.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	if !creds.Activated {
		m.logger.Warn("session not started", "error", ErrNotActivated.Error())
		m.requestActivation(ctx)
		return ErrNotActivated
	}
	if creds.Expired(m.now()) {
		m.logger.Warn("session not started", "error", ErrTokenExpired.Error(), "token_expiry", creds.TokenExpiry)
		m.requestActivation(ctx)
		return ErrTokenExpired
	}

	id, err := m.ids.Identity(ctx)
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}

	endpoint := creds.WebsocketURL
	if endpoint == "" {
		endpoint = m.opts.URL
	}
	if endpoint == "" {
		return errors.New("no session endpoint configured")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.BearerToken)
	header.Set("Device-Id", id.DeviceID())
	header.Set("Client-Id", id.ClientID)
	header.Set("Protocol-Version", strconv.Itoa(m.opts.ProtocolVersion))

	m.mu.Lock()
	if m.state != fsm.StateDisconnected || m.loopDone != nil {
		m.mu.Unlock()
		return nil
	}
	from, to, _ := m.transitionLocked(fsm.EventConnect)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.loopDone = done
	m.localClose = false
	m.endpoint = endpoint
	m.mu.Unlock()

	m.notifyState(from, to)
	m.logger.Info("session connecting", "url", endpoint)
	go m.loop(loopCtx, cancel, endpoint, header, id, done)
	return nil
}

// Disconnect closes the session without retrying. It waits for the loop to exit.
func (m *Manager) Disconnect() {
	m.stopSpeech()
	m.mu.Lock()
	done := m.loopDone
	if done == nil {
		m.mu.Unlock()
		return
	}
	m.localClose = true
	from, to, _ := m.transitionLocked(fsm.EventClose)
	conn, cancel := m.conn, m.cancel
	m.mu.Unlock()
	m.notifyState(from, to)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	m.mu.Lock()
	from, to, _ = m.transitionLocked(fsm.EventClosed)
	m.conn = nil
	m.cancel = nil
	m.loopDone = nil
	m.localClose = false
	m.serverSession = ""
	m.mu.Unlock()
	m.notifyState(from, to)
	m.logger.Info("session disconnected")
}

// Close disconnects and detaches from the coordinator.
func (m *Manager) Close() {
	m.Disconnect()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// requestActivation starts activation with a hook that reconnects on success. When an attempt
// is already running, the manager waits for it and connects if it produced usable credentials.
func (m *Manager) requestActivation(ctx context.Context) {
	if m.activator == nil {
		return
	}
	hook := activation.Callbacks{
		OnActivated: func(identity.Credentials) {
			if err := m.Connect(ctx); err != nil {
				m.logger.Error("connect after activation failed", "error", err.Error())
			}
		},
	}
	if m.activator.Start(ctx, hook) {
		return
	}

	done := m.activator.Done()
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		creds, err := m.ids.Credentials(ctx)
		if err != nil || !creds.Usable(m.now()) {
			return
		}
		if err := m.Connect(ctx); err != nil {
			m.logger.Error("connect after activation failed", "error", err.Error())
		}
	}()
}

func (m *Manager) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.opts.BackoffBase)
	b = retry.WithCappedDuration(m.opts.BackoffCap, b)
	return retry.WithMaxRetries(uint64(m.opts.MaxRetries), b)
}

func (m *Manager) loop(
	ctx context.Context,
	cancel context.CancelFunc,
	endpoint string,
	header http.Header,
	id identity.DeviceIdentity,
	done chan struct{},
) {
	defer close(done)
	defer cancel()

	backoff := m.newBackoff()
	for {
		reachedReady, err := m.connectOnce(ctx, endpoint, header, id)
		if m.stopping(ctx) {
			return
		}
		if reachedReady {
			backoff = m.newBackoff()
		}

		delay, stop := backoff.Next()
		if stop {
			m.logger.Error("session retries exhausted", "error", errString(err), "max_retries", m.opts.MaxRetries)
			if m.finish() {
				m.notifyError(ErrServerUnavailable)
			}
			return
		}

		m.logger.Warn("session connection lost; retrying", "error", errString(err), "delay", delay.String())
		m.mu.Lock()
		from, to, _ := m.transitionLocked(fsm.EventRetry)
		m.mu.Unlock()
		m.notifyState(from, to)

		if err := m.wait(ctx, delay); err != nil {
			m.stopping(ctx)
			return
		}
	}
}

// connectOnce runs one connection from dial to close. reachedReady reports whether the
// handshake completed.
func (m *Manager) connectOnce(ctx context.Context, endpoint string, header http.Header, id identity.DeviceIdentity) (bool, error) {
	conn, err := m.dialer.Dial(ctx, endpoint, header)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "dial", URL: endpoint, Err: err}
		}
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	m.mu.Lock()
	if m.localClose {
		m.mu.Unlock()
		_ = conn.Close()
		return false, nil
	}
	m.conn = conn
	m.serverSession = ""
	from, to, _ := m.transitionLocked(fsm.EventOpened)
	m.mu.Unlock()
	m.notifyState(from, to)

	hello := helloEnvelope(helloPayload{
		DeviceID:     id.DeviceID(),
		SerialNumber: id.SerialNumber,
		DeviceType:   m.opts.DeviceType,
		OSVersion:    m.opts.OSVersion,
		AppVersion:   m.opts.AppVersion,
	})
	if err := m.write(conn, hello); err != nil {
		m.dropConn(conn)
		return false, &TransportError{Op: "hello", URL: endpoint, Err: err}
	}

	m.mu.Lock()
	from, to, err = m.transitionLocked(fsm.EventHandshake)
	m.mu.Unlock()
	if err != nil {
		m.dropConn(conn)
		return false, nil
	}
	m.notifyState(from, to)
	m.logger.Info("session ready", "url", endpoint)
	if m.coord != nil {
		m.coord.SetState(devicestate.Idle)
	}
	m.notifyReady()

	err = m.readLoop(conn)
	m.dropConn(conn)
	m.stopSpeech()
	return true, &TransportError{Op: "read", URL: endpoint, Err: err}
}

func (m *Manager) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.dispatch(conn, data)
	}
}

func (m *Manager) dispatch(conn Conn, raw []byte) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		perr := &ProtocolError{Raw: snippet(raw), Err: err}
		m.logger.Warn("dropping malformed message", "error", perr.Error())
		return
	}
	if msg.Type == "" {
		perr := &ProtocolError{Raw: snippet(raw), Err: errors.New("missing type")}
		m.logger.Warn("dropping malformed message", "error", perr.Error())
		return
	}
	msg.Raw = raw

	switch msg.Type {
	case TypeTTS, TypeAudio:
		m.handleTTS(msg)
		m.playSpeech(msg)
	case TypeSTT, TypeText, TypeLLM, TypeCommand:
		m.logger.Debug("session message", "type", msg.Type, "text", msg.Text)
		m.notifyMessage(msg)
	case TypeError:
		m.logger.Warn("server reported error", "message", msg.Message)
		m.notifyMessage(msg)
	case TypePing:
		if err := m.write(conn, pongMessage{Type: "pong"}); err != nil {
			m.logger.Warn("pong failed", "error", err.Error())
		}
	case TypeHello:
		m.mu.Lock()
		m.serverSession = msg.SessionID
		m.mu.Unlock()
		m.logger.Info("server hello", "session_id", msg.SessionID)
	default:
		m.logger.Debug("unhandled message type", "type", msg.Type)
	}
}

func (m *Manager) handleTTS(msg Inbound) {
	if m.coord == nil {
		return
	}
	switch msg.State {
	case "":
	case "start":
		if m.coord.ListeningMode() == devicestate.ModeRealtime && m.coord.KeepListening() {
			m.coord.SetState(devicestate.Listening)
			return
		}
		m.coord.SetState(devicestate.Speaking)
	case "stop":
		if !m.coord.KeepListening() {
			m.coord.SetState(devicestate.Idle)
			return
		}
		m.coord.SetState(devicestate.Listening)
		if err := m.SendStartListening(m.coord.ListeningMode()); err != nil {
			m.logger.Warn("listen restart failed", "error", err.Error())
		}
	case "sentence_start":
		m.logger.Info("speaking", "text", msg.Text)
	default:
		m.logger.Debug("unhandled tts state", "state", msg.State)
	}
}

// playSpeech queues inline PCM. audio_url payloads name a remote, usually compressed file and
// are not fetched.
func (m *Manager) playSpeech(msg Inbound) {
	switch {
	case msg.AudioData != "":
	case msg.AudioURL != "":
		m.logger.Warn("speech url not played", "url", msg.AudioURL)
		return
	default:
		return
	}
	if m.speaker == nil {
		m.logger.Debug("speech dropped; no speaker")
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		perr := &ProtocolError{Raw: snippet(msg.Raw), Err: fmt.Errorf("decode audio_data: %w", err)}
		m.logger.Warn("dropping speech", "error", perr.Error())
		return
	}
	rate, channels := msg.SampleRate, msg.Channels
	if rate <= 0 {
		rate = m.opts.PlaybackSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	if err := m.speaker.Play(pcm, rate, channels); err != nil {
		m.logger.Warn("dropping speech", "error", err.Error(), "bytes", len(pcm))
	}
}

func (m *Manager) stopSpeech() {
	if m.speaker != nil {
		m.speaker.Stop()
	}
}

// SendUtterance transmits one finished utterance as PCM16LE.
func (m *Manager) SendUtterance(pcm []byte, sampleRate, channels int) error {
	return m.send("utterance", func(string) any {
		return recognizeEnvelope(pcm, sampleRate, channels)
	})
}

func (m *Manager) SendText(text string) error {
	return m.send("text", func(sid string) any {
		return listenMessage{SessionID: sid, Type: "listen", State: "detect", Text: text}
	})
}

func (m *Manager) SendStartListening(mode devicestate.ListeningMode) error {
	return m.send("listen_start", func(sid string) any {
		return listenMessage{SessionID: sid, Type: "listen", State: "start", Mode: string(mode)}
	})
}

func (m *Manager) SendStopListening() error {
	return m.send("listen_stop", func(sid string) any {
		return listenMessage{SessionID: sid, Type: "listen", State: "stop"}
	})
}

// SendAbortSpeaking silences local playback at once, then tells the server to stop.
func (m *Manager) SendAbortSpeaking(reason string) error {
	m.stopSpeech()
	return m.send("abort", func(sid string) any {
		return abortMessage{SessionID: sid, Type: "abort", Reason: reason}
	})
}

func (m *Manager) send(kind string, build func(sessionID string) any) error {
	m.mu.Lock()
	state, conn, sid, endpoint := m.state, m.conn, m.serverSession, m.endpoint
	m.mu.Unlock()

	if state != fsm.StateReady || conn == nil {
		m.logger.Warn("outbound message dropped", "message", kind, "session_state", string(state))
		return ErrNotReady
	}
	if err := m.write(conn, build(sid)); err != nil {
		m.logger.Warn("outbound message failed", "message", kind, "error", err.Error())
		return &TransportError{Op: "send " + kind, URL: endpoint, Err: err}
	}
	return nil
}

func (m *Manager) write(conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return conn.WriteMessage(data)
}

func (m *Manager) dropConn(conn Conn) {
	_ = conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// stopping reports whether the loop must exit. A cancelled parent context without a local
// Disconnect ends the session here.
func (m *Manager) stopping(ctx context.Context) bool {
	m.mu.Lock()
	if m.localClose {
		m.mu.Unlock()
		return true
	}
	if ctx.Err() == nil {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	m.finish()
	return true
}

// finish moves to disconnected unless Disconnect already owns the teardown.
func (m *Manager) finish() bool {
	m.mu.Lock()
	if m.localClose {
		m.mu.Unlock()
		return false
	}
	from, to, _ := m.transitionLocked(fsm.EventFail)
	m.conn = nil
	m.cancel = nil
	m.loopDone = nil
	m.serverSession = ""
	m.mu.Unlock()
	m.notifyState(from, to)
	return true
}

func (m *Manager) transitionLocked(event fsm.Event) (fsm.State, fsm.State, error) {
	from := m.state
	next, err := fsm.Transition(from, event)
	if err != nil {
		m.logger.Debug("session transition rejected", "error", err.Error())
		return from, from, err
	}
	m.state = next
	return from, next, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// modeWatcher forwards listening mode changes from the coordinator.
type modeWatcher struct {
	m *Manager
}

func (modeWatcher) StateChanged(devicestate.State, devicestate.State) {}

func (w modeWatcher) ListeningModeChanged(mode devicestate.ListeningMode) {
	if mode != devicestate.ModeRealtime || !w.m.Ready() {
		return
	}
	if err := w.m.SendStartListening(mode); err != nil {
		w.m.logger.Debug("realtime listen start failed", "error", err.Error())
	}
}
