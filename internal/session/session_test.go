package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rbright/vesper/internal/activation"
	"github.com/rbright/vesper/internal/devicestate"
	"github.com/rbright/vesper/internal/fsm"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/store"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *mockConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *mockConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) Writes() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, raw := range c.writes {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out = append(out, decoded)
		}
	}
	return out
}

func (c *mockConn) WriteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type dialResult struct {
	conn *mockConn
	err  error
}

type mockDialer struct {
	mu      sync.Mutex
	script  []dialResult
	dials   int
	headers []http.Header
	urls    []string
}

func (d *mockDialer) Dial(_ context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header.Clone())
	d.urls = append(d.urls, url)

	next := dialResult{err: errors.New("connection refused")}
	if len(d.script) > 0 {
		next = d.script[0]
		if len(d.script) > 1 {
			d.script = d.script[1:]
		}
	}
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

func (d *mockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeActivator struct {
	mu        sync.Mutex
	starts    int
	listeners []activation.Listener
	done      chan struct{}
}

func (a *fakeActivator) Start(_ context.Context, l activation.Listener) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	a.listeners = append(a.listeners, l)
	return true
}

func (a *fakeActivator) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		a.done = make(chan struct{})
	}
	return a.done
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *delayRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type eventLog struct {
	mu       sync.Mutex
	ready    int
	errs     []error
	messages []Inbound
	states   [][2]fsm.State
}

func (e *eventLog) SessionStateChanged(from, to fsm.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, [2]fsm.State{from, to})
}

func (e *eventLog) SessionReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready++
}

func (e *eventLog) SessionError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *eventLog) SessionMessage(msg Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
}

func (e *eventLog) Ready() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *eventLog) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

type harness struct {
	manager   *Manager
	dialer    *mockDialer
	activator *fakeActivator
	coord     *devicestate.Coordinator
	ids       *identity.Store
	delays    *delayRecorder
	events    *eventLog
}

func newHarness(t *testing.T, activated bool, script ...dialResult) *harness {
	t.Helper()
	ctx := context.Background()

	ids := identity.New(store.NewMemory(), nil, identity.WithHardwareMAC("AA:BB:CC:DD:EE:FF"))
	_, err := ids.EnsureIdentity(ctx)
	require.NoError(t, err)
	if activated {
		require.NoError(t, ids.SetCredentials(ctx, identity.Credentials{
			Activated:   true,
			BearerToken: "tok-123",
			TokenSource: identity.TokenSourceServer,
		}))
	}

	h := &harness{
		dialer:    &mockDialer{script: script},
		activator: &fakeActivator{},
		coord:     devicestate.New(nil, devicestate.ModeAutoStop, false),
		ids:       ids,
		delays:    &delayRecorder{},
		events:    &eventLog{},
	}
	h.manager = New(ids, h.activator, h.dialer, h.coord, Options{
		URL:         "wss://voice.example.test/v1",
		DeviceType:  "vesper-speaker",
		OSVersion:   "linux",
		AppVersion:  "1.0.0",
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		MaxRetries:  8,
	}, nil, WithWaiter(h.delays.wait))
	h.manager.Subscribe(h.events)

	t.Cleanup(func() {
		h.manager.Close()
		h.coord.Close()
	})
	return h
}

func (h *harness) connectReady(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Connect(context.Background()))
	require.Eventually(t, h.manager.Ready, time.Second, time.Millisecond)
}

func lastWrite(t *testing.T, conn *mockConn) map[string]any {
	t.Helper()
	writes := conn.Writes()
	require.NotEmpty(t, writes)
	return writes[len(writes)-1]
}

func TestOutboundRejectedWhenNotReady(t *testing.T) {
	h := newHarness(t, true)

	require.ErrorIs(t, h.manager.SendUtterance([]byte{1, 2}, 16000, 1), ErrNotReady)
	require.ErrorIs(t, h.manager.SendText("hi"), ErrNotReady)
	require.ErrorIs(t, h.manager.SendStartListening(devicestate.ModeAutoStop), ErrNotReady)
	require.ErrorIs(t, h.manager.SendStopListening(), ErrNotReady)
	require.ErrorIs(t, h.manager.SendAbortSpeaking("wake"), ErrNotReady)
	require.Zero(t, h.dialer.Dials())
	require.Equal(t, fsm.StateDisconnected, h.manager.State())
}

func TestConnectHandshakeAndUtterance(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.coord.SetState(devicestate.Speaking)

	h.connectReady(t)
	require.Equal(t, 1, h.events.Ready())
	require.Equal(t, devicestate.Idle, h.coord.State())

	header := h.dialer.headers[0]
	require.Equal(t, "Bearer tok-123", header.Get("Authorization"))
	require.Equal(t, "aabbccddeeff", header.Get("Device-Id"))
	require.NotEmpty(t, header.Get("Client-Id"))
	require.Equal(t, "1", header.Get("Protocol-Version"))
	require.Equal(t, "wss://voice.example.test/v1", h.dialer.urls[0])

	hello := conn.Writes()[0]
	hdr := hello["header"].(map[string]any)
	require.Equal(t, "hello", hdr["name"])
	require.Equal(t, "ai.vesper.system", hdr["namespace"])
	require.NotEmpty(t, hdr["message_id"])
	payload := hello["payload"].(map[string]any)
	require.Equal(t, "aabbccddeeff", payload["device_id"])
	require.Equal(t, "vesper-speaker", payload["device_type"])

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	require.NoError(t, h.manager.SendUtterance(pcm, 16000, 1))
	utter := lastWrite(t, conn)
	require.Equal(t, "Recognize", utter["header"].(map[string]any)["name"])
	require.Equal(t, "ai.vesper.speech", utter["header"].(map[string]any)["namespace"])
	body := utter["payload"].(map[string]any)
	require.Equal(t, base64.StdEncoding.EncodeToString(pcm), body["audio"])
	require.Equal(t, "pcm", body["format"])
	require.EqualValues(t, 16000, body["sample_rate"])
	require.EqualValues(t, 1, body["channels"])
	require.EqualValues(t, 16, body["bits_per_sample"])
}

func TestConnectPrefersPersistedEndpoint(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	_, err := h.ids.UpdateCredentials(context.Background(), func(c *identity.Credentials) error {
		c.WebsocketURL = "wss://assigned.example.test/ws"
		return nil
	})
	require.NoError(t, err)

	h.connectReady(t)
	require.Equal(t, "wss://assigned.example.test/ws", h.dialer.urls[0])
}

func TestConnectIsNoOpWhileActive(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	require.NoError(t, h.manager.Connect(context.Background()))
	require.Equal(t, 1, h.dialer.Dials())
}

func TestConnectWithoutActivationDelegatesToActivator(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, false, dialResult{conn: conn})

	err := h.manager.Connect(context.Background())
	require.ErrorIs(t, err, ErrNotActivated)
	require.Zero(t, h.dialer.Dials())
	require.Equal(t, 1, h.activator.starts)

	require.NoError(t, h.ids.SetCredentials(context.Background(), identity.Credentials{
		Activated:   true,
		BearerToken: "fresh",
	}))
	h.activator.listeners[0].Activated(identity.Credentials{Activated: true, BearerToken: "fresh"})

	require.Eventually(t, h.manager.Ready, time.Second, time.Millisecond)
	require.Equal(t, "Bearer fresh", h.dialer.headers[0].Get("Authorization"))
}

func TestConnectWithExpiredTokenRequestsActivation(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.ids.SetCredentials(context.Background(), identity.Credentials{
		Activated:   true,
		BearerToken: "old",
		TokenExpiry: time.Now().Add(-time.Hour),
	}))

	err := h.manager.Connect(context.Background())
	require.ErrorIs(t, err, ErrTokenExpired)
	require.Equal(t, 1, h.activator.starts)
	require.Zero(t, h.dialer.Dials())
}

func TestBackoffExhaustionReportsServerUnavailable(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.manager.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(h.events.Errors()) == 1 }, 2*time.Second, time.Millisecond)

	require.ErrorIs(t, h.events.Errors()[0], ErrServerUnavailable)
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, h.delays.Delays())
	require.Equal(t, 9, h.dialer.Dials())
	require.Eventually(t, func() bool { return h.manager.State() == fsm.StateDisconnected }, time.Second, time.Millisecond)

	// A manual connect starts a fresh sequence.
	require.NoError(t, h.manager.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(h.events.Errors()) == 2 }, 2*time.Second, time.Millisecond)
	require.Equal(t, time.Second, h.delays.Delays()[8])
}

func TestBackoffResetsAfterSuccessfulConnection(t *testing.T) {
	flaky := newMockConn()
	close(flaky.inbound)
	refused := errors.New("refused")

	h := newHarness(t, true,
		dialResult{err: refused},
		dialResult{err: refused},
		dialResult{conn: flaky},
		dialResult{err: refused},
	)
	h.manager.opts.MaxRetries = 3

	require.NoError(t, h.manager.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(h.events.Errors()) == 1 }, 2*time.Second, time.Millisecond)

	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second,
		time.Second, 2 * time.Second, 4 * time.Second,
	}, h.delays.Delays())
	require.Equal(t, 1, h.events.Ready())
}

func TestDisconnectDoesNotRetry(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	h.manager.Disconnect()
	require.Equal(t, fsm.StateDisconnected, h.manager.State())
	require.Equal(t, 1, h.dialer.Dials())
	require.Empty(t, h.delays.Delays())
	require.Empty(t, h.events.Errors())
	require.ErrorIs(t, h.manager.SendText("late"), ErrNotReady)

	h.manager.Disconnect()
	require.Equal(t, fsm.StateDisconnected, h.manager.State())
}

func TestDroppedConnectionReconnects(t *testing.T) {
	first := newMockConn()
	second := newMockConn()
	h := newHarness(t, true, dialResult{conn: first}, dialResult{conn: second})
	h.connectReady(t)

	close(first.inbound)
	require.Eventually(t, func() bool { return h.events.Ready() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []time.Duration{time.Second}, h.delays.Delays())
	require.NoError(t, h.manager.SendText("again"))
	require.Equal(t, "detect", lastWrite(t, second)["state"])
}

func TestTTSTransitions(t *testing.T) {
	tests := []struct {
		name       string
		mode       devicestate.ListeningMode
		keep       bool
		state      string
		want       devicestate.State
		wantListen bool
	}{
		{name: "start speaks", mode: devicestate.ModeAutoStop, state: "start", want: devicestate.Speaking},
		{name: "start realtime keep stays listening", mode: devicestate.ModeRealtime, keep: true, state: "start", want: devicestate.Listening},
		{name: "start realtime without keep speaks", mode: devicestate.ModeRealtime, state: "start", want: devicestate.Speaking},
		{name: "stop goes idle", mode: devicestate.ModeAutoStop, state: "stop", want: devicestate.Idle},
		{name: "stop with keep listens again", mode: devicestate.ModeAutoStop, keep: true, state: "stop", want: devicestate.Listening, wantListen: true},
		{name: "stop realtime keep listens again", mode: devicestate.ModeRealtime, keep: true, state: "stop", want: devicestate.Listening, wantListen: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := newMockConn()
			h := newHarness(t, true, dialResult{conn: conn})
			h.connectReady(t)
			require.NoError(t, h.coord.SetListeningMode(tc.mode))
			h.coord.SetKeepListening(tc.keep)
			if tc.state == "stop" {
				h.coord.SetState(devicestate.Speaking)
			}
			before := conn.WriteCount()
			if tc.mode == devicestate.ModeRealtime {
				// realtime switch emits its own listen start
				require.Eventually(t, func() bool { return conn.WriteCount() > before }, time.Second, time.Millisecond)
				before = conn.WriteCount()
			}

			conn.inbound <- []byte(`{"type":"tts","state":"` + tc.state + `"}`)
			require.Eventually(t, func() bool { return h.coord.State() == tc.want }, time.Second, time.Millisecond)

			if !tc.wantListen {
				require.Never(t, func() bool { return conn.WriteCount() > before }, 50*time.Millisecond, 5*time.Millisecond)
				return
			}
			require.Eventually(t, func() bool { return conn.WriteCount() == before+1 }, time.Second, time.Millisecond)
			msg := lastWrite(t, conn)
			require.Equal(t, "listen", msg["type"])
			require.Equal(t, "start", msg["state"])
			require.Equal(t, string(tc.mode), msg["mode"])
		})
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	conn.inbound <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return conn.WriteCount() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, "pong", lastWrite(t, conn)["type"])
}

func TestMalformedMessageKeepsSessionOpen(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	conn.inbound <- []byte(`{not json`)
	conn.inbound <- []byte(`{"state":"start"}`)
	conn.inbound <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return conn.WriteCount() == 2 }, time.Second, time.Millisecond)
	require.True(t, h.manager.Ready())
	require.Equal(t, 1, h.dialer.Dials())
}

func TestServerHelloSessionIDUsedInListenMessages(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	conn.inbound <- []byte(`{"type":"hello","session_id":"s-42"}`)
	require.Eventually(t, func() bool { return h.manager.ServerSessionID() == "s-42" }, time.Second, time.Millisecond)

	require.NoError(t, h.manager.SendStopListening())
	msg := lastWrite(t, conn)
	require.Equal(t, "s-42", msg["session_id"])
	require.Equal(t, "stop", msg["state"])

	require.NoError(t, h.manager.SendAbortSpeaking("wake_word_detected"))
	msg = lastWrite(t, conn)
	require.Equal(t, "abort", msg["type"])
	require.Equal(t, "wake_word_detected", msg["reason"])
}

func TestMessagesForwardedToObservers(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	conn.inbound <- []byte(`{"type":"stt","text":"turn on the lights"}`)
	conn.inbound <- []byte(`{"type":"error","message":"quota"}`)
	conn.inbound <- []byte(`{"type":"mystery"}`)

	require.Eventually(t, func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		return len(h.events.messages) == 2
	}, time.Second, time.Millisecond)
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Equal(t, "turn on the lights", h.events.messages[0].Text)
	require.Equal(t, TypeError, h.events.messages[1].Type)
}

func TestRealtimeModeSwitchSendsListenStart(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	h.coord.SetRealtime(true)
	require.Eventually(t, func() bool { return conn.WriteCount() == 2 }, time.Second, time.Millisecond)
	msg := lastWrite(t, conn)
	require.Equal(t, "start", msg["state"])
	require.Equal(t, "realtime", msg["mode"])
}

type playedSpeech struct {
	pcm        []byte
	sampleRate int
	channels   int
}

type fakeSpeaker struct {
	mu    sync.Mutex
	plays []playedSpeech
	stops int
}

func (s *fakeSpeaker) Play(pcm []byte, sampleRate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays = append(s.plays, playedSpeech{pcm: pcm, sampleRate: sampleRate, channels: channels})
	return nil
}

func (s *fakeSpeaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeSpeaker) Plays() []playedSpeech {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playedSpeech(nil), s.plays...)
}

func (s *fakeSpeaker) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func TestServerSpeechPlayedUntilAbort(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	speaker := &fakeSpeaker{}
	h.manager.speaker = speaker
	h.connectReady(t)

	first := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	second := []byte{5, 0, 6, 0}
	conn.inbound <- []byte(`{"type":"tts","state":"start"}`)
	conn.inbound <- []byte(`{"type":"audio","audio_data":"` + base64.StdEncoding.EncodeToString(first) + `","sample_rate":24000}`)
	conn.inbound <- []byte(`{"type":"tts","state":"sentence_start","text":"hello","audio_data":"` + base64.StdEncoding.EncodeToString(second) + `"}`)
	conn.inbound <- []byte(`{"type":"audio","audio_data":"not base64!"}`)
	conn.inbound <- []byte(`{"type":"audio","audio_url":"https://cdn.example.test/reply.mp3"}`)
	conn.inbound <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return conn.WriteCount() == 2 }, time.Second, time.Millisecond)

	require.Equal(t, []playedSpeech{
		{pcm: first, sampleRate: 24000, channels: 1},
		{pcm: second, sampleRate: 16000, channels: 1},
	}, speaker.Plays())
	require.Equal(t, devicestate.Speaking, h.coord.State())

	// The end of the server's turn lets queued speech finish.
	conn.inbound <- []byte(`{"type":"tts","state":"stop"}`)
	conn.inbound <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return conn.WriteCount() == 3 }, time.Second, time.Millisecond)
	require.Equal(t, devicestate.Idle, h.coord.State())
	require.Zero(t, speaker.Stops())

	require.NoError(t, h.manager.SendAbortSpeaking("wake_word_detected"))
	require.Equal(t, 1, speaker.Stops())
	require.Equal(t, "abort", lastWrite(t, conn)["type"])

	h.manager.Disconnect()
	require.GreaterOrEqual(t, speaker.Stops(), 2)
}

func TestSpeechDroppedWithoutSpeaker(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, true, dialResult{conn: conn})
	h.connectReady(t)

	conn.inbound <- []byte(`{"type":"audio","audio_data":"AQACAA=="}`)
	conn.inbound <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return conn.WriteCount() == 2 }, time.Second, time.Millisecond)
	require.True(t, h.manager.Ready())
}
