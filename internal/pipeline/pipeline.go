// Package pipeline samples audio continuously, detects the wake condition, and endpoints
// utterances for the voice session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/vesper/internal/audio"
	"github.com/rbright/vesper/internal/devicestate"
	"github.com/rbright/vesper/internal/logging"
)

var ErrDeviceBusy = errors.New("audio pipeline already running")

// Source is a running capture.
type Source interface {
	Frames() <-chan []byte
	Stop() error
}

// StartFunc opens the capture device.
type StartFunc func(ctx context.Context) (Source, error)

// Sink receives finished utterances.
type Sink interface {
	SendUtterance(pcm []byte, sampleRate, channels int) error
}

// EndReason records why an utterance was finalized.
type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndMaxDuration EndReason = "max_duration"
	EndManual      EndReason = "manual"
)

// Utterance is one finalized recording.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Frames     int
	Reason     EndReason
}

// Duration of the PCM payload.
func (u Utterance) Duration() time.Duration {
	perSecond := u.SampleRate * u.Channels * 2
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(len(u.PCM)) * time.Second / time.Duration(perSecond)
}

// Events are optional callbacks, invoked on the sampling goroutine or the caller of
// Trigger/Finish/Cancel. They must not block.
type Events struct {
	OnWake          func()
	OnVoiceActivity func()
	OnUtterance     func(Utterance)
	OnCancel        func()
}

type Options struct {
	SampleRate       int
	Channels         int
	SilenceThreshold float64
	SilenceFrames    int
	MaxUtterance     time.Duration
	// DumpDir enables WAV dumps of every finalized utterance when set.
	DumpDir string
}

// Pipeline runs one sampling loop over a capture source.
type Pipeline struct {
	start    StartFunc
	detector WakeDetector
	coord    *devicestate.Coordinator
	sink     Sink
	opts     Options
	events   Events
	logger   *slog.Logger
	now      func() time.Time

	maxBytes int

	mu      sync.Mutex
	running bool
	source  Source
	cancel  context.CancelFunc
	done    chan struct{}

	recording  bool
	manual     bool
	buf        []byte
	frames     int
	silenceRun int
	voicedLen  int
}

func New(
	start StartFunc,
	detector WakeDetector,
	coord *devicestate.Coordinator,
	sink Sink,
	opts Options,
	events Events,
	logger *slog.Logger,
) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.SilenceFrames <= 0 {
		opts.SilenceFrames = 20
	}
	if opts.MaxUtterance <= 0 {
		opts.MaxUtterance = 10 * time.Second
	}
	if detector == nil {
		detector = EnergyDetector{Threshold: 3 * opts.SilenceThreshold}
	}

	return &Pipeline{
		start:    start,
		detector: detector,
		coord:    coord,
		sink:     sink,
		opts:     opts,
		events:   events,
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
		maxBytes: int(int64(opts.SampleRate*opts.Channels*2) * int64(opts.MaxUtterance) / int64(time.Second)),
	}
}

// Start opens the capture source and begins sampling. Capture errors keep their
// audio.ErrPermissionDenied / audio.ErrDeviceInitFailed identity.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrDeviceBusy
	}
	p.running = true
	p.mu.Unlock()

	src, err := p.start(ctx)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.source = src
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.logger.Info("audio pipeline started",
		"sample_rate", p.opts.SampleRate,
		"silence_frames", p.opts.SilenceFrames,
		"max_utterance", p.opts.MaxUtterance.String(),
	)
	go p.loop(loopCtx, src, done)
	return nil
}

// Stop releases the device and joins the loop. An in-flight utterance is discarded.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	src, cancel, done := p.source, p.cancel, p.done
	p.source, p.cancel, p.done = nil, nil, nil
	p.resetLocked()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if src != nil {
		err = src.Stop()
	}
	if done != nil {
		<-done
	}
	p.logger.Info("audio pipeline stopped")
	return err
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Trigger starts recording without a wake event. It reports false when not running or
// already recording.
func (p *Pipeline) Trigger() bool {
	p.mu.Lock()
	if !p.running || p.recording {
		p.mu.Unlock()
		return false
	}
	p.beginLocked(nil)
	p.manual = true
	p.mu.Unlock()

	p.logger.Info("recording triggered")
	p.enterListening()
	return true
}

// Finish finalizes the in-flight utterance as-is.
func (p *Pipeline) Finish() bool {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return false
	}
	u := p.finalizeLocked(false, EndManual)
	p.mu.Unlock()

	p.deliver(u)
	return true
}

// Cancel discards the in-flight utterance.
func (p *Pipeline) Cancel() bool {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return false
	}
	p.resetLocked()
	p.mu.Unlock()

	p.logger.Info("utterance cancelled")
	if p.events.OnCancel != nil {
		p.events.OnCancel()
	}
	if p.coord != nil {
		p.coord.SetState(devicestate.Idle)
	}
	return true
}

func (p *Pipeline) loop(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				p.sourceClosed(src)
				return
			}
			p.process(frame)
		}
	}
}

func (p *Pipeline) sourceClosed(src Source) {
	p.mu.Lock()
	if p.source != src {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.source, p.cancel, p.done = nil, nil, nil
	p.resetLocked()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.logger.Warn("audio source closed; pipeline stopped")
}

func (p *Pipeline) process(frame []byte) {
	p.mu.Lock()
	if !p.recording {
		if !p.wakeArmed() || !p.detector.Feed(frame) {
			p.mu.Unlock()
			return
		}
		p.beginLocked(frame)
		p.mu.Unlock()

		p.logger.Info("wake detected", "rms", audio.RMS(frame))
		if p.events.OnWake != nil {
			p.events.OnWake()
		}
		p.enterListening()
		return
	}

	p.buf = append(p.buf, frame...)
	p.frames++
	voiced := audio.RMS(frame) >= p.opts.SilenceThreshold
	if voiced {
		p.silenceRun = 0
		p.voicedLen = len(p.buf)
	} else {
		p.silenceRun++
	}

	var (
		u         Utterance
		finalized bool
	)
	switch {
	case !p.manual && p.silenceRun >= p.opts.SilenceFrames:
		u, finalized = p.finalizeLocked(true, EndSilence), true
	case len(p.buf) >= p.maxBytes:
		u, finalized = p.finalizeLocked(false, EndMaxDuration), true
	}
	p.mu.Unlock()

	if voiced && p.events.OnVoiceActivity != nil {
		p.events.OnVoiceActivity()
	}
	if finalized {
		p.deliver(u)
	}
}

// wakeArmed reports whether a wake frame may start recording. Speaking suppresses wake
// outside realtime mode so the device does not trigger on its own voice.
func (p *Pipeline) wakeArmed() bool {
	if p.coord == nil {
		return true
	}
	mode := p.coord.ListeningMode()
	if mode == devicestate.ModeManual {
		return false
	}
	return mode == devicestate.ModeRealtime || p.coord.State() != devicestate.Speaking
}

func (p *Pipeline) beginLocked(first []byte) {
	p.recording = true
	p.manual = false
	p.buf = append(make([]byte, 0, p.maxBytes), first...)
	p.frames = 0
	if len(first) > 0 {
		p.frames = 1
	}
	p.silenceRun = 0
	p.voicedLen = len(first)
}

// finalizeLocked flips back to wake listening before handing out the buffer, so frames
// arriving afterwards never reach this utterance.
func (p *Pipeline) finalizeLocked(trim bool, reason EndReason) Utterance {
	pcm := p.buf
	if trim {
		pcm = pcm[:p.voicedLen]
	}
	u := Utterance{
		PCM:        pcm,
		SampleRate: p.opts.SampleRate,
		Channels:   p.opts.Channels,
		Frames:     p.frames,
		Reason:     reason,
	}
	p.resetLocked()
	return u
}

func (p *Pipeline) resetLocked() {
	p.recording = false
	p.manual = false
	p.buf = nil
	p.frames = 0
	p.silenceRun = 0
	p.voicedLen = 0
}

func (p *Pipeline) enterListening() {
	if p.coord != nil {
		p.coord.SetState(devicestate.Listening)
	}
}

func (p *Pipeline) deliver(u Utterance) {
	p.logger.Info("utterance finalized",
		"reason", string(u.Reason),
		"frames", u.Frames,
		"bytes", len(u.PCM),
		"duration", u.Duration().String(),
	)

	if p.opts.DumpDir != "" {
		if path, err := dumpUtterance(p.opts.DumpDir, u, p.now()); err != nil {
			p.logger.Warn("debug audio dump failed", "error", err.Error())
		} else {
			p.logger.Debug("debug audio dump written", "path", path)
		}
	}

	if p.events.OnUtterance != nil {
		p.events.OnUtterance(u)
	}

	if len(u.PCM) == 0 {
		p.logger.Info("empty utterance dropped")
		p.backToIdle()
		return
	}
	if p.sink == nil {
		p.backToIdle()
		return
	}
	if err := p.sink.SendUtterance(u.PCM, u.SampleRate, u.Channels); err != nil {
		p.logger.Warn("utterance not delivered", "error", err.Error())
		p.backToIdle()
	}
}

func (p *Pipeline) backToIdle() {
	if p.coord != nil && p.coord.State() == devicestate.Listening {
		p.coord.SetState(devicestate.Idle)
	}
}
