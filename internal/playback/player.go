// Package playback plays the voice server's PCM speech on the local sink.
package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/vesper/internal/logging"
)

var ErrClosed = errors.New("player closed")

// Format describes queued PCM16LE audio.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	return nil
}

// streamFunc plays one stream of a single format. read fills buf with interleaved samples
// and returns 0 when the stream is over.
type streamFunc func(ctx context.Context, f Format, read func(buf []int16) int) error

type chunk struct {
	format  Format
	samples []int16
}

// Player queues speech chunks and plays consecutive chunks of one format on a single stream.
type Player struct {
	logger *slog.Logger
	stream streamFunc
	idle   time.Duration

	mu      sync.Mutex
	queue   []chunk
	cursor  int
	gen     uint64
	closed  bool
	playing bool
	stopCur context.CancelFunc

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a Player on the default Pulse sink.
func New(logger *slog.Logger) *Player {
	return newPlayer(pulseStream, 250*time.Millisecond, logger)
}

// newPlayer starts the worker. A stream ends once the queue stays empty for idle.
func newPlayer(stream streamFunc, idle time.Duration, logger *slog.Logger) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		logger: logging.OrDiscard(logger),
		stream: stream,
		idle:   idle,
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Play queues PCM16LE audio. It never blocks on the sink.
func (p *Player) Play(pcm []byte, sampleRate, channels int) error {
	f := Format{SampleRate: sampleRate, Channels: channels}
	if err := f.validate(); err != nil {
		return err
	}
	if len(pcm)%(2*channels) != 0 {
		return fmt.Errorf("pcm length %d is not a whole number of frames", len(pcm))
	}
	if len(pcm) == 0 {
		return nil
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, chunk{format: f, samples: samples})
	p.mu.Unlock()

	p.wake()
	return nil
}

// Stop drops queued audio and ends the current stream.
func (p *Player) Stop() {
	p.mu.Lock()
	dropped := p.pendingLocked()
	p.gen++
	p.queue = nil
	p.cursor = 0
	stop := p.stopCur
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	p.wake()
	if dropped > 0 {
		p.logger.Debug("speech playback stopped", "dropped_samples", dropped)
	}
}

// Active reports whether audio is queued or a stream is open.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || len(p.queue) > 0
}

// Close stops playback and joins the worker. It is idempotent.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.Stop()
	p.cancel()
	<-p.done
}

func (p *Player) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Player) pendingLocked() int {
	n := 0
	for i, c := range p.queue {
		n += len(c.samples)
		if i == 0 {
			n -= p.cursor
		}
	}
	return n
}

func (p *Player) run() {
	defer close(p.done)
	for {
		f, ok := p.next()
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(p.ctx)
		p.mu.Lock()
		gen := p.gen
		p.stopCur = cancel
		p.playing = true
		p.mu.Unlock()

		err := p.stream(ctx, f, func(buf []int16) int { return p.read(ctx, f, gen, buf) })

		p.mu.Lock()
		p.stopCur = nil
		p.playing = false
		p.mu.Unlock()
		cancel()

		if err != nil && ctx.Err() == nil {
			p.logger.Warn("speech playback failed", "error", err.Error())
			p.Stop()
		}
	}
}

// next waits for the first queued chunk and returns its format.
func (p *Player) next() (Format, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Format{}, false
		}
		if len(p.queue) > 0 {
			f := p.queue[0].format
			p.mu.Unlock()
			return f, true
		}
		p.mu.Unlock()

		select {
		case <-p.signal:
		case <-p.ctx.Done():
			return Format{}, false
		}
	}
}

// read copies queued samples of format f into buf. It returns 0 once the player was
// stopped, the format changes, or nothing arrives within the idle window.
func (p *Player) read(ctx context.Context, f Format, gen uint64, buf []int16) int {
	var idle *time.Timer
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if p.gen != gen || p.closed {
			p.mu.Unlock()
			return 0
		}
		n := 0
		for n < len(buf) && len(p.queue) > 0 && p.queue[0].format == f {
			head := p.queue[0].samples
			copied := copy(buf[n:], head[p.cursor:])
			n += copied
			p.cursor += copied
			if p.cursor >= len(head) {
				p.queue = p.queue[1:]
				p.cursor = 0
			}
		}
		formatChange := len(p.queue) > 0 && p.queue[0].format != f
		p.mu.Unlock()

		if n > 0 || formatChange {
			return n
		}

		if idle == nil {
			idle = time.NewTimer(p.idle)
		}
		select {
		case <-p.signal:
		case <-idle.C:
			return 0
		case <-ctx.Done():
			return 0
		}
	}
}
