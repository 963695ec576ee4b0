package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

var (
	ErrPermissionDenied = errors.New("audio capture permission denied")
	ErrDeviceInitFailed = errors.New("audio device initialization failed")
)

// Format is the capture format. Samples are always signed 16-bit little endian.
type Format struct {
	SampleRate   int
	Channels     int
	FrameSamples int
}

// DefaultFormat is 16 kHz mono in 20 ms frames.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, FrameSamples: 320}
}

// FrameBytes is the size of one frame on the wire.
func (f Format) FrameBytes() int {
	return f.FrameSamples * f.Channels * 2
}

// BytesPerSecond of PCM16 audio in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Capture streams fixed-size PCM frames from one Pulse source.
type Capture struct {
	device Device
	format Format

	client *pulse.Client
	stream *pulse.RecordStream

	frames chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

// StartCapture opens a record stream on selected. Failures wrap ErrPermissionDenied or
// ErrDeviceInitFailed.
func StartCapture(ctx context.Context, selected Device, format Format) (*Capture, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 || format.FrameSamples <= 0 {
		return nil, fmt.Errorf("%w: invalid format %+v", ErrDeviceInitFailed, format)
	}

	client, err := newClient()
	if err != nil {
		return nil, classify(err)
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, classify(fmt.Errorf("resolve source %q: %w", selected.ID, err))
	}

	c := &Capture{
		device: selected,
		format: format,
		client: client,
		frames: make(chan []byte, 128),
		stopCh: make(chan struct{}),
	}

	channels := pulse.RecordMono
	if format.Channels == 2 {
		channels = pulse.RecordStereo
	}
	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		channels,
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(format.FrameBytes())),
		pulse.RecordMediaName("vesper voice input"),
	)
	if err != nil {
		_ = c.Stop()
		return nil, classify(fmt.Errorf("create record stream: %w", err))
	}

	c.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.stopCh:
		}
	}()

	return c, nil
}

func (c *Capture) Device() Device {
	return c.device
}

func (c *Capture) Format() Format {
	return c.format
}

// Frames is closed after Stop.
func (c *Capture) Frames() <-chan []byte {
	return c.frames
}

func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// Stop halts the stream and closes Frames. A trailing partial frame is discarded.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	close(c.frames)
	return nil
}

func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under mu so Stop's Wait cannot race it.
	c.inflight.Add(1)

	size := c.format.FrameBytes()
	c.pending = append(c.pending, buffer...)
	frames := make([][]byte, 0, len(c.pending)/size)
	for len(c.pending) >= size {
		frame := make([]byte, size)
		copy(frame, c.pending[:size])
		c.pending = c.pending[size:]
		frames = append(frames, frame)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.bytes.Add(int64(len(buffer)))

	for _, frame := range frames {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.frames <- frame:
		}
	}
	return len(buffer), nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// classify maps a Pulse start failure onto the package sentinels.
func classify(err error) error {
	if isPermissionError(err) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceInitFailed, err)
}

func isPermissionError(err error) bool {
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "access denied") || strings.Contains(msg, "permission denied")
}
