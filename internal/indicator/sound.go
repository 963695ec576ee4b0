package indicator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jfreymuth/pulse"
)

type cueKind int

const (
	cueStart cueKind = iota + 1
	cueComplete
	cueCancel
	cueError
)

func (k cueKind) String() string {
	switch k {
	case cueStart:
		return "start"
	case cueComplete:
		return "complete"
	case cueCancel:
		return "cancel"
	case cueError:
		return "error"
	default:
		return fmt.Sprintf("cue(%d)", int(k))
	}
}

const cueSampleRate = 16000

type tone struct {
	hz     float64
	length time.Duration
	volume float64
}

var cueTones = map[cueKind][]tone{
	cueStart:    {{hz: 880, length: 70 * time.Millisecond, volume: 0.18}, {hz: 1175, length: 70 * time.Millisecond, volume: 0.18}},
	cueComplete: {{hz: 740, length: 65 * time.Millisecond, volume: 0.18}, {hz: 988, length: 90 * time.Millisecond, volume: 0.18}},
	cueCancel:   {{hz: 480, length: 75 * time.Millisecond, volume: 0.18}, {hz: 360, length: 90 * time.Millisecond, volume: 0.18}},
	cueError:    {{hz: 330, length: 160 * time.Millisecond, volume: 0.2}},
}

// emitCue plays the synthesized cue on the default Pulse sink and waits for it to drain.
func emitCue(ctx context.Context, kind cueKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	samples := synthesize(cueTones[kind])
	if len(samples) == 0 {
		return nil
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName("vesper"),
		pulse.ClientApplicationIconName("audio-speakers"),
	)
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	cursor := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if ctx.Err() != nil || cursor >= len(samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[cursor:])
		cursor += n
		if cursor >= len(samples) {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	stream, err := client.NewPlayback(
		reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(cueSampleRate),
		pulse.PlaybackLatency(0.02),
		pulse.PlaybackMediaName("vesper "+kind.String()+" cue"),
	)
	if err != nil {
		return fmt.Errorf("create pulse playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	if err := stream.Error(); err != nil {
		return fmt.Errorf("play %s cue: %w", kind, err)
	}
	return ctx.Err()
}

// synthesize renders tones back to back with a 22 ms gap.
func synthesize(parts []tone) []int16 {
	gap := samplesFor(22 * time.Millisecond)
	var pcm []int16
	for i, part := range parts {
		pcm = append(pcm, renderTone(part)...)
		if i < len(parts)-1 {
			pcm = append(pcm, make([]int16, gap)...)
		}
	}
	return pcm
}

// renderTone is a sine with a linear attack/release of at most 5 ms.
func renderTone(t tone) []int16 {
	n := samplesFor(t.length)
	if n <= 0 || t.hz <= 0 || t.volume <= 0 {
		return nil
	}

	ramp := n / 10
	if limit := cueSampleRate / 200; ramp > limit {
		ramp = limit
	}
	if ramp < 1 {
		ramp = 1
	}

	pcm := make([]int16, n)
	for i := range pcm {
		env := math.Min(1, float64(i)/float64(ramp))
		env = math.Min(env, float64(n-i-1)/float64(ramp))
		s := math.Sin(2 * math.Pi * t.hz * float64(i) / cueSampleRate)
		pcm[i] = int16(math.Round(s * t.volume * env * 32767))
	}
	return pcm
}

func samplesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * cueSampleRate))
}
