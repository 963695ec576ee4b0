package playback

import (
	"context"
	"fmt"

	"github.com/jfreymuth/pulse"
)

// pulseStream opens one playback stream and drains it once read reports the end.
func pulseStream(ctx context.Context, f Format, read func([]int16) int) error {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("vesper"),
		pulse.ClientApplicationIconName("audio-speakers"),
	)
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if ctx.Err() != nil {
			return 0, pulse.EndOfData
		}
		n := read(buf)
		if n == 0 {
			return 0, pulse.EndOfData
		}
		return n, nil
	})

	layout := pulse.PlaybackMono
	if f.Channels == 2 {
		layout = pulse.PlaybackStereo
	}
	stream, err := client.NewPlayback(
		reader,
		layout,
		pulse.PlaybackSampleRate(f.SampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackMediaName("vesper speech"),
	)
	if err != nil {
		return fmt.Errorf("create pulse playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	if err := stream.Error(); err != nil {
		return fmt.Errorf("play speech: %w", err)
	}
	return nil
}
