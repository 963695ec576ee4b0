package pipeline

import "github.com/rbright/vesper/internal/audio"

// WakeDetector decides, frame by frame, whether the wake condition fired.
type WakeDetector interface {
	Feed(frame []byte) bool
}

// EnergyDetector fires on any frame whose RMS exceeds Threshold.
type EnergyDetector struct {
	Threshold float64
}

func (d EnergyDetector) Feed(frame []byte) bool {
	return audio.RMS(frame) > d.Threshold
}
