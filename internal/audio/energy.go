package audio

import (
	"encoding/binary"
	"math"
)

// RMS is the root mean square of little-endian int16 samples. An odd trailing byte is ignored.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
