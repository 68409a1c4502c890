package audio

import (
	"encoding/binary"
	"math"
)

// FloatsToPCM16 converts float samples in [-1, 1] to little-endian int16.
func FloatsToPCM16(f []float32) []byte {
	out := make([]byte, len(f)*2)
	for i, x := range f {
		if x > 1 {
			x = 1
		} else if x < -1 {
			x = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(x*math.MaxInt16)))
	}
	return out
}

// PCM16ToFloats is the inverse of FloatsToPCM16. A trailing odd byte is
// ignored.
func PCM16ToFloats(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

func RMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}

// Duration of a PCM16 mono buffer at SampleRate, in milliseconds.
func DurationMillis(pcm []byte) int {
	return len(pcm) / 2 * 1000 / SampleRate
}
