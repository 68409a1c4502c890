package audioconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDownmix(t *testing.T) {
	assert.Equal(t, []float32{0.5, 0}, Downmix([]float32{1, 0, 0.5, -0.5}, 2))
	assert.Equal(t, []float32{1, 2}, Downmix([]float32{1, 2}, 1))
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 2, 3}

	assert.Equal(t, in, Resample(in, 16000, 16000))
	assert.Equal(t, []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}, Resample(in, 8000, 16000))
	assert.Equal(t, []float32{0, 2}, Resample(in, 32000, 16000))
	assert.Empty(t, Resample(nil, 8000, 16000))
}

func TestIntConversions(t *testing.T) {
	assert.Equal(t, []float32{0, 0.5, -1}, Int16sToFloats([]int16{0, 16384, -32768}))
	assert.Equal(t, []float32{1, -1}, IntsToFloats([]int{200, -200}, 8))
}
