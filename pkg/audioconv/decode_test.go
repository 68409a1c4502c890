package audioconv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWAV(t *testing.T, name string, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func TestDecodeWAVStereo8k(t *testing.T) {
	// 100 stereo frames at 8 kHz: left 16384, right 0
	data := make([]int, 200)
	for i := 0; i < len(data); i += 2 {
		data[i] = 16384
	}
	path := writeWAV(t, "memo.wav", 8000, 2, data)

	x, err := DecodeFile(context.Background(), path, Options{})
	require.NoError(t, err)
	require.Len(t, x, 200)
	for _, v := range x {
		assert.InDelta(t, 0.25, v, 1e-3)
	}
}

func TestDecodeSniffsUnknownExtension(t *testing.T) {
	path := writeWAV(t, "memo.bin", 16000, 1, []int{0, 32767, -32768, 0})

	x, err := DecodeFile(context.Background(), path, Options{MaxSamples: 3})
	require.NoError(t, err)
	require.Len(t, x, 3)
	assert.InDelta(t, 1.0, x[1], 1e-3)
	assert.InDelta(t, -1.0, x[2], 1e-3)
}

func TestDecodeUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	_, err := DecodeFile(context.Background(), path, Options{})
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = DecodeFile(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), Options{})
	require.Error(t, err)
}

func TestDecodeCorruptWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFnope"), 0o644))

	_, err := DecodeFile(context.Background(), path, Options{})
	require.Error(t, err)
}

func TestDecodeCancelled(t *testing.T) {
	path := writeWAV(t, "memo.wav", 16000, 1, []int{1, 2, 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DecodeFile(ctx, path, Options{})
	require.ErrorIs(t, err, context.Canceled)
}
