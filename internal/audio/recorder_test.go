package audio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	available bool
	levels    []float32 // per-frame amplitude, silence afterwards
	delay     time.Duration

	mu      sync.Mutex
	streams []*fakeStream
	opened  chan struct{}
}

func newFakeDevice(levels ...float32) *fakeDevice {
	return &fakeDevice{available: true, levels: levels, opened: make(chan struct{}, 16)}
}

func (d *fakeDevice) Available() bool { return d.available }

func (d *fakeDevice) Open(buf []float32) (Stream, error) {
	s := &fakeStream{dev: d, buf: buf}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	d.opened <- struct{}{}
	return s, nil
}

func (d *fakeDevice) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

type fakeStream struct {
	dev *fakeDevice
	buf []float32

	mu      sync.Mutex
	reads   int
	stopped bool
	closed  bool
}

func (s *fakeStream) Start() error { return nil }

func (s *fakeStream) Read() error {
	if s.dev.delay > 0 {
		time.Sleep(s.dev.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var level float32
	if s.reads < len(s.dev.levels) {
		level = s.dev.levels[s.reads]
	}
	for i := range s.buf {
		s.buf[i] = level
	}
	s.reads++
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped && s.closed
}

const frameBytes = FrameSize * 2

func TestCaptureFullDuration(t *testing.T) {
	dev := newFakeDevice()
	r := NewRecorder(dev)

	pcm, err := r.Capture(context.Background(), 100*time.Millisecond, CaptureOptions{})
	require.NoError(t, err)
	assert.Len(t, pcm, 5*frameBytes)
	assert.True(t, dev.last().released())
	assert.False(t, r.Active())
}

func TestCaptureEarlyStops(t *testing.T) {
	tests := []struct {
		name   string
		levels []float32
		opts   CaptureOptions
		frames int
	}{
		{
			name:   "silence after speech",
			levels: []float32{0.5, 0.5},
			opts:   CaptureOptions{StopOnSilence: 40 * time.Millisecond},
			frames: 4,
		},
		{
			name:   "no speech at all",
			opts:   CaptureOptions{GiveUpAfter: 60 * time.Millisecond},
			frames: 3,
		},
		{
			name:   "speech keeps give-up from firing",
			levels: []float32{0.5},
			opts:   CaptureOptions{GiveUpAfter: 20 * time.Millisecond},
			frames: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecorder(newFakeDevice(tt.levels...))
			pcm, err := r.Capture(context.Background(), 200*time.Millisecond, tt.opts)
			require.NoError(t, err)
			assert.Len(t, pcm, tt.frames*frameBytes)
		})
	}
}

func TestCapturePermissionDenied(t *testing.T) {
	dev := newFakeDevice()
	dev.available = false
	r := NewRecorder(dev)

	assert.False(t, r.HasPermission())
	pcm, err := r.Capture(context.Background(), time.Second, CaptureOptions{})
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, pcm)
}

func TestCaptureExclusiveAndStop(t *testing.T) {
	dev := newFakeDevice()
	dev.delay = time.Millisecond
	r := NewRecorder(dev)

	type result struct {
		pcm []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		pcm, err := r.Capture(context.Background(), time.Minute, CaptureOptions{})
		done <- result{pcm, err}
	}()

	<-dev.opened
	assert.True(t, r.Active())

	_, err := r.Capture(context.Background(), time.Second, CaptureOptions{})
	require.ErrorIs(t, err, ErrDeviceBusy)

	r.Stop()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Zero(t, len(res.pcm)%frameBytes)
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop")
	}

	assert.True(t, dev.last().released())
	assert.False(t, r.Active())

	// The device is usable again.
	pcm, err := r.Capture(context.Background(), 40*time.Millisecond, CaptureOptions{})
	require.NoError(t, err)
	assert.Len(t, pcm, 2*frameBytes)
}

func TestCaptureContextCancelled(t *testing.T) {
	dev := newFakeDevice()
	dev.delay = time.Millisecond
	r := NewRecorder(dev)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-dev.opened
		cancel()
	}()

	pcm, err := r.Capture(ctx, time.Minute, CaptureOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pcm)
	assert.True(t, dev.last().released())
}

func TestStreamDeliversUntilCancelled(t *testing.T) {
	dev := newFakeDevice(0.1, 0.2, 0.3)
	r := NewRecorder(dev)

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := r.Stream(ctx)
	require.NoError(t, err)

	for i, want := range []float32{0.1, 0.2, 0.3} {
		f := <-frames
		require.Len(t, f, FrameSize, "frame %d", i)
		assert.InDelta(t, want, f[0], 1e-6)
	}

	_, err = r.Capture(context.Background(), time.Second, CaptureOptions{})
	require.ErrorIs(t, err, ErrDeviceBusy)

	cancel()
	for range frames {
	}

	assert.True(t, dev.last().released())
	assert.False(t, r.Active())
}
