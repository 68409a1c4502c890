// Package audio captures microphone input as 16 kHz mono PCM and manages
// the volume of other playback streams while the assistant listens.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	SampleRate = 16000
	// FrameSize is 20 ms at SampleRate.
	FrameSize = 320
	frameDur  = 20 * time.Millisecond

	// DefaultSilenceRMS is measured on float samples in [-1, 1].
	DefaultSilenceRMS = 0.015
)

var (
	ErrDeviceBusy       = errors.New("audio: capture device busy")
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
)

// Stream is an open input stream that fills the buffer given to Device.Open
// on each Read.
type Stream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// Device opens input streams. The mic package provides the portaudio one.
type Device interface {
	Available() bool
	Open(buf []float32) (Stream, error)
}

type CaptureOptions struct {
	// StopOnSilence ends the capture once speech was heard and has been
	// followed by this much silence. Zero disables it.
	StopOnSilence time.Duration
	// GiveUpAfter ends the capture when no speech at all was heard within
	// this window. Zero disables it.
	GiveUpAfter time.Duration
	// SilenceRMS overrides DefaultSilenceRMS when positive.
	SilenceRMS float64
}

// Recorder owns the input device. Only one capture or stream may be active
// at a time.
type Recorder struct {
	dev Device

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewRecorder(dev Device) *Recorder {
	return &Recorder{dev: dev}
}

func (r *Recorder) HasPermission() bool {
	return r.dev != nil && r.dev.Available()
}

func (r *Recorder) acquire(ctx context.Context) (context.Context, func(), error) {
	if !r.HasPermission() {
		return nil, nil, ErrPermissionDenied
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil, nil, ErrDeviceBusy
	}

	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cancel()
		r.cancel = nil
	}
	return cctx, release, nil
}

// Active reports whether a capture or stream currently holds the device.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Stop ends the active capture or stream, if any. The device is released
// by the capturing goroutine.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Recorder) open(buf []float32) (Stream, error) {
	stream, err := r.dev.Open(buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("audio: start input: %w", err)
	}
	return stream, nil
}

// Capture records up to maxDur of audio and returns it as PCM16LE mono at
// SampleRate. Stop ends the capture early and returns what was recorded so
// far; cancelling ctx returns ctx.Err().
func (r *Recorder) Capture(ctx context.Context, maxDur time.Duration, opts CaptureOptions) ([]byte, error) {
	cctx, release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	threshold := opts.SilenceRMS
	if threshold <= 0 {
		threshold = DefaultSilenceRMS
	}

	buf := make([]float32, FrameSize)
	stream, err := r.open(buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	defer stream.Stop()

	maxFrames := int(maxDur / frameDur)
	out := make([]float32, 0, maxFrames*FrameSize)

	var (
		speaking bool
		silence  time.Duration
	)

	for i := 0; i < maxFrames; i++ {
		select {
		case <-cctx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return FloatsToPCM16(out), nil
		default:
		}

		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("audio: read input: %w", err)
		}
		out = append(out, buf...)

		if RMS(buf) > threshold {
			speaking = true
			silence = 0
			continue
		}

		elapsed := time.Duration(i+1) * frameDur
		if speaking {
			silence += frameDur
			if opts.StopOnSilence > 0 && silence >= opts.StopOnSilence {
				break
			}
		} else if opts.GiveUpAfter > 0 && elapsed >= opts.GiveUpAfter {
			break
		}
	}

	return FloatsToPCM16(out), nil
}

// Stream delivers 20 ms float frames until ctx is cancelled or Stop is
// called. The channel is closed once the device has been released.
func (r *Recorder) Stream(ctx context.Context) (<-chan []float32, error) {
	cctx, release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}

	buf := make([]float32, FrameSize)
	stream, err := r.open(buf)
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan []float32, 8)
	go func() {
		defer close(out)
		defer release()
		defer stream.Close()
		defer stream.Stop()

		for {
			if cctx.Err() != nil {
				return
			}
			if err := stream.Read(); err != nil {
				return
			}
			frame := make([]float32, len(buf))
			copy(frame, buf)

			select {
			case out <- frame:
			case <-cctx.Done():
				return
			}
		}
	}()

	return out, nil
}
