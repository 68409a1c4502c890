// Package mic binds the default portaudio input device to the audio
// recorder.
package mic

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"hetu/internal/audio"
)

var (
	initMu  sync.Mutex
	initCnt int
)

// Init must be paired with Terminate.
func Init() error {
	initMu.Lock()
	defer initMu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("mic: portaudio init: %w", err)
	}
	initCnt++
	return nil
}

func Terminate() {
	initMu.Lock()
	defer initMu.Unlock()

	if initCnt == 0 {
		return
	}
	initCnt--
	portaudio.Terminate()
}

// HasInputDevice reports whether a default input device is present. On
// Linux a missing or inaccessible capture device is the closest thing to a
// denied microphone permission.
func HasInputDevice() bool {
	initMu.Lock()
	ready := initCnt > 0
	initMu.Unlock()
	if !ready {
		return false
	}

	dev, err := portaudio.DefaultInputDevice()
	return err == nil && dev != nil && dev.MaxInputChannels > 0
}

// Device opens mono 16 kHz streams on the default input.
type Device struct{}

var _ audio.Device = Device{}

func (Device) Available() bool { return HasInputDevice() }

func (Device) Open(buf []float32) (audio.Stream, error) {
	s, err := Open(buf)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open returns a blocking input stream that fills buf on each Read.
func Open(buf []float32) (*portaudio.Stream, error) {
	stream, err := portaudio.OpenDefaultStream(1, 0, audio.SampleRate, len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("mic: open default stream: %w", err)
	}
	return stream, nil
}
