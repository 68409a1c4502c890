// Package notify plays the acknowledgement chime when the wake word is
// heard.
package notify

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

// the speaker package is a process-wide singleton
var (
	speakerOnce sync.Once
	speakerErr  error
)

type Chime struct {
	buf    *beep.Buffer
	format beep.Format
}

// LoadChime decodes an mp3 file into memory.
func LoadChime(path string) (*Chime, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("notify: open chime: %w", err)
	}

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("notify: decode chime: %w", err)
	}
	defer streamer.Close()

	buf := beep.NewBuffer(format)
	buf.Append(streamer)
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("notify: read chime: %w", err)
	}

	return &Chime{buf: buf, format: format}, nil
}

func (c *Chime) Duration() time.Duration {
	return c.format.SampleRate.D(c.buf.Len())
}

// Play blocks until the chime finished or ctx is done.
func (c *Chime) Play(ctx context.Context) error {
	speakerOnce.Do(func() {
		speakerErr = speaker.Init(c.format.SampleRate, c.format.SampleRate.N(time.Second/10))
	})
	if speakerErr != nil {
		return fmt.Errorf("notify: init speaker: %w", speakerErr)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(c.buf.Streamer(0, c.buf.Len()), beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}
