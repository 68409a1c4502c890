// Package vad is an energy based voice activity detector for 16 kHz mono
// PCM16.
package vad

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const (
	sampleRate = 16000
	frameLen   = 320 // 20 ms
	frameDur   = 20 * time.Millisecond

	// DefaultThreshold is an RMS level on the int16 scale.
	DefaultThreshold  = 500
	DefaultMinSpeech  = 250 * time.Millisecond
	DefaultMinSilence = 500 * time.Millisecond

	// confidenceScale maps RMS to [0, 1].
	confidenceScale = 10000
	// calibrationMargin is how far above ambient noise Calibrate puts the
	// threshold.
	calibrationMargin = 1.5
)

type Result struct {
	HasSpeech  bool
	Confidence float64
	// SpeechStart and SpeechEnd bound the longest voiced run. Both are zero
	// when no speech was found.
	SpeechStart time.Duration
	SpeechEnd   time.Duration
}

type Config struct {
	Threshold  float64       `yaml:"threshold" env:"HETU_VAD_THRESHOLD" env-default:"500"`
	MinSpeech  time.Duration `yaml:"min_speech" env:"HETU_VAD_MIN_SPEECH" env-default:"250ms"`
	MinSilence time.Duration `yaml:"min_silence" env:"HETU_VAD_MIN_SILENCE" env-default:"500ms"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:  DefaultThreshold,
		MinSpeech:  DefaultMinSpeech,
		MinSilence: DefaultMinSilence,
	}
}

type Detector struct {
	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config) *Detector {
	d := &Detector{}
	d.Configure(cfg.Threshold, cfg.MinSpeech, cfg.MinSilence)
	return d
}

// Configure replaces the settings. Non-positive values fall back to the
// defaults.
func (d *Detector) Configure(threshold float64, minSpeech, minSilence time.Duration) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if minSpeech <= 0 {
		minSpeech = DefaultMinSpeech
	}
	if minSilence <= 0 {
		minSilence = DefaultMinSilence
	}

	d.mu.Lock()
	d.cfg = Config{Threshold: threshold, MinSpeech: minSpeech, MinSilence: minSilence}
	d.mu.Unlock()
}

func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Detect classifies a PCM16LE buffer. Speech requires a run of voiced
// 20 ms frames of at least MinSpeech, or the whole buffer if it is shorter.
func (d *Detector) Detect(pcm []byte) Result {
	cfg := d.Config()
	samples := decode(pcm)
	if len(samples) == 0 {
		return Result{}
	}

	res := Result{Confidence: confidence(rms(samples))}

	need := cfg.MinSpeech
	if total := time.Duration(len(samples)) * time.Second / sampleRate; total < need {
		need = total
	}

	var (
		runStart  = -1
		bestStart int
		bestLen   int
	)
	frames := (len(samples) + frameLen - 1) / frameLen
	for i := 0; i <= frames; i++ {
		voiced := false
		if i < frames {
			end := min((i+1)*frameLen, len(samples))
			voiced = rms(samples[i*frameLen:end]) > cfg.Threshold
		}
		switch {
		case voiced && runStart < 0:
			runStart = i
		case !voiced && runStart >= 0:
			if n := i - runStart; n > bestLen {
				bestStart, bestLen = runStart, n
			}
			runStart = -1
		}
	}

	if bestLen > 0 && time.Duration(bestLen)*frameDur >= need {
		res.HasSpeech = true
		res.SpeechStart = time.Duration(bestStart) * frameDur
		res.SpeechEnd = time.Duration(bestStart+bestLen) * frameDur
	}
	return res
}

// Calibrate raises the threshold above the level of an ambient noise
// sample and returns the threshold in effect.
func (d *Detector) Calibrate(ambient []byte) float64 {
	level := rms(decode(ambient)) * calibrationMargin

	d.mu.Lock()
	defer d.mu.Unlock()
	if level > d.cfg.Threshold {
		d.cfg.Threshold = level
	}
	return d.cfg.Threshold
}

// Stream classifies float frames as they arrive. Speech starts after
// MinSpeech of voiced frames and ends after MinSilence of frames below half
// the threshold. The output closes when in closes or ctx is done.
func (d *Detector) Stream(ctx context.Context, in <-chan []float32) <-chan Result {
	cfg := d.Config()
	out := make(chan Result, 1)

	go func() {
		defer close(out)

		var (
			inSpeech bool
			voiced   time.Duration
			silent   time.Duration
		)

		for {
			var frame []float32
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				frame = f
			}

			level := floatRMS(frame) * math.MaxInt16
			dur := time.Duration(len(frame)) * time.Second / sampleRate

			if inSpeech {
				if level < cfg.Threshold/2 {
					silent += dur
					if silent >= cfg.MinSilence {
						inSpeech = false
						silent = 0
					}
				} else {
					silent = 0
				}
			} else {
				if level > cfg.Threshold {
					voiced += dur
					if voiced >= cfg.MinSpeech {
						inSpeech = true
						voiced = 0
					}
				} else {
					voiced = 0
				}
			}

			select {
			case out <- Result{HasSpeech: inSpeech, Confidence: confidence(level)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func decode(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func rms(s []int16) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, x := range s {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(s)))
}

func floatRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, x := range f {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(f)))
}

func confidence(level float64) float64 {
	return math.Min(math.Max(level/confidenceScale, 0), 1)
}
