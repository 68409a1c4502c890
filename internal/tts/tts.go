// Package tts speaks assistant replies. Playback runs in the background so
// callers are never blocked on speech completion.
package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"hetu/internal/tts/espeak"
)

// perChar is the rough speaking time reported for each character.
const perChar = 50 * time.Millisecond

var ErrNotInitialized = errors.New("tts not initialized")

type Result struct {
	Success  bool
	Duration time.Duration
	Err      string
}

// Engine plays text synchronously.
type Engine interface {
	Say(text string, rate, pitch float64) error
	Cancel()
	Close() error
}

type Opener func(voice string) (Engine, error)

func openEspeak(voice string) (Engine, error) {
	e, err := espeak.New(voice)
	if err != nil {
		return nil, err
	}
	return e, nil
}

type Service struct {
	voice string
	open  Opener

	mu  sync.Mutex
	eng Engine

	playMu   sync.Mutex
	wg       sync.WaitGroup
	speaking atomic.Bool
	// gen counts Speak and Stop calls. Queued speech whose generation is
	// stale by the time it gets the player is dropped.
	gen atomic.Uint64
}

func New(voice string) *Service {
	return NewWithOpener(voice, openEspeak)
}

func NewWithOpener(voice string, open Opener) *Service {
	return &Service{voice: voice, open: open}
}

// LoadVoice initializes the engine. It is safe to call repeatedly.
func (s *Service) LoadVoice() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eng != nil {
		return nil
	}
	eng, err := s.open(s.voice)
	if err != nil {
		return err
	}
	s.eng = eng
	slog.Info("Voice loaded", "voice", s.voice)
	return nil
}

func (s *Service) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng != nil
}

// Speak starts playing text and returns at once with an estimated
// duration. New speech replaces speech in progress or still queued.
func (s *Service) Speak(ctx context.Context, text string, rate, pitch float64) Result {
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()

	if eng == nil {
		return Result{Err: ErrNotInitialized.Error()}
	}
	if err := ctx.Err(); err != nil {
		return Result{Err: err.Error()}
	}

	g := s.gen.Add(1)
	if s.speaking.Load() {
		eng.Cancel()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.playMu.Lock()
		defer s.playMu.Unlock()

		if s.gen.Load() != g {
			return
		}

		s.speaking.Store(true)
		defer s.speaking.Store(false)

		if err := eng.Say(text, rate, pitch); err != nil {
			slog.Error("Failed to voice out", "err", err)
		}
	}()

	return Result{
		Success:  true,
		Duration: time.Duration(utf8.RuneCountInString(text)) * perChar,
	}
}

func (s *Service) Stop() {
	s.gen.Add(1)

	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()

	if eng != nil {
		eng.Cancel()
	}
}

func (s *Service) Speaking() bool {
	return s.speaking.Load()
}

// Wait blocks until queued speech has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// UnloadVoice stops playback and releases the engine.
func (s *Service) UnloadVoice() error {
	s.mu.Lock()
	eng := s.eng
	s.eng = nil
	s.mu.Unlock()

	if eng == nil {
		return nil
	}
	s.gen.Add(1)
	eng.Cancel()
	s.wg.Wait()
	return eng.Close()
}
