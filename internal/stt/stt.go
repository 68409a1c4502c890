// Package stt turns captured speech into text. The model is discovered on
// disk and loaded lazily on first use.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"hetu/internal/audio"
	"hetu/internal/modelfs"
	engine "hetu/pkg/stt"
)

var (
	ErrModelNotFound = errors.New("stt: speech model not found")
	ErrTranscription = errors.New("stt: transcription failed")
)

type Config struct {
	Locations modelfs.Locations
	Language  string
	Threads   int
	// MinModelSize rejects truncated downloads.
	MinModelSize int64
}

type Result struct {
	Text       string
	Confidence float64
	Language   string
	// Err is empty on success.
	Err string
}

// OK reports a successful, non-blank transcript.
func (r Result) OK() bool {
	return r.Err == "" && strings.TrimSpace(r.Text) != ""
}

// Engine is a loaded speech model.
type Engine interface {
	TranscribePCM(ctx context.Context, pcm16k []float32, opt engine.Options) (engine.Result, error)
	Close() error
}

type Loader func(modelPath string) (Engine, error)

func whisperLoader(path string) (Engine, error) {
	t, err := engine.NewTranscriber(path)
	if err != nil {
		return nil, err
	}
	return t, nil
}

type Service struct {
	cfg  Config
	load Loader

	mu     sync.Mutex
	engine Engine
	path   string
}

func New(cfg Config) *Service {
	return NewWithLoader(cfg, whisperLoader)
}

func NewWithLoader(cfg Config, load Loader) *Service {
	return &Service{cfg: cfg, load: load}
}

// IsModelFile matches whisper.cpp model names such as ggml-base.en.bin.
func IsModelFile(name string) bool {
	name = strings.ToLower(name)
	return strings.HasPrefix(name, "ggml-") && filepath.Ext(name) == ".bin"
}

// ModelAvailable reports whether a model can be found without loading it.
func (s *Service) ModelAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return true
	}
	_, err := s.find()
	return err == nil
}

func (s *Service) find() (string, error) {
	path, err := modelfs.FindFileFunc(s.cfg.Locations, IsModelFile, s.cfg.MinModelSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelNotFound, err)
	}
	return path, nil
}

// Load discovers and loads the model. Loading an already loaded service
// does nothing.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Service) loadLocked(ctx context.Context) error {
	if s.engine != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.find()
	if err != nil {
		return err
	}

	slog.Info("Loading speech model", "path", path)
	e, err := s.load(path)
	if err != nil {
		return fmt.Errorf("stt: load %s: %w", path, err)
	}
	s.engine = e
	s.path = path
	return nil
}

func (s *Service) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil
}

func (s *Service) ModelPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *Service) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil
	}
	err := s.engine.Close()
	s.engine = nil
	s.path = ""
	return err
}

// Transcribe converts PCM16LE mono 16 kHz audio to text, loading the model
// if needed. Failures are reported in Result.Err.
func (s *Service) Transcribe(ctx context.Context, pcm []byte) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return Result{Err: err.Error()}
	}

	samples := audio.PCM16ToFloats(pcm)
	if len(samples) == 0 {
		return Result{}
	}

	res, err := s.engine.TranscribePCM(ctx, samples, engine.Options{
		Language: s.cfg.Language,
		Threads:  s.cfg.Threads,
	})
	if err != nil {
		slog.Error("Transcription failed", "err", err)
		return Result{Err: fmt.Errorf("%w: %v", ErrTranscription, err).Error()}
	}

	text := engine.CleanText(res.Text)
	slog.Debug("Transcribed", "text", text, "raw", res.Text, "lang", res.Language)
	return Result{
		Text:       text,
		Confidence: res.Confidence,
		Language:   res.Language,
	}
}
