// Package stt wraps the whisper.cpp Go bindings.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// markerRe matches whisper's non-speech annotations such as [BLANK_AUDIO],
// (silence) or [ Music ].
var markerRe = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

// CleanText drops non-speech markers and collapses whitespace. A transcript
// made only of markers comes back empty.
func CleanText(text string) string {
	return strings.Join(strings.Fields(markerRe.ReplaceAllString(text, " ")), " ")
}

type Options struct {
	Language      string // "auto", "en", ...
	Threads       int    // <=0 => NumCPU()
	InitialPrompt string
	BeamSize      int // 0 = greedy
}

type Segment struct {
	Text     string
	StartSec float64
	EndSec   float64
}

type Result struct {
	Text     string
	Segments []Segment
	Language string // detected or forced
	// Confidence is the mean token probability, 0 when whisper reported
	// no tokens.
	Confidence float64
}

type Transcriber struct {
	model whisper.Model
}

func NewTranscriber(modelPath string) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("stt: empty model path")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("stt: load model: %w", err)
	}
	return &Transcriber{model: m}, nil
}

func (t *Transcriber) Close() error {
	if t.model == nil {
		return nil
	}
	err := t.model.Close()
	t.model = nil
	return err
}

// TranscribePCM runs whisper over mono 16 kHz float samples in [-1, 1].
func (t *Transcriber) TranscribePCM(ctx context.Context, pcm16k []float32, opt Options) (Result, error) {
	if t.model == nil {
		return Result{}, errors.New("stt: model closed")
	}
	if len(pcm16k) == 0 {
		return Result{}, errors.New("stt: no audio samples provided")
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("stt: new context: %w", err)
	}

	if opt.Language == "" {
		opt.Language = "auto"
	}
	if err := wctx.SetLanguage(opt.Language); err != nil {
		return Result{}, fmt.Errorf("stt: set language: %w", err)
	}

	threads := opt.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))

	if opt.BeamSize > 0 {
		wctx.SetBeamSize(opt.BeamSize)
	}
	if opt.InitialPrompt != "" {
		wctx.SetInitialPrompt(opt.InitialPrompt)
	}

	// The encoder callback returns false to abort.
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(pcm16k, proceed, nil, nil); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("stt: process: %w", err)
	}

	var (
		segs  []Segment
		parts []string
		pSum  float64
		pN    int
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		s, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("stt: next segment: %w", err)
		}

		segs = append(segs, Segment{
			Text:     s.Text,
			StartSec: s.Start.Seconds(),
			EndSec:   s.End.Seconds(),
		})
		if text := CleanText(s.Text); text != "" {
			parts = append(parts, text)
		}
		for _, tok := range s.Tokens {
			pSum += float64(tok.P)
			pN++
		}
	}

	lang := wctx.DetectedLanguage()
	if lang == "" {
		lang = wctx.Language()
	}

	res := Result{
		Text:     strings.Join(parts, " "),
		Segments: segs,
		Language: lang,
	}
	if pN > 0 {
		res.Confidence = pSum / float64(pN)
	}
	return res, nil
}
