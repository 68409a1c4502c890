// Package voice runs the wake-word loop: listen for the wake phrase, take a
// spoken query, answer it with the conversational model and speak the
// reply.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hetu/internal/audio"
	"hetu/internal/journal"
	"hetu/internal/llm"
	"hetu/internal/stt"
	"hetu/internal/tts"
	"hetu/internal/vad"
	"hetu/internal/watch"
)

const (
	StatusStopped       = "Stopped"
	StatusHeard         = "Listening..."
	StatusAwake         = "I'm listening..."
	StatusThinking      = "Thinking..."
	StatusSpeaking      = "Speaking..."
	StatusDidntHear     = "Didn't hear anything."
	statusErrorPrefix   = "Error: "
	duckRestoreDeadline = 2 * time.Second
)

type Capturer interface {
	Capture(ctx context.Context, maxDur time.Duration, opts audio.CaptureOptions) ([]byte, error)
}

type Detector interface {
	Detect(pcm []byte) vad.Result
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) stt.Result
}

type Speaker interface {
	Speak(ctx context.Context, text string, rate, pitch float64) tts.Result
}

type Chatter interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// StreamChatter is implemented by models that can deliver a reply piece
// by piece.
type StreamChatter interface {
	ChatStream(ctx context.Context, prompt string) (<-chan llm.Token, error)
}

type Journal interface {
	AddMessage(ctx context.Context, m journal.Message) (int64, error)
	RecentMessages(ctx context.Context, limit int) ([]journal.Message, error)
}

type Notifier interface {
	Play(ctx context.Context) error
}

type Ducker interface {
	Duck(ctx context.Context) error
	Restore(ctx context.Context) error
}

// Deps are the loop's collaborators. Chime and Ducker are optional.
type Deps struct {
	Audio   Capturer
	VAD     Detector
	STT     Transcriber
	TTS     Speaker
	LLM     Chatter
	Journal Journal
	Chime   Notifier
	Ducker  Ducker
}

// Config controls the loop's timing and voice. SnippetGiveUp ends a
// listening snippet early when no voice was heard. QuerySilence ends the
// query early after speech; zero records the full Query duration. History
// is how many persisted messages go into each prompt.
type Config struct {
	WakePhrases   []string      `yaml:"wake_phrases" env:"HETU_WAKE_PHRASES" env-separator:"," env-default:"hetu"`
	Snippet       time.Duration `yaml:"snippet" env:"HETU_SNIPPET" env-default:"2s"`
	SnippetGiveUp time.Duration `yaml:"snippet_give_up" env:"HETU_SNIPPET_GIVE_UP" env-default:"1s"`
	Query         time.Duration `yaml:"query" env:"HETU_QUERY" env-default:"5s"`
	QuerySilence  time.Duration `yaml:"query_silence" env:"HETU_QUERY_SILENCE" env-default:"0s"`
	Settle        time.Duration `yaml:"settle" env:"HETU_SETTLE" env-default:"500ms"`
	Idle          time.Duration `yaml:"idle" env:"HETU_IDLE" env-default:"100ms"`
	Ack           string        `yaml:"ack" env:"HETU_ACK" env-default:"Yes?"`
	Rate          float64       `yaml:"rate" env:"HETU_TTS_RATE" env-default:"1.0"`
	Pitch         float64       `yaml:"pitch" env:"HETU_TTS_PITCH" env-default:"1.0"`
	History       int           `yaml:"history" env:"HETU_HISTORY" env-default:"6"`
}

func DefaultConfig() Config {
	return Config{
		WakePhrases:   []string{"hetu"},
		Snippet:       2 * time.Second,
		SnippetGiveUp: time.Second,
		Query:         5 * time.Second,
		Settle:        500 * time.Millisecond,
		Idle:          100 * time.Millisecond,
		Ack:           "Yes?",
		Rate:          1,
		Pitch:         1,
		History:       6,
	}
}

type Loop struct {
	cfg Config
	d   Deps

	state  *watch.Value[State]
	status *watch.Value[string]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// turn serializes voice and typed turns through the model
	turn sync.Mutex
}

func New(cfg Config, d Deps) *Loop {
	return &Loop{
		cfg:    cfg,
		d:      d,
		state:  watch.New(Idle),
		status: watch.New("Idle"),
	}
}

// Start launches the loop in the background. It returns false, doing
// nothing, when the loop is already running.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		defer func() {
			l.mu.Lock()
			l.cancel = nil
			l.mu.Unlock()
			cancel()
		}()

		l.run(ctx)
	}()
	return true
}

// Stop cancels the loop at whatever phase it is in. Use Wait to block until
// it has released the microphone.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) State() State   { return l.state.Get() }
func (l *Loop) Status() string { return l.status.Get() }

func (l *Loop) Subscribe() (<-chan State, func()) { return l.state.Subscribe() }

func (l *Loop) SubscribeStatus() (<-chan string, func()) { return l.status.Subscribe() }

func (l *Loop) setState(s State) {
	if l.state.Get() != s {
		slog.Debug("Voice state", "state", s)
	}
	l.state.Set(s)
}

func (l *Loop) waiting() string {
	phrase := "hetu"
	if len(l.cfg.WakePhrases) > 0 {
		phrase = l.cfg.WakePhrases[0]
	}
	return fmt.Sprintf("Waiting for '%s'...", phrase)
}

func (l *Loop) fail(err error) {
	slog.Error("Voice turn failed", "err", err)
	l.status.Set(statusErrorPrefix + err.Error())
}

func (l *Loop) run(ctx context.Context) {
	slog.Info("Starting wake word loop", "phrases", l.cfg.WakePhrases)

	l.setState(Listening)
	l.status.Set(l.waiting())

	defer func() {
		l.setState(Idle)
		l.status.Set(StatusStopped)
		slog.Info("Wake word loop stopped")
	}()

	for ctx.Err() == nil {
		l.iterate(ctx)
		if !sleep(ctx, l.cfg.Idle) {
			return
		}
	}
}

// iterate runs one listen cycle and, on a wake phrase, one full turn. A
// panic in a collaborator ends the cycle, not the loop.
func (l *Loop) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.fail(fmt.Errorf("internal error: %v", r))
			l.setState(Listening)
		}
	}()

	if !l.listen(ctx) {
		return
	}
	l.awake(ctx)

	if ctx.Err() == nil {
		l.setState(Listening)
	}
}

// listen captures one snippet and reports whether it held the wake phrase.
func (l *Loop) listen(ctx context.Context) bool {
	pcm, err := l.d.Audio.Capture(ctx, l.cfg.Snippet, audio.CaptureOptions{GiveUpAfter: l.cfg.SnippetGiveUp})
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("Snippet capture failed", "err", err)
		}
		return false
	}
	if len(pcm) == 0 || !l.d.VAD.Detect(pcm).HasSpeech {
		return false
	}

	slog.Debug("Speech detected, checking for wake word")
	l.status.Set(StatusHeard)

	res := l.d.STT.Transcribe(ctx, pcm)
	if res.Err != "" {
		if ctx.Err() == nil {
			l.fail(errors.New(res.Err))
		}
		return false
	}

	if !WakeWordMatch(res.Text, l.cfg.WakePhrases) {
		l.status.Set(l.waiting())
		return false
	}

	slog.Info("Wake word detected", "text", res.Text)
	return true
}

func (l *Loop) awake(ctx context.Context) {
	l.setState(Awake)
	l.status.Set(StatusAwake)

	if l.d.Chime != nil {
		if err := l.d.Chime.Play(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Failed to play chime", "err", err)
		}
	}
	if ack := l.d.TTS.Speak(ctx, l.cfg.Ack, l.cfg.Rate, l.cfg.Pitch); ack.Success {
		// keep the acknowledgement out of the query recording
		if !sleep(ctx, ack.Duration) {
			return
		}
	}

	pcm := l.captureQuery(ctx)
	if ctx.Err() != nil {
		return
	}

	l.setState(Transcribing)
	l.status.Set(StatusThinking)

	res := l.d.STT.Transcribe(ctx, pcm)
	switch {
	case ctx.Err() != nil:
		return
	case res.Err != "":
		l.fail(errors.New(res.Err))
	case strings.TrimSpace(res.Text) == "":
		l.status.Set(StatusDidntHear)
	default:
		l.setState(Responding)
		reply, err := l.respond(ctx, res.Text)
		if err != nil {
			if ctx.Err() == nil {
				l.fail(err)
			}
			break
		}

		l.setState(Speaking)
		l.status.Set(StatusSpeaking)
		if spoken := l.d.TTS.Speak(ctx, reply, l.cfg.Rate, l.cfg.Pitch); !spoken.Success {
			slog.Warn("Reply not spoken", "err", spoken.Err)
		}
		l.status.Set(l.waiting())
	}

	sleep(ctx, l.cfg.Settle)
}

func (l *Loop) captureQuery(ctx context.Context) []byte {
	if l.d.Ducker != nil {
		if err := l.d.Ducker.Duck(ctx); err != nil {
			slog.Warn("Failed to duck other audio", "err", err)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), duckRestoreDeadline)
			defer cancel()
			if err := l.d.Ducker.Restore(rctx); err != nil {
				slog.Warn("Failed to restore other audio", "err", err)
			}
		}()
	}

	pcm, err := l.d.Audio.Capture(ctx, l.cfg.Query, audio.CaptureOptions{StopOnSilence: l.cfg.QuerySilence})
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Query capture failed", "err", err)
		}
		return nil
	}
	return pcm
}

// Turn runs a typed journal entry through the same path as a spoken query
// and returns the reply. Nothing is spoken.
func (l *Loop) Turn(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("voice: empty journal entry")
	}
	return l.respond(ctx, text)
}

// TurnStream is Turn with the reply handed to onPiece as it is generated.
// A model that cannot stream delivers its whole reply as one piece.
func (l *Loop) TurnStream(ctx context.Context, text string, onPiece func(string)) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("voice: empty journal entry")
	}

	sc, ok := l.d.LLM.(StreamChatter)
	if !ok {
		return l.respondWith(ctx, text, func(ctx context.Context, prompt string) (string, error) {
			reply, err := l.d.LLM.Chat(ctx, prompt)
			if err == nil {
				onPiece(reply)
			}
			return reply, err
		})
	}

	return l.respondWith(ctx, text, func(ctx context.Context, prompt string) (string, error) {
		tokens, err := sc.ChatStream(ctx, prompt)
		if err != nil {
			return "", err
		}

		var b strings.Builder
		for tok := range tokens {
			if tok.Err != nil {
				return "", tok.Err
			}
			b.WriteString(tok.Text)
			onPiece(tok.Text)
		}
		// the stream closes quietly on cancellation
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return b.String(), nil
	})
}

func (l *Loop) respond(ctx context.Context, text string) (string, error) {
	return l.respondWith(ctx, text, l.d.LLM.Chat)
}

// respondWith persists the user message, asks the model with recent
// history and persists the reply.
func (l *Loop) respondWith(ctx context.Context, text string, chat func(context.Context, string) (string, error)) (string, error) {
	l.turn.Lock()
	defer l.turn.Unlock()

	history, err := l.d.Journal.RecentMessages(ctx, l.cfg.History)
	if err != nil {
		slog.Warn("Failed to load history", "err", err)
		history = nil
	}

	if _, err := l.d.Journal.AddMessage(ctx, journal.Message{Text: text, IsUser: true}); err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}

	reply, err := chat(ctx, BuildPrompt(history, text))
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)

	if _, err := l.d.Journal.AddMessage(ctx, journal.Message{Text: reply}); err != nil {
		return "", fmt.Errorf("save reply: %w", err)
	}
	return reply, nil
}

// BuildPrompt prefixes query with the recent conversation, oldest first.
func BuildPrompt(history []journal.Message, query string) string {
	if len(history) == 0 {
		return query
	}

	var b strings.Builder
	b.WriteString("Recent journal conversation:\n")
	for _, m := range history {
		who := "Hetu"
		if m.IsUser {
			who = "User"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, strings.TrimSpace(m.Text))
	}
	b.WriteString("\nUser: ")
	b.WriteString(query)
	return b.String()
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
