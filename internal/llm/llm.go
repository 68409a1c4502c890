// Package llm holds the conversational model session. Inference runs on a
// local OpenAI-compatible server (llama.cpp) serving the discovered GGUF
// file.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"hetu/internal/modelfs"
)

const SystemPrompt = `You are Hetu, a warm and insightful wellness companion. You help users reflect on their habits, emotions, and daily experiences. Provide thoughtful, personalized responses based on what they share. Be supportive but also offer gentle insights when you notice patterns.`

var (
	ErrModelUnavailable = errors.New("llm: no model file found")
	ErrModelLoad        = errors.New("llm: failed to load model")
	ErrInference        = errors.New("llm: inference failed")
	ErrNotLoaded        = errors.New("llm: model not loaded")
)

var ggufMagic = []byte("GGUF")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Params struct {
	Temperature float64 `yaml:"temperature" env:"HETU_LLM_TEMPERATURE" env-default:"0.8"`
	TopP        float64 `yaml:"top_p" env:"HETU_LLM_TOP_P" env-default:"0"`
	MinP        float64 `yaml:"min_p" env:"HETU_LLM_MIN_P" env-default:"0.05"`
	ContextSize int     `yaml:"context_size" env:"HETU_LLM_CONTEXT_SIZE" env-default:"4096"`
	Threads     int     `yaml:"threads" env:"HETU_LLM_THREADS" env-default:"8"`
	// MaxTokens caps a reply and is reserved out of ContextSize.
	MaxTokens int `yaml:"max_tokens" env:"HETU_LLM_MAX_TOKENS" env-default:"512"`
}

func DefaultParams() Params {
	return Params{
		Temperature: 0.8,
		MinP:        0.05,
		ContextSize: 4096,
		Threads:     8,
		MaxTokens:   512,
	}
}

type Config struct {
	BaseURL string
	APIKey  string
	// Model is sent as the model name. Empty uses the GGUF file name.
	Model        string
	Locations    modelfs.Locations
	MinModelSize int64
	Params       Params
	HTTPClient   *http.Client
}

// Request is one generation call against the backend.
type Request struct {
	Model    string
	Messages []Message
	Params   Params
}

// Backend generates completions. onToken receives streamed pieces in order.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onToken func(string) error) error
}

type Token struct {
	Text string
	Err  error
}

type Session struct {
	cfg     Config
	backend Backend

	// gen serializes generation; mu guards the fields below. gen is always
	// taken before mu.
	gen sync.Mutex
	mu  sync.Mutex

	path    string
	model   string
	params  Params
	history []Message
}

func New(cfg Config) *Session {
	return NewWithBackend(cfg, newOpenAIBackend(cfg))
}

func NewWithBackend(cfg Config, b Backend) *Session {
	if cfg.Params == (Params{}) {
		cfg.Params = DefaultParams()
	}
	return &Session{cfg: cfg, backend: b}
}

// FindModel returns the GGUF file Load would pick for an empty path.
func (s *Session) FindModel() (string, error) {
	path, err := modelfs.FindFile(s.cfg.Locations, ".gguf", s.cfg.MinModelSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return path, nil
}

// Load validates the GGUF file at path and starts a fresh conversation.
// An empty path discovers the file. Loading while loaded does nothing.
func (s *Session) Load(ctx context.Context, path string, p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if path == "" {
		found, err := s.FindModel()
		if err != nil {
			return err
		}
		path = found
	}

	if err := checkGGUF(path); err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	if p == (Params{}) {
		p = s.cfg.Params
	}
	model := s.cfg.Model
	if model == "" {
		model = filepath.Base(path)
	}

	s.path = path
	s.model = model
	s.params = p
	s.history = []Message{{Role: RoleSystem, Content: SystemPrompt}}

	slog.Info("Model loaded", "path", path, "ctx", p.ContextSize, "threads", p.Threads)
	return nil
}

func checkGGUF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	if !bytes.Equal(magic, ggufMagic) {
		return fmt.Errorf("%s is not a GGUF file", path)
	}
	return nil
}

func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path != ""
}

func (s *Session) ModelPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Unload waits for generation in progress and drops the model.
func (s *Session) Unload() {
	s.gen.Lock()
	defer s.gen.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		slog.Info("Model unloaded", "path", s.path)
	}
	s.path = ""
	s.model = ""
	s.history = nil
}

// Reset clears the conversation, keeping the system prompt.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		s.history = []Message{{Role: RoleSystem, Content: SystemPrompt}}
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

func (s *Session) ensureLoaded(ctx context.Context) error {
	if s.Loaded() {
		return nil
	}
	return s.Load(ctx, "", Params{})
}

func (s *Session) prepare(prompt string, stateless bool) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return Request{}, ErrNotLoaded
	}

	var msgs []Message
	if stateless {
		msgs = []Message{{Role: RoleSystem, Content: SystemPrompt}}
	} else {
		msgs = append([]Message(nil), s.history...)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})

	return Request{
		Model:    s.model,
		Messages: trim(msgs, s.params.ContextSize-s.params.MaxTokens),
		Params:   s.params,
	}, nil
}

func (s *Session) remember(prompt, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return
	}
	s.history = append(s.history,
		Message{Role: RoleUser, Content: prompt},
		Message{Role: RoleAssistant, Content: reply},
	)
	s.history = trim(s.history, s.params.ContextSize-s.params.MaxTokens)
}

// Chat sends prompt as the next user turn and returns the full reply,
// loading the model first if needed.
func (s *Session) Chat(ctx context.Context, prompt string) (string, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return "", err
	}

	s.gen.Lock()
	defer s.gen.Unlock()

	req, err := s.prepare(prompt, false)
	if err != nil {
		return "", err
	}

	reply, err := s.backend.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInference, err)
	}

	s.remember(prompt, reply)
	return reply, nil
}

// Complete generates a reply to prompt without touching the conversation.
func (s *Session) Complete(ctx context.Context, prompt string) (string, error) {
	s.gen.Lock()
	defer s.gen.Unlock()

	req, err := s.prepare(prompt, true)
	if err != nil {
		return "", err
	}

	reply, err := s.backend.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInference, err)
	}
	return reply, nil
}

// ChatStream is Chat delivered piece by piece. The channel closes when the
// reply is complete; a failure arrives as a final Token with Err set. The
// conversation is updated only when the reply completes.
func (s *Session) ChatStream(ctx context.Context, prompt string) (<-chan Token, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	out := make(chan Token, 16)
	go func() {
		defer close(out)

		s.gen.Lock()
		defer s.gen.Unlock()

		send := func(t Token) error {
			select {
			case out <- t:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := s.prepare(prompt, false)
		if err != nil {
			send(Token{Err: err})
			return
		}

		var reply bytes.Buffer
		err = s.backend.Stream(ctx, req, func(piece string) error {
			reply.WriteString(piece)
			return send(Token{Text: piece})
		})
		if err != nil {
			send(Token{Err: fmt.Errorf("%w: %v", ErrInference, err)})
			return
		}

		s.remember(prompt, reply.String())
	}()

	return out, nil
}

// estimateTokens approximates a message's token count at four characters
// per token plus framing.
func estimateTokens(m Message) int {
	return len(m.Content)/4 + 4
}

// trim drops the oldest non-system messages until the estimate fits budget.
// The system prompt and the last message are always kept.
func trim(msgs []Message, budget int) []Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	total := 0
	for _, m := range msgs {
		total += estimateTokens(m)
	}

	start := 0
	if msgs[0].Role == RoleSystem {
		start = 1
	}

	out := msgs
	for total > budget && len(out)-start > 1 {
		total -= estimateTokens(out[start])
		out = append(append([]Message(nil), out[:start]...), out[start+1:]...)
	}
	return out
}
