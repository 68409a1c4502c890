package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"hetu/internal/ipc"
	"hetu/internal/modelfs"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the loaded values and fills in derived paths. Load calls
// it automatically.
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		c.Data.Dir = defaultDataDir()
	}
	if c.Models.Dir == "" {
		c.Models.Dir = filepath.Join(c.Data.Dir, "models")
	}
	if len(c.Models.Downloads) == 0 {
		c.Models.Downloads = modelfs.DefaultDownloads()
	}
	if c.IPC.Socket == "" {
		c.IPC.Socket = ipc.DefaultSocketPath()
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if !logLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", c.Log.Level)
	}

	if err := c.validateVoice(); err != nil {
		return fmt.Errorf("voice: %w", err)
	}
	if c.VAD.Threshold <= 0 {
		return fmt.Errorf("vad.threshold must be > 0 (got %v)", c.VAD.Threshold)
	}
	if c.Audio.DuckFactor < 0 || c.Audio.DuckFactor > 1 {
		return fmt.Errorf("audio.duck_factor must be in [0,1] (got %v)", c.Audio.DuckFactor)
	}
	if err := c.validateLLM(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	return nil
}

func (c *Config) validateVoice() error {
	var phrases []string
	for _, p := range c.Voice.WakePhrases {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	if len(phrases) == 0 {
		return fmt.Errorf("wake_phrases must not be empty")
	}
	c.Voice.WakePhrases = phrases

	if c.Voice.Snippet <= 0 {
		return fmt.Errorf("snippet must be > 0 (got %v)", c.Voice.Snippet)
	}
	if c.Voice.Query <= 0 {
		return fmt.Errorf("query must be > 0 (got %v)", c.Voice.Query)
	}
	if c.Voice.History < 0 {
		return fmt.Errorf("history must be >= 0 (got %d)", c.Voice.History)
	}
	return nil
}

func (c *Config) validateLLM() error {
	p := c.LLM
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0,2] (got %v)", p.Temperature)
	}
	if p.MinP < 0 || p.MinP > 1 {
		return fmt.Errorf("min_p must be in [0,1] (got %v)", p.MinP)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("top_p must be in [0,1] (got %v)", p.TopP)
	}
	if p.ContextSize <= 0 {
		return fmt.Errorf("context_size must be > 0 (got %d)", p.ContextSize)
	}
	if c.Models.LLMBaseURL == "" {
		return fmt.Errorf("base url must be set")
	}
	return nil
}
