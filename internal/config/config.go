// Package config loads daemon settings from a YAML file and the
// environment. Environment variables win over the file; env-default tags
// fill in everything else.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"hetu/internal/llm"
	"hetu/internal/modelfs"
	"hetu/internal/vad"
	"hetu/internal/voice"
)

type Config struct {
	Data   DataConfig   `yaml:"data"`
	Voice  voice.Config `yaml:"voice"`
	VAD    vad.Config   `yaml:"vad"`
	Audio  AudioConfig  `yaml:"audio"`
	Models ModelsConfig `yaml:"models"`
	LLM    llm.Params   `yaml:"llm"`
	Bus    BusConfig    `yaml:"bus"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	IPC    IPCConfig    `yaml:"ipc"`
	Log    LogConfig    `yaml:"log"`
}

type DataConfig struct {
	// Dir holds the database and imported models. Empty means
	// ~/.local/share/hetu.
	Dir string `yaml:"dir" env:"HETU_DATA_DIR"`
	// DB overrides the database path.
	DB string `yaml:"db" env:"HETU_DB"`
}

type AudioConfig struct {
	Voice      string        `yaml:"voice" env:"HETU_TTS_VOICE" env-default:"en"`
	Chime      string        `yaml:"chime" env:"HETU_CHIME"`
	Duck       bool          `yaml:"duck" env:"HETU_DUCK" env-default:"true"`
	DuckFactor float64       `yaml:"duck_factor" env:"HETU_DUCK_FACTOR" env-default:"0.3"`
	DuckMin    int           `yaml:"duck_min" env:"HETU_DUCK_MIN" env-default:"10"`
	DuckFade   time.Duration `yaml:"duck_fade" env:"HETU_DUCK_FADE" env-default:"300ms"`
}

type ModelsConfig struct {
	// Dir is the app model directory. Empty means <data dir>/models.
	Dir       string   `yaml:"dir" env:"HETU_MODELS_DIR"`
	Downloads []string `yaml:"downloads" env:"HETU_MODELS_DOWNLOADS" env-separator:","`

	WhisperLanguage string `yaml:"whisper_language" env:"HETU_WHISPER_LANGUAGE" env-default:"auto"`
	WhisperThreads  int    `yaml:"whisper_threads" env:"HETU_WHISPER_THREADS" env-default:"0"`
	WhisperMinSize  int64  `yaml:"whisper_min_size" env:"HETU_WHISPER_MIN_SIZE" env-default:"10000000"`

	LLMBaseURL string `yaml:"llm_base_url" env:"HETU_LLM_BASE_URL" env-default:"http://127.0.0.1:8080/v1"`
	LLMAPIKey  string `yaml:"llm_api_key" env:"HETU_LLM_API_KEY"`
	LLMModel   string `yaml:"llm_model" env:"HETU_LLM_MODEL"`
	LLMMinSize int64  `yaml:"llm_min_size" env:"HETU_LLM_MIN_SIZE" env-default:"314572800"`
	// Preload loads both models at boot instead of on first use.
	Preload bool `yaml:"preload" env:"HETU_PRELOAD" env-default:"false"`
}

type BusConfig struct {
	// URL of the websocket hub. Empty disables event publishing.
	URL string `yaml:"url" env:"HETU_BUS_URL"`
}

type ProxyConfig struct {
	Addr    string        `yaml:"addr" env:"HETU_PROXY"`
	Timeout time.Duration `yaml:"timeout" env:"HETU_PROXY_TIMEOUT" env-default:"120s"`
}

type IPCConfig struct {
	Socket string `yaml:"socket" env:"HETU_SOCKET"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"HETU_LOG_LEVEL" env-default:"info"`
	File  string `yaml:"file" env:"HETU_LOG_FILE"`
}

// Load reads path, when given, and then the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// StorePath is the sqlite database file.
func (c *Config) StorePath() string {
	if c.Data.DB != "" {
		return c.Data.DB
	}
	return filepath.Join(c.Data.Dir, "hetu.db")
}

func (c *Config) ModelLocations() modelfs.Locations {
	return modelfs.Locations{App: c.Models.Dir, Downloads: c.Models.Downloads}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "hetu")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "hetu"
	}
	return filepath.Join(home, ".local", "share", "hetu")
}
