package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lmittmann/tint"
	log "log/slog"

	"hetu/internal/audio"
	"hetu/internal/bus"
	"hetu/internal/config"
	"hetu/internal/daemon"
	"hetu/internal/insight"
	"hetu/internal/ipc"
	"hetu/internal/llm"
	"hetu/internal/mic"
	"hetu/internal/notify"
	"hetu/internal/proxy"
	"hetu/internal/store"
	"hetu/internal/stt"
	"hetu/internal/tts"
	"hetu/internal/vad"
	"hetu/internal/voice"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	cfgFile := cli.StringP("config", "c", "", "YAML config file")
	logLevel := cli.StringP("log", "l", "", "Log level (overrides config)")
	logFile := cli.String("log-file", "", "Also write logs to this rotating file")
	listen := cli.BoolP("listen", "w", false, "Start the wake word loop at boot")
	cli.Parse()

	godotenv.Load(*envFile)

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	setupLogger(cfg.Log)

	log.Info("Booting up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *listen); err != nil {
		log.Error("Daemon failed", "err", err)
		os.Exit(1)
	}
	log.Info("Shut down")
}

func setupLogger(c config.LogConfig) {
	level, ok := logLevelMap[c.Level]
	if !ok {
		level = log.LevelInfo
	}

	var w io.Writer = os.Stdout
	if c.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}

	log.SetDefault(log.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    c.File != "",
	})))
}

func run(ctx context.Context, cfg *config.Config, listen bool) error {
	st, err := store.New(store.Config{Path: cfg.StorePath()})
	if err != nil {
		return err
	}
	defer st.Close()

	log.Debug("Opened journal", "path", st.Path())

	httpClient, err := proxy.NewClient(cfg.Proxy.Addr, cfg.Proxy.Timeout)
	if err != nil {
		return err
	}

	session := llm.New(llm.Config{
		BaseURL:      cfg.Models.LLMBaseURL,
		APIKey:       cfg.Models.LLMAPIKey,
		Model:        cfg.Models.LLMModel,
		Locations:    cfg.ModelLocations(),
		MinModelSize: cfg.Models.LLMMinSize,
		Params:       cfg.LLM,
		HTTPClient:   httpClient,
	})
	defer session.Unload()

	speech := stt.New(stt.Config{
		Locations:    cfg.ModelLocations(),
		Language:     cfg.Models.WhisperLanguage,
		Threads:      cfg.Models.WhisperThreads,
		MinModelSize: cfg.Models.WhisperMinSize,
	})
	defer speech.Unload()

	if cfg.Models.Preload {
		go preload(ctx, session, speech, cfg.LLM)
	}

	speaker := tts.New(cfg.Audio.Voice)
	if err := speaker.LoadVoice(); err != nil {
		log.Warn("Failed to load voice, replies will not be spoken", "err", err)
	}
	defer speaker.UnloadVoice()

	if err := mic.Init(); err != nil {
		return err
	}
	defer mic.Terminate()

	rec := audio.NewRecorder(mic.Device{})
	detector := vad.New(cfg.VAD)

	deps := voice.Deps{
		Audio:   rec,
		VAD:     detector,
		STT:     speech,
		TTS:     speaker,
		LLM:     session,
		Journal: st,
	}
	if cfg.Audio.Chime != "" {
		chime, err := notify.LoadChime(cfg.Audio.Chime)
		if err != nil {
			log.Warn("Failed to load chime", "path", cfg.Audio.Chime, "err", err)
		} else {
			deps.Chime = chime
		}
	}
	if cfg.Audio.Duck {
		deps.Ducker = audio.NewDucker(audio.DuckerConfig{
			SelfNames: []string{"hetu", "hetu-daemon"},
			Factor:    cfg.Audio.DuckFactor,
			MinVolume: cfg.Audio.DuckMin,
			Fade:      cfg.Audio.DuckFade,
		})
	}
	loop := voice.New(cfg.Voice, deps)
	defer func() {
		loop.Stop()
		loop.Wait()
	}()

	ddeps := daemon.Deps{
		Loop:     loop,
		Analyzer: insight.New(st, session),
		Store:    st,
		STT:      speech,
		LLM:      session,
		Mic:      rec,
		VAD:      detector,
	}
	if cfg.Bus.URL != "" {
		b, err := bus.Dial(ctx, cfg.Bus.URL)
		if err != nil {
			log.Warn("Bus unavailable, events will not be published", "err", err)
		} else {
			defer b.Close()
			ddeps.Bus = b
		}
	}

	dm := daemon.New(ctx, daemon.Config{
		ModelsDir:      cfg.Models.Dir,
		WhisperMinSize: cfg.Models.WhisperMinSize,
		LLMMinSize:     cfg.Models.LLMMinSize,
		LLMParams:      cfg.LLM,
	}, ddeps)
	go dm.Forward(ctx)

	srv, err := ipc.Listen(cfg.IPC.Socket, dm)
	if err != nil {
		return err
	}

	if listen {
		if resp := dm.Handle(ctx, ipc.Request{Cmd: "start"}); !resp.OK {
			log.Warn("Wake word loop not started", "err", resp.Message)
		}
	}

	log.Info("Boot up - successful", "socket", cfg.IPC.Socket)
	return srv.Serve(ctx)
}

// preload warms both models so the first spoken query is not slowed by a
// model load.
func preload(ctx context.Context, session *llm.Session, speech *stt.Service, p llm.Params) {
	if err := speech.Load(ctx); err != nil {
		log.Warn("Speech model not loaded", "err", err)
	}
	if err := session.Load(ctx, "", p); err != nil {
		log.Warn("Conversational model not loaded", "err", err)
	}
}
