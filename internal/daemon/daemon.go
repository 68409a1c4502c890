// Package daemon wires the journal services behind the control socket.
// Each ipc command maps to one handler; failures come back as a failed
// response, never as a crash.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"hetu/internal/audio"
	"hetu/internal/bus"
	"hetu/internal/insight"
	"hetu/internal/ipc"
	"hetu/internal/journal"
	"hetu/internal/llm"
	"hetu/internal/stt"
	"hetu/internal/vad"
	"hetu/internal/voice"
	"hetu/pkg/audioconv"
)

type Loop interface {
	Start(ctx context.Context) bool
	Stop()
	Wait()
	Running() bool
	State() voice.State
	Status() string
	Subscribe() (<-chan voice.State, func())
	SubscribeStatus() (<-chan string, func())
	Turn(ctx context.Context, text string) (string, error)
	TurnStream(ctx context.Context, text string, onPiece func(string)) (string, error)
}

type Analyzer interface {
	RunFullAnalysis(ctx context.Context) ([]journal.Insight, error)
	MaybeRun(ctx context.Context) ([]journal.Insight, error)
	State() insight.State
	Subscribe() (<-chan insight.State, func())
}

type Store interface {
	AddAction(ctx context.Context, a journal.Action) (int64, error)
	AddOutcome(ctx context.Context, o journal.Outcome) (int64, error)
	MarkCheckedIn(ctx context.Context, id int64) error
	PendingCheckIns(ctx context.Context) ([]journal.Action, error)
	ListActionsByDate(ctx context.Context, day string) ([]journal.Action, error)
	ListOutcomesByDate(ctx context.Context, day string) ([]journal.Outcome, error)
	ListInsights(ctx context.Context) ([]journal.Insight, error)
	InsightsByConfidence(ctx context.Context, c journal.Confidence) ([]journal.Insight, error)
	DeleteAction(ctx context.Context, id int64) error
	DeleteOutcome(ctx context.Context, id int64) error
	DeleteMessage(ctx context.Context, id int64) error
	DeleteInsight(ctx context.Context, id int64) error
	RecentMessages(ctx context.Context, limit int) ([]journal.Message, error)
	Stats(ctx context.Context) (journal.Stats, error)
	Reset(ctx context.Context) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) stt.Result
	Loaded() bool
	ModelPath() string
	Unload() error
}

type Model interface {
	Load(ctx context.Context, path string, p llm.Params) error
	Loaded() bool
	ModelPath() string
	Unload()
	Reset()
}

// Mic is the capture device, shared with the wake-word loop.
type Mic interface {
	HasPermission() bool
	Capture(ctx context.Context, maxDur time.Duration, opts audio.CaptureOptions) ([]byte, error)
	Stream(ctx context.Context) (<-chan []float32, error)
}

// Levels is the loop's voice activity detector.
type Levels interface {
	Calibrate(ambient []byte) float64
	Stream(ctx context.Context, in <-chan []float32) <-chan vad.Result
}

type Publisher interface {
	Publish(e bus.Event) error
}

// Decoder turns an audio file into 16 kHz mono samples.
type Decoder func(ctx context.Context, path string) ([]float32, error)

type Config struct {
	ModelsDir      string
	WhisperMinSize int64
	LLMMinSize     int64
	LLMParams      llm.Params
	// MaxMemo caps how much of an imported recording is transcribed.
	MaxMemo time.Duration
}

// Deps are the services commands act on. Mic, VAD, Bus and Decode are
// optional.
type Deps struct {
	Loop     Loop
	Analyzer Analyzer
	Store    Store
	STT      Transcriber
	LLM      Model
	Mic      Mic
	VAD      Levels
	Bus      Publisher
	Decode   Decoder
}

type handlerFunc func(ctx context.Context, args []string) ipc.Response

type Daemon struct {
	cfg  Config
	d    Deps
	base context.Context

	handlers map[string]handlerFunc
}

// New returns a daemon whose background work, such as the wake-word loop,
// lives as long as base.
func New(base context.Context, cfg Config, d Deps) *Daemon {
	if cfg.MaxMemo <= 0 {
		cfg.MaxMemo = 5 * time.Minute
	}
	if d.Decode == nil {
		limit := int(cfg.MaxMemo / time.Second * audioconv.TargetRate)
		d.Decode = func(ctx context.Context, path string) ([]float32, error) {
			return audioconv.DecodeFile(ctx, path, audioconv.Options{MaxSamples: limit})
		}
	}

	dm := &Daemon{cfg: cfg, d: d, base: base}
	dm.handlers = map[string]handlerFunc{
		"start":        dm.start,
		"stop":         dm.stop,
		"status":       dm.status,
		"analyze":      dm.analyze,
		"insights":     dm.insights,
		"stats":        dm.stats,
		"day":          dm.day,
		"delete":       dm.remove,
		"journal":      dm.journal,
		"history":      dm.history,
		"action":       dm.action,
		"outcome":      dm.outcome,
		"checkin":      dm.checkin,
		"pending":      dm.pending,
		"transcribe":   dm.transcribe,
		"import-model": dm.importModel,
		"load":         dm.load,
		"calibrate":    dm.calibrate,
		"monitor":      dm.monitor,
		"reset":        dm.reset,
		"help":         dm.help,
	}
	return dm
}

func (dm *Daemon) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	h, ok := dm.handlers[req.Cmd]
	if !ok {
		slog.Warn("Unknown command", "cmd", req.Cmd)
		return ipc.Fail(fmt.Errorf("unknown command %q (try help)", req.Cmd))
	}

	slog.Debug("Handling command", "cmd", req.Cmd, "args", req.Args)
	resp := h(ctx, req.Args)
	if !resp.OK {
		slog.Warn("Command failed", "cmd", req.Cmd, "err", resp.Message)
	}
	return resp
}

// Commands lists the command names, sorted.
func (dm *Daemon) Commands() []string {
	names := make([]string, 0, len(dm.handlers))
	for name := range dm.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (dm *Daemon) help(context.Context, []string) ipc.Response {
	return ipc.OK("commands: "+strings.Join(dm.Commands(), ", "), dm.Commands())
}

func (dm *Daemon) publish(kind, content, run string) {
	if dm.d.Bus == nil {
		return
	}
	if err := dm.d.Bus.Publish(bus.Event{Kind: kind, Content: content, Run: run}); err != nil {
		slog.Warn("Failed to publish event", "kind", kind, "err", err)
	}
}
