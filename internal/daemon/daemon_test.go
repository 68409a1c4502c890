package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hetu/internal/audio"
	"hetu/internal/bus"
	"hetu/internal/insight"
	"hetu/internal/ipc"
	"hetu/internal/journal"
	"hetu/internal/llm"
	"hetu/internal/store"
	"hetu/internal/stt"
	"hetu/internal/vad"
	"hetu/internal/voice"
	"hetu/internal/watch"
)

type fakeLoop struct {
	state   *watch.Value[voice.State]
	status  *watch.Value[string]
	running bool
	turns   []string
	reply   string
	err     error
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		state:  watch.New(voice.Idle),
		status: watch.New("Idle"),
		reply:  "Sounds like a good day.",
	}
}

func (l *fakeLoop) Start(context.Context) bool {
	if l.running {
		return false
	}
	l.running = true
	l.state.Set(voice.Listening)
	return true
}

func (l *fakeLoop) Stop() {
	l.running = false
	l.state.Set(voice.Idle)
}

func (l *fakeLoop) Wait()              {}
func (l *fakeLoop) Running() bool      { return l.running }
func (l *fakeLoop) State() voice.State { return l.state.Get() }
func (l *fakeLoop) Status() string     { return l.status.Get() }

func (l *fakeLoop) Subscribe() (<-chan voice.State, func()) { return l.state.Subscribe() }

func (l *fakeLoop) SubscribeStatus() (<-chan string, func()) { return l.status.Subscribe() }

func (l *fakeLoop) Turn(_ context.Context, text string) (string, error) {
	l.turns = append(l.turns, text)
	return l.reply, l.err
}

func (l *fakeLoop) TurnStream(_ context.Context, text string, onPiece func(string)) (string, error) {
	l.turns = append(l.turns, text)
	if l.err != nil {
		return "", l.err
	}
	for _, p := range strings.SplitAfter(l.reply, " ") {
		onPiece(p)
	}
	return l.reply, nil
}

type fakeSTT struct {
	result   stt.Result
	got      []byte
	unloaded int
}

func (s *fakeSTT) Transcribe(_ context.Context, pcm []byte) stt.Result {
	s.got = pcm
	return s.result
}

func (s *fakeSTT) Loaded() bool      { return false }
func (s *fakeSTT) ModelPath() string { return "" }

func (s *fakeSTT) Unload() error {
	s.unloaded++
	return nil
}

type fakeLLM struct {
	loaded   bool
	path     string
	unloaded int
	resets   int
}

func (m *fakeLLM) Load(_ context.Context, path string, _ llm.Params) error {
	if path == "" {
		return llm.ErrModelUnavailable
	}
	m.loaded, m.path = true, path
	return nil
}

func (m *fakeLLM) Loaded() bool      { return m.loaded }
func (m *fakeLLM) ModelPath() string { return m.path }
func (m *fakeLLM) Unload()           { m.unloaded++ }
func (m *fakeLLM) Reset()            { m.resets++ }

// toneDevice is a microphone hearing a steady tone at level.
type toneDevice struct {
	missing bool
	level   float32
}

func (d *toneDevice) Available() bool { return !d.missing }

func (d *toneDevice) Open(buf []float32) (audio.Stream, error) {
	return &toneStream{buf: buf, level: d.level}, nil
}

type toneStream struct {
	buf   []float32
	level float32
}

func (s *toneStream) Start() error { return nil }
func (s *toneStream) Stop() error { return nil }
func (s *toneStream) Close() error { return nil }

func (s *toneStream) Read() error {
	time.Sleep(time.Millisecond)
	for i := range s.buf {
		s.buf[i] = s.level
		if i%2 == 1 {
			s.buf[i] = -s.level
		}
	}
	return nil
}

type chanBus chan bus.Event

func (b chanBus) Publish(e bus.Event) error {
	b <- e
	return nil
}

type fixture struct {
	dm    *Daemon
	store *store.Store
	loop  *fakeLoop
	stt   *fakeSTT
	llm   *fakeLLM
	mic   *toneDevice
	rec   *audio.Recorder
	vad   *vad.Detector
	bus   chanBus
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.New(store.Config{Path: filepath.Join(t.TempDir(), "hetu.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store: s,
		loop:  newFakeLoop(),
		stt:   &fakeSTT{},
		llm:   &fakeLLM{},
		mic:   &toneDevice{level: 0.1},
		vad:   vad.New(vad.DefaultConfig()),
		bus:   make(chanBus, 64),
		dir:   t.TempDir(),
	}
	f.rec = audio.NewRecorder(f.mic)
	f.dm = New(context.Background(), Config{
		ModelsDir:      filepath.Join(f.dir, "models"),
		WhisperMinSize: 16,
		LLMMinSize:     32,
	}, Deps{
		Loop:     f.loop,
		Analyzer: insight.New(s, nil),
		Store:    s,
		STT:      f.stt,
		LLM:      f.llm,
		Mic:      f.rec,
		VAD:      f.vad,
		Bus:      f.bus,
		Decode: func(_ context.Context, path string) ([]float32, error) {
			if strings.HasSuffix(path, ".missing") {
				return nil, os.ErrNotExist
			}
			return []float32{0, 0.5, -0.5}, nil
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, cmd string, args ...string) ipc.Response {
	t.Helper()
	return f.dm.Handle(context.Background(), ipc.Request{Cmd: cmd, Args: args})
}

func decode[T any](t *testing.T, resp ipc.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func (f *fixture) events() []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-f.bus:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "dance")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "unknown command")

	resp = f.do(t, "help")
	require.True(t, resp.OK)
	assert.Contains(t, decode[[]string](t, resp), "transcribe")
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "start")
	require.True(t, resp.OK, resp.Message)
	assert.Equal(t, "Wake word loop started", resp.Message)

	resp = f.do(t, "start")
	require.True(t, resp.OK)
	assert.Equal(t, "Wake word loop already running", resp.Message)

	st := decode[Status](t, f.do(t, "status"))
	assert.True(t, st.Running)
	assert.Equal(t, "listening", st.State)
	assert.Equal(t, insight.Idle, st.Analysis.Phase)

	resp = f.do(t, "stop")
	require.True(t, resp.OK)
	assert.Equal(t, "Wake word loop stopped", resp.Message)
	assert.False(t, f.loop.Running())
}

func TestStartWithoutMicrophone(t *testing.T) {
	f := newFixture(t)
	f.mic.missing = true

	resp := f.do(t, "start")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "no microphone")
	assert.False(t, f.loop.Running())
}

func TestActionAndOutcome(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "action", "-c", "Exercise", "--date", "2024-01-01", "--checkin", "0", "ran", "5k")
	require.True(t, resp.OK, resp.Message)
	a := decode[journal.Action](t, resp)
	assert.Equal(t, "ran 5k", a.Description)
	assert.Equal(t, "Exercise", a.Category)
	require.NotNil(t, a.CheckInDays)
	assert.Equal(t, 0, *a.CheckInDays)

	pending := decode[[]journal.Action](t, f.do(t, "pending"))
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	require.True(t, f.do(t, "checkin", "1").OK)
	assert.Empty(t, decode[[]journal.Action](t, f.do(t, "pending")))
	assert.False(t, f.do(t, "checkin", "99").OK)
	assert.False(t, f.do(t, "checkin", "abc").OK)

	resp = f.do(t, "outcome", "--rating", "2", "felt", "great")
	require.True(t, resp.OK, resp.Message)
	o := decode[journal.Outcome](t, resp)
	assert.Equal(t, "Mood", o.Category)
	require.NotNil(t, o.Rating)
	assert.Equal(t, 2, *o.Rating)

	assert.False(t, f.do(t, "outcome", "--rating", "5", "too", "much").OK)
	assert.False(t, f.do(t, "action", "--date", "yesterday", "x").OK)
	assert.False(t, f.do(t, "action", "--bogus").OK)
	assert.False(t, f.do(t, "action").OK)

	st := decode[journal.Stats](t, f.do(t, "stats"))
	assert.Equal(t, 2, st.TotalEntries)
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "analyze")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "not enough")

	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		require.True(t, f.do(t, "action", "-c", "Exercise", "-d", day, "ran").OK)
	}
	require.True(t, f.do(t, "outcome", "-d", "2024-01-01", "felt", "energetic").OK)
	require.True(t, f.do(t, "outcome", "-d", "2024-01-02", "felt", "great").OK)

	resp = f.do(t, "analyze")
	require.True(t, resp.OK, resp.Message)
	out := decode[[]journal.Insight](t, resp)
	require.NotEmpty(t, out)
	assert.Equal(t, "Exercise Boosts Your Mood", out[0].Title)

	var insights []bus.Event
	for _, e := range f.events() {
		if e.Kind == bus.KindInsight {
			insights = append(insights, e)
		}
	}
	require.Len(t, insights, len(out))
	assert.NotEmpty(t, insights[0].Run)
	assert.Contains(t, insights[0].Content, "about 66%")

	stored := decode[[]journal.Insight](t, f.do(t, "insights"))
	assert.Len(t, stored, len(out))
}

func TestAnalyzeForce(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "analyze", "--force")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "no data")

	require.True(t, f.do(t, "journal", "long", "day").OK)
	resp = f.do(t, "analyze", "-f")
	assert.False(t, resp.OK, "journal turns go through the fake loop and persist nothing")
}

func TestJournal(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.do(t, "journal", "  ").OK)

	resp := f.do(t, "journal", "slept", "well")
	require.True(t, resp.OK, resp.Message)
	assert.Equal(t, "Sounds like a good day.", resp.Message)
	assert.Equal(t, []string{"slept well"}, f.loop.turns)

	events := f.events()
	require.Len(t, events, 2)
	assert.Equal(t, bus.KindUserMessage, events[0].Kind)
	assert.Equal(t, "slept well", events[0].Content)
	assert.Equal(t, bus.KindReply, events[1].Kind)

	f.loop.err = errors.New("llm: inference failed")
	resp = f.do(t, "journal", "again")
	assert.False(t, resp.OK)
	assert.Equal(t, "llm: inference failed", resp.Message)
}

func TestTranscribe(t *testing.T) {
	f := newFixture(t)
	f.stt.result = stt.Result{Text: " walked the dog "}

	resp := f.do(t, "transcribe", "/memos/a.ogg")
	require.True(t, resp.OK, resp.Message)
	ex := decode[Exchange](t, resp)
	assert.Equal(t, "walked the dog", ex.Transcript)
	assert.Equal(t, "Sounds like a good day.", ex.Reply)
	assert.Len(t, f.stt.got, 6)
	assert.Equal(t, []string{"walked the dog"}, f.loop.turns)

	f.stt.result = stt.Result{Text: "  "}
	resp = f.do(t, "transcribe", "/memos/b.ogg")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "no speech")

	f.stt.result = stt.Result{Err: "stt: speech model not found"}
	resp = f.do(t, "transcribe", "/memos/c.ogg")
	assert.False(t, resp.OK)
	assert.Equal(t, "stt: speech model not found", resp.Message)

	assert.False(t, f.do(t, "transcribe", "/memos/d.missing").OK)
	assert.False(t, f.do(t, "transcribe").OK)
	assert.Len(t, f.loop.turns, 1)
}

func TestImportModel(t *testing.T) {
	f := newFixture(t)

	src := filepath.Join(f.dir, "ggml-base.en.bin")
	require.NoError(t, os.WriteFile(src, make([]byte, 64), 0o644))

	resp := f.do(t, "import-model", src)
	require.True(t, resp.OK, resp.Message)
	assert.FileExists(t, filepath.Join(f.dir, "models", "ggml-base.en.bin"))
	assert.Equal(t, 1, f.stt.unloaded)
	assert.Zero(t, f.llm.unloaded)

	gguf := filepath.Join(f.dir, "tiny.gguf")
	require.NoError(t, os.WriteFile(gguf, make([]byte, 8), 0o644))
	resp = f.do(t, "import-model", gguf)
	assert.False(t, resp.OK, "smaller than the minimum size")

	require.NoError(t, os.WriteFile(gguf, make([]byte, 64), 0o644))
	require.True(t, f.do(t, "import-model", gguf).OK)
	assert.Equal(t, 1, f.llm.unloaded)

	assert.False(t, f.do(t, "import-model", filepath.Join(f.dir, "notes.txt")).OK)
}

func TestLoadAndReset(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.do(t, "load").OK)
	resp := f.do(t, "load", "/models/qwen.gguf")
	require.True(t, resp.OK)
	assert.Equal(t, "Loaded qwen.gguf", resp.Message)

	require.True(t, f.do(t, "action", "ran").OK)
	assert.False(t, f.do(t, "reset").OK)
	require.True(t, f.do(t, "reset", "--yes").OK)
	assert.Equal(t, 1, f.llm.resets)
	assert.Zero(t, decode[journal.Stats](t, f.do(t, "stats")).TotalEntries)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		_, err := f.store.AddMessage(ctx, journal.Message{Text: text, IsUser: true})
		require.NoError(t, err)
	}

	msgs := decode[[]journal.Message](t, f.do(t, "history", "2"))
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)

	assert.False(t, f.do(t, "history", "zero").OK)
}

func TestForward(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.dm.Forward(ctx)
	}()

	seen := func(kind, content string) bool {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case e := <-f.bus:
				if e.Kind == kind && e.Content == content {
					return true
				}
			case <-deadline:
				return false
			}
		}
	}

	assert.True(t, seen(bus.KindLoopState, "idle"))
	f.loop.status.Set("Thinking...")
	assert.True(t, seen(bus.KindLoopStatus, "Thinking..."))

	f.do(t, "analyze", "--force")
	assert.True(t, seen(bus.KindAnalysisState, "error: No data to analyze"))

	cancel()
	wg.Wait()
}

func TestInsightsByConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, in := range []journal.Insight{
		{Title: "Sleep", Description: "sleep helps", Emoji: "😴", Confidence: journal.ConfidenceHigh, Occurrences: 2},
		{Title: "Runs", Description: "runs help", Emoji: "🏃", Confidence: journal.ConfidenceHigh, Occurrences: 5},
		{Title: "Coffee", Description: "maybe coffee", Emoji: "☕", Confidence: journal.ConfidenceLow, Occurrences: 1},
	} {
		_, err := f.store.AddInsight(ctx, in)
		require.NoError(t, err)
	}

	all := decode[[]journal.Insight](t, f.do(t, "insights"))
	assert.Len(t, all, 3)

	resp := f.do(t, "insights", "--confidence", "HIGH")
	require.True(t, resp.OK, resp.Message)
	high := decode[[]journal.Insight](t, resp)
	require.Len(t, high, 2)
	assert.Equal(t, "Runs", high[0].Title)
	assert.Equal(t, "Sleep", high[1].Title)

	low := decode[[]journal.Insight](t, f.do(t, "insights", "-c", "low"))
	require.Len(t, low, 1)
	assert.Equal(t, "Coffee", low[0].Title)

	resp = f.do(t, "insights", "-c", "certain")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "unknown confidence")
}

func TestDay(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.do(t, "action", "--date", "2024-03-01", "ran").OK)
	require.True(t, f.do(t, "action", "--date", "2024-03-02", "swam").OK)
	require.True(t, f.do(t, "outcome", "--date", "2024-03-01", "-r", "1", "rested").OK)

	resp := f.do(t, "day", "2024-03-01")
	require.True(t, resp.OK, resp.Message)
	assert.Equal(t, "2024-03-01: 1 actions, 1 outcomes", resp.Message)
	d := decode[Day](t, resp)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, "ran", d.Actions[0].Description)
	require.Len(t, d.Outcomes, 1)
	assert.Equal(t, "rested", d.Outcomes[0].Description)

	d = decode[Day](t, f.do(t, "day"))
	assert.Equal(t, journal.Today(), d.Date)
	assert.Empty(t, d.Actions)

	assert.False(t, f.do(t, "day", "March 1st").OK)
	assert.False(t, f.do(t, "day", "2024-03-01", "2024-03-02").OK)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)

	a := decode[journal.Action](t, f.do(t, "action", "--date", "2024-03-01", "ran"))
	id := strconv.FormatInt(a.ID, 10)

	resp := f.do(t, "delete", "action", id)
	require.True(t, resp.OK, resp.Message)
	assert.Equal(t, "Deleted action "+id, resp.Message)
	assert.Empty(t, decode[Day](t, f.do(t, "day", "2024-03-01")).Actions)

	resp = f.do(t, "delete", "action", id)
	assert.False(t, resp.OK)

	assert.False(t, f.do(t, "delete", "habit", "1").OK)
	assert.False(t, f.do(t, "delete", "outcome", "one").OK)
	assert.False(t, f.do(t, "delete", "outcome").OK)
}

func TestStatsRatings(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.do(t, "action", "--date", "2024-03-01", "ran").OK)
	require.True(t, f.do(t, "action", "--date", "2024-03-02", "swam").OK)
	require.True(t, f.do(t, "outcome", "-r", "2", "great").OK)
	require.True(t, f.do(t, "outcome", "--rating=-1", "meh").OK)
	require.True(t, f.do(t, "outcome", "-c", "Energy", "--rating=-2", "tired").OK)

	resp := f.do(t, "stats")
	require.True(t, resp.OK, resp.Message)
	assert.Equal(t, "5 entries over 2 days, 0 insights, 0 messages\nEnergy: -2.0\nMood: +0.5", resp.Message)

	st := decode[journal.Stats](t, resp)
	assert.Equal(t, 2, st.TotalDays)
	assert.InDelta(t, 0.5, st.Ratings["Mood"], 1e-9)
	assert.InDelta(t, -2, st.Ratings["Energy"], 1e-9)
}

func TestJournalStream(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "journal", "-s", "slept", "well")
	require.True(t, resp.OK, resp.Message)
	assert.Equal(t, "Sounds like a good day.", resp.Message)
	assert.Equal(t, "Sounds like a good day.", decode[Exchange](t, resp).Reply)
	assert.Equal(t, []string{"slept well"}, f.loop.turns)

	var kinds, pieces []string
	for _, e := range f.events() {
		kinds = append(kinds, e.Kind)
		if e.Kind == bus.KindReplyPiece {
			pieces = append(pieces, e.Content)
		}
	}
	assert.Equal(t, []string{
		bus.KindUserMessage,
		bus.KindReplyPiece, bus.KindReplyPiece, bus.KindReplyPiece, bus.KindReplyPiece, bus.KindReplyPiece,
		bus.KindReply,
	}, kinds)
	assert.Equal(t, "Sounds like a good day.", strings.Join(pieces, ""))

	f.loop.err = errors.New("llm: inference failed")
	resp = f.do(t, "journal", "--stream", "again")
	assert.False(t, resp.OK)
	assert.Equal(t, "llm: inference failed", resp.Message)
}

func TestCalibrate(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "calibrate", "-t", "100ms")
	require.True(t, resp.OK, resp.Message)
	c := decode[Calibration](t, resp)
	// a 0.1 tone is 3276 on the int16 scale
	assert.InDelta(t, 3276*1.5, c.Threshold, 2)
	assert.Equal(t, 100, c.Millis)
	assert.Equal(t, c.Threshold, f.vad.Config().Threshold)
	assert.False(t, f.rec.Active())

	require.True(t, f.do(t, "start").OK)
	resp = f.do(t, "calibrate", "-t", "100ms")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "stop the wake word loop")
	require.True(t, f.do(t, "stop").OK)

	f.mic.missing = true
	resp = f.do(t, "calibrate")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "no microphone")
}

func TestMonitor(t *testing.T) {
	f := newFixture(t)
	f.mic.level = 0.5

	resp := f.do(t, "monitor", "-t", "300ms")
	require.True(t, resp.OK, resp.Message)
	m := decode[Monitor](t, resp)
	assert.Positive(t, m.Frames)
	assert.Positive(t, m.SpeechFrames)
	assert.Less(t, m.SpeechFrames, m.Frames, "speech starts after a run of voiced frames")
	assert.Equal(t, 1, m.Onsets)
	assert.InDelta(t, 1, m.Peak, 1e-9)
	assert.False(t, f.rec.Active())

	f.mic.missing = true
	assert.False(t, f.do(t, "monitor", "-t", "10ms").OK)
}
