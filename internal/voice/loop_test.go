package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hetu/internal/audio"
	"hetu/internal/journal"
	"hetu/internal/llm"
	"hetu/internal/stt"
	"hetu/internal/tts"
	"hetu/internal/vad"
)

// scriptedAudio hands out queued buffers, then blocks until cancelled.
type scriptedAudio struct {
	mu    sync.Mutex
	queue [][]byte
	calls []time.Duration
}

func (a *scriptedAudio) Capture(ctx context.Context, maxDur time.Duration, _ audio.CaptureOptions) ([]byte, error) {
	a.mu.Lock()
	a.calls = append(a.calls, maxDur)
	if len(a.queue) > 0 {
		pcm := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()
		return pcm, nil
	}
	a.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

// speechVAD treats any buffer starting with a non-zero byte as speech.
type speechVAD struct{}

func (speechVAD) Detect(pcm []byte) vad.Result {
	return vad.Result{HasSpeech: len(pcm) > 0 && pcm[0] != 0}
}

type scriptedSTT struct {
	mu      sync.Mutex
	results []stt.Result
}

func (s *scriptedSTT) Transcribe(_ context.Context, _ []byte) stt.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return stt.Result{}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

type recordingTTS struct {
	mu     sync.Mutex
	spoken []string
}

func (t *recordingTTS) Speak(_ context.Context, text string, _, _ float64) tts.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spoken = append(t.spoken, text)
	return tts.Result{Success: true}
}

func (t *recordingTTS) said() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.spoken...)
}

type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (l *fakeLLM) Chat(_ context.Context, prompt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	return l.reply, l.err
}

func (l *fakeLLM) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prompts)
}

type memJournal struct {
	mu   sync.Mutex
	msgs []journal.Message
}

func (j *memJournal) AddMessage(_ context.Context, m journal.Message) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	m.ID = int64(len(j.msgs) + 1)
	j.msgs = append(j.msgs, m)
	return m.ID, nil
}

func (j *memJournal) RecentMessages(_ context.Context, limit int) ([]journal.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	start := max(len(j.msgs)-limit, 0)
	return append([]journal.Message(nil), j.msgs[start:]...), nil
}

func (j *memJournal) all() []journal.Message {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Message(nil), j.msgs...)
}

type countingDucker struct {
	mu              sync.Mutex
	ducks, restores int
}

func (d *countingDucker) Duck(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ducks++
	return nil
}

func (d *countingDucker) Restore(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restores++
	return nil
}

type fixture struct {
	audio   *scriptedAudio
	stt     *scriptedSTT
	tts     *recordingTTS
	llm     *fakeLLM
	journal *memJournal
	ducker  *countingDucker
	loop    *Loop
}

func newFixture(captures [][]byte, transcripts ...stt.Result) *fixture {
	f := &fixture{
		audio:   &scriptedAudio{queue: captures},
		stt:     &scriptedSTT{results: transcripts},
		tts:     &recordingTTS{},
		llm:     &fakeLLM{reply: " Great job! "},
		journal: &memJournal{},
		ducker:  &countingDucker{},
	}

	cfg := DefaultConfig()
	cfg.Settle = 0
	cfg.Idle = time.Millisecond

	f.loop = New(cfg, Deps{
		Audio:   f.audio,
		VAD:     speechVAD{},
		STT:     f.stt,
		TTS:     f.tts,
		LLM:     f.llm,
		Journal: f.journal,
		Ducker:  f.ducker,
	})
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	require.True(t, f.loop.Start(context.Background()))
	t.Cleanup(func() {
		f.loop.Stop()
		f.loop.Wait()
	})
}

var (
	speech  = []byte{1, 0, 1, 0}
	silence = []byte{0, 0, 0, 0}
)

func TestLoopFullTurn(t *testing.T) {
	f := newFixture(
		[][]byte{silence, speech, speech, speech},
		stt.Result{Text: "what a day"},
		stt.Result{Text: "Hey, Hetu!"},
		stt.Result{Text: "I went running today"},
	)
	f.run(t)

	require.Eventually(t, func() bool { return len(f.journal.all()) == 2 }, 5*time.Second, time.Millisecond)

	msgs := f.journal.all()
	assert.Equal(t, journal.Message{ID: 1, Text: "I went running today", IsUser: true}, msgs[0])
	assert.Equal(t, journal.Message{ID: 2, Text: "Great job!"}, msgs[1])

	require.Eventually(t, func() bool { return len(f.tts.said()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"Yes?", "Great job!"}, f.tts.said())
	assert.Equal(t, []string{"I went running today"}, f.llm.prompts)

	require.Eventually(t, func() bool { return f.loop.State() == Listening }, 5*time.Second, time.Millisecond)

	f.audio.mu.Lock()
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 5 * time.Second}, f.audio.calls[:4])
	f.audio.mu.Unlock()

	f.ducker.mu.Lock()
	assert.Equal(t, 1, f.ducker.ducks)
	assert.Equal(t, 1, f.ducker.restores)
	f.ducker.mu.Unlock()
}

func TestLoopBlankQuerySkipsModel(t *testing.T) {
	f := newFixture(
		[][]byte{speech, speech},
		stt.Result{Text: "hetu"},
		stt.Result{Text: "   "},
	)
	f.run(t)

	require.Eventually(t, func() bool { return f.loop.Status() == StatusDidntHear }, 5*time.Second, time.Millisecond)
	assert.Zero(t, f.llm.calls())
	assert.Empty(t, f.journal.all())
	assert.True(t, f.loop.Running())
}

func TestLoopTranscriptionErrorIsInBand(t *testing.T) {
	f := newFixture(
		[][]byte{speech},
		stt.Result{Err: "stt: speech model not found"},
	)
	f.run(t)

	require.Eventually(t, func() bool { return f.loop.Status() == "Error: stt: speech model not found" }, 5*time.Second, time.Millisecond)
	assert.True(t, f.loop.Running())
	assert.Zero(t, f.llm.calls())
}

func TestLoopModelErrorIsInBand(t *testing.T) {
	f := newFixture(
		[][]byte{speech, speech},
		stt.Result{Text: "hetu"},
		stt.Result{Text: "hello"},
	)
	f.llm.err = errors.New("llm: no model file found")
	f.run(t)

	require.Eventually(t, func() bool { return f.loop.Status() == "Error: llm: no model file found" }, 5*time.Second, time.Millisecond)
	assert.True(t, f.loop.Running())

	msgs := f.journal.all()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, []string{"Yes?"}, f.tts.said())
}

func TestLoopStartIsSingleInstance(t *testing.T) {
	f := newFixture(nil)

	require.True(t, f.loop.Start(context.Background()))
	assert.False(t, f.loop.Start(context.Background()))
	assert.True(t, f.loop.Running())

	f.loop.Stop()
	f.loop.Wait()
	assert.False(t, f.loop.Running())
	assert.Equal(t, Idle, f.loop.State())
	assert.Equal(t, StatusStopped, f.loop.Status())

	require.True(t, f.loop.Start(context.Background()))
	f.loop.Stop()
	f.loop.Wait()
}

func TestLoopSubscribe(t *testing.T) {
	f := newFixture(nil)
	states, cancel := f.loop.Subscribe()
	defer cancel()

	assert.Equal(t, Idle, <-states)

	f.run(t)
	select {
	case s := <-states:
		assert.Equal(t, Listening, s)
	case <-time.After(5 * time.Second):
		t.Fatal("no state change")
	}
}

func TestTurnUsesHistory(t *testing.T) {
	f := newFixture(nil)
	f.journal.AddMessage(context.Background(), journal.Message{Text: "I slept badly", IsUser: true})
	f.journal.AddMessage(context.Background(), journal.Message{Text: "Sorry to hear that."})

	reply, err := f.loop.Turn(context.Background(), "  tired again  ")
	require.NoError(t, err)
	assert.Equal(t, "Great job!", reply)

	require.Len(t, f.llm.prompts, 1)
	assert.Equal(t, "Recent journal conversation:\nUser: I slept badly\nHetu: Sorry to hear that.\n\nUser: tired again", f.llm.prompts[0])
	assert.Len(t, f.journal.all(), 4)
	assert.Empty(t, f.tts.said())

	_, err = f.loop.Turn(context.Background(), " ")
	require.Error(t, err)
}

type streamingLLM struct {
	fakeLLM
	pieces []string
}

func (l *streamingLLM) ChatStream(_ context.Context, prompt string) (<-chan llm.Token, error) {
	l.mu.Lock()
	l.prompts = append(l.prompts, prompt)
	l.mu.Unlock()

	out := make(chan llm.Token, len(l.pieces)+1)
	for _, p := range l.pieces {
		out <- llm.Token{Text: p}
	}
	if l.err != nil {
		out <- llm.Token{Err: l.err}
	}
	close(out)
	return out, nil
}

func TestTurnStream(t *testing.T) {
	model := &streamingLLM{pieces: []string{"Well", " done", "! "}}
	j := &memJournal{}
	l := New(DefaultConfig(), Deps{LLM: model, Journal: j})

	var got []string
	reply, err := l.TurnStream(context.Background(), " ran 5k ", func(p string) { got = append(got, p) })
	require.NoError(t, err)
	assert.Equal(t, "Well done!", reply)
	assert.Equal(t, []string{"Well", " done", "! "}, got)
	assert.Equal(t, []string{"ran 5k"}, model.prompts)

	msgs := j.all()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "Well done!", msgs[1].Text)

	model.err = errors.New("llm: inference failed")
	_, err = l.TurnStream(context.Background(), "again", func(string) {})
	require.EqualError(t, err, "llm: inference failed")
	assert.Len(t, j.all(), 3, "the user message stays, no reply is saved")

	_, err = l.TurnStream(context.Background(), "  ", func(string) {})
	require.Error(t, err)
}

func TestTurnStreamWithoutStreamingModel(t *testing.T) {
	f := newFixture(nil)

	var got []string
	reply, err := f.loop.TurnStream(context.Background(), "tired", func(p string) { got = append(got, p) })
	require.NoError(t, err)
	assert.Equal(t, "Great job!", reply)
	assert.Equal(t, []string{" Great job! "}, got)
}

// Stopping mid-capture must release the microphone.
type idleDevice struct{ opened chan struct{} }

func (d *idleDevice) Available() bool { return true }

func (d *idleDevice) Open(buf []float32) (audio.Stream, error) {
	select {
	case d.opened <- struct{}{}:
	default:
	}
	return idleStream{}, nil
}

type idleStream struct{}

func (idleStream) Start() error { return nil }
func (idleStream) Stop() error  { return nil }
func (idleStream) Close() error { return nil }

func (idleStream) Read() error {
	time.Sleep(time.Millisecond)
	return nil
}

func TestStopMidCaptureReleasesDevice(t *testing.T) {
	dev := &idleDevice{opened: make(chan struct{}, 1)}
	rec := audio.NewRecorder(dev)

	cfg := DefaultConfig()
	cfg.SnippetGiveUp = 0
	cfg.Snippet = time.Minute
	loop := New(cfg, Deps{
		Audio:   rec,
		VAD:     speechVAD{},
		STT:     &scriptedSTT{},
		TTS:     &recordingTTS{},
		LLM:     &fakeLLM{},
		Journal: &memJournal{},
	})

	require.True(t, loop.Start(context.Background()))
	<-dev.opened
	require.Eventually(t, rec.Active, 5*time.Second, time.Millisecond)

	loop.Stop()
	loop.Wait()
	assert.False(t, rec.Active())

	pcm, err := rec.Capture(context.Background(), 40*time.Millisecond, audio.CaptureOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, pcm)
}
