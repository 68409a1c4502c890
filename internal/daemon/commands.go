package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	cli "github.com/spf13/pflag"

	"hetu/internal/audio"
	"hetu/internal/bus"
	"hetu/internal/insight"
	"hetu/internal/ipc"
	"hetu/internal/journal"
	"hetu/internal/modelfs"
	"hetu/internal/stt"
	"hetu/internal/voice"
)

var (
	ErrNoMicrophone = errors.New("daemon: no microphone available")
	ErrUsage        = errors.New("daemon: bad arguments")
	ErrLoopRunning  = errors.New("daemon: stop the wake word loop first")
)

func usage(format string, a ...any) ipc.Response {
	return ipc.Fail(fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, a...)))
}

func (dm *Daemon) start(context.Context, []string) ipc.Response {
	if dm.d.Mic != nil && !dm.d.Mic.HasPermission() {
		return ipc.Fail(fmt.Errorf("%w: %w", ErrNoMicrophone, audio.ErrPermissionDenied))
	}
	if !dm.d.Loop.Start(dm.base) {
		return ipc.OK("Wake word loop already running", nil)
	}
	return ipc.OK("Wake word loop started", nil)
}

func (dm *Daemon) stop(context.Context, []string) ipc.Response {
	if !dm.d.Loop.Running() {
		return ipc.OK("Wake word loop not running", nil)
	}
	dm.d.Loop.Stop()
	dm.d.Loop.Wait()
	return ipc.OK("Wake word loop stopped", nil)
}

type Status struct {
	Running   bool          `json:"running"`
	State     string        `json:"state"`
	Status    string        `json:"status"`
	Analysis  insight.State `json:"analysis"`
	Stats     journal.Stats `json:"stats"`
	STTLoaded bool          `json:"stt_loaded"`
	STTModel  string        `json:"stt_model,omitempty"`
	LLMLoaded bool          `json:"llm_loaded"`
	LLMModel  string        `json:"llm_model,omitempty"`
}

func (dm *Daemon) status(ctx context.Context, _ []string) ipc.Response {
	st := Status{
		Running:   dm.d.Loop.Running(),
		State:     dm.d.Loop.State().String(),
		Status:    dm.d.Loop.Status(),
		Analysis:  dm.d.Analyzer.State(),
		STTLoaded: dm.d.STT.Loaded(),
		STTModel:  dm.d.STT.ModelPath(),
		LLMLoaded: dm.d.LLM.Loaded(),
		LLMModel:  dm.d.LLM.ModelPath(),
	}
	stats, err := dm.d.Store.Stats(ctx)
	if err != nil {
		return ipc.Fail(err)
	}
	st.Stats = stats
	return ipc.OK(st.Status, st)
}

// analyze goes through the entry threshold unless --force is given.
func (dm *Daemon) analyze(ctx context.Context, args []string) ipc.Response {
	fs := flags("analyze")
	force := fs.BoolP("force", "f", false, "analyze even with few entries")
	if err := fs.Parse(args); err != nil {
		return usage("%v", err)
	}

	run := dm.d.Analyzer.MaybeRun
	if *force {
		run = dm.d.Analyzer.RunFullAnalysis
	}
	out, err := run(ctx)
	if err != nil {
		return ipc.Fail(err)
	}

	id := dm.d.Analyzer.State().Run
	for _, in := range out {
		dm.publish(bus.KindInsight, in.Emoji+" "+in.Title+": "+in.Description, id)
	}
	return ipc.OK(fmt.Sprintf("Found %d insights", len(out)), out)
}

var confidences = map[string]journal.Confidence{
	"high":       journal.ConfidenceHigh,
	"medium":     journal.ConfidenceMedium,
	"low":        journal.ConfidenceLow,
	"needs_data": journal.ConfidenceNeedsData,
}

// insights lists stored insights, newest first, or only those of one
// confidence level ordered by how often they recurred.
func (dm *Daemon) insights(ctx context.Context, args []string) ipc.Response {
	fs := flags("insights")
	level := fs.StringP("confidence", "c", "", "high, medium, low or needs_data")
	if err := fs.Parse(args); err != nil {
		return usage("%v", err)
	}

	var (
		out []journal.Insight
		err error
	)
	if *level == "" {
		out, err = dm.d.Store.ListInsights(ctx)
	} else {
		c, ok := confidences[strings.ToLower(*level)]
		if !ok {
			return usage("unknown confidence %q", *level)
		}
		out, err = dm.d.Store.InsightsByConfidence(ctx, c)
	}
	if err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(fmt.Sprintf("%d insights", len(out)), out)
}

func (dm *Daemon) stats(ctx context.Context, _ []string) ipc.Response {
	st, err := dm.d.Store.Stats(ctx)
	if err != nil {
		return ipc.Fail(err)
	}

	msg := fmt.Sprintf("%d entries over %d days, %d insights, %d messages",
		st.TotalEntries, st.TotalDays, st.Insights, st.Messages)
	cats := make([]string, 0, len(st.Ratings))
	for c := range st.Ratings {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		msg += fmt.Sprintf("\n%s: %+.1f", c, st.Ratings[c])
	}
	return ipc.OK(msg, st)
}

type Day struct {
	Date     string            `json:"date"`
	Actions  []journal.Action  `json:"actions"`
	Outcomes []journal.Outcome `json:"outcomes"`
}

// day shows what was logged on one calendar day, today by default.
func (dm *Daemon) day(ctx context.Context, args []string) ipc.Response {
	date := journal.Today()
	switch len(args) {
	case 0:
	case 1:
		if err := checkDate(args[0]); err != nil {
			return usage("%v", err)
		}
		date = args[0]
	default:
		return usage("day takes at most one date")
	}

	actions, err := dm.d.Store.ListActionsByDate(ctx, date)
	if err != nil {
		return ipc.Fail(err)
	}
	outcomes, err := dm.d.Store.ListOutcomesByDate(ctx, date)
	if err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(fmt.Sprintf("%s: %d actions, %d outcomes", date, len(actions), len(outcomes)),
		Day{Date: date, Actions: actions, Outcomes: outcomes})
}

// remove deletes one record: delete <action|outcome|message|insight> <id>.
func (dm *Daemon) remove(ctx context.Context, args []string) ipc.Response {
	if len(args) != 2 {
		return usage("delete takes a kind and an id")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return usage("bad id %q", args[1])
	}

	var del func(context.Context, int64) error
	switch args[0] {
	case "action":
		del = dm.d.Store.DeleteAction
	case "outcome":
		del = dm.d.Store.DeleteOutcome
	case "message":
		del = dm.d.Store.DeleteMessage
	case "insight":
		del = dm.d.Store.DeleteInsight
	default:
		return usage("cannot delete %q; want action, outcome, message or insight", args[0])
	}
	if err := del(ctx, id); err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(fmt.Sprintf("Deleted %s %d", args[0], id), nil)
}

type Exchange struct {
	Transcript string `json:"transcript,omitempty"`
	Reply      string `json:"reply"`
}

// journal takes a typed entry and answers it like a spoken query. With
// --stream the reply is also published piece by piece as it is generated.
func (dm *Daemon) journal(ctx context.Context, args []string) ipc.Response {
	fs := flags("journal")
	fs.SetInterspersed(false)
	stream := fs.BoolP("stream", "s", false, "publish the reply as it is generated")
	if err := fs.Parse(args); err != nil {
		return usage("%v", err)
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return usage("journal needs some text")
	}
	if *stream {
		return dm.streamTurn(ctx, text)
	}
	return dm.turn(ctx, text, "")
}

func (dm *Daemon) streamTurn(ctx context.Context, text string) ipc.Response {
	dm.publish(bus.KindUserMessage, text, "")
	reply, err := dm.d.Loop.TurnStream(ctx, text, func(piece string) {
		dm.publish(bus.KindReplyPiece, piece, "")
	})
	if err != nil {
		return ipc.Fail(err)
	}
	dm.publish(bus.KindReply, reply, "")
	return ipc.OK(reply, Exchange{Reply: reply})
}

func (dm *Daemon) turn(ctx context.Context, text, transcript string) ipc.Response {
	dm.publish(bus.KindUserMessage, text, "")
	reply, err := dm.d.Loop.Turn(ctx, text)
	if err != nil {
		return ipc.Fail(err)
	}
	dm.publish(bus.KindReply, reply, "")
	return ipc.OK(reply, Exchange{Transcript: transcript, Reply: reply})
}

func (dm *Daemon) history(ctx context.Context, args []string) ipc.Response {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usage("history takes a positive count, got %q", args[0])
		}
		limit = n
	}
	msgs, err := dm.d.Store.RecentMessages(ctx, limit)
	if err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(fmt.Sprintf("%d messages", len(msgs)), msgs)
}

func (dm *Daemon) action(ctx context.Context, args []string) ipc.Response {
	fs := flags("action")
	category := fs.StringP("category", "c", "General", "action category")
	date := fs.StringP("date", "d", "", "calendar day, YYYY-MM-DD")
	expect := fs.StringP("expect", "x", "", "what you expect to happen")
	checkIn := fs.IntP("checkin", "k", 0, "ask for a check-in after this many days")
	if err := fs.Parse(args); err != nil {
		return usage("%v", err)
	}
	if err := checkDate(*date); err != nil {
		return usage("%v", err)
	}

	a := journal.Action{
		Description: strings.Join(fs.Args(), " "),
		Category:    *category,
		Date:        *date,
	}
	if *expect != "" {
		a.Expectation = expect
	}
	if fs.Changed("checkin") {
		a.CheckInDays = checkIn
	}
	if err := a.Validate(); err != nil {
		return usage("%v", err)
	}

	id, err := dm.d.Store.AddAction(ctx, a)
	if err != nil {
		return ipc.Fail(err)
	}
	a.ID = id
	return ipc.OK(fmt.Sprintf("Logged action %d", id), a)
}

func (dm *Daemon) outcome(ctx context.Context, args []string) ipc.Response {
	fs := flags("outcome")
	category := fs.StringP("category", "c", "Mood", "outcome category")
	date := fs.StringP("date", "d", "", "calendar day, YYYY-MM-DD")
	rating := fs.IntP("rating", "r", 0, "how it went, -2 to 2")
	if err := fs.Parse(args); err != nil {
		return usage("%v", err)
	}
	if err := checkDate(*date); err != nil {
		return usage("%v", err)
	}

	o := journal.Outcome{
		Description: strings.Join(fs.Args(), " "),
		Category:    *category,
		Date:        *date,
	}
	if fs.Changed("rating") {
		o.Rating = rating
	}
	if err := o.Validate(); err != nil {
		return usage("%v", err)
	}

	id, err := dm.d.Store.AddOutcome(ctx, o)
	if err != nil {
		return ipc.Fail(err)
	}
	o.ID = id
	return ipc.OK(fmt.Sprintf("Logged outcome %d", id), o)
}

func (dm *Daemon) checkin(ctx context.Context, args []string) ipc.Response {
	if len(args) != 1 {
		return usage("checkin takes one action id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usage("bad action id %q", args[0])
	}
	if err := dm.d.Store.MarkCheckedIn(ctx, id); err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(fmt.Sprintf("Checked in action %d", id), nil)
}

func (dm *Daemon) pending(ctx context.Context, _ []string) ipc.Response {
	actions, err := dm.d.Store.PendingCheckIns(ctx)
	if err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(fmt.Sprintf("%d check-ins due", len(actions)), actions)
}

// transcribe reads a recorded memo and journals what was said.
func (dm *Daemon) transcribe(ctx context.Context, args []string) ipc.Response {
	if len(args) != 1 {
		return usage("transcribe takes one audio file")
	}

	samples, err := dm.d.Decode(ctx, args[0])
	if err != nil {
		return ipc.Fail(err)
	}
	pcm := audio.FloatsToPCM16(samples)
	slog.Info("Decoded memo", "file", args[0], "ms", audio.DurationMillis(pcm))

	res := dm.d.STT.Transcribe(ctx, pcm)
	if res.Err != "" {
		return ipc.Fail(errors.New(res.Err))
	}
	if !res.OK() {
		return ipc.Fail(fmt.Errorf("%w: no speech in %s", stt.ErrTranscription, filepath.Base(args[0])))
	}

	text := strings.TrimSpace(res.Text)
	return dm.turn(ctx, text, text)
}

// importModel copies a downloaded model into the models dir. The kind is
// taken from the extension; the matching service reloads on next use.
func (dm *Daemon) importModel(ctx context.Context, args []string) ipc.Response {
	if len(args) != 1 {
		return usage("import-model takes one model file")
	}
	src := args[0]
	name := filepath.Base(src)

	isLLM := strings.EqualFold(filepath.Ext(src), ".gguf")
	minSize := dm.cfg.LLMMinSize
	if !isLLM {
		if !stt.IsModelFile(name) {
			return usage("%s is neither a .gguf nor a ggml-*.bin model", name)
		}
		minSize = dm.cfg.WhisperMinSize
	}

	last := -1
	dest, err := modelfs.Import(ctx, src, dm.cfg.ModelsDir, minSize, func(pct int) {
		if pct/25 != last/25 {
			slog.Info("Importing model", "file", name, "progress", pct)
		}
		last = pct
	})
	if err != nil {
		return ipc.Fail(err)
	}

	if isLLM {
		dm.d.LLM.Unload()
	} else if err := dm.d.STT.Unload(); err != nil {
		slog.Warn("Failed to unload speech model", "err", err)
	}
	return ipc.OK("Imported "+filepath.Base(dest), dest)
}

// load brings the conversational model up now instead of on first use.
func (dm *Daemon) load(ctx context.Context, args []string) ipc.Response {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	if err := dm.d.LLM.Load(ctx, path, dm.cfg.LLMParams); err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK("Loaded "+filepath.Base(dm.d.LLM.ModelPath()), nil)
}

type Calibration struct {
	Threshold float64 `json:"threshold"`
	Millis    int     `json:"ms"`
}

// calibrate records room noise and raises the speech threshold above it.
// Keep quiet while it runs.
func (dm *Daemon) calibrate(ctx context.Context, args []string) ipc.Response {
	fs := flags("calibrate")
	dur := fs.DurationP("duration", "t", 3*time.Second, "how long to sample the room")
	if err := fs.Parse(args); err != nil {
		return usage("%v", err)
	}
	if err := dm.needMic(); err != nil {
		return ipc.Fail(err)
	}

	pcm, err := dm.d.Mic.Capture(ctx, *dur, audio.CaptureOptions{})
	if err != nil {
		return ipc.Fail(err)
	}
	if len(pcm) == 0 {
		return ipc.Fail(errors.New("daemon: no audio recorded"))
	}

	c := Calibration{Threshold: dm.d.VAD.Calibrate(pcm), Millis: audio.DurationMillis(pcm)}
	slog.Info("Calibrated voice detection", "threshold", c.Threshold, "ms", c.Millis)
	return ipc.OK(fmt.Sprintf("Speech threshold is now %.0f", c.Threshold), c)
}

type Monitor struct {
	Frames       int     `json:"frames"`
	SpeechFrames int     `json:"speech_frames"`
	Onsets       int     `json:"onsets"`
	Peak         float64 `json:"peak_confidence"`
}

// monitor listens for a while and reports what the voice detector heard,
// to check the microphone and the threshold.
func (dm *Daemon) monitor(ctx context.Context, args []string) ipc.Response {
	fs := flags("monitor")
	dur := fs.DurationP("duration", "t", 5*time.Second, "how long to listen")
	if err := fs.Parse(args); err != nil {
		return usage("%v", err)
	}
	if err := dm.needMic(); err != nil {
		return ipc.Fail(err)
	}

	mctx, cancel := context.WithTimeout(ctx, *dur)
	defer cancel()

	frames, err := dm.d.Mic.Stream(mctx)
	if err != nil {
		return ipc.Fail(err)
	}

	var (
		m      Monitor
		speech bool
	)
	for r := range dm.d.VAD.Stream(mctx, frames) {
		m.Frames++
		if r.HasSpeech {
			m.SpeechFrames++
			if !speech {
				m.Onsets++
			}
		}
		speech = r.HasSpeech
		m.Peak = max(m.Peak, r.Confidence)
	}
	// drain so the recorder can release the device
	for range frames {
	}

	if err := ctx.Err(); err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(fmt.Sprintf("Heard speech %d times in %d frames", m.Onsets, m.Frames), m)
}

func (dm *Daemon) needMic() error {
	if dm.d.Mic == nil || dm.d.VAD == nil || !dm.d.Mic.HasPermission() {
		return fmt.Errorf("%w: %w", ErrNoMicrophone, audio.ErrPermissionDenied)
	}
	if dm.d.Loop.Running() {
		return ErrLoopRunning
	}
	return nil
}

// reset wipes the journal and the model's conversation.
func (dm *Daemon) reset(ctx context.Context, args []string) ipc.Response {
	if len(args) != 1 || args[0] != "--yes" {
		return usage("reset deletes everything; pass --yes to confirm")
	}
	if err := dm.d.Store.Reset(ctx); err != nil {
		return ipc.Fail(err)
	}
	dm.d.LLM.Reset()
	return ipc.OK("Journal cleared", nil)
}

func flags(name string) *cli.FlagSet {
	fs := cli.NewFlagSet(name, cli.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func checkDate(day string) error {
	if day == "" {
		return nil
	}
	if _, err := journal.ParseDay(day); err != nil {
		return fmt.Errorf("bad date %q, want YYYY-MM-DD", day)
	}
	return nil
}

var _ Loop = (*voice.Loop)(nil)
