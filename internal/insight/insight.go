// Package insight mines the journal for behavioural patterns.
//
// A run reads a bounded digest of recent actions, outcomes and journal
// lines, asks the conversational model for pattern blocks when a model is
// loaded, and otherwise falls back to deterministic rules. Every run that
// finds data persists at least one insight.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"hetu/internal/journal"
	"hetu/internal/watch"
)

var (
	ErrNoData        = errors.New("insight: no data to analyze")
	ErrNotEnoughData = errors.New("insight: not enough entries to analyze")
)

const (
	// MinEntries is the action+outcome count below which MaybeRun refuses.
	MinEntries = 5

	maxActions  = 50
	maxOutcomes = 50
	maxLines    = 30
	maxInsights = 5
)

type Phase int

const (
	Idle Phase = iota
	Analyzing
	Success
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Analyzing:
		return "analyzing"
	case Success:
		return "success"
	case Failed:
		return "error"
	}
	return "unknown"
}

// State is the observable progress of the latest run. Err is set only in
// the Failed phase; Count is the number of insights the run persisted.
type State struct {
	Phase Phase  `json:"phase"`
	Run   string `json:"run,omitempty"`
	Count int    `json:"count"`
	Err   string `json:"error,omitempty"`
}

type Store interface {
	ListActions(ctx context.Context) ([]journal.Action, error)
	ListOutcomes(ctx context.Context) ([]journal.Outcome, error)
	ListMessages(ctx context.Context) ([]journal.Message, error)
	CountActions(ctx context.Context) (int, error)
	CountOutcomes(ctx context.Context) (int, error)
	AddInsight(ctx context.Context, in journal.Insight) (int64, error)
}

// Model is the part of the conversational model the engine needs. Complete
// must not load a model on its own.
type Model interface {
	Loaded() bool
	Complete(ctx context.Context, prompt string) (string, error)
}

// Data is the digest a run works on: actions and outcomes most recent
// first, user journal lines oldest first.
type Data struct {
	Actions  []journal.Action
	Outcomes []journal.Outcome
	Messages []journal.Message
}

func (d Data) Empty() bool {
	return len(d.Actions) == 0 && len(d.Outcomes) == 0 && len(d.Messages) == 0
}

type Engine struct {
	store Store
	model Model
	state *watch.Value[State]

	// run serializes analyses
	run sync.Mutex
}

// New creates an engine. model may be nil, in which case every run uses the
// rule-based fallback.
func New(store Store, model Model) *Engine {
	return &Engine{
		store: store,
		model: model,
		state: watch.New(State{}),
	}
}

func (e *Engine) State() State { return e.state.Get() }

func (e *Engine) Subscribe() (<-chan State, func()) { return e.state.Subscribe() }

// MaybeRun starts a full analysis only when enough actions and outcomes
// have been tracked.
func (e *Engine) MaybeRun(ctx context.Context) ([]journal.Insight, error) {
	actions, err := e.store.CountActions(ctx)
	if err != nil {
		return nil, err
	}
	outcomes, err := e.store.CountOutcomes(ctx)
	if err != nil {
		return nil, err
	}
	if actions+outcomes < MinEntries {
		return nil, fmt.Errorf("%w: %d of %d entries", ErrNotEnoughData, actions+outcomes, MinEntries)
	}
	return e.RunFullAnalysis(ctx)
}

// RunFullAnalysis analyses the journal and persists what it finds. Insights
// persisted before a failure stay persisted.
func (e *Engine) RunFullAnalysis(ctx context.Context) (out []journal.Insight, err error) {
	e.run.Lock()
	defer e.run.Unlock()

	id := uuid.NewString()
	e.state.Set(State{Phase: Analyzing, Run: id})
	slog.Info("Starting analysis", "run", id)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("insight: internal error: %v", r)
		}
		if err != nil {
			slog.Error("Analysis failed", "run", id, "err", err)
			e.state.Set(State{Phase: Failed, Run: id, Count: len(out), Err: message(err)})
			return
		}
		slog.Info("Analysis finished", "run", id, "insights", len(out))
		e.state.Set(State{Phase: Success, Run: id, Count: len(out)})
	}()

	data, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if data.Empty() {
		return nil, ErrNoData
	}

	for _, in := range e.generate(ctx, data) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		in.ID, err = e.store.AddInsight(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, in)
	}
	return out, nil
}

func message(err error) string {
	if errors.Is(err, ErrNoData) {
		return "No data to analyze"
	}
	return err.Error()
}

func (e *Engine) load(ctx context.Context) (Data, error) {
	actions, err := e.store.ListActions(ctx)
	if err != nil {
		return Data{}, fmt.Errorf("insight: load actions: %w", err)
	}
	outcomes, err := e.store.ListOutcomes(ctx)
	if err != nil {
		return Data{}, fmt.Errorf("insight: load outcomes: %w", err)
	}
	msgs, err := e.store.ListMessages(ctx)
	if err != nil {
		return Data{}, fmt.Errorf("insight: load messages: %w", err)
	}

	var lines []journal.Message
	for _, m := range msgs {
		if m.IsUser {
			lines = append(lines, m)
		}
	}

	return Data{
		Actions:  actions[:min(len(actions), maxActions)],
		Outcomes: outcomes[:min(len(outcomes), maxOutcomes)],
		Messages: lines[max(len(lines)-maxLines, 0):],
	}, nil
}

// generate prefers the model's reading of the data and falls back to the
// rules when the model is absent or says nothing usable.
func (e *Engine) generate(ctx context.Context, data Data) []journal.Insight {
	if e.model == nil || !e.model.Loaded() {
		slog.Debug("Model not loaded, using rule-based analysis")
		return Heuristics(data)
	}

	text, err := e.model.Complete(ctx, BuildPrompt(data))
	if err != nil {
		slog.Warn("Model analysis failed, using rule-based analysis", "err", err)
		return Heuristics(data)
	}

	var out []journal.Insight
	for _, p := range ParseInsights(text) {
		if p == nil {
			continue
		}
		out = append(out, p.Insight())
		if len(out) == maxInsights {
			break
		}
	}
	if len(out) == 0 {
		slog.Warn("Model returned no usable insights, using rule-based analysis")
		return Heuristics(data)
	}
	return out
}
