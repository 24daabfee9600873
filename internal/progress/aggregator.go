package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/clipreel/api/internal/model"
)

// MinStep is the smallest advance, in percentage points, that is committed
// without a stage change.
const MinStep = 1.0

// Sink persists committed progress. The job state machine implements it.
type Sink interface {
	Advance(ctx context.Context, stage model.JobState, pct float64, message string) error
	Progress(ctx context.Context, pct float64, message string) error
}

// Aggregator turns stage-local events into throttled, non-decreasing
// global percentages for one job.
type Aggregator struct {
	sink    Sink
	windows Windows

	mu        sync.Mutex
	stage     model.JobState
	window    Window
	committed float64
}

// NewAggregator creates an aggregator that commits through sink.
func NewAggregator(sink Sink, windows Windows) (*Aggregator, error) {
	if err := windows.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{sink: sink, windows: windows}, nil
}

// Enter moves the job into stage at the start of its window. The update is
// always committed.
func (a *Aggregator) Enter(ctx context.Context, stage model.JobState, message string) error {
	w, ok := a.windows.Lookup(stage)
	if !ok {
		return fmt.Errorf("no progress window for stage %s", stage)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pct := a.floor(w.StartPct)
	if err := a.sink.Advance(ctx, stage, pct, message); err != nil {
		return err
	}
	a.stage = stage
	a.window = w
	a.committed = pct
	return nil
}

// Report handles one event. Events for a stage other than the current one
// are stale and dropped.
func (a *Aggregator) Report(ctx context.Context, ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stage == "" || ev.Stage != a.stage {
		return nil
	}

	pct := a.floor(a.window.Scale(clamp(ev.Fraction, 0, 1)))
	if pct-a.committed < MinStep && !(pct == a.window.EndPct && pct > a.committed) {
		return nil
	}
	if err := a.sink.Progress(ctx, pct, ev.Message); err != nil {
		return err
	}
	a.committed = pct
	return nil
}

// Func returns a collaborator callback bound to stage. Commit errors are
// passed to onErr when it is non-nil.
func (a *Aggregator) Func(ctx context.Context, stage model.JobState, onErr func(error)) Func {
	return func(fraction float64, message string) {
		err := a.Report(ctx, Event{Stage: stage, Fraction: fraction, Message: message})
		if err != nil && onErr != nil {
			onErr(err)
		}
	}
}

// Committed returns the last committed global percentage.
func (a *Aggregator) Committed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

// Stage returns the current stage.
func (a *Aggregator) Stage() model.JobState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage
}

// floor keeps pct from dropping below the last committed value.
func (a *Aggregator) floor(pct float64) float64 {
	if pct < a.committed {
		return a.committed
	}
	return pct
}
