// Package jobstate owns the lifecycle of a single job: which transitions
// are legal and how each one is recorded.
package jobstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/store"
)

var (
	// ErrInvalidTransition is returned for a transition the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTerminal is returned for any write to a job in a terminal state.
	ErrTerminal = errors.New("job already finished")

	// ErrIncompleteResult is returned when success is recorded without a URL or title.
	ErrIncompleteResult = errors.New("incomplete result")
)

// Notifier is told about every committed change. The websocket hub implements it.
type Notifier interface {
	JobUpdated(job model.Job)
}

// next lists the forward edge out of each non-terminal state. FAILED is
// reachable from all of them and is handled separately.
var next = map[model.JobState][]model.JobState{
	model.JobStateQueued:            {model.JobStateDownloading},
	model.JobStateDownloading:       {model.JobStateVerifyingDownload, model.JobStateProcessing},
	model.JobStateVerifyingDownload: {model.JobStateProcessing},
	model.JobStateProcessing:        {model.JobStateUploading},
	model.JobStateUploading:         {model.JobStateSuccess},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.JobState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == model.JobStateFailed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine drives one job. Exactly one Machine may exist per running job.
type Machine struct {
	store    store.JobStore
	notifier Notifier
	job      *model.Job
	now      func() time.Time
}

// New wraps job, which must already be persisted in s. notifier may be nil.
func New(s store.JobStore, job *model.Job, notifier Notifier) *Machine {
	return &Machine{
		store:    s,
		notifier: notifier,
		job:      job,
		now:      time.Now,
	}
}

// Job returns a copy of the current record.
func (m *Machine) Job() model.Job {
	return *m.job
}

// State returns the current state.
func (m *Machine) State() model.JobState {
	return m.job.State
}

// Advance moves the job to stage with the given progress and message.
func (m *Machine) Advance(ctx context.Context, stage model.JobState, pct float64, message string) error {
	if stage == model.JobStateFailed || stage == model.JobStateSuccess {
		return fmt.Errorf("%w: use Fail or Succeed for %s", ErrInvalidTransition, stage)
	}
	if err := m.check(stage); err != nil {
		return err
	}

	return m.commit(ctx, func(j *model.Job) {
		if j.State == model.JobStateQueued {
			now := m.now()
			j.StartedAt = &now
		}
		j.State = stage
		j.Progress = monotonic(j.Progress, pct)
		j.Message = message
	})
}

// Progress records an update within the current stage.
func (m *Machine) Progress(ctx context.Context, pct float64, message string) error {
	if m.job.State.IsTerminal() {
		return ErrTerminal
	}
	if m.job.State == model.JobStateQueued {
		return fmt.Errorf("%w: progress before the job started", ErrInvalidTransition)
	}

	return m.commit(ctx, func(j *model.Job) {
		j.Progress = monotonic(j.Progress, pct)
		j.Message = message
	})
}

// Succeed records the final result. Only legal from UPLOADING.
func (m *Machine) Succeed(ctx context.Context, result model.Result) error {
	if err := m.check(model.JobStateSuccess); err != nil {
		return err
	}
	if result.URL == "" || result.Title == "" {
		return ErrIncompleteResult
	}

	return m.commit(ctx, func(j *model.Job) {
		now := m.now()
		j.State = model.JobStateSuccess
		j.Progress = 100
		j.Message = "Completed"
		j.Result = &result
		j.Error = nil
		j.CompletedAt = &now
	})
}

// Fail records a terminal failure. Progress is left where it was.
func (m *Machine) Fail(ctx context.Context, cause string) error {
	if err := m.check(model.JobStateFailed); err != nil {
		return err
	}

	return m.commit(ctx, func(j *model.Job) {
		now := m.now()
		j.State = model.JobStateFailed
		j.Message = cause
		j.Error = &cause
		j.Result = nil
		j.CompletedAt = &now
	})
}

func (m *Machine) check(to model.JobState) error {
	from := m.job.State
	if from.IsTerminal() {
		return ErrTerminal
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// commit applies mutate to a copy, persists it and only then adopts it.
func (m *Machine) commit(ctx context.Context, mutate func(j *model.Job)) error {
	updated := *m.job
	mutate(&updated)

	if err := m.store.Save(ctx, &updated); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	m.job = &updated

	if m.notifier != nil {
		m.notifier.JobUpdated(updated)
	}
	return nil
}

func monotonic(current, pct float64) float64 {
	if pct < current {
		return current
	}
	if pct > 100 {
		return 100
	}
	return pct
}
