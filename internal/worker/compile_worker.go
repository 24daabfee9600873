package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clipreel/api/internal/exceptions"
	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/pipeline"
	"github.com/clipreel/api/internal/store"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Runner executes one job end to end.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// CompileWorker processes clip:compile tasks
type CompileWorker struct {
	runner   Runner
	reporter exceptions.Reporter
	log      *logrus.Logger
}

// NewCompileWorker creates a new compile worker
func NewCompileWorker(runner Runner, reporter exceptions.Reporter, logger *logrus.Logger) *CompileWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reporter == nil {
		reporter = &exceptions.NoopReporter{}
	}
	return &CompileWorker{runner: runner, reporter: reporter, log: logger}
}

// ProcessTask handles compile task processing. Jobs never retry, so every
// error is returned wrapped in asynq.SkipRetry.
func (w *CompileWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.CompileTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	log := w.log.WithField("job_id", payload.JobID)
	log.Info("Starting compile job")

	err := w.runner.Run(ctx, payload.JobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrNotRunnable):
		log.WithError(err).Warn("Skipping redelivered job")
		return nil
	case errors.Is(err, store.ErrNotFound):
		log.Warn("Job record expired before processing")
		return nil
	default:
		log.WithError(err).Error("Compile job aborted")
		w.reporter.ReportException(err, map[string]string{"job_id": payload.JobID})
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}
