package service

import (
	"context"
	"fmt"
	"time"

	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/store"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Enqueuer is the subset of *asynq.Client the service needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ClipService creates compile jobs and answers status queries.
type ClipService struct {
	store    store.JobStore
	enqueuer Enqueuer
	queue    string
	timeout  time.Duration
	now      func() time.Time
}

// NewClipService returns a service enqueueing on queue. taskTimeout bounds a
// whole compile run; zero leaves asynq's default in place.
func NewClipService(jobStore store.JobStore, enqueuer Enqueuer, queue string, taskTimeout time.Duration) *ClipService {
	if queue == "" {
		queue = "clips"
	}
	return &ClipService{
		store:    jobStore,
		enqueuer: enqueuer,
		queue:    queue,
		timeout:  taskTimeout,
		now:      time.Now,
	}
}

// Submit records a QUEUED job and hands it to the worker queue.
func (s *ClipService) Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	kind := req.MediaKind
	if kind == "" {
		kind = model.MediaKindVideo
	}

	job := &model.Job{
		ID:            uuid.New().String(),
		SourceLocator: req.URL,
		MediaKind:     kind,
		State:         model.JobStateQueued,
		Progress:      0,
		Message:       "Queued",
		CreatedAt:     s.now().UTC(),
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := NewCompileTask(job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// failures are terminal, so no retries; TaskID dedupes submissions
	opts := []asynq.Option{
		asynq.Queue(s.queue),
		asynq.TaskID(job.ID),
		asynq.MaxRetry(0),
		asynq.Retention(24 * time.Hour),
	}
	if s.timeout > 0 {
		opts = append(opts, asynq.Timeout(s.timeout))
	}

	if _, err = s.enqueuer.EnqueueContext(ctx, task, opts...); err != nil {
		if abandonErr := s.abandon(ctx, job, err); abandonErr != nil {
			return nil, fmt.Errorf("failed to enqueue task: %w (job left queued: %v)", err, abandonErr)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.SubmitResponse{
		JobID:     job.ID,
		State:     job.State,
		CreatedAt: job.CreatedAt,
	}, nil
}

// GetStatus returns the current state of a job. Unknown ids yield
// store.ErrNotFound.
func (s *ClipService) GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.StatusResponse{
		JobID:       job.ID,
		State:       job.State,
		Progress:    job.Progress,
		Message:     job.Message,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}, nil
}

// ScheduleExpiry enqueues removal of an uploaded object once its URL has
// lapsed.
func (s *ClipService) ScheduleExpiry(ctx context.Context, jobID, objectKey string, after time.Duration) error {
	task, err := NewExpireTask(jobID, objectKey)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.ProcessIn(after),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue expiry: %w", err)
	}
	return nil
}

// abandon marks a job that never reached the queue as failed so it does not
// sit in QUEUED forever.
func (s *ClipService) abandon(ctx context.Context, job *model.Job, cause error) error {
	now := s.now().UTC()
	msg := fmt.Sprintf("submission failed: %v", cause)
	job.State = model.JobStateFailed
	job.Message = msg
	job.Error = &msg
	job.CompletedAt = &now
	if err := s.store.Save(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}
