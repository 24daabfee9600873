package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clipreel/api/internal/client"
	"github.com/clipreel/api/internal/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// ExpireWorker removes uploaded clips once their URLs have lapsed
type ExpireWorker struct {
	storage client.StorageClient
	log     *logrus.Logger
}

func NewExpireWorker(storage client.StorageClient, logger *logrus.Logger) *ExpireWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ExpireWorker{storage: storage, log: logger}
}

// ProcessTask deletes the object. Deletion is best-effort: failures go back
// to asynq for its bounded retries and never touch the job record.
func (w *ExpireWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.ExpireTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ObjectKey == "" {
		return fmt.Errorf("expire task without object key: %w", asynq.SkipRetry)
	}

	log := w.log.WithFields(logrus.Fields{"job_id": payload.JobID, "object_key": payload.ObjectKey})
	if err := w.storage.Delete(ctx, payload.ObjectKey); err != nil {
		log.WithError(err).Warn("Failed to delete expired clip")
		return err
	}
	log.Info("Deleted expired clip")
	return nil
}
