// Package store persists job records.
package store

import (
	"context"
	"errors"

	"github.com/clipreel/api/internal/model"
)

// ErrNotFound is returned when no record exists for a job ID.
var ErrNotFound = errors.New("job not found")

// ErrExists is returned by Create when the job ID is already taken.
var ErrExists = errors.New("job already exists")

// JobStore reads and writes job records. Save overwrites the whole record;
// callers keep a single writer per job.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Save(ctx context.Context, job *model.Job) error
}
