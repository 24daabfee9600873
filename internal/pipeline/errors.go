package pipeline

import (
	"errors"
	"fmt"

	"github.com/clipreel/api/internal/model"
)

var (
	// ErrDownloadVerificationFailed is returned when the downloaded file does
	// not show up non-empty before the verification deadline.
	ErrDownloadVerificationFailed = errors.New("downloaded file not found or empty")

	// ErrNotRunnable is returned for jobs already in a terminal state, such
	// as a redelivered task for a job that finished.
	ErrNotRunnable = errors.New("job is not runnable")

	// ErrUnexpectedFault wraps recovered panics.
	ErrUnexpectedFault = errors.New("unexpected fault")
)

// StageError attributes a failure to the stage that produced it.
type StageError struct {
	Stage model.JobState
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", stageLabel(e.Stage), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageLabel(stage model.JobState) string {
	switch stage {
	case model.JobStateDownloading:
		return "download"
	case model.JobStateVerifyingDownload:
		return "download verification"
	case model.JobStateProcessing:
		return "processing"
	case model.JobStateUploading:
		return "upload"
	default:
		return "setup"
	}
}

// wrap tags err with sentinel unless it already carries it.
func wrap(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
