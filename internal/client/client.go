package client

import (
	"context"
	"errors"
	"time"

	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/progress"
)

var (
	// ErrFetch marks network or extraction failures while acquiring a source.
	ErrFetch = errors.New("fetch error")

	// ErrEncode marks failures while extracting or concatenating media.
	ErrEncode = errors.New("encode error")

	// ErrStore marks object storage failures.
	ErrStore = errors.New("store error")
)

// FetchRequest describes a source to download into Dir. Name is the file
// name without extension; the fetcher picks the extension.
type FetchRequest struct {
	Locator string
	Kind    model.MediaKind
	Dir     string
	Name    string
}

// Fetcher downloads a source locator to local disk.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, onProgress progress.Func) (*model.Media, error)
}

// MediaEngine cuts and joins media files.
type MediaEngine interface {
	Extract(ctx context.Context, source string, seg model.Segment, out string, kind model.MediaKind) (*model.Clip, error)
	Concatenate(ctx context.Context, clips []model.Clip, out string, kind model.MediaKind, onProgress progress.Func) error
}

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	// UploadFile stores the file at localPath under key and returns a
	// retrieval URL valid for expiry.
	UploadFile(ctx context.Context, localPath, key, contentType string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

func report(fn progress.Func, fraction float64, message string) {
	if fn != nil {
		fn(fraction, message)
	}
}
