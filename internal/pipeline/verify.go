package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"
)

// awaitFile polls until path is a non-empty regular file or timeout passes.
func awaitFile(ctx context.Context, path string, timeout, interval time.Duration) (int64, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return info.Size(), nil
		}
		if !time.Now().Before(deadline) {
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrDownloadVerificationFailed, err)
			}
			return 0, fmt.Errorf("%w: %s", ErrDownloadVerificationFailed, path)
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", ErrDownloadVerificationFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}
