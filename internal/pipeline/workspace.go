package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace is a per-job scratch directory. Everything a job writes lives
// under it, plus any extra paths registered with Track.
type Workspace struct {
	dir string

	mu      sync.Mutex
	tracked []string
	cleaned bool
}

// NewWorkspace creates <root>/<jobID>.
func NewWorkspace(root, jobID string) (*Workspace, error) {
	if jobID == "" || filepath.Base(jobID) != jobID || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job id %q for workspace", jobID)
	}

	dir := filepath.Join(root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

// Path returns name joined onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Track registers a path outside the directory for removal on Cleanup.
func (w *Workspace) Track(path string) {
	if path == "" || w.contains(path) {
		return
	}
	w.mu.Lock()
	w.tracked = append(w.tracked, path)
	w.mu.Unlock()
}

// Cleanup removes the directory and tracked paths. Safe to call repeatedly.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cleaned {
		return nil
	}
	w.cleaned = true

	errs := []error{os.RemoveAll(w.dir)}
	for _, p := range w.tracked {
		errs = append(errs, os.RemoveAll(p))
	}
	return errors.Join(errs...)
}

func (w *Workspace) contains(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
