// Package progress maps stage-local progress signals onto a single
// monotonic 0-100 scale per job.
package progress

import (
	"fmt"

	"github.com/clipreel/api/internal/model"
)

// Func receives stage-local progress from a collaborator. Fraction is in [0, 1].
type Func func(fraction float64, message string)

// Event is one progress signal emitted while a stage runs.
type Event struct {
	Stage    model.JobState
	Fraction float64
	Message  string
}

// FromPercent converts a 0-100 value into a fraction, clamped to [0, 1].
func FromPercent(pct float64) float64 {
	return clamp(pct/100, 0, 1)
}

// Window is the slice of the global scale allotted to one stage.
type Window struct {
	Stage    model.JobState
	StartPct float64
	EndPct   float64
}

// Scale rescales a stage-local fraction into the window.
func (w Window) Scale(fraction float64) float64 {
	pct := w.StartPct + fraction*(w.EndPct-w.StartPct)
	return clamp(pct, w.StartPct, w.EndPct)
}

// Windows is an ordered, contiguous partition of [0, 100].
type Windows []Window

// DefaultWindows returns the production stage allotment.
func DefaultWindows() Windows {
	return Windows{
		{Stage: model.JobStateDownloading, StartPct: 0, EndPct: 30},
		{Stage: model.JobStateVerifyingDownload, StartPct: 30, EndPct: 32},
		{Stage: model.JobStateProcessing, StartPct: 32, EndPct: 92},
		{Stage: model.JobStateUploading, StartPct: 92, EndPct: 100},
	}
}

// Validate checks that ws starts at 0, ends at 100 and has no gaps or overlaps.
func (ws Windows) Validate() error {
	if len(ws) == 0 {
		return fmt.Errorf("no progress windows")
	}
	if ws[0].StartPct != 0 {
		return fmt.Errorf("first window starts at %g, want 0", ws[0].StartPct)
	}
	for i, w := range ws {
		if w.EndPct < w.StartPct {
			return fmt.Errorf("window %s is inverted", w.Stage)
		}
		if i > 0 && ws[i-1].EndPct != w.StartPct {
			return fmt.Errorf("window %s does not start where %s ends", w.Stage, ws[i-1].Stage)
		}
	}
	if last := ws[len(ws)-1]; last.EndPct != 100 {
		return fmt.Errorf("last window ends at %g, want 100", last.EndPct)
	}
	return nil
}

// Lookup returns the window for stage.
func (ws Windows) Lookup(stage model.JobState) (Window, bool) {
	for _, w := range ws {
		if w.Stage == stage {
			return w, true
		}
	}
	return Window{}, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
