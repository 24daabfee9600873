// Package selector picks random, non-overlapping ranges of a source that
// together approximate a target output duration.
package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/clipreel/api/internal/model"
)

// ErrInsufficientSource is returned when no segment could be accepted.
var ErrInsufficientSource = errors.New("insufficient source")

// Source yields uniform values in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Options controls segment selection. Durations are in seconds.
type Options struct {
	TargetDuration float64
	MinChunk       float64
	MaxChunk       float64
	MaxAttempts    int
	MaxChunks      int

	// Sources shorter than FallbackThreshold are split into
	// FallbackSegments equal parts instead of sampled.
	FallbackThreshold  float64
	FallbackSegments   int
	FallbackMinSegment float64
}

// DefaultOptions returns the production selection parameters.
func DefaultOptions() Options {
	return Options{
		TargetDuration:     1500,
		MinChunk:           270,
		MaxChunk:           330,
		MaxAttempts:        50,
		MaxChunks:          10,
		FallbackThreshold:  330,
		FallbackSegments:   3,
		FallbackMinSegment: 10,
	}
}

// Validate checks that opts describe a usable configuration.
func (o Options) Validate() error {
	switch {
	case o.TargetDuration <= 0:
		return fmt.Errorf("target duration must be positive")
	case o.MinChunk <= 0 || o.MaxChunk < o.MinChunk:
		return fmt.Errorf("invalid chunk range [%g, %g]", o.MinChunk, o.MaxChunk)
	case o.MaxAttempts <= 0:
		return fmt.Errorf("max attempts must be positive")
	case o.MaxChunks <= 0:
		return fmt.Errorf("max chunks must be positive")
	case o.FallbackSegments <= 0:
		return fmt.Errorf("fallback segments must be positive")
	case o.FallbackThreshold < o.MinChunk:
		// sources between the two would be taken whole as a single chunk
		return fmt.Errorf("fallback threshold %g below min chunk %g", o.FallbackThreshold, o.MinChunk)
	}
	return nil
}

// NewSource returns a seeded source.
func NewSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Select returns segments of a source lasting total seconds, in acceptance
// order. The order is not chronological and is meant to be kept as-is when
// the segments are concatenated.
func Select(total float64, opts Options, rnd Source) ([]model.Segment, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("%w: duration %g", ErrInsufficientSource, total)
	}

	if total < opts.FallbackThreshold {
		return fallback(total, opts, rnd)
	}

	chunk := opts.MinChunk + rnd.Float64()*(opts.MaxChunk-opts.MinChunk)
	if chunk > opts.TargetDuration {
		chunk = opts.TargetDuration
	}
	if chunk > total {
		chunk = total
	}

	count := int(math.Min(math.Floor(opts.TargetDuration/chunk), math.Floor(total/chunk)))
	if count > opts.MaxChunks {
		count = opts.MaxChunks
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: duration %g shorter than chunk %g", ErrInsufficientSource, total, chunk)
	}

	maxStart := total - chunk
	if maxStart <= 0 {
		return []model.Segment{{Start: 0, End: total}}, nil
	}

	accepted := make([]model.Segment, 0, count)
	for slot := 0; slot < count; slot++ {
		seg, ok := place(accepted, chunk, maxStart, total, opts.MaxAttempts, rnd)
		if !ok {
			break
		}
		accepted = append(accepted, seg)
	}

	if len(accepted) == 0 {
		return nil, fmt.Errorf("%w: no segment placed", ErrInsufficientSource)
	}
	return accepted, nil
}

// place samples up to attempts candidate starts and returns the first
// candidate that does not overlap an accepted segment.
func place(accepted []model.Segment, chunk, maxStart, total float64, attempts int, rnd Source) (model.Segment, bool) {
	for attempt := 0; attempt < attempts; attempt++ {
		start := rnd.Float64() * maxStart
		candidate := model.Segment{Start: start, End: math.Min(start+chunk, total)}
		if !overlapsAny(candidate, accepted) {
			return candidate, true
		}
	}
	return model.Segment{}, false
}

func overlapsAny(s model.Segment, set []model.Segment) bool {
	for _, o := range set {
		if s.Overlaps(o) {
			return true
		}
	}
	return false
}

// fallback splits a short source into equal parts and shuffles them.
func fallback(total float64, opts Options, rnd Source) ([]model.Segment, error) {
	n := opts.FallbackSegments
	size := total / float64(n)
	if size < opts.FallbackMinSegment {
		return nil, fmt.Errorf("%w: duration %g below %d x %gs", ErrInsufficientSource, total, n, opts.FallbackMinSegment)
	}

	segments := make([]model.Segment, n)
	for i := range segments {
		segments[i] = model.Segment{Start: float64(i) * size, End: float64(i+1) * size}
	}
	segments[n-1].End = total

	for i := n - 1; i > 0; i-- {
		j := int(rnd.Float64() * float64(i+1))
		if j > i {
			j = i
		}
		segments[i], segments[j] = segments[j], segments[i]
	}
	return segments, nil
}

// Total returns the summed duration of segments.
func Total(segments []model.Segment) float64 {
	var sum float64
	for _, s := range segments {
		sum += s.Duration()
	}
	return sum
}
