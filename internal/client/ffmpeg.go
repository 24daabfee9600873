package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/progress"
)

// FFmpegClient implements MediaEngine with the ffmpeg CLI. Extracted clips
// are re-encoded to a common codec so concatenation can stream-copy.
type FFmpegClient struct {
	path   string
	runner commandRunner
}

func NewFFmpegClient(path string) *FFmpegClient {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegClient{path: path, runner: execRunner{}}
}

// Extract cuts seg out of source into out.
func (c *FFmpegClient) Extract(ctx context.Context, source string, seg model.Segment, out string, kind model.MediaKind) (*model.Clip, error) {
	res, err := c.runner.Run(ctx, nil, c.path, extractArgs(source, seg, out, kind)...)
	if err != nil {
		return nil, fmt.Errorf("%w: extract %.3f-%.3f: %v", ErrEncode, seg.Start, seg.End, commandError("ffmpeg", res, err))
	}
	return &model.Clip{Path: out, Segment: seg}, nil
}

// Concatenate joins clips in order into out.
func (c *FFmpegClient) Concatenate(ctx context.Context, clips []model.Clip, out string, kind model.MediaKind, onProgress progress.Func) error {
	if len(clips) == 0 {
		return fmt.Errorf("%w: nothing to concatenate", ErrEncode)
	}

	listPath := out + ".txt"
	if err := os.WriteFile(listPath, []byte(concatList(clips)), 0o644); err != nil {
		return fmt.Errorf("%w: write concat list: %v", ErrEncode, err)
	}
	defer os.Remove(listPath)

	var total float64
	for _, clip := range clips {
		total += clip.Segment.Duration()
	}

	res, err := c.runner.Run(ctx, func(line string) {
		if fraction, ok := parseProgressLine(line, total); ok {
			report(onProgress, fraction, "Joining segments")
		}
	}, c.path, concatArgs(listPath, out)...)
	if err != nil {
		return fmt.Errorf("%w: concatenate: %v", ErrEncode, commandError("ffmpeg", res, err))
	}

	report(onProgress, 1, "Segments joined")
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func extractArgs(source string, seg model.Segment, out string, kind model.MediaKind) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-v", "error",
		"-ss", formatSeconds(seg.Start),
		"-i", source,
		"-t", formatSeconds(seg.Duration()),
	}

	switch kind {
	case model.MediaKindAudio:
		args = append(args, "-vn", "-c:a", "aac", "-b:a", "192k")
	default:
		args = append(args,
			"-c:v", "libx264", "-preset", "veryfast", "-crf", "23",
			"-c:a", "aac", "-b:a", "192k",
			"-movflags", "+faststart",
		)
	}

	return append(args, out)
}

func concatArgs(listPath, out string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-v", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-progress", "pipe:1", "-nostats",
		out,
	}
}

func concatList(clips []model.Clip) string {
	var b strings.Builder
	for _, clip := range clips {
		p, err := filepath.Abs(clip.Path)
		if err != nil {
			p = clip.Path
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

// parseProgressLine reads one key=value line of ffmpeg -progress output.
func parseProgressLine(line string, total float64) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}

	switch key {
	case "progress":
		if value == "end" {
			return 1, true
		}
	case "out_time_us", "out_time_ms":
		// both keys carry microseconds
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || total <= 0 || us < 0 {
			return 0, false
		}
		f := float64(us) / 1e6 / total
		if f > 1 {
			f = 1
		}
		return f, true
	}
	return 0, false
}
