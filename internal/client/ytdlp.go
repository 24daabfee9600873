package client

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/progress"
)

const (
	titleMarker    = "clipreel-title:"
	fileMarker     = "clipreel-file:"
	progressMarker = "clipreel-progress:"
)

var percentPattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)

type durationProber interface {
	Duration(ctx context.Context, file string) (float64, error)
}

// YtDlpClient implements Fetcher on top of the yt-dlp CLI
type YtDlpClient struct {
	path   string
	prober durationProber
	runner commandRunner
}

func NewYtDlpClient(path string, prober *Prober) *YtDlpClient {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlpClient{path: path, prober: prober, runner: execRunner{}}
}

// Fetch downloads req.Locator into req.Dir and probes the result.
func (c *YtDlpClient) Fetch(ctx context.Context, req FetchRequest, onProgress progress.Func) (*model.Media, error) {
	var title, filePath string
	res, err := c.runner.Run(ctx, func(line string) {
		switch {
		case strings.HasPrefix(line, progressMarker):
			if pct, ok := parsePercent(line[len(progressMarker):]); ok {
				report(onProgress, pct/100, fmt.Sprintf("Downloading %.1f%%", pct))
			}
		case strings.HasPrefix(line, titleMarker):
			title = strings.TrimSpace(line[len(titleMarker):])
		case strings.HasPrefix(line, fileMarker):
			filePath = strings.TrimSpace(line[len(fileMarker):])
		}
	}, c.path, downloadArgs(req)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, commandError("yt-dlp", res, err))
	}
	if filePath == "" {
		return nil, fmt.Errorf("%w: yt-dlp reported no output file", ErrFetch)
	}

	duration, err := c.prober.Duration(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	if title == "" || title == "NA" {
		title = "Unknown"
	}
	report(onProgress, 1, "Download complete")

	return &model.Media{
		Path:     filePath,
		Duration: duration,
		Title:    title,
	}, nil
}

func downloadArgs(req FetchRequest) []string {
	args := []string{
		"--no-playlist",
		"--no-simulate",
		"--newline",
		"--progress",
		"--restrict-filenames",
		"--progress-template", "download:" + progressMarker + "%(progress._percent_str)s",
		"--print", "before_dl:" + titleMarker + "%(title)s",
		"--print", "after_move:" + fileMarker + "%(filepath)s",
		"-o", filepath.Join(req.Dir, req.Name+".%(ext)s"),
	}

	switch req.Kind {
	case model.MediaKindAudio:
		args = append(args, "-f", "bestaudio[ext=m4a]/bestaudio")
	default:
		args = append(args,
			"-f", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
			"--merge-output-format", "mp4",
		)
	}

	return append(args, req.Locator)
}

func parsePercent(s string) (float64, bool) {
	m := percentPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
