package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

type ffprobeOutput struct {
	Format ffprobeFormat `json:"format"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// Prober reads container metadata with ffprobe.
type Prober struct {
	path   string
	runner commandRunner
}

func NewProber(path string) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{path: path, runner: execRunner{}}
}

// Duration returns the container duration of file in seconds.
func (p *Prober) Duration(ctx context.Context, file string) (float64, error) {
	res, err := p.runner.Run(ctx, nil, p.path,
		"-v", "error",
		"-show_format",
		"-of", "json",
		file,
	)
	if err != nil {
		return 0, commandError("ffprobe", res, err)
	}

	var ff ffprobeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &ff); err != nil {
		return 0, fmt.Errorf("ffprobe: decode output: %w", err)
	}

	dur, err := strconv.ParseFloat(ff.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: no duration for %s", file)
	}
	return dur, nil
}
