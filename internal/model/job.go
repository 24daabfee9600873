package model

import "time"

// Job represents one compilation request and its lifecycle
type Job struct {
	ID            string     `json:"id"`
	SourceLocator string     `json:"sourceLocator"`
	MediaKind     MediaKind  `json:"mediaKind"`
	State         JobState   `json:"state"`
	Progress      float64    `json:"progress"`
	Message       string     `json:"message,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         *string    `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Result is the outcome of a successful job
type Result struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Duration     float64   `json:"duration"`
	SegmentCount int       `json:"segmentCount"`
	ObjectKey    string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// CompileTaskPayload is the queue payload for one job
type CompileTaskPayload struct {
	JobID string `json:"jobId"`
}

// ExpireTaskPayload is the queue payload for removing an uploaded clip
type ExpireTaskPayload struct {
	JobID     string `json:"jobId"`
	ObjectKey string `json:"objectKey"`
}
