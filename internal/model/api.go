package model

import "time"

// SubmitRequest represents the request body for a new compilation job
type SubmitRequest struct {
	URL       string    `json:"url" validate:"required,url"`
	MediaKind MediaKind `json:"mediaKind" validate:"omitempty,oneof=video audio"`
}

// SubmitResponse is returned once a job is queued
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	State     JobState  `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusResponse represents the readable state of a job
type StatusResponse struct {
	JobID       string     `json:"jobId"`
	State       JobState   `json:"state"`
	Progress    float64    `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
