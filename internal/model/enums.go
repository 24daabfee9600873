package model

// Job states
type JobState string

const (
	JobStateQueued            JobState = "queued"
	JobStateDownloading       JobState = "downloading"
	JobStateVerifyingDownload JobState = "verifying_download"
	JobStateProcessing        JobState = "processing"
	JobStateUploading         JobState = "uploading"
	JobStateSuccess           JobState = "success"
	JobStateFailed            JobState = "failed"
)

// IsTerminal reports whether no further transitions may follow s.
func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFailed
}

// Media kinds
type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
)

var ValidMediaKinds = []MediaKind{MediaKindVideo, MediaKindAudio}

// Extension returns the container extension used for compiled output.
func (k MediaKind) Extension() string {
	if k == MediaKindAudio {
		return "m4a"
	}
	return "mp4"
}

// ContentType returns the MIME type of compiled output.
func (k MediaKind) ContentType() string {
	if k == MediaKindAudio {
		return "audio/mp4"
	}
	return "video/mp4"
}
