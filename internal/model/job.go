package model

import "time"

// JobStatus represents the lifecycle state of a processing job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// Job is the registry record polled by clients while a song is processed
type Job struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	Step        string     `json:"step"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	SongID      string     `json:"songId,omitempty"`
	Source      string     `json:"source,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Job sources
const (
	JobSourceUpload = "upload"
	JobSourceURL    = "url"
)

// ProcessURLRequest is the body of POST /api/process/url
type ProcessURLRequest struct {
	URL    string `json:"url" validate:"required,url"`
	Name   string `json:"name" validate:"required,min=1,max=200"`
	Artist string `json:"artist" validate:"omitempty,max=200"`
}

// ProcessResponse is returned when a job has been accepted
type ProcessResponse struct {
	JobID     string `json:"jobId"`
	SongID    string `json:"songId,omitempty"`
	StatusURL string `json:"statusUrl"`
}
