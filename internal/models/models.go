package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will not run again on its own.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type ClipStatus string

const (
	ClipStatusPending     ClipStatus = "pending"
	ClipStatusSubmitting  ClipStatus = "submitting"
	ClipStatusPolling     ClipStatus = "polling"
	ClipStatusDownloading ClipStatus = "downloading"
	ClipStatusCompleted   ClipStatus = "completed"
	ClipStatusFailed      ClipStatus = "failed"
	ClipStatusSkipped     ClipStatus = "skipped"
)

// Done reports whether the clip needs no further work.
func (s ClipStatus) Done() bool {
	return s == ClipStatusCompleted || s == ClipStatusSkipped
}

type GenerationMode string

const (
	ModeParallel   GenerationMode = "parallel"
	ModeSequential GenerationMode = "sequential"
)

type SortOrder string

const (
	SortByName SortOrder = "name"
	SortByDate SortOrder = "date"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// StringList is a []string stored as a JSONB array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func (l *StringList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// JobOptions are the per-job generation settings, stored as JSONB.
type JobOptions struct {
	Mode                     GenerationMode `json:"mode,omitempty"`                       // Default: "parallel"
	MaxParallel              int            `json:"max_parallel,omitempty"`               // 0 = PARALLEL_CLIPS
	MaxRetries               int            `json:"max_retries,omitempty"`                // 0 = MAX_RETRIES_PER_CLIP
	SingleFrameInterpolation bool           `json:"single_frame_interpolation,omitempty"` // allow start == end
	SkipOnCelebrityFilter    bool           `json:"skip_on_celebrity_filter,omitempty"`
	AspectRatio              string         `json:"aspect_ratio,omitempty"` // "9:16", "16:9"
	Resolution               string         `json:"resolution,omitempty"`   // "720p", "1080p"
	DurationSeconds          int            `json:"duration_seconds,omitempty"`
	Language                 string         `json:"language,omitempty"`
}

func (o JobOptions) Value() (driver.Value, error) {
	return json.Marshal(o)
}

func (o *JobOptions) Scan(value interface{}) error {
	if value == nil {
		*o = JobOptions{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, o)
}

// Models

type Job struct {
	ID           uuid.UUID  `json:"id"`
	Status       JobStatus  `json:"status"`
	Options      JobOptions `json:"options"`
	ImagesDir    *string    `json:"images_dir,omitempty"` // local frame directory
	SortBy       SortOrder  `json:"sort_by"`
	Candidates   StringList `json:"candidates"` // frame keys in selection order
	ClipCount    int        `json:"clip_count"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Clip struct {
	ID               uuid.UUID  `json:"id"`
	JobID            uuid.UUID  `json:"job_id"`
	ClipIndex        int        `json:"clip_index"`
	DialogueID       int        `json:"dialogue_id"`
	Dialogue         string     `json:"dialogue"`
	StartFrame       string     `json:"start_frame"`
	EndFrame         *string    `json:"end_frame,omitempty"`
	StartUsed        *string    `json:"start_used,omitempty"` // frames the finished clip actually used
	EndUsed          *string    `json:"end_used,omitempty"`
	Status           ClipStatus `json:"status"`
	Prompt           *string    `json:"prompt,omitempty"`
	OutputPath       *string    `json:"output_path,omitempty"` // storage path of the mp4
	OutputName       *string    `json:"output_name,omitempty"`
	Attempts         int        `json:"attempts"`
	RateLimitRetries int        `json:"rate_limit_retries"`
	ErrorCode        *string    `json:"error_code,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	ErrorDetails     JSONB      `json:"error_details,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type JobLog struct {
	ID        int64     `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	ClipIndex *int      `json:"clip_index,omitempty"` // nil for job-level events
	Level     string    `json:"level"`                // "info", "warning", "error"
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Details   JSONB     `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a progress notification published to subscribers of a job.
type Event struct {
	JobID     uuid.UUID `json:"job_id"`
	ClipIndex *int      `json:"clip_index,omitempty"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Details   JSONB     `json:"details,omitempty"`
	At        time.Time `json:"at"`
}

// DTOs for API requests and responses

type DialogueLine struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type CreateJobRequest struct {
	Dialogues    []DialogueLine `json:"dialogues"`
	Images       []string       `json:"images,omitempty"`        // storage keys, in selection order
	ImagesPrefix *string        `json:"images_prefix,omitempty"` // or: every image under a storage prefix
	ImagesDir    *string        `json:"images_dir,omitempty"`    // or: local directory on the worker host
	SortBy       SortOrder      `json:"sort_by,omitempty"`       // Default: "name"
	Options      JobOptions     `json:"options"`
}

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type JobResponse struct {
	Job
	Clips []ClipResponse `json:"clips,omitempty"`
}

type ClipResponse struct {
	Clip
	OutputURL *string `json:"output_url,omitempty"`
}

type JobSummary struct {
	ID             uuid.UUID `json:"id"`
	Status         JobStatus `json:"status"`
	Mode           string    `json:"mode"`
	ClipCount      int       `json:"clip_count"`
	CompletedClips int       `json:"completed_clips"`
	FailedClips    int       `json:"failed_clips"`
	ErrorCode      *string   `json:"error_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ListJobsResponse struct {
	Jobs   []JobSummary `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}
