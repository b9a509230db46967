package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobComplete   = "complete"
	JobError      = "error"
	JobCancelled  = "cancelled"
)

// TaskStatus enumerates task lifecycle states.
const (
	TaskPending    = "pending"
	TaskClaimed    = "claimed"
	TaskProcessing = "processing"
	TaskComplete   = "complete"
	TaskFailed     = "failed"
)

// Task types understood by the worker pool.
const (
	TaskTypeText  = "text_generation"
	TaskTypePDF   = "pdf_generation"
	TaskTypeAudio = "audio_generation"
	TaskTypeSong  = "song_generation"
)

// Job types accepted by the submission API.
const (
	JobTypeCompatibility = "compatibility_reading"
	JobTypeSolo          = "solo_reading"
)

// Artifact types stored alongside task outputs.
const (
	ArtifactText  = "text"
	ArtifactPDF   = "pdf"
	ArtifactAudio = "audio"
	ArtifactJSON  = "json"
)

// Job is a user-initiated unit of work, decomposed into tasks at submission time.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Params      json.RawMessage `json:"params"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can make no further progress.
func (j Job) Terminal() bool {
	return j.Status == JobComplete || j.Status == JobError || j.Status == JobCancelled
}

// Task is an independently claimable, retryable unit of work belonging to one job.
// Sequence orders sibling tasks for document assembly only; execution order is arbitrary.
type Task struct {
	ID               string          `json:"id"`
	JobID            string          `json:"job_id"`
	TaskType         string          `json:"task_type"`
	Status           string          `json:"status"`
	Sequence         int             `json:"sequence"`
	Input            json.RawMessage `json:"input"`
	Output           json.RawMessage `json:"output,omitempty"`
	WorkerID         *string         `json:"worker_id,omitempty"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	LastHeartbeat    *time.Time      `json:"last_heartbeat,omitempty"`
	HeartbeatTimeout int             `json:"heartbeat_timeout_seconds"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	Error            *string         `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Terminal reports whether the task will never run again.
func (t Task) Terminal() bool {
	return t.Status == TaskComplete || t.Status == TaskFailed
}

// Active reports whether the task is currently owned by a worker.
func (t Task) Active() bool {
	return t.Status == TaskClaimed || t.Status == TaskProcessing
}

// Artifact describes a stored blob produced by a completed task. At most one
// artifact exists per (job_id, task_id, artifact_type); uploads are upserts.
type Artifact struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	TaskID       string            `json:"task_id"`
	ArtifactType string            `json:"artifact_type"`
	Bucket       string            `json:"bucket"`
	StoragePath  string            `json:"storage_path"`
	ContentType  string            `json:"content_type"`
	SizeBytes    int64             `json:"size_bytes"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Progress is the read-side summary of a job, derived from its task rows.
// It is never the source of truth for completion.
type Progress struct {
	Percent int            `json:"percent"`
	Phase   string         `json:"phase"`
	Message string         `json:"message"`
	Counts  map[string]int `json:"counts"`
}
