// Package store owns all job and task state transitions. It is the sole
// arbiter of claim uniqueness: every mutation is conditional on the caller
// still holding ownership, and losing that condition is an expected race
// outcome signalled by a false return, not an error.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"readings-pipeline/internal/models"
)

// ErrNotFound is returned when a job or task id does not exist.
var ErrNotFound = errors.New("not found")

// Queue is the durable queue store contract. All operations are atomic and
// self-contained; no external locking is required. Implementations must
// guarantee that no two concurrent ClaimTasks calls can claim the same task.
type Queue interface {
	// CreateJobWithTasks inserts a job row and its task batch in one logical
	// operation. If the task batch cannot be inserted the job is persisted in
	// error state so it never sits queued with no claimable work.
	CreateJobWithTasks(ctx context.Context, job models.Job, tasks []models.Task) (models.Job, error)

	GetJob(ctx context.Context, id string) (models.Job, error)
	ListTasks(ctx context.Context, jobID string) ([]models.Task, error)

	// ClaimTasks atomically moves up to max pending tasks of the given types
	// to claimed, stamped with workerID, oldest-created first. Tasks whose
	// job is cancelled (or otherwise terminal) are never claimed.
	ClaimTasks(ctx context.Context, workerID string, max int, taskTypes []string) ([]models.Task, error)

	// Heartbeat renews liveness for an active task. A false return means the
	// caller no longer owns the task and must stop processing it.
	Heartbeat(ctx context.Context, taskID, workerID string) (bool, error)

	// Complete transitions an active task to complete with its output, only
	// if workerID still holds the claim.
	Complete(ctx context.Context, taskID, workerID string, output json.RawMessage) (bool, error)

	// Fail records a failure, incrementing attempts. Under budget the task
	// returns to pending; at budget it goes terminal failed.
	Fail(ctx context.Context, taskID, workerID string, reason string) (bool, error)

	// FailJob marks the whole job error (job-fatal condition), not retried.
	FailJob(ctx context.Context, jobID, reason string) error

	// CancelJob flips the job to cancelled. In-flight tasks are not
	// interrupted; their later completions never resurrect the job. Pending
	// tasks stop being claimable the moment the job is cancelled.
	CancelJob(ctx context.Context, jobID string) error

	// ReclaimStale returns heartbeat-expired active tasks to pending,
	// incrementing attempts; tasks at budget go terminal failed instead.
	ReclaimStale(ctx context.Context) (int, error)

	// ResetStuck force-reclaims active tasks of one job regardless of
	// heartbeat age. Operator escape hatch; does not charge attempts.
	ResetStuck(ctx context.Context, jobID string) (int, error)

	// PendingDepth counts claimable tasks, for autoscaling and metrics.
	PendingDepth(ctx context.Context) (int64, error)

	// RecordArtifact upserts the artifact record keyed by
	// (job_id, task_id, artifact_type) so retried uploads never duplicate.
	RecordArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error)
	ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error)

	// DeleteJobsOlderThan removes terminal jobs (with tasks and artifact
	// records) past the retention age. Returns jobs deleted.
	DeleteJobsOlderThan(ctx context.Context, age time.Duration) (int, error)
}
