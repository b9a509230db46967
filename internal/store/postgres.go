package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"readings-pipeline/internal/models"
)

// Postgres implements Queue on pgxpool. Claim atomicity relies on
// FOR UPDATE SKIP LOCKED; everything else is conditional single-statement
// updates guarded by worker ownership.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Queue = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, job_id, task_type, status, sequence, input, output, worker_id,
	claimed_at, started_at, last_heartbeat, heartbeat_timeout_seconds,
	attempts, max_attempts, error, created_at, updated_at`

// CreateJobWithTasks inserts the job row and its task batch in one
// transaction. If the batch insert fails the job is committed separately in
// error state rather than left permanently queued with nothing to claim.
func (s *Postgres) CreateJobWithTasks(ctx context.Context, job models.Job, tasks []models.Task) (models.Job, error) {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 1
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, status, params, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, job.ID, job.Type, job.Status, job.Params, job.MaxAttempts, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := insertTasks(ctx, tx, job.ID, tasks, now); err != nil {
		// Preserve the job in error state so the client sees a terminal
		// status instead of a job that will never make progress.
		_ = tx.Rollback(ctx)
		msg := err.Error()
		_, ferr := s.pool.Exec(ctx, `
			INSERT INTO jobs (id, type, status, params, attempts, max_attempts, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
			ON CONFLICT (id) DO UPDATE SET status = $3, last_error = $6, updated_at = $7
		`, job.ID, job.Type, models.JobError, job.Params, job.MaxAttempts, msg, now)
		if ferr != nil {
			return models.Job{}, fmt.Errorf("mark job error after plan failure: %w", ferr)
		}
		job.Status = models.JobError
		job.LastError = &msg
		return job, fmt.Errorf("insert tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func insertTasks(ctx context.Context, tx pgx.Tx, jobID string, tasks []models.Task, now time.Time) error {
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Status == "" {
			t.Status = models.TaskPending
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, job_id, task_type, status, sequence, input,
				heartbeat_timeout_seconds, attempts, max_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
		`, t.ID, jobID, t.TaskType, t.Status, t.Sequence, t.Input, t.HeartbeatTimeout, t.MaxAttempts, now)
		if err != nil {
			return fmt.Errorf("task %d (%s): %w", i, t.TaskType, err)
		}
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, status, params, attempts, max_attempts, last_error, created_at, updated_at, completed_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var lastErr pgtype.Text
	var completed pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Params, &job.Attempts,
		&job.MaxAttempts, &lastErr, &job.CreatedAt, &job.UpdatedAt, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

// ListTasks returns all tasks of a job ordered by sequence.
func (s *Postgres) ListTasks(ctx context.Context, jobID string) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY sequence, created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ClaimTasks claims up to max pending tasks of the given types for workerID.
// The SKIP LOCKED select and the status flip happen in one statement, so two
// concurrent claimers can never receive the same row.
func (s *Postgres) ClaimTasks(ctx context.Context, workerID string, max int, taskTypes []string) ([]models.Task, error) {
	if max <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT tk.id FROM tasks tk
			JOIN jobs j ON j.id = tk.job_id
			WHERE tk.status = 'pending' AND tk.task_type = ANY($2)
			  AND j.status IN ('queued', 'processing')
			ORDER BY tk.created_at
			LIMIT $3
			FOR UPDATE OF tk SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'claimed', worker_id = $1, claimed_at = NOW(), last_heartbeat = NULL, updated_at = NOW()
		FROM claimable c
		WHERE t.id = c.id
		RETURNING t.id, t.job_id, t.task_type, t.status, t.sequence, t.input, t.output, t.worker_id,
			t.claimed_at, t.started_at, t.last_heartbeat, t.heartbeat_timeout_seconds,
			t.attempts, t.max_attempts, t.error, t.created_at, t.updated_at
	`, workerID, taskTypes, max)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	if len(tasks) > 0 {
		jobIDs := make([]string, 0, len(tasks))
		seen := map[string]bool{}
		for _, t := range tasks {
			if !seen[t.JobID] {
				seen[t.JobID] = true
				jobIDs = append(jobIDs, t.JobID)
			}
		}
		// First claim moves the owning job to processing.
		_, _ = s.pool.Exec(ctx, `
			UPDATE jobs SET status = 'processing', updated_at = NOW()
			WHERE id = ANY($1) AND status = 'queued'
		`, jobIDs)
	}
	return tasks, nil
}

// Heartbeat renews liveness and promotes claimed to processing on first beat.
func (s *Postgres) Heartbeat(ctx context.Context, taskID, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET last_heartbeat = NOW(), status = 'processing',
			started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'processing')
	`, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("heartbeat task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete writes the output and marks the task complete if workerID still
// holds the claim, then folds the result into the job status. The task update
// and the job recompute commit together: a crash between them could otherwise
// strand a job in processing with every task terminal, and no sweep repairs
// that state.
func (s *Postgres) Complete(ctx context.Context, taskID, workerID string, output json.RawMessage) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobID string
	err = tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'complete', output = $3, error = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'processing')
		RETURNING job_id
	`, taskID, workerID, output).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	if err := recomputeJobStatus(ctx, tx, jobID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit complete: %w", err)
	}
	return true, nil
}

// Fail increments attempts and either requeues the task or, at budget, marks
// it terminal failed, which may in turn fail the job. Terminal failure and the
// job recompute commit in the same transaction, same as Complete.
func (s *Postgres) Fail(ctx context.Context, taskID, workerID string, reason string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobID, status string
	err = tx.QueryRow(ctx, `
		UPDATE tasks
		SET attempts = attempts + 1,
			error = $3,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			worker_id = NULL, claimed_at = NULL, started_at = NULL, last_heartbeat = NULL,
			updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'processing')
		RETURNING job_id, status
	`, taskID, workerID, reason).Scan(&jobID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail task: %w", err)
	}
	if status == models.TaskFailed {
		if err := recomputeJobStatus(ctx, tx, jobID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit fail: %w", err)
	}
	return true, nil
}

// FailJob marks a job error unless it already reached a terminal state.
func (s *Postgres) FailJob(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'error', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, jobID, reason)
	return err
}

// CancelJob flips a non-terminal job to cancelled. Cancelled is sticky: later
// task completions are recorded but never move the job out of it.
func (s *Postgres) CancelJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// ReclaimStale sweeps active tasks whose heartbeat (or claim, if none yet)
// is older than their timeout. Reclaim charges an attempt; a task at budget
// goes terminal failed instead of looping forever through a crashing worker.
func (s *Postgres) ReclaimStale(ctx context.Context) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		WITH stale AS (
			SELECT id FROM tasks
			WHERE status IN ('claimed', 'processing')
			  AND COALESCE(last_heartbeat, claimed_at) < NOW() - make_interval(secs => heartbeat_timeout_seconds)
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET attempts = t.attempts + 1,
			status = CASE WHEN t.attempts + 1 >= t.max_attempts THEN 'failed' ELSE 'pending' END,
			error = CASE WHEN t.attempts + 1 >= t.max_attempts THEN 'heartbeat expired' ELSE t.error END,
			worker_id = NULL, claimed_at = NULL, started_at = NULL, last_heartbeat = NULL,
			updated_at = NOW()
		FROM stale s
		WHERE t.id = s.id
		RETURNING t.job_id, t.status
	`)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}

	count := 0
	failedJobs := map[string]bool{}
	for rows.Next() {
		var jobID, status string
		if err := rows.Scan(&jobID, &status); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan reclaimed: %w", err)
		}
		count++
		if status == models.TaskFailed {
			failedJobs[jobID] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for jobID := range failedJobs {
		if err := recomputeJobStatus(ctx, tx, jobID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reclaim: %w", err)
	}
	return count, nil
}

// ResetStuck force-requeues every active task of one job, bypassing the
// heartbeat timeout. Attempts are not charged: this is an operator action,
// not a worker failure.
func (s *Postgres) ResetStuck(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			started_at = NULL, last_heartbeat = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status IN ('claimed', 'processing')
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PendingDepth counts claimable tasks across all jobs.
func (s *Postgres) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = 'pending'
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", err)
	}
	return n, nil
}

// RecordArtifact upserts on (job_id, task_id, artifact_type): a retried task
// re-registering its output overwrites the prior record instead of
// duplicating it.
func (s *Postgres) RecordArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	meta, err := json.Marshal(orEmpty(a.Metadata))
	if err != nil {
		return models.Artifact{}, fmt.Errorf("marshal metadata: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO artifacts (id, job_id, task_id, artifact_type, bucket, storage_path, content_type, size_bytes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (job_id, task_id, artifact_type) DO UPDATE
		SET bucket = $5, storage_path = $6, content_type = $7, size_bytes = $8, metadata = $9
		RETURNING id, created_at
	`, a.ID, a.JobID, a.TaskID, a.ArtifactType, a.Bucket, a.StoragePath, a.ContentType, a.SizeBytes, meta)
	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		return models.Artifact{}, fmt.Errorf("upsert artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns artifact records for a job.
func (s *Postgres) ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, task_id, artifact_type, bucket, storage_path, content_type, size_bytes, metadata, created_at
		FROM artifacts WHERE job_id = $1 ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var meta []byte
		if err := rows.Scan(&a.ID, &a.JobID, &a.TaskID, &a.ArtifactType, &a.Bucket,
			&a.StoragePath, &a.ContentType, &a.SizeBytes, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteJobsOlderThan removes terminal jobs past the retention age. Tasks and
// artifact records cascade.
func (s *Postgres) DeleteJobsOlderThan(ctx context.Context, age time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('complete', 'error', 'cancelled')
		  AND updated_at < NOW() - $1::interval
	`, age)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// querier is the subset of pgx.Tx and pgxpool.Pool the recompute needs, so it
// can run inside the same transaction as the terminal task transition.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// recomputeJobStatus folds task state into the job: once no non-terminal
// tasks remain the job is complete (all succeeded) or error (any failed).
// Cancelled jobs are left alone.
func recomputeJobStatus(ctx context.Context, q querier, jobID string) error {
	var nonTerminal, failed int
	err := q.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status NOT IN ('complete', 'failed')),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM tasks WHERE job_id = $1
	`, jobID).Scan(&nonTerminal, &failed)
	if err != nil {
		return fmt.Errorf("count job tasks: %w", err)
	}
	if nonTerminal > 0 {
		return nil
	}
	next := models.JobComplete
	if failed > 0 {
		next = models.JobError
	}
	_, err = q.Exec(ctx, `
		UPDATE jobs
		SET status = $2, updated_at = NOW(),
			completed_at = CASE WHEN $2 = 'complete' THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, jobID, next)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

func scanTasks(rows pgx.Rows) ([]models.Task, error) {
	var out []models.Task
	for rows.Next() {
		var t models.Task
		var workerID, errText pgtype.Text
		var claimed, started, beat pgtype.Timestamptz
		if err := rows.Scan(&t.ID, &t.JobID, &t.TaskType, &t.Status, &t.Sequence,
			&t.Input, &t.Output, &workerID, &claimed, &started, &beat,
			&t.HeartbeatTimeout, &t.Attempts, &t.MaxAttempts, &errText,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.WorkerID = textPtr(workerID)
		t.ClaimedAt = timePtr(claimed)
		t.StartedAt = timePtr(started)
		t.LastHeartbeat = timePtr(beat)
		t.Error = textPtr(errText)
		out = append(out, t)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
