package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"readings-pipeline/internal/models"
)

// Memory is a mutex-guarded in-memory Queue with the same transition
// semantics as the Postgres implementation. It backs worker, API, and
// progress tests and doubles as a single-process dev mode.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	tasks     map[string]*models.Task
	artifacts map[string]*models.Artifact // keyed by job|task|type

	// now is swappable so reclaim-timing tests don't sleep.
	now func() time.Time
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*models.Job),
		tasks:     make(map[string]*models.Task),
		artifacts: make(map[string]*models.Artifact),
		now:       time.Now,
	}
}

// SetClock overrides the store's notion of now. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateJobWithTasks(_ context.Context, job models.Job, tasks []models.Task) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
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

	for i := range tasks {
		t := &tasks[i]
		if t.TaskType == "" {
			job.Status = models.JobError
			msg := fmt.Sprintf("task %d has no type", i)
			job.LastError = &msg
			m.jobs[job.ID] = cloneJob(job)
			return job, fmt.Errorf("insert tasks: %s", msg)
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.JobID = job.ID
		t.Status = models.TaskPending
		t.CreatedAt = now
		t.UpdatedAt = now
	}

	m.jobs[job.ID] = cloneJob(job)
	for i := range tasks {
		m.tasks[tasks[i].ID] = cloneTask(tasks[i])
	}
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *cloneJob(*j), nil
}

func (m *Memory) ListTasks(_ context.Context, jobID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.JobID == jobID {
			out = append(out, *cloneTask(*t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ClaimTasks(_ context.Context, workerID string, max int, taskTypes []string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 {
		return nil, nil
	}

	types := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		types[t] = true
	}

	var pending []*models.Task
	for _, t := range m.tasks {
		if t.Status != models.TaskPending || !types[t.TaskType] {
			continue
		}
		// Cancelled or otherwise terminal jobs get no fresh work: cancel is
		// advisory for in-flight tasks only, never a license to start more.
		j, ok := m.jobs[t.JobID]
		if !ok || (j.Status != models.JobQueued && j.Status != models.JobProcessing) {
			continue
		}
		pending = append(pending, t)
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > max {
		pending = pending[:max]
	}

	now := m.now().UTC()
	var claimed []models.Task
	for _, t := range pending {
		w := workerID
		t.Status = models.TaskClaimed
		t.WorkerID = &w
		claimedAt := now
		t.ClaimedAt = &claimedAt
		t.LastHeartbeat = nil
		t.UpdatedAt = now
		claimed = append(claimed, *cloneTask(*t))

		if j, ok := m.jobs[t.JobID]; ok && j.Status == models.JobQueued {
			j.Status = models.JobProcessing
			j.UpdatedAt = now
		}
	}
	return claimed, nil
}

func (m *Memory) Heartbeat(_ context.Context, taskID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !t.Active() || t.WorkerID == nil || *t.WorkerID != workerID {
		return false, nil
	}
	now := m.now().UTC()
	t.Status = models.TaskProcessing
	if t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	beat := now
	t.LastHeartbeat = &beat
	t.UpdatedAt = now
	return true, nil
}

func (m *Memory) Complete(_ context.Context, taskID, workerID string, output json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !t.Active() || t.WorkerID == nil || *t.WorkerID != workerID {
		return false, nil
	}
	now := m.now().UTC()
	t.Status = models.TaskComplete
	t.Output = append(json.RawMessage(nil), output...)
	t.Error = nil
	t.UpdatedAt = now
	m.recomputeJobStatusLocked(t.JobID)
	return true, nil
}

func (m *Memory) Fail(_ context.Context, taskID, workerID string, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !t.Active() || t.WorkerID == nil || *t.WorkerID != workerID {
		return false, nil
	}
	m.failTaskLocked(t, reason)
	return true, nil
}

func (m *Memory) failTaskLocked(t *models.Task, reason string) {
	now := m.now().UTC()
	t.Attempts++
	t.Error = &reason
	t.WorkerID = nil
	t.ClaimedAt = nil
	t.StartedAt = nil
	t.LastHeartbeat = nil
	t.UpdatedAt = now
	if t.Attempts >= t.MaxAttempts {
		t.Status = models.TaskFailed
		m.recomputeJobStatusLocked(t.JobID)
	} else {
		t.Status = models.TaskPending
	}
}

func (m *Memory) FailJob(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status == models.JobQueued || j.Status == models.JobProcessing {
		j.Status = models.JobError
		j.LastError = &reason
		j.UpdatedAt = m.now().UTC()
	}
	return nil
}

func (m *Memory) CancelJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status == models.JobQueued || j.Status == models.JobProcessing {
		j.Status = models.JobCancelled
		j.UpdatedAt = m.now().UTC()
	}
	return nil
}

func (m *Memory) ReclaimStale(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	count := 0
	for _, t := range m.tasks {
		if !t.Active() {
			continue
		}
		ref := t.ClaimedAt
		if t.LastHeartbeat != nil {
			ref = t.LastHeartbeat
		}
		if ref == nil {
			continue
		}
		timeout := time.Duration(t.HeartbeatTimeout) * time.Second
		if now.Sub(*ref) <= timeout {
			continue
		}
		prev := t.Error
		m.failTaskLocked(t, "heartbeat expired")
		if t.Status == models.TaskPending {
			// Requeued under budget; keep whatever error the last explicit
			// failure recorded rather than overwriting it with the sweep's.
			t.Error = prev
		}
		count++
	}
	return count, nil
}

func (m *Memory) ResetStuck(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	count := 0
	for _, t := range m.tasks {
		if t.JobID != jobID || !t.Active() {
			continue
		}
		t.Status = models.TaskPending
		t.WorkerID = nil
		t.ClaimedAt = nil
		t.StartedAt = nil
		t.LastHeartbeat = nil
		t.UpdatedAt = now
		count++
	}
	return count, nil
}

func (m *Memory) PendingDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.Status == models.TaskPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordArtifact(_ context.Context, a models.Artifact) (models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.JobID + "|" + a.TaskID + "|" + a.ArtifactType
	if existing, ok := m.artifacts[key]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.CreatedAt = m.now().UTC()
	}
	stored := a
	m.artifacts[key] = &stored
	return a, nil
}

func (m *Memory) ListArtifacts(_ context.Context, jobID string) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Artifact
	for _, a := range m.artifacts {
		if a.JobID == jobID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteJobsOlderThan(_ context.Context, age time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-age)
	count := 0
	for id, j := range m.jobs {
		if !j.Terminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(m.jobs, id)
		for tid, t := range m.tasks {
			if t.JobID == id {
				delete(m.tasks, tid)
			}
		}
		for key, a := range m.artifacts {
			if a.JobID == id {
				delete(m.artifacts, key)
			}
		}
		count++
	}
	return count, nil
}

// recomputeJobStatusLocked mirrors the Postgres recompute: the job is done
// only when no non-terminal tasks remain, and cancelled is sticky.
func (m *Memory) recomputeJobStatusLocked(jobID string) {
	j, ok := m.jobs[jobID]
	if !ok {
		return
	}
	nonTerminal, failed := 0, 0
	for _, t := range m.tasks {
		if t.JobID != jobID {
			continue
		}
		if !t.Terminal() {
			nonTerminal++
		}
		if t.Status == models.TaskFailed {
			failed++
		}
	}
	if nonTerminal > 0 {
		return
	}
	if j.Status != models.JobQueued && j.Status != models.JobProcessing {
		return
	}
	now := m.now().UTC()
	if failed > 0 {
		j.Status = models.JobError
	} else {
		j.Status = models.JobComplete
		done := now
		j.CompletedAt = &done
	}
	j.UpdatedAt = now
}

func cloneJob(j models.Job) *models.Job {
	out := j
	out.Params = append(json.RawMessage(nil), j.Params...)
	return &out
}

func cloneTask(t models.Task) *models.Task {
	out := t
	out.Input = append(json.RawMessage(nil), t.Input...)
	out.Output = append(json.RawMessage(nil), t.Output...)
	return &out
}
