// Package worker implements the stateless worker pool. Workers own no
// durable state: everything they know about a task lives in the queue store,
// and a worker that dies mid-task is recovered by the stale-reclaim sweep,
// not by any shutdown protocol.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"readings-pipeline/internal/artifact"
	"readings-pipeline/internal/config"
	"readings-pipeline/internal/models"
	"readings-pipeline/internal/store"
	"readings-pipeline/internal/telemetry"
)

// Result is what a handler returns on success: an opaque output payload plus
// the artifacts to upload before the task is marked complete.
type Result struct {
	Output    any
	Artifacts []ArtifactPayload
}

// ArtifactPayload carries produced bytes with their storage coordinates.
type ArtifactPayload struct {
	Type        string
	Path        string
	ContentType string
	Data        []byte
	Metadata    map[string]string
}

// Handler executes one task. Handlers must tolerate at-least-once execution:
// a heartbeat race can run the same task twice, so external side effects
// should be idempotent where feasible.
type Handler func(ctx context.Context, task models.Task) (Result, error)

// Worker polls the queue store for claimable tasks of its supported types and
// runs them concurrently up to MaxConcurrentTasks.
type Worker struct {
	cfg       config.Config
	queue     store.Queue
	artifacts artifact.Store
	handlers  map[string]Handler
	logger    *slog.Logger
	id        string

	mu       sync.Mutex
	inflight int
}

func New(cfg config.Config, q store.Queue, artifacts artifact.Store, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		queue:     q,
		artifacts: artifacts,
		handlers:  make(map[string]Handler),
		logger:    logger,
		id:        deriveWorkerID(cfg.WorkerID),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string {
	return w.id
}

// RegisterHandler binds a handler to a task type.
func (w *Worker) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	w.handlers[taskType] = handler
}

// Run drives the poll loop until context cancellation. Idle polls back off
// exponentially up to PollMaxInterval; any claim resets to the base interval.
// Infra errors never crash the loop, they cost a cooldown sleep.
func (w *Worker) Run(ctx context.Context) error {
	go w.reclaimLoop(ctx)

	types := supportedTypes(w.cfg.TaskTypes, w.handlers)
	idleStreak := 0

	for {
		if err := ctx.Err(); err != nil {
			// In-flight tasks are abandoned to the stale-reclaim sweep;
			// their heartbeat timers die with this context.
			return err
		}

		free := w.cfg.MaxConcurrentTasks - w.inflightCount()
		if free <= 0 {
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}

		tasks, err := w.queue.ClaimTasks(ctx, w.id, free, types)
		if err != nil {
			w.logger.Error("claim poll failed", "error", err)
			sleepCtx(ctx, w.cfg.InfraCooldown)
			continue
		}
		if len(tasks) == 0 {
			idleStreak++
			sleepCtx(ctx, backoffWithJitter(w.cfg.PollInterval, w.cfg.PollMaxInterval, idleStreak))
			continue
		}
		idleStreak = 0
		telemetry.TasksClaimed.Add(float64(len(tasks)))

		for _, task := range tasks {
			w.addInflight(1)
			go w.process(ctx, task)
		}
	}
}

func (w *Worker) process(ctx context.Context, task models.Task) {
	defer w.addInflight(-1)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopHeartbeat := w.startHeartbeat(taskCtx, task, cancel)
	defer stopHeartbeat()

	handler, ok := w.handlers[task.TaskType]
	if !ok {
		w.failTask(ctx, task, fmt.Sprintf("no handler registered for type %q", task.TaskType))
		return
	}

	res, err := handler(taskCtx, task)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown or lost ownership; the reclaim sweep takes it from here.
			return
		}
		w.failTask(ctx, task, err.Error())
		return
	}

	// Artifacts land before the completion record: a crash in between causes
	// a retry that re-uploads over the same keys, never a completed task
	// whose artifact is missing.
	for _, a := range res.Artifacts {
		location, err := w.artifacts.Upload(taskCtx, a.Path, a.Data, a.ContentType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.failTask(ctx, task, fmt.Sprintf("upload artifact %s: %v", a.Path, err))
			return
		}
		if _, err := w.queue.RecordArtifact(ctx, models.Artifact{
			JobID:        task.JobID,
			TaskID:       task.ID,
			ArtifactType: a.Type,
			Bucket:       w.cfg.ArtifactBucket,
			StoragePath:  a.Path,
			ContentType:  a.ContentType,
			SizeBytes:    int64(len(a.Data)),
			Metadata:     a.Metadata,
		}); err != nil {
			w.failTask(ctx, task, fmt.Sprintf("record artifact %s: %v", a.Path, err))
			return
		}
		w.logger.Debug("artifact stored", "task_id", task.ID, "path", a.Path, "location", location)
	}

	output, err := json.Marshal(res.Output)
	if err != nil {
		w.failTask(ctx, task, fmt.Sprintf("marshal output: %v", err))
		return
	}

	completed, err := w.queue.Complete(ctx, task.ID, w.id, output)
	if err != nil {
		w.logger.Error("complete failed", "task_id", task.ID, "error", err)
		return
	}
	if !completed {
		// Task was reclaimed out from under us. Expected race; the work is
		// discarded silently and the artifact upsert made the upload harmless.
		w.logger.Debug("lost claim before completion, discarding result", "task_id", task.ID)
		return
	}
	telemetry.TasksCompleted.Inc()
	w.logger.Info("task complete", "task_id", task.ID, "job_id", task.JobID, "type", task.TaskType)
}

func (w *Worker) failTask(ctx context.Context, task models.Task, reason string) {
	owned, err := w.queue.Fail(ctx, task.ID, w.id, reason)
	if err != nil {
		w.logger.Error("fail report failed", "task_id", task.ID, "error", err)
		return
	}
	if !owned {
		w.logger.Debug("lost claim before failure report", "task_id", task.ID)
		return
	}
	telemetry.TasksFailed.Inc()
	w.logger.Warn("task failed", "task_id", task.ID, "job_id", task.JobID, "type", task.TaskType, "reason", reason)
}

// reclaimLoop periodically sweeps heartbeat-expired tasks back to pending.
// Any worker may run the sweep; the store operation is atomic.
func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.ReclaimStale(ctx)
			if err != nil {
				w.logger.Error("stale reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				telemetry.TasksReclaimed.Add(float64(n))
				w.logger.Warn("reclaimed stale tasks", "count", n)
			}
		}
	}
}

func (w *Worker) inflightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

func (w *Worker) addInflight(delta int) {
	w.mu.Lock()
	w.inflight += delta
	w.mu.Unlock()
}

func supportedTypes(configured []string, handlers map[string]Handler) []string {
	var out []string
	for _, t := range configured {
		if _, ok := handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func deriveWorkerID(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	// Double by iteration, stopping at the cap: attempt is an unbounded idle
	// streak, and an unchecked 2^attempt overflows into a negative duration
	// that would turn the idle sleep into a busy spin.
	wait := base
	for i := 1; i < attempt && wait < max; i++ {
		wait *= 2
		if wait <= 0 {
			wait = max
		}
	}
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
