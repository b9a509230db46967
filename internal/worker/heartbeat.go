package worker

import (
	"context"
	"time"

	"readings-pipeline/internal/models"
)

// startHeartbeat runs a per-task liveness loop: one immediate beat (which
// also moves the task to processing), then one per HeartbeatInterval. A false
// return from the store means ownership was lost — the loop cancels the task
// context so the handler stops burning work on a reclaimed task.
//
// The returned stop function is safe to call on every exit path; stopping an
// already-finished loop is a no-op.
func (w *Worker) startHeartbeat(ctx context.Context, task models.Task, lostOwnership context.CancelFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		beat := func() bool {
			ok, err := w.queue.Heartbeat(ctx, task.ID, w.id)
			if err != nil {
				// Store unreachable: keep processing, the next beat may land
				// before the timeout does.
				w.logger.Error("heartbeat failed", "task_id", task.ID, "error", err)
				return true
			}
			if !ok {
				w.logger.Warn("heartbeat rejected, task reclaimed", "task_id", task.ID)
				lostOwnership()
				return false
			}
			return true
		}

		if !beat() {
			return
		}
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if !beat() {
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
