package worker

import (
	"context"
	"time"
)

// StopCurrentTask implements mayirun.Worker. It is idempotent: a no-op
// unless a task is currently executing and its id equals taskID.
func (w *Worker) StopCurrentTask(taskID string) {
	w.submit(func() { w.stopCurrentTask(taskID) })
}

func (w *Worker) stopCurrentTask(taskID string) {
	active, ok := w.ActiveTaskID()
	if !ok || active != taskID {
		return
	}

	w.setSilentlyAborting()
	w.runner.AbortCurrentTask()
	w.Log(taskID, -1, "worker has stopped the task: no longer allowed to run")
	w.pushNow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := w.client.Post(ctx, "/tasks/"+taskID+"/return", nil)
	if err != nil {
		w.logger.Warn().Err(err).Str("task_id", taskID).Msg("returning stopped task to manager failed, not retrying")
	}
}

// shutdown is the Core's graceful-exit sequence (spec.md §4.5.1/§5):
// transition to SHUTTING_DOWN, stop fetching and the sleep poll, abort the
// active task if any, flush pending pushes and the durable queue, and
// sign off. Failures during shutdown are acceptable and only logged.
func (w *Worker) shutdown(ctx context.Context) {
	w.setState(StateShuttingDown)
	w.cancelScheduledFetch()
	w.stopSleepPoll()
	if w.errorRecoverTimer != nil {
		w.errorRecoverTimer.Stop()
	}

	if taskID, ok := w.ActiveTaskID(); ok {
		// Mark the abort as acceptable before triggering it: whatever
		// result the task goroutine reports after this must not be
		// pushed as a failure, per spec.md §7.
		w.setSilentlyAborting()
		w.runner.AbortCurrentTask()
		w.Log(taskID, -1, "worker is shutting down")
		w.awaitActiveTaskDone(ctx)
	}

	// Stop the queue's own consumer and wait for it to actually return
	// before draining the rest here ourselves, so the two never pop or
	// delete entries concurrently (spec.md §4.2's single consumer).
	close(w.queueStop)
	<-w.queueDone

	w.pushNow()

	if _, err := w.client.Post(ctx, "/sign-off", nil); err != nil {
		w.logger.Warn().Err(err).Msg("sign-off failed during shutdown (acceptable)")
	} else {
		w.logger.Info().Msg("signed off")
	}

	w.queue.FlushAndReport(10*time.Second, w.Poster())
}

// awaitActiveTaskDone blocks until the goroutine running the active task
// has returned (activeTaskDone closed), or ctx expires first. Without
// this, Abort is fire-and-forget and the task goroutine can still be
// running, potentially reporting its outcome, after shutdown has already
// signed off and flushed the queue.
func (w *Worker) awaitActiveTaskDone(ctx context.Context) {
	done := w.activeTaskDone
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn().Msg("timed out waiting for active task to observe abort during shutdown")
	}
}
