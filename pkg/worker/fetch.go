package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flamenco/flamenco-worker-go/pkg/metrics"
	"github.com/flamenco/flamenco-worker-go/pkg/runner"
	"github.com/flamenco/flamenco-worker-go/pkg/upstream"
)

type taskResponse423 struct {
	StatusRequested string `json:"status_requested"`
}

// scheduleFetch cancels any previously scheduled fetch and arranges for
// singleIteration to run on the Core goroutine after d. Creating a new
// scheduled fetch always supersedes the previous one, per spec.md §5.
func (w *Worker) scheduleFetch(d time.Duration) {
	w.mu.Lock()
	if w.fetchTimer != nil {
		w.fetchTimer.Stop()
	}
	w.fetchGeneration++
	gen := w.fetchGeneration
	w.fetchTimer = time.AfterFunc(d, func() {
		w.submit(func() { w.singleIteration(gen) })
	})
	w.mu.Unlock()
}

func (w *Worker) cancelScheduledFetch() {
	w.mu.Lock()
	if w.fetchTimer != nil {
		w.fetchTimer.Stop()
	}
	w.fetchGeneration++
	w.mu.Unlock()
}

func (w *Worker) currentFetchGeneration() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fetchGeneration
}

// singleIteration is one pass of the fetch+execute loop (spec.md §4.5.2).
// It only proceeds if gen is still the latest scheduled generation, so a
// superseded iteration that fires anyway (a race between Stop and the
// timer already having fired) becomes a no-op.
func (w *Worker) singleIteration(gen int) {
	if gen != w.currentFetchGeneration() {
		return
	}

	if w.State() != StateAwake {
		return
	}

	if w.queue.QueueSize() > w.timers.QueueThreshold {
		w.scheduleFetch(w.timers.FetchFail)
		return
	}

	if err := w.preTaskSanityCheck(); err != nil {
		if IsUnexpectedPreTaskFailure(err) {
			w.logger.Error().Err(err).Msg("pre-task check failed in an unrecognized way, treating as fatal")
			w.fatal(44)
			return
		}
		w.logger.Error().Err(err).Msg("pre-task check failed")
		w.setState(StateError)
		if ackErr := w.ackStatusChange(StateError); ackErr != nil {
			w.logger.Warn().Err(ackErr).Msg("acknowledging error state")
		}
		w.scheduleErrorRecovery()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	task, status, err := w.fetchTask(ctx)
	switch status {
	case fetchStatusNoWork:
		w.scheduleFetch(w.timers.FetchEmpty)
		return
	case fetchStatusDirective:
		// 423: apply the requested status, no retry loop of our own.
		return
	case fetchStatusError:
		w.logger.Warn().Err(err).Msg("fetching task failed")
		w.scheduleFetch(w.timers.FetchFail)
		return
	}

	w.executeTask(task)
}

type fetchStatus int

const (
	fetchStatusOK fetchStatus = iota
	fetchStatusNoWork
	fetchStatusDirective
	fetchStatusError
)

func (w *Worker) fetchTask(ctx context.Context) (*runner.Task, fetchStatus, error) {
	resp, err := w.client.Post(ctx, "/task", nil)
	if err != nil {
		upErr, ok := upstream.AsError(err)
		if ok && upErr.StatusCode == 423 {
			var body taskResponse423
			if jsonErr := json.Unmarshal(upErr.Body, &body); jsonErr == nil && body.StatusRequested != "" {
				w.applyStatusChange(body.StatusRequested)
			}
			return nil, fetchStatusDirective, nil
		}
		return nil, fetchStatusError, err
	}

	if resp.StatusCode == 204 {
		return nil, fetchStatusNoWork, nil
	}

	var task runner.Task
	if err := resp.JSON(&task); err != nil {
		return nil, fetchStatusError, fmt.Errorf("decoding task: %w", err)
	}
	return &task, fetchStatusOK, nil
}

// executeTask runs task on a dedicated goroutine (so stop_current_task can
// act concurrently) and submits the outcome back onto the Core goroutine
// once it's known.
func (w *Worker) executeTask(task *runner.Task) {
	w.setActiveTask(task.ID, true)
	w.resetPushState(task.ID)
	w.RegisterTaskStatus("active")

	start := time.Now()

	done := make(chan struct{})
	w.activeTaskDone = done

	go func() {
		defer close(done)
		ok := w.runner.Execute(context.Background(), task)
		w.submit(func() { w.onTaskDone(task.ID, ok, start) })
	}()
}

func (w *Worker) onTaskDone(taskID string, ok bool, start time.Time) {
	metrics.TaskDuration.Observe(time.Since(start).Seconds())

	w.push.mu.Lock()
	silentlyAborting := w.push.taskIsSilentlyAborting
	w.push.mu.Unlock()

	w.setActiveTask("", false)

	switch {
	case silentlyAborting:
		// The manager already knows; nothing further is pushed.
		metrics.TasksExecutedTotal.WithLabelValues("stopped").Inc()
	case ok:
		w.RegisterTaskStatus("completed")
		metrics.TasksExecutedTotal.WithLabelValues("completed").Inc()
	default:
		w.RegisterTaskStatus("failed")
		metrics.TasksExecutedTotal.WithLabelValues("failed").Inc()
	}

	if w.runSingle {
		w.setState(StateShuttingDown)
		return
	}
	if w.State() == StateAwake {
		w.scheduleFetch(w.timers.FetchDone)
	}
}
