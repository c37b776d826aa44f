package worker

import (
	"sync"
	"time"
)

// Activity is the latest human-readable progress description for the
// currently running task.
type Activity struct {
	ActivityText          string             `json:"activity,omitempty"`
	CurrentCommandIdx     int                `json:"current_command_idx"`
	TaskProgressPercent   float64            `json:"task_progress_percentage"`
	CommandProgressPercent float64           `json:"command_progress_percentage"`
	Metrics               map[string]float64 `json:"metrics,omitempty"`
}

type logEntry struct {
	timestamp time.Time
	line      string
}

// updatePayload is what actually gets enqueued for /tasks/{id}/update.
type updatePayload struct {
	TaskStatus string   `json:"task_status,omitempty"`
	*Activity  `json:",omitempty"`
	Log        []string `json:"log,omitempty"`
}

// pushState holds everything push_to_manager needs, guarded by its own
// lock since log/activity updates can arrive from the goroutine executing
// the active task while the Core goroutine is doing something else.
type pushState struct {
	mu sync.Mutex

	taskID                 string
	currentTaskStatus      string
	hasStatus              bool
	lastActivity           *Activity
	logBuffer              []logEntry
	lastPushAt             time.Time
	delayedPushTimer       *time.Timer
	delayedPushScheduled   bool
	taskIsSilentlyAborting bool
}

func (w *Worker) resetPushState(taskID string) {
	w.push.mu.Lock()
	defer w.push.mu.Unlock()
	w.cancelDelayedPushLocked()
	w.push = pushState{taskID: taskID, lastActivity: &Activity{}}
}

func (w *Worker) cancelDelayedPushLocked() {
	if w.push.delayedPushTimer != nil {
		w.push.delayedPushTimer.Stop()
	}
	w.push.delayedPushScheduled = false
}

// RegisterTaskStatus records a task-status change and pushes it
// immediately, cancelling any scheduled delayed push.
func (w *Worker) RegisterTaskStatus(status string) {
	w.push.mu.Lock()
	w.push.currentTaskStatus = status
	w.push.hasStatus = true
	w.push.mu.Unlock()
	w.pushNow()
}

// Activity implements commands.WorkerCallback: records progress for the
// running command and pushes immediately or schedules a delayed push.
func (w *Worker) Activity(taskID string, commandIdx int, text string, taskProgress, commandProgress float64) {
	w.push.mu.Lock()
	w.push.lastActivity = &Activity{
		ActivityText:           text,
		CurrentCommandIdx:      commandIdx,
		TaskProgressPercent:    taskProgress,
		CommandProgressPercent: commandProgress,
	}
	sinceLast := time.Since(w.push.lastPushAt)
	maxInterval := w.cfg.PushActMaxInterval()
	pushNow := sinceLast >= maxInterval
	alreadyScheduled := w.push.delayedPushScheduled
	w.push.mu.Unlock()

	if pushNow {
		w.pushNow()
		return
	}
	if !alreadyScheduled {
		w.scheduleDelayedPush(maxInterval)
	}
}

// Log implements commands.WorkerCallback: appends a log line and pushes
// immediately or schedules a delayed push per the coalescing policy.
func (w *Worker) Log(taskID string, commandIdx int, line string) {
	w.push.mu.Lock()
	w.push.logBuffer = append(w.push.logBuffer, logEntry{timestamp: time.Now(), line: line})
	entries := len(w.push.logBuffer)
	sinceLast := time.Since(w.push.lastPushAt)
	maxEntries := w.cfg.PushLogMaxEntries
	maxInterval := w.cfg.PushLogMaxInterval()
	alreadyScheduled := w.push.delayedPushScheduled
	w.push.mu.Unlock()

	switch {
	case entries > maxEntries:
		w.pushNow()
	case sinceLast >= maxInterval:
		w.pushNow()
	case !alreadyScheduled:
		w.scheduleDelayedPush(maxInterval)
	}
}

func (w *Worker) scheduleDelayedPush(d time.Duration) {
	w.push.mu.Lock()
	if w.push.delayedPushScheduled {
		w.push.mu.Unlock()
		return
	}
	w.push.delayedPushScheduled = true
	w.push.delayedPushTimer = time.AfterFunc(d, w.pushNow)
	w.push.mu.Unlock()
}

// pushNow snapshots the pending sources, builds one payload, enqueues it,
// and clears the log buffer. When taskIsSilentlyAborting is set, the
// payload carries logs only — no activity, no status.
func (w *Worker) pushNow() {
	w.push.mu.Lock()
	w.cancelDelayedPushLocked()

	taskID := w.push.taskID
	if taskID == "" {
		w.push.mu.Unlock()
		return
	}

	payload := updatePayload{}
	if !w.push.taskIsSilentlyAborting {
		if w.push.hasStatus {
			payload.TaskStatus = w.push.currentTaskStatus
			w.push.hasStatus = false
		}
		payload.Activity = w.push.lastActivity
	}
	if len(w.push.logBuffer) > 0 {
		lines := make([]string, len(w.push.logBuffer))
		for i, e := range w.push.logBuffer {
			lines[i] = e.line
		}
		payload.Log = lines
		w.push.logBuffer = nil
	}
	w.push.lastPushAt = time.Now()
	w.push.mu.Unlock()

	if payload.TaskStatus == "" && payload.Activity == nil && len(payload.Log) == 0 {
		return
	}

	if err := w.queue.Enqueue("/tasks/"+taskID+"/update", payload); err != nil {
		w.logger.Error().Err(err).Str("task_id", taskID).Msg("enqueueing task update")
	}
}

// setSilentlyAborting marks the current task as being stopped by the
// manager rather than by the worker itself: only logs are pushed from
// this point on, no status or activity.
func (w *Worker) setSilentlyAborting() {
	w.push.mu.Lock()
	w.push.taskIsSilentlyAborting = true
	w.push.mu.Unlock()
}
