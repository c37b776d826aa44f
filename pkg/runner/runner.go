// Package runner executes a task's command list in order, dispatching
// each step through the command registry and accumulating timing.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flamenco/flamenco-worker-go/pkg/commands"
	"github.com/flamenco/flamenco-worker-go/pkg/log"
	"github.com/flamenco/flamenco-worker-go/pkg/timing"
)

// CommandSpec is one step of a task: a command name plus its settings.
type CommandSpec struct {
	Name     string                 `json:"name"`
	Settings map[string]interface{} `json:"settings"`
}

// Task is a scheduling unit: an ordered sequence of commands plus
// metadata used only for logging.
type Task struct {
	ID       string                 `json:"_id"`
	Commands []CommandSpec          `json:"commands"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Runner executes a task's commands sequentially, owning whichever
// command is currently running so it can be aborted on demand.
type Runner struct {
	worker commands.WorkerCallback

	mu      sync.Mutex
	current commands.Command
}

// New returns a Runner that attributes log/activity callbacks to worker.
func New(worker commands.WorkerCallback) *Runner {
	return &Runner{worker: worker}
}

// Execute runs every command of task in order. It returns false as soon as
// a command fails, without running the remaining commands. On return
// (success or failure) it logs the task-aggregate timing as JSON.
func (r *Runner) Execute(ctx context.Context, task *Task) bool {
	runID := uuid.NewString()
	logger := log.WithTaskID(task.ID).With().Str("run_id", runID).Logger()
	aggregate := timing.New()
	ok := true

	for idx, spec := range task.Commands {
		ctor, found := commands.Lookup(spec.Name)
		if !found {
			logger.Error().Str("command", spec.Name).Msg("unknown command, failing task")
			ok = false
			break
		}

		cmd := ctor(r.worker, task.ID, idx)
		r.setCurrent(cmd)

		success := cmd.Run(ctx, spec.Settings)
		aggregate.Add(cmd.Timing())

		r.setCurrent(nil)

		if !success {
			ok = false
			break
		}
	}

	r.logRecordedTimings(task.ID, aggregate)
	return ok
}

// AbortCurrentTask cancels whichever command is currently running. A
// no-op if nothing is running, and safe to call more than once.
func (r *Runner) AbortCurrentTask() {
	r.mu.Lock()
	cmd := r.current
	r.mu.Unlock()

	if cmd != nil {
		cmd.Abort()
	}
}

func (r *Runner) setCurrent(cmd commands.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = cmd
}

func (r *Runner) logRecordedTimings(taskID string, aggregate *timing.Timing) {
	data, err := json.Marshal(aggregate.ToMap())
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("encoding aggregate timing")
		return
	}
	r.worker.Log(taskID, -1, fmt.Sprintf("timing: %s", data))
}
