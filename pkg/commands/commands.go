// Package commands is the explicit command registry: a name-keyed map of
// constructors, each yielding a value exposing the run/abort/timing
// capability set the Task Runner depends on. Real render/mux/transfer
// commands live outside this repository; this package ships only the two
// reference commands used in tests and worked examples.
package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flamenco/flamenco-worker-go/pkg/timing"
)

// WorkerCallback is the capability set a command needs from its owning
// worker: logging and progress reporting back to the Core.
type WorkerCallback interface {
	Log(taskID string, commandIdx int, line string)
	Activity(taskID string, commandIdx int, text string, taskProgress, commandProgress float64)
}

// Command is the contract the Task Runner relies on for every step of a
// task: run to completion or failure, support cooperative abort, and
// expose a finalized Timing once Run returns.
type Command interface {
	// Run executes the command with the given settings and returns true on
	// success. It must return promptly after Abort is called.
	Run(ctx context.Context, settings map[string]interface{}) bool
	// Abort requests cooperative cancellation. Safe to call before Run
	// starts or after it has already returned; both are no-ops.
	Abort()
	// Timing returns the command's finalized per-interval durations.
	Timing() *timing.Timing
}

// Constructor builds a Command for one invocation of a task's command
// list. worker, taskID and commandIdx are threaded through so log/activity
// callbacks can be attributed correctly.
type Constructor func(worker WorkerCallback, taskID string, commandIdx int) Command

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a constructor to the registry under name. Intended to be
// called from init() in packages that implement additional commands.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Lookup returns the constructor registered under name, if any.
func Lookup(name string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[name]
	return ctor, ok
}

func init() {
	Register("echo", newEcho)
	Register("sleep", newSleep)
}

// echoCommand writes its message to the log and succeeds immediately.
type echoCommand struct {
	worker     WorkerCallback
	taskID     string
	commandIdx int
	tm         *timing.Timing
}

func newEcho(worker WorkerCallback, taskID string, commandIdx int) Command {
	return &echoCommand{worker: worker, taskID: taskID, commandIdx: commandIdx, tm: timing.New()}
}

func (c *echoCommand) Run(ctx context.Context, settings map[string]interface{}) bool {
	start := time.Now()
	defer func() { c.tm.Set("run", time.Since(start)) }()

	message, _ := settings["message"].(string)
	c.worker.Log(c.taskID, c.commandIdx, message)
	return true
}

func (c *echoCommand) Abort() {}

func (c *echoCommand) Timing() *timing.Timing { return c.tm }

// sleepCommand sleeps for the configured duration, honouring cancellation.
type sleepCommand struct {
	worker     WorkerCallback
	taskID     string
	commandIdx int
	tm         *timing.Timing

	mu       sync.Mutex
	abortCh  chan struct{}
	aborted  bool
}

func newSleep(worker WorkerCallback, taskID string, commandIdx int) Command {
	return &sleepCommand{
		worker:     worker,
		taskID:     taskID,
		commandIdx: commandIdx,
		tm:         timing.New(),
		abortCh:    make(chan struct{}),
	}
}

func (c *sleepCommand) Run(ctx context.Context, settings map[string]interface{}) bool {
	start := time.Now()
	defer func() { c.tm.Set("run", time.Since(start)) }()

	seconds, _ := settings["time_in_seconds"].(float64)
	d := time.Duration(seconds * float64(time.Second))

	c.worker.Log(c.taskID, c.commandIdx, fmt.Sprintf("sleeping for %s", d))

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.abortCh:
		c.worker.Log(c.taskID, c.commandIdx, "sleep aborted")
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *sleepCommand) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	close(c.abortCh)
}

func (c *sleepCommand) Timing() *timing.Timing { return c.tm }
