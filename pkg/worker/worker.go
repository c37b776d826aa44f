// Package worker is the central state machine of the render-farm worker
// agent: task lifecycle, coalesced activity/log pushes, signal handling,
// registration/sign-on, and pre-task checks.
//
// The state machine lives on a single logical owner, the goroutine run by
// Start. Every cross-goroutine interaction — signals, may-I-run
// decisions, timer ticks — is delivered as a closure on the events
// channel rather than by mutating Worker fields directly, so the Core
// never has to reason about concurrent writers to its own state.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flamenco/flamenco-worker-go/pkg/commands"
	"github.com/flamenco/flamenco-worker-go/pkg/config"
	"github.com/flamenco/flamenco-worker-go/pkg/log"
	"github.com/flamenco/flamenco-worker-go/pkg/queue"
	"github.com/flamenco/flamenco-worker-go/pkg/runner"
	"github.com/flamenco/flamenco-worker-go/pkg/upstream"
)

// InitialState picks the worker's state once startup completes.
type InitialState string

const (
	InitialAwake  InitialState = "awake"
	InitialAsleep InitialState = "asleep"
)

// Options configures a new Worker.
type Options struct {
	Config       *config.Config
	ConfigPath   string
	Client       *upstream.Client
	Queue        *queue.Queue
	Nickname     string
	InitialState InitialState
	RunSingleTask bool
	Timers       Timers
}

// Worker is the worker core.
type Worker struct {
	cfg        *config.Config
	configPath string
	client     *upstream.Client
	queue      *queue.Queue
	runner     *runner.Runner
	timers     Timers
	nickname   string
	initial    InitialState
	runSingle  bool

	logger zerolog.Logger

	mu           sync.RWMutex
	state        State
	workerID     string
	workerSecret string
	activeTaskID string
	hasActiveTask bool

	push pushState

	preTaskRead  map[string]string
	preTaskWrite map[string]string

	events chan func()
	done   chan struct{}

	fetchTimer        *time.Timer
	fetchGeneration   int
	errorRecoverTimer *time.Timer
	sleepPollCancel   context.CancelFunc

	// activeTaskDone is closed by executeTask's goroutine once
	// runner.Execute returns, so shutdown can await the in-flight task
	// actually observing an abort instead of leaking the goroutine.
	activeTaskDone chan struct{}

	// queueStop/queueDone bound the lifetime of the single goroutine
	// draining the update queue (started by Start, stopped by shutdown)
	// so shutdown's own FlushAndReport never runs concurrently with it.
	queueStop chan struct{}
	queueDone chan struct{}

	outputProducedMu   sync.Mutex
	lastOutputProduced time.Time

	fatalExit chan int
}

// New constructs a Worker. Call Start to run it.
func New(opts Options) *Worker {
	read := map[string]string{}
	write := map[string]string{}
	for k, v := range opts.Config.PreTaskCheck.Read {
		read[k] = v
	}
	for k, v := range opts.Config.PreTaskCheck.Write {
		write[k] = v
	}

	timers := opts.Timers
	if timers == (Timers{}) {
		timers = DefaultTimers()
	}

	w := &Worker{
		cfg:          opts.Config,
		configPath:   opts.ConfigPath,
		client:       opts.Client,
		queue:        opts.Queue,
		timers:       timers,
		nickname:     opts.Nickname,
		initial:      opts.InitialState,
		runSingle:    opts.RunSingleTask,
		logger:       log.WithComponent("worker"),
		state:        StateStarting,
		workerID:     opts.Config.WorkerID,
		workerSecret: opts.Config.WorkerSecret,
		preTaskRead:  read,
		preTaskWrite: write,
		events:       make(chan func(), 64),
		done:         make(chan struct{}),
		queueStop:    make(chan struct{}),
		queueDone:    make(chan struct{}),
		fatalExit:    make(chan int, 1),
	}
	w.runner = runner.New(w)
	return w
}

// ActiveTaskID implements mayirun.Worker.
func (w *Worker) ActiveTaskID() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeTaskID, w.hasActiveTask
}

// ChangeStatus implements mayirun.Worker and is also used to apply status
// directives carried in other responses (423 on /task, the sleep poll).
// It is safe to call from any goroutine: the actual transition is
// serialized onto the Core via the events channel.
func (w *Worker) ChangeStatus(status string) {
	w.submit(func() { w.applyStatusChange(status) })
}

// submit enqueues fn to run on the Core's single owning goroutine. It
// never blocks the caller for long: the channel is buffered, and Start's
// loop drains it continuously until shutdown.
func (w *Worker) submit(fn func()) {
	select {
	case w.events <- fn:
	case <-w.done:
	}
}

// Start runs the startup sequence synchronously (so callers know whether
// registration succeeded before anything else begins) and then launches
// the Core's event loop in a new goroutine. It returns once the first
// task fetch has been scheduled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.startup(ctx); err != nil {
		return err
	}

	go w.runQueueConsumer()
	go w.run()
	return nil
}

// runQueueConsumer is the update queue's single consumer goroutine.
// shutdown stops it (closing queueStop) and waits for queueDone before
// running its own FlushAndReport, so the two never pop/post/delete from
// the queue concurrently.
func (w *Worker) runQueueConsumer() {
	defer close(w.queueDone)
	w.queue.Run(w.queueStop, w.Poster(), w.timers.QueueBackoff)
}

// run is the Core's single owning goroutine: every state mutation in this
// package happens here, directly or via a submitted closure.
func (w *Worker) run() {
	for {
		select {
		case fn := <-w.events:
			w.safeCall(fn)
		case <-w.done:
			return
		}
	}
}

// safeCall recovers a panicking event handler instead of letting it take
// down the Core goroutine, mirroring single_iteration's uncaught-exception
// handling: log it, and keep the worker running.
func (w *Worker) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("recovered panic in worker core event, rescheduling fetch")
			w.scheduleFetch(w.timers.UncaughtException)
		}
	}()
	fn()
}

// Stop runs the shutdown sequence: transition to SHUTTING_DOWN, abort the
// active task, flush the update queue, sign off, and stop the event loop.
func (w *Worker) Stop(ctx context.Context) {
	result := make(chan struct{})
	w.submit(func() {
		w.shutdown(ctx)
		close(result)
	})
	select {
	case <-result:
	case <-time.After(30 * time.Second):
		w.logger.Warn().Msg("shutdown sequence did not complete within 30s, forcing exit")
	}
	close(w.done)
}

// HandleSignal applies the effect of a UNIX signal per spec.md §6.
func (w *Worker) HandleSignal(name string) {
	switch name {
	case "SIGUSR1":
		w.ChangeStatus(string(StateAsleep))
	case "SIGUSR2":
		w.ChangeStatus(string(StateAwake))
	}
}

func (w *Worker) identity() (string, string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.workerID, w.workerSecret
}

func (w *Worker) setIdentity(id, secret string) {
	w.mu.Lock()
	w.workerID = id
	w.workerSecret = secret
	w.mu.Unlock()
}

func (w *Worker) setActiveTask(taskID string, active bool) {
	w.mu.Lock()
	w.activeTaskID = taskID
	w.hasActiveTask = active
	w.mu.Unlock()
}

// OutputProduced implements a throttled, fire-and-forget notification to
// the manager that new output files exist. At most one call per 30s
// window reaches the manager; the rest are silently dropped.
func (w *Worker) OutputProduced(paths []string) {
	w.outputProducedMu.Lock()
	elapsed := time.Since(w.lastOutputProduced)
	if w.lastOutputProduced.IsZero() || elapsed >= 30*time.Second {
		w.lastOutputProduced = time.Now()
	} else {
		w.outputProducedMu.Unlock()
		return
	}
	w.outputProducedMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := w.client.Post(ctx, "/output-produced", map[string]interface{}{"paths": paths})
		if err != nil {
			w.logger.Warn().Err(err).Msg("output-produced notification failed")
		}
	}()
}

// FatalExit delivers a process exit code for conditions the Core cannot
// recover from on its own (spec.md §6 exit code 44). cmd/flamenco-worker
// selects on this alongside signals and exits with the received code once
// shutdown has run.
func (w *Worker) FatalExit() <-chan int {
	return w.fatalExit
}

// fatal runs the shutdown sequence and then reports code on FatalExit.
// Only ever called from the Core goroutine.
func (w *Worker) fatal(code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.shutdown(ctx)
	select {
	case w.fatalExit <- code:
	default:
	}
}

func identifierString(workerID, nickname string) string {
	if nickname != "" {
		return fmt.Sprintf("%s (%s)", nickname, workerID)
	}
	return workerID
}

// commandWorkerCallback is satisfied by *Worker (see push.go for Log and
// Activity); this assertion keeps the two packages honest about their
// contract without introducing an import cycle.
var _ commands.WorkerCallback = (*Worker)(nil)
