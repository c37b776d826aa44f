package worker

import "github.com/flamenco/flamenco-worker-go/pkg/metrics"

// State is a value of the worker state machine.
type State string

const (
	StateStarting     State = "starting"
	StateAwake        State = "awake"
	StateAsleep       State = "asleep"
	StateError        State = "error"
	StateShuttingDown State = "shutting-down"
)

var allStates = []State{StateStarting, StateAwake, StateAsleep, StateError, StateShuttingDown}

// setState transitions to s, updating the per-state gauge so exactly one
// state reads 1 at a time, and logs the transition. Only ever called from
// the Core's single owning goroutine; it takes the state mutex just long
// enough to publish the new value, never across a suspension point.
func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state == s {
		w.mu.Unlock()
		return
	}
	from := w.state
	w.state = s
	w.mu.Unlock()

	w.logger.Info().Str("from", string(from)).Str("to", string(s)).Msg("worker state transition")

	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1.0
		}
		metrics.WorkerState.WithLabelValues(string(st)).Set(v)
	}
}

// State returns the worker's current state. Safe to call from any
// goroutine; the value is only ever written by the Core.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}
