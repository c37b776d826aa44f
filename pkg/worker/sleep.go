package worker

import (
	"context"
	"time"
)

type statusChangeResponse struct {
	StatusRequested string `json:"status_requested"`
}

// applyStatusChange is the single place every status directive funnels
// through: Manager responses, the sleep poll, and SIGUSR1/SIGUSR2. It
// only ever runs on the Core goroutine (via submit), so the state machine
// never sees two transitions race each other.
func (w *Worker) applyStatusChange(status string) {
	switch State(status) {
	case StateAsleep:
		w.goAsleep()
	case StateAwake:
		w.goAwake()
	case StateShuttingDown:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		w.shutdown(ctx)
	}
}

func (w *Worker) goAsleep() {
	if w.State() != StateAwake {
		return
	}
	w.cancelScheduledFetch()
	w.setState(StateAsleep)
	if err := w.ackStatusChange(StateAsleep); err != nil {
		w.logger.Warn().Err(err).Msg("acknowledging asleep state")
	}
	w.startSleepPoll()
}

func (w *Worker) goAwake() {
	current := w.State()
	if current != StateAsleep && current != StateError {
		return
	}
	w.stopSleepPoll()
	if w.errorRecoverTimer != nil {
		w.errorRecoverTimer.Stop()
	}
	w.setState(StateAwake)
	if err := w.ackStatusChange(StateAwake); err != nil {
		w.logger.Warn().Err(err).Msg("acknowledging awake state")
	}
	w.scheduleFetch(0)
}

// scheduleErrorRecovery arranges a one-shot timer that moves the worker
// back to AWAKE once it fires, per spec.md §4.5.3.
func (w *Worker) scheduleErrorRecovery() {
	w.mu.Lock()
	if w.errorRecoverTimer != nil {
		w.errorRecoverTimer.Stop()
	}
	w.errorRecoverTimer = time.AfterFunc(w.timers.ErrorRecover, func() {
		w.submit(w.goAwake)
	})
	w.mu.Unlock()
}

// startSleepPoll begins GET /status-change every AsleepPoll interval; a
// 200 carries a new status, a 204 means no change. It runs on its own
// goroutine because it has to keep polling while the Core goroutine is
// free to handle everything else; every result it observes is delivered
// back through applyStatusChange via the events channel.
func (w *Worker) startSleepPoll() {
	ctx, cancel := context.WithCancel(context.Background())
	w.sleepPollCancel = cancel

	go func() {
		ticker := time.NewTicker(w.timers.AsleepPoll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sleepPollIteration(ctx)
			}
		}
	}()
}

func (w *Worker) sleepPollIteration(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, w.timers.AsleepPoll)
	defer cancel()

	resp, err := w.client.Get(reqCtx, "/status-change")
	if err != nil {
		w.logger.Warn().Err(err).Msg("sleep poll failed, will retry next tick")
		return
	}
	if resp.StatusCode == 204 {
		return
	}

	var body statusChangeResponse
	if err := resp.JSON(&body); err != nil {
		w.logger.Error().Err(err).Msg("decoding sleep poll response")
		return
	}
	if body.StatusRequested != "" {
		w.ChangeStatus(body.StatusRequested)
	}
}

func (w *Worker) stopSleepPoll() {
	if w.sleepPollCancel != nil {
		w.sleepPollCancel()
		w.sleepPollCancel = nil
	}
}
