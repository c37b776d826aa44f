// Package mayirun polls the manager's cancellation channel: as long as a
// task is running, ask periodically whether the worker may keep running
// it, and stop the task the moment the manager says no.
package mayirun

import (
	"context"
	"time"

	"github.com/flamenco/flamenco-worker-go/pkg/log"
	"github.com/flamenco/flamenco-worker-go/pkg/metrics"
	"github.com/flamenco/flamenco-worker-go/pkg/upstream"
)

// Worker is the capability set the poller needs from the worker core.
type Worker interface {
	// ActiveTaskID returns the currently executing task's id, and whether
	// one is running at all.
	ActiveTaskID() (string, bool)
	// StopCurrentTask is the worker core's stop_current_task operation.
	StopCurrentTask(taskID string)
	// ChangeStatus forwards a status-change directive carried in the
	// response, if any.
	ChangeStatus(status string)
}

// response mirrors MayKeepRunningResponse from spec.md §4.4.
type response struct {
	MayKeepRunning bool   `json:"may_keep_running"`
	Reason         string `json:"reason,omitempty"`
	StatusRequested string `json:"status_requested,omitempty"`
}

// Poller periodically asks the manager whether the active task may keep
// running.
type Poller struct {
	client   *upstream.Client
	worker   Worker
	interval time.Duration
}

// New returns a Poller that checks in every interval.
func New(client *upstream.Client, worker Worker, interval time.Duration) *Poller {
	return &Poller{client: client, worker: worker, interval: interval}
}

// Run loops until stop is closed.
func (p *Poller) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.oneIteration()
		}
	}
}

func (p *Poller) oneIteration() {
	taskID, active := p.worker.ActiveTaskID()
	if !active {
		return
	}

	logger := log.WithTaskID(taskID)
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	resp, err := p.client.Get(ctx, "/may-i-run/"+taskID)
	if err != nil {
		// Transport/5xx: log and skip, the manager will re-decide next tick.
		logger.Warn().Err(err).Msg("may-i-run check failed, will retry next tick")
		return
	}

	var body response
	if err := resp.JSON(&body); err != nil {
		logger.Error().Err(err).Msg("decoding may-i-run response")
		return
	}

	if body.StatusRequested != "" {
		p.worker.ChangeStatus(body.StatusRequested)
	}

	if body.MayKeepRunning {
		return
	}

	metrics.MayIRunDeniedTotal.Inc()
	logger.Info().Str("reason", body.Reason).Msg("manager says we are no longer allowed to run this task")
	p.worker.StopCurrentTask(taskID)
}
