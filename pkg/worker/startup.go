package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/flamenco/flamenco-worker-go/pkg/config"
	"github.com/flamenco/flamenco-worker-go/pkg/upstream"
)

type registerRequest struct {
	Secret             string `json:"secret"`
	Platform           string `json:"platform"`
	SupportedTaskTypes []string `json:"supported_task_types"`
	Nickname           string `json:"nickname"`
}

type registerResponse struct {
	ID string `json:"_id"`
}

type signOnRequest struct {
	SupportedTaskTypes []string `json:"supported_task_types"`
	Nickname           string   `json:"nickname"`
}

// startup runs the spec.md §4.5.1 sequence synchronously: register or
// sign on, acknowledge a non-awake initial state, and schedule the first
// task fetch.
func (w *Worker) startup(ctx context.Context) error {
	platform, err := detectPlatform()
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	id, secret := w.identity()
	if id == "" {
		if err := w.register(ctx, platform, false); err != nil {
			return err
		}
	} else {
		w.client.SetAuth(id, secret)
		if err := w.signOn(ctx, platform); err != nil {
			return err
		}
	}

	id, secret = w.identity()
	w.logger = w.logger.With().Str("worker", identifierString(id, w.nickname)).Logger()
	_ = secret

	initial := w.initial
	if initial == "" {
		initial = InitialAwake
	}

	if initial == InitialAwake {
		w.setState(StateAwake)
	} else {
		w.setState(StateAsleep)
		if err := w.ackStatusChange(StateAsleep); err != nil {
			w.logger.Warn().Err(err).Msg("acknowledging initial asleep state")
		}
		w.startSleepPoll()
	}

	if initial == InitialAwake {
		w.scheduleFetch(0)
	}
	return nil
}

// register performs /register-worker, retrying 5xx/transport errors
// indefinitely with a fixed backoff; a 403 is fatal (bad registration
// secret), other 4xx are fatal. alreadyRetried guards the single
// re-register-then-retry-once path used after a 401 on sign-on.
func (w *Worker) register(ctx context.Context, platform string, viaSignOnRetry bool) error {
	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	req := registerRequest{
		Secret:             secret,
		Platform:           platform,
		SupportedTaskTypes: w.cfg.TaskTypeList(),
		Nickname:           w.nickname,
	}

	if w.cfg.WorkerRegistrationSecret != "" {
		w.client.SetRegistrationBearer(w.cfg.WorkerRegistrationSecret)
	} else {
		w.client.ClearAuth()
	}

	var body registerResponse
	op := func() error {
		resp, err := w.client.Post(ctx, "/register-worker", req)
		if err != nil {
			return err
		}
		if jsonErr := resp.JSON(&body); jsonErr != nil {
			return fmt.Errorf("register: decoding response: %w", jsonErr)
		}
		return nil
	}
	shouldRetry := func(err error) bool {
		upErr, ok := upstream.AsError(err)
		if ok && upErr.Retryable() {
			w.logger.Warn().Err(err).Msg("registration failed, retrying")
			return true
		}
		return false
	}

	if err := upstream.RetryFixed(ctx, w.timers.RegisterRetry, op, shouldRetry); err != nil {
		upErr, ok := upstream.AsError(err)
		if ok && upErr.Kind == upstream.KindHTTP4xx {
			if upErr.StatusCode == 403 {
				return fmt.Errorf("register: wrong registration secret (403), fatal: %w", err)
			}
			return fmt.Errorf("register: rejected (%d), fatal: %w", upErr.StatusCode, err)
		}
		return fmt.Errorf("register: %w", err)
	}

	w.setIdentity(body.ID, secret)
	if mergeErr := config.MergeIdentity(w.configPath, body.ID, secret); mergeErr != nil {
		w.logger.Error().Err(mergeErr).Msg("persisting worker identity")
	}
	w.client.SetAuth(body.ID, secret)
	return nil
}

// signOn performs /sign-on. On a 401 it generates a new secret and
// re-registers, then signs on once more; a second 401 is fatal.
func (w *Worker) signOn(ctx context.Context, platform string) error {
	req := signOnRequest{
		SupportedTaskTypes: w.cfg.TaskTypeList(),
		Nickname:           w.nickname,
	}

	for {
		_, err := w.client.Post(ctx, "/sign-on", req)
		if err == nil {
			return nil
		}

		upErr, ok := upstream.AsError(err)
		if !ok {
			return fmt.Errorf("sign-on: %w", err)
		}

		switch upErr.Kind {
		case upstream.KindTransport, upstream.KindHTTP5xx:
			w.logger.Warn().Err(err).Msg("sign-on failed, retrying")
			time.Sleep(w.timers.RegisterRetry)
			continue
		case upstream.KindUnauthorized:
			w.logger.Warn().Msg("sign-on rejected (401), re-registering and retrying once")
			if regErr := w.register(ctx, platform, true); regErr != nil {
				return fmt.Errorf("sign-on: re-register after 401 failed: %w", regErr)
			}
			_, err2 := w.client.Post(ctx, "/sign-on", req)
			if err2 == nil {
				return nil
			}
			return fmt.Errorf("sign-on: rejected again after re-register, fatal: %w", err2)
		default:
			return fmt.Errorf("sign-on: rejected: %w", err)
		}
	}
}

// ackStatusChange acknowledges a state entrance per spec.md §4.5.3. It is
// fire-and-forget: routed through the durable queue so it survives a
// manager outage just like every other update.
func (w *Worker) ackStatusChange(s State) error {
	return w.queue.Enqueue("/ack-status-change/"+string(s), nil)
}
