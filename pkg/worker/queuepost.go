package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flamenco/flamenco-worker-go/pkg/queue"
	"github.com/flamenco/flamenco-worker-go/pkg/upstream"
)

// Poster returns the queue.Poster this worker's update queue consumer
// should use: POST the raw payload to url and classify the outcome into
// retry/drop/success per spec.md §4.2.
func (w *Worker) Poster() queue.Poster {
	return func(url string, payload json.RawMessage) queue.PostResult {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return w.postQueueEntry(ctx, url, payload)
	}
}

func (w *Worker) postQueueEntry(ctx context.Context, url string, payload json.RawMessage) queue.PostResult {
	var body interface{}
	if len(payload) > 0 && string(payload) != "null" {
		body = json.RawMessage(payload)
	}

	_, err := w.client.Post(ctx, url, body)
	if err == nil {
		return queue.PostResult{}
	}

	upErr, ok := upstream.AsError(err)
	if !ok {
		return queue.PostResult{Err: err, Retryable: true}
	}
	return queue.PostResult{Err: err, Retryable: upErr.Retryable()}
}
