// Package queue implements the durable FIFO of pending POSTs to the
// manager. A single consumer drains it; callers only ever enqueue.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/flamenco/flamenco-worker-go/pkg/log"
	"github.com/flamenco/flamenco-worker-go/pkg/metrics"
)

var bucketPending = []byte("pending")

// Entry is one queued update, persisted until the manager acknowledges it.
type Entry struct {
	Sequence   uint64          `json:"sequence"`
	URL        string          `json:"url"`
	Payload    json.RawMessage `json:"payload_json"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is a durable, sequence-ordered FIFO backed by a local bbolt file.
// enqueue is non-blocking and safe to call from any goroutine; only the
// consumer loop started by Run ever POSTs or deletes entries.
type Queue struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening queue db %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing queue bucket: %w", err)
	}

	q := &Queue{db: db}
	metrics.QueueDepth.Set(float64(q.QueueSize()))
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue atomically appends a new entry for url/payload and returns
// immediately; it never blocks on network I/O.
func (q *Queue) Enqueue(url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", url, err)
	}

	err = q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry := Entry{
			Sequence:   seq,
			URL:        url,
			Payload:    data,
			EnqueuedAt: time.Now(),
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), encoded)
	})
	if err != nil {
		return fmt.Errorf("enqueueing update for %s: %w", url, err)
	}
	metrics.QueueDepth.Set(float64(q.QueueSize()))
	return nil
}

// QueueSize returns the current persisted length, used for admission
// control by the worker core.
func (q *Queue) QueueSize() int {
	n := 0
	_ = q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n
}

func (q *Queue) oldest() (*Entry, error) {
	var entry *Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding queue entry: %w", err)
		}
		entry = &e
		return nil
	})
	return entry, err
}

func (q *Queue) delete(seq uint64) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(seqKey(seq))
	})
	if err == nil {
		metrics.QueueDepth.Set(float64(q.QueueSize()))
	}
	return err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Poster posts a queued entry's payload to url and classifies the result:
// nil means success (2xx); retryable() tells the consumer whether to
// retry the same entry or drop it.
type Poster func(url string, payload json.RawMessage) PostResult

// PostResult is the outcome of attempting to deliver one queue entry.
type PostResult struct {
	Err       error
	Retryable bool
}

// Run drains the queue forever: oldest entry first, POST, delete on
// success, sleep-and-retry on a retryable failure, log-and-drop otherwise.
// It returns when stop is closed, after finishing any in-flight attempt.
func (q *Queue) Run(stop <-chan struct{}, post Poster, backoffDelay time.Duration) {
	logger := log.WithComponent("queue")
	for {
		select {
		case <-stop:
			return
		default:
		}

		entry, err := q.oldest()
		if err != nil {
			logger.Error().Err(err).Msg("reading oldest queue entry")
			sleepOrStop(stop, backoffDelay)
			continue
		}
		if entry == nil {
			sleepOrStop(stop, 200*time.Millisecond)
			continue
		}

		result := post(entry.URL, entry.Payload)
		if result.Err == nil {
			if err := q.delete(entry.Sequence); err != nil {
				logger.Error().Err(err).Uint64("sequence", entry.Sequence).Msg("deleting delivered queue entry")
			}
			metrics.QueueDrainedTotal.Inc()
			continue
		}

		if result.Retryable {
			logger.Warn().Err(result.Err).Str("url", entry.URL).Msg("retryable failure pushing queued update, will retry")
			sleepOrStop(stop, backoffDelay)
			continue
		}

		// 4xx: a malformed payload must not block the queue forever.
		logger.Error().Err(result.Err).Str("url", entry.URL).Msg("non-retryable failure pushing queued update, dropping entry")
		if err := q.delete(entry.Sequence); err != nil {
			logger.Error().Err(err).Uint64("sequence", entry.Sequence).Msg("deleting dropped queue entry")
		}
		metrics.QueueDroppedTotal.Inc()
	}
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
	case <-t.C:
	}
}

// FlushAndReport drains as much of the queue as possible within timeout,
// used at shutdown so the sign-off push and everything before it actually
// reaches the manager before the process exits.
func (q *Queue) FlushAndReport(timeout time.Duration, post Poster) {
	logger := log.WithComponent("queue")
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		entry, err := q.oldest()
		if err != nil {
			logger.Error().Err(err).Msg("reading oldest queue entry during flush")
			return
		}
		if entry == nil {
			return
		}

		result := post(entry.URL, entry.Payload)
		if result.Err != nil && result.Retryable {
			logger.Warn().Err(result.Err).Str("url", entry.URL).Msg("retryable failure during shutdown flush, will retry")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err := q.delete(entry.Sequence); err != nil {
			logger.Error().Err(err).Uint64("sequence", entry.Sequence).Msg("deleting queue entry during flush")
		}
		if result.Err == nil {
			metrics.QueueDrainedTotal.Inc()
		} else {
			metrics.QueueDroppedTotal.Inc()
		}
	}
	if remaining := q.QueueSize(); remaining > 0 {
		logger.Warn().Int("remaining", remaining).Msg("shutdown flush timed out with entries still queued")
	}
}
