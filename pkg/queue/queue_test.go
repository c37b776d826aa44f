package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueIncrementsSize(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue("/tasks/T1/update", map[string]string{"task_status": "active"}))
	require.NoError(t, q.Enqueue("/tasks/T1/update", map[string]string{"task_status": "completed"}))
	assert.Equal(t, 2, q.QueueSize())
}

func TestRunDeliversInFIFOOrder(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue("/a", map[string]string{"n": "1"}))
	require.NoError(t, q.Enqueue("/b", map[string]string{"n": "2"}))

	var delivered []string
	stop := make(chan struct{})

	post := func(url string, payload json.RawMessage) PostResult {
		delivered = append(delivered, url)
		if len(delivered) == 2 {
			close(stop)
		}
		return PostResult{}
	}

	done := make(chan struct{})
	go func() {
		q.Run(stop, post, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop in time")
	}

	assert.Equal(t, []string{"/a", "/b"}, delivered)
	assert.Equal(t, 0, q.QueueSize())
}

func TestRunRetriesRetryableFailures(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue("/a", map[string]string{"n": "1"}))

	attempts := 0
	stop := make(chan struct{})

	post := func(url string, payload json.RawMessage) PostResult {
		attempts++
		if attempts < 3 {
			return PostResult{Err: assert.AnError, Retryable: true}
		}
		close(stop)
		return PostResult{}
	}

	done := make(chan struct{})
	go func() {
		q.Run(stop, post, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop in time")
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, q.QueueSize())
}

func TestRunDropsNonRetryableFailures(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue("/a", map[string]string{"n": "1"}))
	require.NoError(t, q.Enqueue("/b", map[string]string{"n": "2"}))

	var delivered []string
	stop := make(chan struct{})

	post := func(url string, payload json.RawMessage) PostResult {
		if url == "/a" {
			return PostResult{Err: assert.AnError, Retryable: false}
		}
		delivered = append(delivered, url)
		close(stop)
		return PostResult{}
	}

	done := make(chan struct{})
	go func() {
		q.Run(stop, post, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop in time")
	}

	assert.Equal(t, []string{"/b"}, delivered, "a malformed payload must not block the queue forever")
	assert.Equal(t, 0, q.QueueSize())
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("/a", map[string]string{"n": "1"}))
	require.NoError(t, q.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()
	assert.Equal(t, 1, q2.QueueSize())
}

func TestFlushAndReportDrainsWithinTimeout(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue("/sign-off", nil))

	var delivered []string
	post := func(url string, payload json.RawMessage) PostResult {
		delivered = append(delivered, url)
		return PostResult{}
	}

	q.FlushAndReport(time.Second, post)
	assert.Equal(t, []string{"/sign-off"}, delivered)
	assert.Equal(t, 0, q.QueueSize())
}
