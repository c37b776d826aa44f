package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedUpdate struct {
	url     string
	payload updatePayload
}

func newPushCaptureServer(t *testing.T, out *[]capturedUpdate, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && len(r.URL.Path) > len("/tasks/") {
			var payload updatePayload
			_ = json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			*out = append(*out, capturedUpdate{url: r.URL.Path, payload: payload})
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestRegisterTaskStatusPushesImmediately(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedUpdate
	srv := newPushCaptureServer(t, &captured, &mu)
	defer srv.Close()

	w := newTestWorker(t, srv)
	w.resetPushState("task-1")
	go w.queue.Run(make(chan struct{}), w.Poster(), 10*time.Millisecond)

	w.RegisterTaskStatus("active")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "active", captured[0].payload.TaskStatus)
}

func TestLogCoalescesUntilThreshold(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedUpdate
	srv := newPushCaptureServer(t, &captured, &mu)
	defer srv.Close()

	w := newTestWorker(t, srv)
	w.cfg.PushLogMaxEntries = 3
	w.cfg.PushLogMaxIntervalSeconds = 3600
	w.resetPushState("task-1")
	go w.queue.Run(make(chan struct{}), w.Poster(), 10*time.Millisecond)

	w.Log("task-1", 0, "line one")
	w.Log("task-1", 0, "line two")

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, captured, "should not push before exceeding max entries or interval")
	mu.Unlock()

	w.Log("task-1", 0, "line three")
	w.Log("task-1", 0, "line four")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(captured[0].payload.Log), 3)
}

func TestPushNowSkipsWhenNothingPending(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedUpdate
	srv := newPushCaptureServer(t, &captured, &mu)
	defer srv.Close()

	w := newTestWorker(t, srv)
	w.resetPushState("task-1")

	w.pushNow()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, captured)
}

func TestSilentlyAbortingSuppressesStatusAndActivity(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedUpdate
	srv := newPushCaptureServer(t, &captured, &mu)
	defer srv.Close()

	w := newTestWorker(t, srv)
	w.resetPushState("task-1")
	go w.queue.Run(make(chan struct{}), w.Poster(), 10*time.Millisecond)

	w.setSilentlyAborting()
	w.push.mu.Lock()
	w.push.currentTaskStatus = "completed"
	w.push.hasStatus = true
	w.push.logBuffer = append(w.push.logBuffer, logEntry{timestamp: time.Now(), line: "stopped"})
	w.push.mu.Unlock()

	w.pushNow()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, captured[0].payload.TaskStatus)
	assert.Nil(t, captured[0].payload.Activity)
	assert.Equal(t, []string{"stopped"}, captured[0].payload.Log)
}
