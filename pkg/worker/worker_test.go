package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flamenco/flamenco-worker-go/pkg/config"
	"github.com/flamenco/flamenco-worker-go/pkg/queue"
	"github.com/flamenco/flamenco-worker-go/pkg/upstream"
)

// newTestWorker builds a Worker against srv with a fresh on-disk queue and
// fast timers, already carrying a persisted identity so startup signs on
// rather than registering.
func newTestWorker(t *testing.T, srv *httptest.Server) *Worker {
	t.Helper()

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	cfg := &config.Config{
		WorkerID:                  "worker-1",
		WorkerSecret:              "secret",
		TaskTypes:                 "unknown sleep",
		PushLogMaxEntries:         10,
		PushLogMaxIntervalSeconds: 5,
		PushActMaxIntervalSeconds: 1,
	}

	client := upstream.New(srv.URL, 2*time.Second)
	client.SetAuth(cfg.WorkerID, cfg.WorkerSecret)

	w := New(Options{
		Config:       cfg,
		ConfigPath:   filepath.Join(t.TempDir(), "worker.yaml"),
		Client:       client,
		Queue:        q,
		Nickname:     "test-node",
		InitialState: InitialAwake,
		Timers: Timers{
			RegisterRetry:      10 * time.Millisecond,
			FetchFail:          10 * time.Millisecond,
			FetchEmpty:         10 * time.Millisecond,
			FetchDone:          10 * time.Millisecond,
			ErrorRecover:       50 * time.Millisecond,
			UncaughtException:  10 * time.Millisecond,
			AsleepPoll:         10 * time.Millisecond,
			QueueThreshold:     10,
			QueueBackoff:       10 * time.Millisecond,
		},
	})
	return w
}

func TestStartSignsOnAndSchedulesFetch(t *testing.T) {
	var sawSignOn, sawTask bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sign-on":
			sawSignOn = true
			w.WriteHeader(http.StatusOK)
		case "/task":
			sawTask = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	w := newTestWorker(t, srv)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	require.Eventually(t, func() bool { return sawSignOn }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sawTask }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAwake, w.State())
}

func TestStopCurrentTaskIsNoOpForWrongTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := newTestWorker(t, srv)
	w.setActiveTask("real-task", true)

	w.stopCurrentTask("some-other-task")

	active, ok := w.ActiveTaskID()
	assert.True(t, ok)
	assert.Equal(t, "real-task", active)
}

func TestSleepAndWakeTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := newTestWorker(t, srv)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	require.Eventually(t, func() bool { return w.State() == StateAwake }, time.Second, 5*time.Millisecond)

	w.ChangeStatus(string(StateAsleep))
	require.Eventually(t, func() bool { return w.State() == StateAsleep }, time.Second, 5*time.Millisecond)

	w.ChangeStatus(string(StateAwake))
	require.Eventually(t, func() bool { return w.State() == StateAwake }, time.Second, 5*time.Millisecond)
}

func TestIdentifierStringFormats(t *testing.T) {
	assert.Equal(t, "nick (abc123)", identifierString("abc123", "nick"))
	assert.Equal(t, "abc123", identifierString("abc123", ""))
}
