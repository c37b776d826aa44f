package commands

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeWorker) Log(taskID string, commandIdx int, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
}

func (f *fakeWorker) Activity(taskID string, commandIdx int, text string, taskProgress, commandProgress float64) {
}

func TestRegistryLookup(t *testing.T) {
	_, ok := Lookup("echo")
	require.True(t, ok)
	_, ok = Lookup("sleep")
	require.True(t, ok)
	_, ok = Lookup("does-not-exist")
	require.False(t, ok)
}

func TestEchoCommandSucceeds(t *testing.T) {
	ctor, ok := Lookup("echo")
	require.True(t, ok)

	w := &fakeWorker{}
	cmd := ctor(w, "T1", 0)
	ok2 := cmd.Run(context.Background(), map[string]interface{}{"message": "hi"})
	assert.True(t, ok2)
	assert.Contains(t, w.lines, "hi")

	_, recorded := cmd.Timing().Get("run")
	assert.True(t, recorded)
}

func TestSleepCommandCompletesNaturally(t *testing.T) {
	ctor, ok := Lookup("sleep")
	require.True(t, ok)

	w := &fakeWorker{}
	cmd := ctor(w, "T1", 1)
	ok2 := cmd.Run(context.Background(), map[string]interface{}{"time_in_seconds": 0.01})
	assert.True(t, ok2)
}

func TestSleepCommandAbortsPromptly(t *testing.T) {
	ctor, ok := Lookup("sleep")
	require.True(t, ok)

	w := &fakeWorker{}
	cmd := ctor(w, "T1", 1)

	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- cmd.Run(context.Background(), map[string]interface{}{"time_in_seconds": 60.0})
	}()

	time.Sleep(10 * time.Millisecond)
	cmd.Abort()

	select {
	case result := <-resultCh:
		assert.False(t, result)
	case <-time.After(time.Second):
		t.Fatal("Abort did not unwind Run promptly")
	}

	// Aborting twice, or aborting an already-finished command, must not panic.
	assert.NotPanics(t, cmd.Abort)
}
