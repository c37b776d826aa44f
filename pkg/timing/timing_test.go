package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDuration(t *testing.T) {
	tm := New()
	tm.RecordDuration("step", func() {
		time.Sleep(5 * time.Millisecond)
	})

	d, ok := tm.Get("step")
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
}

func TestCheckpointChain(t *testing.T) {
	tm := New()
	tm.Checkpoint("a")
	time.Sleep(2 * time.Millisecond)
	tm.Checkpoint("b")
	time.Sleep(2 * time.Millisecond)
	tm.Checkpoint("")

	a, ok := tm.Get("a")
	require.True(t, ok)
	b, ok := tm.Get("b")
	require.True(t, ok)
	assert.Greater(t, a, time.Duration(0))
	assert.Greater(t, b, time.Duration(0))

	_, ok = tm.Get("")
	assert.False(t, ok, "an empty checkpoint name only closes, it never opens a new interval")
}

func TestAddSumsKeywise(t *testing.T) {
	a := New()
	a.Set("render", 2*time.Second)
	a.Set("only_a", time.Second)

	b := New()
	b.Set("render", 3*time.Second)
	b.Set("only_b", time.Second)

	agg := New()
	agg.Add(a)
	agg.Add(b)

	render, ok := agg.Get("render")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, render)

	onlyA, ok := agg.Get("only_a")
	require.True(t, ok)
	assert.Equal(t, time.Second, onlyA)

	onlyB, ok := agg.Get("only_b")
	require.True(t, ok)
	assert.Equal(t, time.Second, onlyB)
}

func TestToMapRoundTrip(t *testing.T) {
	tm := New()
	tm.Set("x", time.Second)
	tm.Set("y", 2*time.Second)

	m := tm.ToMap()
	assert.Len(t, m, 2)
	assert.Equal(t, 1.0, m["x"])
	assert.Equal(t, 2.0, m["y"])
}
