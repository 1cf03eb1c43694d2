package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_collapsesBurst(t *testing.T) {
	var calls atomic.Int32
	d := New(20*time.Millisecond, func() { calls.Add(1) })

	for range 5 {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "only the last trigger of a burst should fire")
}

func TestDebouncer_separateBursts(t *testing.T) {
	var calls atomic.Int32
	d := New(5*time.Millisecond, func() { calls.Add(1) })

	d.Trigger()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	d.Trigger()
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestDebouncer_flush(t *testing.T) {
	var calls atomic.Int32
	d := New(time.Hour, func() { calls.Add(1) })

	assert.False(t, d.Flush(), "nothing pending")
	d.Trigger()
	assert.True(t, d.Pending())
	assert.True(t, d.Flush())
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_cancelAndStop(t *testing.T) {
	var calls atomic.Int32
	d := New(5*time.Millisecond, func() { calls.Add(1) })

	d.Trigger()
	d.Cancel()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "cancelled call must not run")

	d.Stop()
	d.Trigger()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "stopped debouncer must ignore triggers")
}

func TestDebouncer_zeroWaitRunsInline(t *testing.T) {
	calls := 0
	d := New(0, func() { calls++ })

	d.Trigger()
	d.Trigger()
	assert.Equal(t, 2, calls)
}
