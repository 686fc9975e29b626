package dht

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerExecute(t *testing.T) {
	s := newScheduler(clock.NewMock())
	assert.False(t, s.execute(func() {}), "stopped scheduler runs nothing")

	s.acquire()
	s.acquire()
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		require.True(t, s.execute(func() { n.Add(1) }))
	}
	require.Eventually(t, func() bool { return n.Load() == 100 }, waitTimeout, time.Millisecond)

	// A panicking job doesn't take the worker down.
	panics := totalRecoveredPanics.Value()
	s.execute(func() { panic("boom") })
	require.Eventually(t, func() bool { return totalRecoveredPanics.Value() == panics+1 }, waitTimeout, time.Millisecond)
	s.execute(func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() == 101 }, waitTimeout, time.Millisecond)

	assert.NoError(t, s.release())
	assert.True(t, s.isRunning(), "one user is left")
	assert.NoError(t, s.release())
	assert.False(t, s.isRunning())
}

func TestScheduleWithFixedDelay(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, clk)
	var n atomic.Int32
	job := s.scheduleWithFixedDelay(time.Second, time.Minute, func() { n.Add(1) })

	clk.Add(999 * time.Millisecond)
	assert.Equal(t, int32(0), n.Load())
	clk.Add(time.Millisecond)
	require.Eventually(t, func() bool { return n.Load() == 1 }, waitTimeout, time.Millisecond)

	// The next run is armed once the first one returns.
	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return n.Load() >= 2
	}, waitTimeout, 10*time.Millisecond)

	job.Cancel()
	// Let a run that started before Cancel finish.
	time.Sleep(20 * time.Millisecond)
	got := n.Load()
	clk.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, got, n.Load())
}

func TestSchedule(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, clk)
	done := make(chan struct{})
	s.schedule(time.Second, func() { close(done) })
	clk.Add(time.Second)
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("scheduled job didn't run")
	}
}
