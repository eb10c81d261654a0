package bgjob

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// The tests in this file exercise the state machine against real timers and
// worker goroutines, under adversarial trigger storms from many goroutines.
// They are timing-based by nature; assertion points sit midway between
// scheduled instants so they tolerate tens of milliseconds of jitter.

// canaries for unwanted behaviour, checked at the end of each test.
type canaries struct {
	value       atomic.Int64
	concurrent  atomic.Bool
	interrupted atomic.Bool
}

func (c *canaries) check(t *testing.T) {
	t.Helper()
	assert.False(t, c.concurrent.Load(), "task bodies overlapped")
	assert.False(t, c.interrupted.Load(), "task was interrupted unexpectedly")
}

// newValueIncrementer returns a task that increments the canary value by 1,
// then sleeps for sleepTime. It flags the concurrency canary when more than
// one instance runs at once, and the interruption canary when its context is
// cancelled during the sleep.
func newValueIncrementer(c *canaries, sleepTime time.Duration) Task {
	var isRunning atomic.Bool
	return func(ctx context.Context) {
		if !isRunning.CompareAndSwap(false, true) {
			c.concurrent.Store(true)
		}
		c.value.Add(1)
		select {
		case <-ctx.Done():
			c.interrupted.Store(true)
		case <-time.After(sleepTime):
		}
		isRunning.Store(false)
	}
}

// hammerDefault fires Trigger in bursts of 1000 with ~1ms pauses, for the
// given duration.
func hammerDefault(job *Job, duration time.Duration) {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		for i := 0; i < 1000; i++ {
			job.Trigger()
		}
		time.Sleep(time.Millisecond)
	}
}

// hammerCustom fires TriggerAfter once per delay, first to last, with ~1ms
// pauses.
func hammerCustom(job *Job, delays []time.Duration) {
	for _, d := range delays {
		job.TriggerAfter(d)
		time.Sleep(time.Millisecond)
	}
}

// sleeper supports sustained sleeping until a fixed offset from a reference
// instant, so a sequence of checks does not accumulate drift.
type sleeper struct {
	start time.Time
}

func newSleeper() *sleeper {
	return &sleeper{start: time.Now()}
}

func (s *sleeper) sleepUntil(offset time.Duration) {
	if d := time.Until(s.start.Add(offset)); d > 0 {
		time.Sleep(d)
	}
}

func newTimedJob(t *testing.T, c *canaries, jobDuration, delay time.Duration) *Job {
	t.Helper()
	task := newValueIncrementer(c, jobDuration)
	return New(task, t.Name(), delay, NewTimerScheduler(), NewGoExecutor(), zaptest.NewLogger(t).Sugar())
}

func TestHammerDefaultFastTask(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based test")
	}
	c := &canaries{}
	defer c.check(t)

	// Task faster than the aggregation delay: 10ms run, 50ms window.
	job := newTimedJob(t, c, 10*time.Millisecond, 50*time.Millisecond)
	defer job.Terminate()

	// The value stays stable without triggers.
	s := newSleeper()
	s.sleepUntil(100 * time.Millisecond)
	assert.EqualValues(t, 0, c.value.Load())
	assert.Equal(t, StateIdle, job.State())

	// A single trigger: no run before ~50ms, exactly one run after, then
	// stable.
	s = newSleeper()
	job.Trigger()
	s.sleepUntil(25 * time.Millisecond)
	assert.EqualValues(t, 0, c.value.Load())
	s.sleepUntil(75 * time.Millisecond)
	assert.EqualValues(t, 1, c.value.Load())
	assert.Equal(t, StateIdle, job.State())
	s.sleepUntil(175 * time.Millisecond)
	assert.EqualValues(t, 1, c.value.Load())
	assert.Equal(t, StateIdle, job.State())

	// 10 goroutines hammering for 60ms: one run for the first window, one
	// coalesced follow-up for the triggers that arrived during the run,
	// then stable.
	s = newSleeper()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hammerDefault(job, 60*time.Millisecond)
		}()
	}
	s.sleepUntil(25 * time.Millisecond)
	assert.EqualValues(t, 1, c.value.Load())
	s.sleepUntil(75 * time.Millisecond)
	assert.EqualValues(t, 2, c.value.Load())
	s.sleepUntil(125 * time.Millisecond)
	assert.EqualValues(t, 3, c.value.Load())
	s.sleepUntil(225 * time.Millisecond)
	assert.EqualValues(t, 3, c.value.Load())
	assert.Equal(t, StateIdle, job.State())
	wg.Wait()
}

func TestHammerDefaultSlowTask(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based test")
	}
	c := &canaries{}
	defer c.check(t)

	// Task slower than the aggregation delay: 80ms run, 50ms window,
	// continuously triggered. Runs start at ~50, 130, 210, 290ms: the
	// follow-up deadline expires during each run, so successive runs are
	// back to back, never overlapping.
	job := newTimedJob(t, c, 80*time.Millisecond, 50*time.Millisecond)
	defer job.Terminate()

	s := newSleeper()
	go hammerDefault(job, 260*time.Millisecond)
	s.sleepUntil(25 * time.Millisecond)
	assert.EqualValues(t, 0, c.value.Load())
	s.sleepUntil(75 * time.Millisecond)
	assert.EqualValues(t, 1, c.value.Load())
	s.sleepUntil(155 * time.Millisecond)
	assert.EqualValues(t, 2, c.value.Load())
	s.sleepUntil(235 * time.Millisecond)
	assert.EqualValues(t, 3, c.value.Load())
	s.sleepUntil(315 * time.Millisecond)
	assert.EqualValues(t, 4, c.value.Load())
	assert.Equal(t, StateRunning, job.State())
	s.sleepUntil(395 * time.Millisecond)
	assert.EqualValues(t, 4, c.value.Load())
	assert.Equal(t, StateIdle, job.State())
}

func TestHammerCustomDelays(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based test")
	}
	c := &canaries{}
	defer c.check(t)

	// Descending override delays, ~1ms apart, against a 1s default: every
	// later trigger asks for an earlier instant, so the schedule keeps
	// moving up and the run fires at roughly the last requested instant.
	job := New(newValueIncrementer(c, 10*time.Millisecond), t.Name(), time.Second,
		NewTimerScheduler(), NewGoExecutor(), zaptest.NewLogger(t).Sugar())
	defer job.Terminate()

	delays := []time.Duration{
		60 * time.Millisecond,
		50 * time.Millisecond,
		30 * time.Millisecond,
		20 * time.Millisecond,
		10 * time.Millisecond,
	}
	s := newSleeper()
	go hammerCustom(job, delays)
	s.sleepUntil(8 * time.Millisecond)
	assert.EqualValues(t, 0, c.value.Load())
	assert.Equal(t, StateWaiting, job.State())
	s.sleepUntil(30 * time.Millisecond)
	assert.EqualValues(t, 1, c.value.Load())
	s.sleepUntil(60 * time.Millisecond)
	assert.Equal(t, StateIdle, job.State())
	assert.EqualValues(t, 1, c.value.Load())
}

func TestImmediateOverridePreemptsPendingDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based test")
	}
	c := &canaries{}
	defer c.check(t)

	// A waiting job with a pending 100ms delay receives a zero-delay
	// override: the run starts within a few ms instead of waiting out the
	// original schedule.
	job := newTimedJob(t, c, 30*time.Millisecond, 100*time.Millisecond)
	defer job.Terminate()

	s := newSleeper()
	job.Trigger()
	assert.Equal(t, StateWaiting, job.State())
	job.TriggerAfter(0)
	s.sleepUntil(15 * time.Millisecond)
	assert.EqualValues(t, 1, c.value.Load())
	assert.Equal(t, StateRunning, job.State())

	// Trigger during the run: the follow-up deadline is now+100ms, so the
	// second run starts at ~115ms, well after the first completes at ~35ms.
	job.Trigger()
	s.sleepUntil(60 * time.Millisecond)
	assert.EqualValues(t, 1, c.value.Load())
	assert.Equal(t, StateWaiting, job.State())
	s.sleepUntil(140 * time.Millisecond)
	assert.EqualValues(t, 2, c.value.Load())
	s.sleepUntil(180 * time.Millisecond)
	assert.Equal(t, StateIdle, job.State())
}

func TestTerminateWallClock(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based test")
	}
	c := &canaries{}

	// Terminate on idle is synchronous.
	job1 := newTimedJob(t, c, 50*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, StateIdle, job1.State())
	job1.Terminate()
	assert.Equal(t, StateTerminated, job1.State())
	assert.True(t, job1.IsTerminated())

	// Terminate on waiting is synchronous and the run never happens.
	job2 := newTimedJob(t, c, 50*time.Millisecond, 20*time.Millisecond)
	job2.Trigger()
	require.Equal(t, StateWaiting, job2.State())
	job2.Terminate()
	assert.Equal(t, StateTerminated, job2.State())
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 0, c.value.Load())

	// Terminate on running interrupts the task and completes once the
	// task body returns.
	job3 := newTimedJob(t, c, 10*time.Second, 20*time.Millisecond)
	job3.TriggerAfter(0)
	require.Eventually(t, func() bool {
		return job3.State() == StateRunning
	}, 5*time.Second, time.Millisecond)
	job3.Terminate()
	require.True(t, job3.WaitForTermination(5*time.Second))
	assert.True(t, job3.IsTerminated())
	assert.True(t, c.interrupted.Load(), "running task should have been interrupted")
	assert.False(t, c.concurrent.Load())
}

func TestWaitForTerminationTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based test")
	}
	c := &canaries{}
	defer c.check(t)

	// The timeout is obeyed: never returns early, returns within a small
	// bounded overhead after the timeout elapses.
	job1 := newTimedJob(t, c, 0, 50*time.Millisecond)
	for i := 0; i < 5; i++ {
		timeout := time.Duration(i) * 20 * time.Millisecond
		begin := time.Now()
		observed := job1.WaitForTermination(timeout)
		waited := time.Since(begin)
		assert.False(t, observed)
		assert.GreaterOrEqual(t, waited, timeout)
		assert.Less(t, waited, timeout+50*time.Millisecond)
	}
	job1.Terminate()

	// Terminated jobs return immediately.
	job2 := newTimedJob(t, c, 0, 50*time.Millisecond)
	job2.Terminate()
	begin := time.Now()
	assert.True(t, job2.WaitForTermination(10*time.Second))
	assert.Less(t, time.Since(begin), 20*time.Millisecond)
}

func TestHammerTriggerAndTerminateRace(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	// Many goroutines trigger while another terminates; whatever the
	// interleaving, the job must settle in terminated with no run in
	// flight afterwards.
	for round := 0; round < 50; round++ {
		var running atomic.Bool
		var overlapped atomic.Bool
		task := func(ctx context.Context) {
			if !running.CompareAndSwap(false, true) {
				overlapped.Store(true)
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Millisecond):
			}
			running.Store(false)
		}
		job := New(task, "race", 0, NewTimerScheduler(), NewGoExecutor(), nil)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < 200; n++ {
					job.TriggerAfter(0)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(round%5) * 100 * time.Microsecond)
			job.Terminate()
		}()
		wg.Wait()

		require.True(t, job.WaitForTermination(5*time.Second), "round %d", round)
		require.Equal(t, StateTerminated, job.State())
		require.False(t, overlapped.Load(), "round %d: task bodies overlapped", round)

		// Inert after termination.
		job.Trigger()
		job.TriggerAfter(0)
		require.Equal(t, StateTerminated, job.State())
	}
}
