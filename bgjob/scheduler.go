package bgjob

import (
	"time"
)

// ScheduledTask is a handle to a callback registered with a Scheduler.
// It is valid until the callback has fired or Cancel has been called.
type ScheduledTask interface {
	// Reschedule moves the pending callback to fire d from now. Callers only
	// ever move callbacks earlier; a callback that fires concurrently with a
	// Reschedule may run twice, so consumers must tolerate spurious fires.
	Reschedule(d time.Duration)

	// Cancel makes a best effort to prevent the callback from firing. A
	// callback already in flight may still run.
	Cancel()
}

// Scheduler provides delayed one-shot callback execution. Implementations
// must invoke fn asynchronously, no earlier than d from the Schedule call.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) ScheduledTask
}

// Executor runs units of work asynchronously, returning to the caller
// immediately. The name identifies the work for diagnostics.
type Executor interface {
	Run(name string, fn func())
}

// TimerScheduler is the production Scheduler, backed by time.AfterFunc.
type TimerScheduler struct{}

// NewTimerScheduler returns a Scheduler backed by the runtime timer heap.
func NewTimerScheduler() TimerScheduler {
	return TimerScheduler{}
}

// Schedule registers fn to run after d.
func (TimerScheduler) Schedule(d time.Duration, fn func()) ScheduledTask {
	return &timerTask{timer: time.AfterFunc(d, fn)}
}

type timerTask struct {
	timer *time.Timer
}

func (t *timerTask) Reschedule(d time.Duration) {
	// If the timer fired in the window between the caller deciding to
	// reschedule and this Stop, Reset re-arms it and fn runs a second time.
	// Job guards against that with its wait sequence number.
	t.timer.Stop()
	t.timer.Reset(d)
}

func (t *timerTask) Cancel() {
	t.timer.Stop()
}

// GoExecutor is the production Executor: one goroutine per unit of work.
type GoExecutor struct{}

// NewGoExecutor returns an Executor that runs each unit of work on a fresh
// goroutine.
func NewGoExecutor() GoExecutor {
	return GoExecutor{}
}

// Run executes fn on a new goroutine.
func (GoExecutor) Run(name string, fn func()) {
	go fn()
}
