// Package bgjob provides a single-job, delay-coalescing background task
// scheduler.
//
// A Job accepts arbitrarily frequent trigger requests and guarantees the
// wrapped task body runs at most once per aggregation window. Triggers that
// arrive while a run is pending may only move the run earlier, never later;
// triggers that arrive while a run is in flight are coalesced into exactly
// one follow-up run. Termination is cooperative: a running task body is
// asked to stop through its context.
package bgjob

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Job.
type State string

const (
	// StateIdle means no run is pending or in flight.
	StateIdle State = "idle"
	// StateWaiting means a run is scheduled but has not started.
	StateWaiting State = "waiting"
	// StateRunning means the task body is executing.
	StateRunning State = "running"
	// StateTerminating means termination was requested while running; the
	// task body has been asked to stop and has not yet returned.
	StateTerminating State = "terminating"
	// StateTerminated means the job is permanently inert.
	StateTerminated State = "terminated"
)

// Task is the unit of work a Job runs. The context is cancelled when the
// job is terminated while the task is in flight; the task should observe
// it promptly. The task runs outside the job's lock, so it may call back
// into the job (including Terminate).
type Task func(ctx context.Context)

// Job is a delay-coalescing background job. All state transitions are
// serialized through a single mutex, so they form a total order per Job.
// All methods are safe for concurrent use.
type Job struct {
	task         Task
	name         string
	defaultDelay time.Duration
	sched        Scheduler
	exec         Executor
	log          *zap.SugaredLogger

	mu    sync.Mutex
	state State

	// waitSeq identifies the current waiting period. Scheduler callbacks
	// carry the sequence they were created for; stale callbacks (from a
	// cancelled or already-serviced period) are dropped.
	waitSeq uint64

	// pending and scheduledAt are meaningful only in StateWaiting.
	pending     ScheduledTask
	scheduledAt time.Time

	// rerun records a trigger that arrived while running; rerunAt is the
	// earliest instant requested so far for the follow-up run. Both are
	// meaningful only in StateRunning and are consumed on the transition
	// out of it. The deadline is fixed when the trigger arrives, so a
	// follow-up requested early in a long run starts as soon as the run
	// completes rather than waiting out another full delay.
	rerun   bool
	rerunAt time.Time

	// cancelRun cancels the in-flight task's context. Valid in StateRunning
	// and StateTerminating.
	cancelRun context.CancelFunc

	// done is closed exactly once, on the transition to StateTerminated.
	done chan struct{}
}

// New creates an idle Job that runs task with the given default aggregation
// delay. The scheduler supplies delayed callbacks and the executor supplies
// worker goroutines; both are treated as stateless services. The logger may
// be nil.
func New(task Task, name string, defaultDelay time.Duration, sched Scheduler, exec Executor, log *zap.SugaredLogger) *Job {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Job{
		task:         task,
		name:         name,
		defaultDelay: defaultDelay,
		sched:        sched,
		exec:         exec,
		log:          log.Named("bgjob").With("job", name),
		state:        StateIdle,
		done:         make(chan struct{}),
	}
}

// Trigger requests a run using the default aggregation delay.
func (j *Job) Trigger() {
	j.TriggerAfter(j.defaultDelay)
}

// TriggerAfter requests a run no earlier than d from now. A zero delay means
// "as soon as possible"; negative delays are clamped to zero.
//
// If a run is already scheduled, the earlier of the two instants wins; an
// already-scheduled run is never delayed, and an equal candidate keeps the
// existing schedule. If a run is in flight, exactly one follow-up run is
// recorded, at the earliest instant any trigger during the flight asked
// for; if that instant has already passed when the run completes, the
// follow-up starts immediately. Triggers on a terminating or terminated
// job are silently ignored.
func (j *Job) TriggerAfter(d time.Duration) {
	if d < 0 {
		d = 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateIdle:
		j.scheduleLocked(d)

	case StateWaiting:
		candidate := time.Now().Add(d)
		if candidate.Before(j.scheduledAt) {
			j.scheduledAt = candidate
			j.pending.Reschedule(d)
			j.log.Debugw("Moved pending run earlier", "delay", d)
		}

	case StateRunning:
		candidate := time.Now().Add(d)
		if !j.rerun || candidate.Before(j.rerunAt) {
			j.rerunAt = candidate
		}
		j.rerun = true

	case StateTerminating, StateTerminated:
		// Job no longer exists for scheduling purposes.
	}
}

// Terminate requests termination. It never blocks and is idempotent. On an
// idle or waiting job the transition to terminated is immediate; on a
// running job the task's context is cancelled and the job remains in
// terminating until the task body returns.
func (j *Job) Terminate() {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateIdle:
		j.becomeTerminatedLocked()

	case StateWaiting:
		j.pending.Cancel()
		j.pending = nil
		j.waitSeq++ // invalidate any in-flight callback
		j.becomeTerminatedLocked()

	case StateRunning:
		j.state = StateTerminating
		j.rerun = false
		j.cancelRun()
		j.log.Debugw("Terminating, waiting for task to return")

	case StateTerminating, StateTerminated:
		// Already done or on the way.
	}
}

// WaitForTermination blocks until the job is terminated or timeout elapses,
// whichever is first, and reports whether termination was observed. A
// timeout <= 0 checks once without waiting. The job's lock is not held
// while waiting, so concurrent control operations (including the task body
// calling Terminate) make progress.
func (j *Job) WaitForTermination(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-j.done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return true
	case <-timer.C:
		return j.IsTerminated()
	}
}

// State returns the instantaneous lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// IsTerminated reports whether the job has reached its final state.
func (j *Job) IsTerminated() bool {
	return j.State() == StateTerminated
}

// scheduleLocked opens a new waiting period d from now. Caller holds j.mu.
func (j *Job) scheduleLocked(d time.Duration) {
	j.waitSeq++
	seq := j.waitSeq
	j.state = StateWaiting
	j.scheduledAt = time.Now().Add(d)
	j.pending = j.sched.Schedule(d, func() {
		j.timerFired(seq)
	})
	j.log.Debugw("Scheduled run", "delay", d)
}

// timerFired is the scheduler callback: it moves the job from waiting to
// running unless the callback is stale (superseded waiting period, or the
// job terminated while the callback was in flight).
func (j *Job) timerFired(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != StateWaiting || seq != j.waitSeq {
		return
	}

	j.pending = nil
	j.state = StateRunning

	ctx, cancel := context.WithCancel(context.Background())
	j.cancelRun = cancel
	j.exec.Run(j.name, func() {
		j.runTask(ctx, cancel)
	})
}

// runTask executes the task body on the executor's worker, outside the
// job's lock. The task's return (normal or panicking) always re-enters the
// state machine so a failing task cannot wedge the job.
func (j *Job) runTask(ctx context.Context, cancel context.CancelFunc) {
	defer j.taskFinished()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			j.log.Errorw("Task panicked", "panic", r)
		}
	}()
	j.task(ctx)
}

// taskFinished handles the executor's completion signal.
func (j *Job) taskFinished() {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateRunning:
		j.cancelRun = nil
		if j.rerun {
			d := time.Until(j.rerunAt)
			if d < 0 {
				d = 0
			}
			j.rerun = false
			j.rerunAt = time.Time{}
			j.scheduleLocked(d)
		} else {
			j.state = StateIdle
		}

	case StateTerminating:
		j.cancelRun = nil
		j.becomeTerminatedLocked()

	default:
		// Completion can only arrive from the worker we started, which
		// exists only in running or terminating.
		j.log.Errorw("Task completion in unexpected state", "state", j.state)
	}
}

// becomeTerminatedLocked performs the sole transition into StateTerminated
// and wakes all WaitForTermination callers. Caller holds j.mu.
func (j *Job) becomeTerminatedLocked() {
	j.state = StateTerminated
	close(j.done)
	j.log.Debugw("Terminated")
}
