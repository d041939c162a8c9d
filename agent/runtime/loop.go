package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
)

// EnsureProcessing is the only way a processing task starts. It is
// idempotent and debounced:
//
//   - no task running and state Ready: start one;
//   - a task is running and healthy, or legitimately blocked on an approval
//     or a tool execution: mark queued and return;
//   - a task is running but its heartbeat is stale: replace it.
//
// The returned channel closes when the current task finishes.
func (a *Agent) EnsureProcessing(ctx context.Context) <-chan struct{} {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return closedChan()
	}
	if a.processing {
		blocked := a.breakpoint == agent.BreakAwaitingApproval || a.breakpoint == agent.BreakToolExecuting
		fresh := time.Since(a.heartbeat) <= ProcessingTimeout
		if blocked || fresh {
			a.queuedRun = true
			done := a.loopDone
			a.mu.Unlock()
			return done
		}
		// Stale task: invalidate its run id and replace it. The wedged task
		// skips its own state restore once the run id no longer matches.
		cancel := a.procCancel
		a.runID = ""
		a.processing = false
		a.procCancel = nil
		a.mu.Unlock()
		a.emit(ctx, events.NewError("warn", "system", "processing task heartbeat stale, restarting"))
		if cancel != nil {
			cancel()
		}
		a.setBreakpoint(ctx, agent.BreakReady)
		a.transition(ctx, agent.StateReady)
		a.mu.Lock()
	}
	if a.state != agent.StateReady {
		a.queuedRun = true
		done := a.loopDone
		a.mu.Unlock()
		if done == nil {
			return closedChan()
		}
		return done
	}
	runID := uuid.NewString()
	done := make(chan struct{})
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.processing = true
	a.runID = runID
	a.heartbeat = time.Now()
	a.loopDone = done
	a.procCancel = cancel
	a.mu.Unlock()

	go a.processTask(procCtx, runID, done)
	return done
}

// processTask is the singleton per-agent driver body. It loops stepOnce
// while the agent is Working and more steps remain, then restores Ready
// unless paused, and re-enters when follow-up work queued during the run.
func (a *Agent) processTask(ctx context.Context, runID string, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		current := a.runID == runID
		requeue := false
		halted := a.state == agent.StatePaused || a.state == agent.StateFailed
		if current {
			a.processing = false
			a.runID = ""
			a.procCancel = nil
			requeue = a.queuedRun
			a.queuedRun = false
		}
		a.mu.Unlock()
		if current && !halted {
			a.setBreakpoint(ctx, agent.BreakReady)
			a.transition(ctx, agent.StateReady)
		}
		close(done)
		if current && requeue && !halted {
			a.EnsureProcessing(context.WithoutCancel(ctx))
		}
	}()

	a.transition(ctx, agent.StateWorking)
	for {
		a.touchHeartbeat()
		more, err := a.stepOnce(ctx)
		a.touchHeartbeat()
		if err != nil {
			a.mu.Lock()
			interrupted := a.interrupted
			current := a.runID == runID
			a.mu.Unlock()
			if !current {
				// A replaced task's late failure is not this run's outcome.
				return
			}
			if interrupted || errors.Is(err, context.Canceled) {
				a.setStop(agent.StopCancelled, agent.ErrCancelled)
				return
			}
			a.setStop(agent.StopError, err)
			phase := "model"
			var serr *agent.StorageError
			if errors.As(err, &serr) {
				phase = "system"
			}
			a.emit(ctx, events.NewError("error", phase, err.Error()))
			a.deps.Logger.Error(ctx, "step failed", "agent", a.id.String(), "err", err.Error())
			if serr != nil {
				// Storage failures park the agent in Failed; provider failures
				// leave it Ready for retry.
				a.transition(ctx, agent.StateFailed)
			}
			return
		}
		if !more {
			return
		}
		a.mu.Lock()
		working := a.state == agent.StateWorking && a.runID == runID
		a.mu.Unlock()
		if !working {
			return
		}
	}
}

func (a *Agent) touchHeartbeat() {
	a.mu.Lock()
	a.heartbeat = time.Now()
	a.mu.Unlock()
}

func (a *Agent) setStop(reason agent.StopReason, err error) {
	a.mu.Lock()
	a.lastStop = reason
	a.lastErr = err
	a.mu.Unlock()
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
