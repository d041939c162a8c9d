package runtime

import (
	"context"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
)

// RunResult is the synchronous outcome of a Run call.
type RunResult struct {
	// Success reports whether the run finished without error, cancellation,
	// or a pending approval.
	Success bool
	// Response is the text of the last assistant message.
	Response string
	// StopReason explains why the run returned.
	StopReason agent.StopReason
	// Usage is the accumulated token usage for the agent.
	Usage model.TokenUsage
	// PendingApprovals lists the call ids awaiting a decision, non-empty
	// when StopReason is AwaitingApproval.
	PendingApprovals []string
	// Steps is the agent's completed step count after the run.
	Steps int
	// Err is the step error when StopReason is Error.
	Err error
}

// Run is the synchronous facade over Send plus EnsureProcessing: it enqueues
// input when non-empty, drives the processing task, and blocks until the
// task finishes, the agent pauses awaiting an approval, or ctx is done.
// Callers stopped by an approval resolve it and call Run again with empty
// input to continue.
func (a *Agent) Run(ctx context.Context, input string) (RunResult, error) {
	if state := a.State(); state == agent.StateFailed {
		return RunResult{StopReason: agent.StopError}, &agent.InvalidStateError{
			Current:  state,
			Expected: agent.StateReady,
		}
	}
	if input != "" {
		a.Send(ctx, input)
	}

	// Drop pause signals from earlier runs so only this run's pause unblocks
	// the select below.
	for {
		select {
		case <-a.pauses:
			continue
		default:
		}
		break
	}

	done := a.EnsureProcessing(ctx)
	select {
	case <-done:
		return a.runResult(), nil
	case <-a.pauses:
		return RunResult{
			Success:          false,
			Response:         a.lastAssistantText(),
			StopReason:       agent.StopAwaitingApproval,
			Usage:            a.Usage(),
			PendingApprovals: a.perm.PendingIDs(),
			Steps:            a.Steps(),
		}, nil
	case <-ctx.Done():
		a.mu.Lock()
		cancel := a.procCancel
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-done
		res := a.runResult()
		res.Success = false
		res.StopReason = agent.StopCancelled
		return res, ctx.Err()
	}
}

func (a *Agent) runResult() RunResult {
	a.mu.Lock()
	stop := a.lastStop
	err := a.lastErr
	usage := a.usage
	steps := a.steps
	a.mu.Unlock()
	if stop == "" {
		stop = agent.StopEndTurn
	}
	return RunResult{
		Success:          stop == agent.StopEndTurn,
		Response:         a.lastAssistantText(),
		StopReason:       stop,
		Usage:            usage,
		PendingApprovals: a.perm.PendingIDs(),
		Steps:            steps,
		Err:              err,
	}
}

func (a *Agent) lastAssistantText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role == message.RoleAssistant {
			if text := a.messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
