package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/hooks"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/permission"
	"goa.design/agentcore/agent/tools"
)

// Invalid-argument streak thresholds. A streak is the count of consecutive
// schema-validation failures for one tool name; any validated call resets it.
const (
	streakAllowlistOnly = 2
	streakNudge         = 3
	streakSuppressAll   = 6
)

const permissionDeniedResult = "Permission denied"

// processToolCalls runs the pipeline for each tool use in order and returns
// the tool_result blocks destined for a single user message. Calls run
// sequentially so a denial never aborts the rest of the batch; the
// per-agent semaphore still bounds execution when tools fan out internally.
func (a *Agent) processToolCalls(ctx context.Context, uses []model.ToolUse) []message.Block {
	blocks := make([]message.Block, 0, len(uses))
	for _, use := range uses {
		blocks = append(blocks, a.processToolCall(ctx, use))
	}
	return blocks
}

func (a *Agent) processToolCall(ctx context.Context, use model.ToolUse) message.Block {
	// 1. Register the record and announce the call.
	rec := tools.NewRecord(use.ID, use.Name, use.Input)
	a.record(rec)
	a.persistToolState(ctx)
	a.emit(ctx, events.NewToolStart(use.ID, use.Name))

	// 2. Pre-tool hook.
	requireApproval := false
	switch decision := a.hookReg.PreTool(ctx, rec); decision.Kind {
	case hooks.Deny:
		return a.denyCall(ctx, rec, decision.Reason)
	case hooks.Skip:
		content := ""
		if decision.MockResult != nil {
			content = decision.MockResult.Content
		}
		rec.Complete(content)
		a.persistToolState(ctx)
		a.emit(ctx, events.NewToolEnd(rec.ID, rec.Name))
		return message.ToolResultBlock(rec.ID, content, false)
	case hooks.RequireApproval:
		requireApproval = true
	}

	// 3. Enablement.
	tool, ok := a.lookupTool(use.Name)
	if !ok {
		return a.denyCall(ctx, rec, "Tool is not enabled for this agent")
	}

	// 4. Input validation and the recovery streak.
	if err := a.validateInput(tool, use); err != nil {
		return a.failValidation(ctx, rec, tool, err)
	}
	a.resetStreak(use.Name)

	// 5 and 6. Permission policy, then the approval gate.
	switch decision, reason := a.perm.Evaluate(ctx, tool.Descriptor(), use.Input); decision {
	case permission.Deny:
		return a.denyCall(ctx, rec, reason)
	case permission.Ask:
		requireApproval = true
	}
	if requireApproval {
		allowed := a.awaitApproval(ctx, rec)
		if !allowed {
			rec.Deny(permissionDeniedResult)
			a.persistToolState(ctx)
			a.emit(ctx, events.NewToolEnd(rec.ID, rec.Name))
			return message.ToolResultBlock(rec.ID, permissionDeniedResult, true)
		}
	}

	// 7. Execute.
	a.setBreakpoint(ctx, agent.BreakPreTool)
	result, execErr := a.executeTool(ctx, tool, rec, use)

	// 8. Post-tool hook may override the outcome.
	if execErr == nil {
		result = a.hookReg.PostTool(ctx, rec, result)
	}

	// 9. Record the terminal state.
	if execErr != nil || result.IsError {
		msg := result.Content
		if execErr != nil {
			msg = execErr.Error()
		}
		rec.Fail(msg)
		a.persistToolState(ctx)
		a.emit(ctx, events.NewToolError(rec.ID, rec.Name, msg))
		a.emit(ctx, events.NewError("warn", "tool", msg))
		a.emit(ctx, events.NewToolEnd(rec.ID, rec.Name))
		return message.ToolResultBlock(rec.ID, msg, true)
	}
	rec.Complete(result.Content)
	a.persistToolState(ctx)
	a.emit(ctx, events.NewToolExecuted(rec.ID, rec.Name, time.Duration(rec.DurationMs)*time.Millisecond))
	a.emit(ctx, events.NewToolEnd(rec.ID, rec.Name))
	return message.ToolResultBlock(rec.ID, result.Content, false)
}

// awaitApproval pauses the agent, requests a decision, and blocks until one
// arrives. The request is registered before the Paused transition so any
// caller observing the pause sees a non-empty pending set. The agent always
// returns to Working afterwards, even on deny, because later calls in the
// batch may still execute.
func (a *Agent) awaitApproval(ctx context.Context, rec *tools.Record) bool {
	rec.Transition(tools.CallApprovalRequired, "")
	a.persistToolState(ctx)
	a.setBreakpoint(ctx, agent.BreakAwaitingApproval)
	ch := a.perm.Request(ctx, rec)
	a.transition(ctx, agent.StatePaused)

	res := a.perm.Await(ctx, rec.ID, ch)

	a.transition(ctx, agent.StateWorking)
	a.touchHeartbeat()
	if res.Allow {
		rec.Transition(tools.CallApproved, res.Note)
		a.persistToolState(ctx)
	}
	return res.Allow
}

// executeTool runs the tool under the concurrency semaphore with a timeout
// and an interrupt-linked cancellation.
func (a *Agent) executeTool(ctx context.Context, tool tools.Tool, rec *tools.Record, use model.ToolUse) (tools.Result, error) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return tools.Result{}, ctx.Err()
	}
	defer func() { <-a.sem }()

	a.setBreakpoint(ctx, agent.BreakToolExecuting)
	rec.Transition(tools.CallExecuting, "")
	a.persistToolState(ctx)
	a.touchHeartbeat()
	defer a.touchHeartbeat()

	execCtx, cancel := context.WithTimeout(ctx, a.cfg.toolTimeout())
	a.mu.Lock()
	a.toolCancels[rec.ID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.toolCancels, rec.ID)
		a.mu.Unlock()
	}()

	result, err := tool.Execute(execCtx, use.Input)
	if err != nil {
		// A timeout is a tool failure; caller cancellation propagates so the
		// run reports Cancelled.
		if execCtx.Err() != nil && ctx.Err() == nil {
			return tools.Result{}, &agent.ToolExecutionError{
				ToolName: rec.Name,
				Input:    use.Input,
				Err:      fmt.Errorf("timed out after %s", a.cfg.toolTimeout()),
			}
		}
		return tools.Result{}, &agent.ToolExecutionError{ToolName: rec.Name, Input: use.Input, Err: err}
	}
	return result, nil
}

func (a *Agent) lookupTool(name string) (tools.Tool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.enabled[name]
	return t, ok
}

func (a *Agent) validateInput(tool tools.Tool, use model.ToolUse) error {
	if use.InputErr != nil {
		return use.InputErr
	}
	return tools.ValidateInput(tool.InputSchema(), use.Input)
}

// denyCall records a denial and contributes the error tool result.
func (a *Agent) denyCall(ctx context.Context, rec *tools.Record, reason string) message.Block {
	rec.Deny(reason)
	a.persistToolState(ctx)
	a.emit(ctx, events.NewToolEnd(rec.ID, rec.Name))
	return message.ToolResultBlock(rec.ID, reason, true)
}

// failValidation records a schema failure and escalates the recovery streak:
// two failures constrain the next call to this tool alone, three add a
// schema nudge to the next user turn, six suppress all tools and ask for a
// prose answer.
func (a *Agent) failValidation(ctx context.Context, rec *tools.Record, tool tools.Tool, cause error) message.Block {
	msg := cause.Error()
	rec.Fail(msg)
	a.persistToolState(ctx)
	a.emit(ctx, events.NewToolError(rec.ID, rec.Name, msg))
	a.emit(ctx, events.NewToolEnd(rec.ID, rec.Name))

	a.mu.Lock()
	a.streaks[rec.Name]++
	streak := a.streaks[rec.Name]
	if streak >= streakAllowlistOnly {
		a.allowOnly = rec.Name
	}
	if streak >= streakNudge {
		a.nudge = schemaNudge(rec.Name, tool.InputSchema())
	}
	if streak >= streakSuppressAll {
		a.suppress = true
		a.allowOnly = ""
		a.nudge = proseNudge(rec.Name)
	}
	a.mu.Unlock()
	return message.ToolResultBlock(rec.ID, msg, true)
}

func (a *Agent) resetStreak(name string) {
	a.mu.Lock()
	if a.streaks[name] > 0 {
		delete(a.streaks, name)
	}
	a.mu.Unlock()
}

func (a *Agent) persistToolState(ctx context.Context) {
	if err := a.persistRecords(ctx); err != nil {
		a.deps.Logger.Warn(ctx, "persist tool records failed", "agent", a.id.String(), "err", err.Error())
	}
}

func schemaNudge(name string, schema map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recent calls to the %s tool failed schema validation.", name)
	if keys := tools.RequiredKeys(schema); len(keys) > 0 {
		fmt.Fprintf(&b, " The tool requires the keys: %s.", strings.Join(keys, ", "))
	}
	b.WriteString(" Provide arguments as valid JSON matching the declared schema.")
	return b.String()
}

func proseNudge(name string) string {
	return fmt.Sprintf("Repeated calls to the %s tool failed schema validation, so tools are "+
		"disabled for this turn. Explain the problem you are trying to solve and propose next "+
		"steps in prose only.", name)
}
