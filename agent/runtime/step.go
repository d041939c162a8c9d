package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/tools"
)

// reminderEnding is appended to reminder envelopes unless suppressed.
const reminderEnding = "This is an automated reminder. Do not respond to it directly; " +
	"factor it into your next action."

// stepOnce executes one step: flush inputs, repair, maybe compress, stream
// the model, then either run the tool batch (more steps follow) or finish
// the turn. The ordering is load-bearing; see the per-phase comments.
func (a *Agent) stepOnce(ctx context.Context) (bool, error) {
	start := time.Now()

	// 1. Interrupt check.
	a.mu.Lock()
	if a.interrupted {
		a.mu.Unlock()
		a.setStop(agent.StopCancelled, nil)
		return false, nil
	}
	a.mu.Unlock()

	// 2. Drain enqueued user and reminder messages into the log.
	if err := a.flushQueue(ctx); err != nil {
		return false, err
	}

	// 3. Iteration cap.
	a.mu.Lock()
	iteration := a.iteration
	a.mu.Unlock()
	if iteration >= a.cfg.maxIterations() {
		reason := events.DoneCompleted
		if a.perm.HasPending() {
			reason = events.DoneInterrupted
		}
		a.finishStep(ctx, start, reason)
		a.setStop(agent.StopMaxIterations, nil)
		return false, nil
	}

	// 4. Defensive repair.
	if _, err := a.autoSealDanglingToolUses(ctx, "Sealed during auto-repair"); err != nil {
		return false, err
	}
	if err := a.sanitizeOrphanToolResults(ctx); err != nil {
		return false, err
	}

	// 5. Context compression under pressure.
	if err := a.maybeCompress(ctx); err != nil {
		a.deps.Logger.Warn(ctx, "context compression failed", "agent", a.id.String(), "err", err.Error())
	}

	// 6. Pre-model.
	a.setBreakpoint(ctx, agent.BreakPreModel)
	req := a.buildRequest()
	if err := a.hookReg.PreModel(ctx, &req); err != nil {
		return false, fmt.Errorf("pre-model hook: %w", err)
	}

	// 7. Stream the model.
	a.setBreakpoint(ctx, agent.BreakStreamingModel)
	agg, err := a.streamModel(ctx, req)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	a.usage = a.usage.Add(agg.Usage)
	a.mu.Unlock()
	a.emit(ctx, events.NewTokenUsage(agg.Usage))

	// 8. Append the assistant message.
	if err := a.hookReg.PostModel(ctx, &agg); err != nil {
		return false, fmt.Errorf("post-model hook: %w", err)
	}
	if err := a.appendMessage(ctx, agg.Message); err != nil {
		return false, err
	}

	// 9. Tool batch.
	if len(agg.ToolUses) > 0 {
		a.setBreakpoint(ctx, agent.BreakToolPending)
		blocks := a.processToolCalls(ctx, agg.ToolUses)
		userMsg := message.Message{Role: message.RoleUser}
		if nudge := a.takeNudge(); nudge != "" {
			userMsg.Content = append(userMsg.Content, message.TextBlock(nudge))
		}
		userMsg.Content = append(userMsg.Content, blocks...)
		if err := a.appendMessage(ctx, userMsg); err != nil {
			return false, err
		}
		a.setBreakpoint(ctx, agent.BreakPostTool)
		a.mu.Lock()
		a.iteration++
		a.mu.Unlock()
		return true, nil
	}

	// 10. Final answer.
	a.setBreakpoint(ctx, agent.BreakReady)
	a.finishStep(ctx, start, events.DoneCompleted)
	a.setStop(agent.StopEndTurn, nil)
	// Providers occasionally report tool_use with no collected tool uses;
	// re-enter the loop so the model can complete the turn.
	return agg.StopReason == model.StopToolUse, nil
}

// finishStep emits done, bumps the step counters, notifies the scheduler,
// and emits step_complete. Step count advances only here; the iteration
// count advances on every model turn.
func (a *Agent) finishStep(ctx context.Context, start time.Time, reason string) {
	a.mu.Lock()
	step := a.steps
	a.steps++
	a.iteration++
	completed := a.steps
	a.mu.Unlock()
	a.emit(ctx, events.NewDone(step, reason))
	a.sched.NotifyStep(ctx, completed)
	a.emit(ctx, events.NewStepComplete(completed, time.Since(start)))
	a.deps.Metrics.RecordTimer("agent_step_duration", time.Since(start))
	if err := a.persistMeta(ctx); err != nil {
		a.deps.Logger.Warn(ctx, "persist step meta failed", "agent", a.id.String(), "err", err.Error())
	}
}

// flushQueue drains enqueued messages into the log in enqueue order.
// Reminders are wrapped in the system-reminder envelope.
func (a *Agent) flushQueue(ctx context.Context) error {
	a.mu.Lock()
	pending := a.queue
	a.queue = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	for _, q := range pending {
		text := q.Text
		if q.Kind == kindReminder {
			text = wrapReminder(q)
		}
		a.mu.Lock()
		a.messages = append(a.messages, message.NewText(message.RoleUser, text))
		snapshot := message.Clone(a.messages)
		a.mu.Unlock()
		a.hookReg.MessagesChanged(ctx, snapshot)
	}
	return a.persistMessages(ctx)
}

func wrapReminder(q queuedMessage) string {
	var b strings.Builder
	b.WriteString("<system-reminder")
	if q.Category != "" {
		fmt.Fprintf(&b, " category=%q", q.Category)
	}
	b.WriteString(">\n")
	b.WriteString(q.Text)
	if !q.SkipStandardEnding {
		b.WriteString("\n")
		b.WriteString(reminderEnding)
	}
	b.WriteString("\n</system-reminder>")
	return b.String()
}

// maybeCompress runs a compression pass when the context manager reports
// pressure, replacing the transcript with [summary, retained...] and
// re-running the repair passes.
func (a *Agent) maybeCompress(ctx context.Context) error {
	a.mu.Lock()
	msgs := message.Clone(a.messages)
	a.mu.Unlock()
	analysis := a.mem.Analyze(msgs)
	if !analysis.ShouldCompress {
		return nil
	}
	a.emit(ctx, events.NewContextCompression("start", "", 0))
	comp, err := a.mem.Compress(ctx, msgs)
	if err != nil || comp == nil {
		// Symmetric end event even when the pass was a no-op.
		a.emit(ctx, events.NewContextCompression("end", "", 1))
		return err
	}
	a.mu.Lock()
	a.messages = append([]message.Message{comp.Summary}, comp.Retained...)
	a.mu.Unlock()
	a.emit(ctx, events.NewContextCompression("end", comp.Summary.Text(), comp.Ratio))
	if _, err := a.autoSealDanglingToolUses(ctx, "Sealed after compression"); err != nil {
		return err
	}
	if err := a.sanitizeOrphanToolResults(ctx); err != nil {
		return err
	}
	return a.persistMessages(ctx)
}

// buildRequest assembles the model request, applying the invalid-argument
// recovery overrides: an allowlist constraining the model to one tool, or
// full tool suppression. Overrides apply to a single call.
func (a *Agent) buildRequest() model.Request {
	a.mu.Lock()
	msgs := message.Clone(a.messages)
	allowOnly := a.allowOnly
	suppress := a.suppress
	a.allowOnly = ""
	a.suppress = false
	order := append([]string(nil), a.toolOrder...)
	a.mu.Unlock()

	var defs []model.ToolDefinition
	if !suppress {
		for _, name := range order {
			if allowOnly != "" && name != allowOnly {
				continue
			}
			t := a.enabled[name]
			defs = append(defs, model.ToolDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				InputSchema: t.InputSchema(),
			})
		}
	}
	return model.Request{
		Model:          a.cfg.Model,
		Messages:       msgs,
		SystemPrompt:   a.systemPrompt(),
		Tools:          defs,
		MaxTokens:      a.cfg.MaxTokens,
		Temperature:    a.cfg.Temperature,
		EnableThinking: a.cfg.EnableThinking,
		ThinkingBudget: a.cfg.ThinkingBudget,
	}
}

// systemPrompt combines the configured instruction, the discovered skills
// block, and any tool-contributed prompt text.
func (a *Agent) systemPrompt() string {
	parts := []string{}
	if a.cfg.SystemPrompt != "" {
		parts = append(parts, a.cfg.SystemPrompt)
	}
	if block := a.skillMgr.PromptBlock(a.cfg.RecommendSkills); block != "" {
		parts = append(parts, block)
	}
	a.mu.Lock()
	order := append([]string(nil), a.toolOrder...)
	a.mu.Unlock()
	for _, name := range order {
		if p, ok := a.enabled[name].(tools.Prompter); ok {
			if text, err := p.Prompt(context.Background()); err == nil && text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// streamModel drives one provider stream, forwarding deltas as progress
// events. Thinking deltas are forwarded only when the agent exposes
// thinking.
func (a *Agent) streamModel(ctx context.Context, req model.Request) (model.Aggregate, error) {
	tctx, span := a.deps.Tracer.Start(ctx, "agent.model.stream")
	defer span.End()

	streamer, err := a.client.Stream(tctx, req)
	if err != nil {
		span.RecordError(err)
		return model.Aggregate{}, &agent.ProviderError{Provider: req.Model, Err: err}
	}
	listener := model.Listener{
		TextStart: func() { a.emit(ctx, events.NewTextChunkStart()) },
		TextDelta: func(delta string) { a.emit(ctx, events.NewTextChunk(delta)) },
		TextEnd:   func() { a.emit(ctx, events.NewTextChunkEnd()) },
	}
	if a.cfg.ExposeThinking {
		listener.ThinkingStart = func() { a.emit(ctx, events.NewThinkChunkStart()) }
		listener.ThinkingDelta = func(delta string) { a.emit(ctx, events.NewThinkChunk(delta)) }
		listener.ThinkingEnd = func() { a.emit(ctx, events.NewThinkChunkEnd()) }
	}
	agg, err := model.Drain(tctx, streamer, listener)
	if err != nil {
		span.RecordError(err)
		if tctx.Err() != nil {
			return agg, tctx.Err()
		}
		return agg, &agent.ProviderError{Provider: req.Model, Err: err}
	}
	return agg, nil
}

func (a *Agent) takeNudge() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.nudge
	a.nudge = ""
	return n
}
