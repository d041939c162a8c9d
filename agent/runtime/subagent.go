package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
)

type (
	// TaskParams describe a delegated sub-agent task.
	TaskParams struct {
		// TemplateID selects a child config from Subagents.Templates. Empty
		// inherits the parent config.
		TemplateID string
		// Prompt is the task input handed to the child.
		Prompt string
		// Tools overrides the child's tool ids when non-nil.
		Tools []string
		// Model overrides the child's model when non-empty.
		Model string
		// CallID links the delegation to the tool call that requested it.
		CallID string
		// Quiet disables forwarding of child events to the parent monitor
		// channel.
		Quiet bool
	}

	// TaskResult is the outcome of a delegated task.
	TaskResult struct {
		// Status is "ok" when the child finished, "paused" when it stopped on
		// a pending approval, "error" otherwise.
		Status string
		// Text is the child's final response text.
		Text string
		// AgentID identifies the child agent.
		AgentID agent.Ident
		// PendingApprovals lists the child call ids blocking a paused task.
		PendingApprovals []string
		// Agent is the live child handle for paused tasks so the caller can
		// resolve approvals and continue it. Nil for finished tasks.
		Agent *Agent
	}
)

// Task statuses.
const (
	TaskOK     = "ok"
	TaskPaused = "paused"
	TaskError  = "error"
)

// DelegateTask spawns a child agent, runs the prompt to completion, and
// returns the child's response. Child progress and approval requests are
// forwarded to the parent's monitor channel so one subscription observes the
// whole tree. Delegation depth is bounded by Subagents.Depth.
func (a *Agent) DelegateTask(ctx context.Context, params TaskParams) (TaskResult, error) {
	a.mu.Lock()
	depth := len(a.lineage) + 1
	a.mu.Unlock()
	if depth > a.cfg.Subagents.Depth {
		return TaskResult{Status: TaskError}, &agent.ConfigError{
			Reason: fmt.Sprintf("delegation depth %d exceeds limit %d", depth, a.cfg.Subagents.Depth),
		}
	}

	cfg := a.childConfig(params)
	childID := agent.Ident(uuid.NewString())
	child, err := Create(ctx, childID, cfg, a.deps)
	if err != nil {
		return TaskResult{Status: TaskError}, err
	}
	a.mu.Lock()
	lineage := append([]agent.Ident(nil), a.lineage...)
	a.mu.Unlock()
	child.mu.Lock()
	child.lineage = append(lineage, a.id)
	child.mu.Unlock()
	if err := child.persistMeta(ctx); err != nil {
		_ = child.Close()
		return TaskResult{Status: TaskError}, err
	}
	a.deps.Logger.Info(ctx, "task delegated",
		"parent", a.id.String(), "child", childID.String(),
		"template", params.TemplateID, "call", params.CallID)

	var forward func()
	if !params.Quiet {
		forward, err = a.forwardChildEvents(ctx, child)
		if err != nil {
			_ = child.Close()
			return TaskResult{Status: TaskError}, err
		}
	}

	res, runErr := child.Run(ctx, params.Prompt)
	if forward != nil {
		forward()
	}
	if runErr != nil {
		_ = child.Close()
		return TaskResult{Status: TaskError, AgentID: childID}, runErr
	}
	if res.StopReason == agent.StopAwaitingApproval {
		return TaskResult{
			Status:           TaskPaused,
			Text:             res.Response,
			AgentID:          childID,
			PendingApprovals: res.PendingApprovals,
			Agent:            child,
		}, nil
	}
	_ = child.Close()
	if !res.Success {
		return TaskResult{Status: TaskError, Text: res.Response, AgentID: childID}, res.Err
	}
	return TaskResult{Status: TaskOK, Text: res.Response, AgentID: childID}, nil
}

// childConfig derives the effective child configuration from the template,
// the parent config, and the delegation overrides.
func (a *Agent) childConfig(params TaskParams) Config {
	cfg := a.cfg
	if params.TemplateID != "" {
		if tmpl, ok := a.cfg.Subagents.Templates[params.TemplateID]; ok {
			tmpl.Subagents = a.cfg.Subagents
			cfg = tmpl
		}
	}
	cfg.TemplateID = params.TemplateID
	if params.Tools != nil {
		cfg.Tools = params.Tools
	}
	if params.Model != "" {
		cfg.Model = params.Model
	}
	if p := a.cfg.Subagents.Overrides.Permission; p != nil {
		cfg.Permissions = *p
	}
	return cfg
}

// forwardChildEvents mirrors the child's progress and control events onto the
// parent monitor channel. The returned func stops forwarding after draining
// what the child already emitted.
func (a *Agent) forwardChildEvents(ctx context.Context, child *Agent) (func(), error) {
	sub, err := child.Subscribe(ctx, events.SubscribeOptions{
		Channels: []events.Channel{events.ChannelProgress, events.ChannelControl},
	})
	if err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for env := range sub.C {
			a.forwardChildEvent(ctx, child.ID(), env)
		}
	}()
	return func() {
		sub.Drain()
		wg.Wait()
	}, nil
}

func (a *Agent) forwardChildEvent(ctx context.Context, childID agent.Ident, env events.Envelope) {
	switch ev := env.Event.(type) {
	case *events.TextChunk:
		a.emit(ctx, events.NewSubagentDelta(childID, ev.Text))
	case *events.ThinkChunk:
		a.emit(ctx, events.NewSubagentThinking(childID, ev.Text))
	case *events.ToolStart:
		a.emit(ctx, events.NewSubagentToolStart(childID, ev.CallID, ev.Name))
	case *events.ToolEnd:
		a.emit(ctx, events.NewSubagentToolEnd(childID, ev.CallID, ev.Name))
	case *events.PermissionRequired:
		a.emit(ctx, events.NewSubagentPermissionRequired(childID, ev.Call))
	}
}
