// Package events defines the agent event model: three logical channels
// (progress, control, monitor), durable envelopes carrying a strictly
// increasing cursor and a bookmark, and the per-agent Bus that assigns
// cursors, persists envelopes to a timeline, and fans them out to
// subscribers.
//
// Progress events are client-facing updates (text chunks, tool progress,
// completion). Control events require an external reaction (permission
// requests and decisions). Monitor events provide internal observability
// (state transitions, token usage, repairs, scheduler fires).
package events

import (
	"time"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/tools"
)

type (
	// Channel identifies one of the three logical event channels.
	Channel string

	// Bookmark is a durable cursor into the event timeline. Seq values are
	// strictly monotonic within a process lifetime; across restarts the bus
	// is seeded from persisted meta so the combined sequence keeps
	// increasing.
	Bookmark struct {
		// Seq is the monotonically increasing sequence number.
		Seq int64 `json:"seq"`
		// Timestamp is the emission time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
	}

	// Event is a single agent event. Concrete types embed Base; consumers
	// type-assert for structured access or match on Type for routing.
	Event interface {
		// Channel returns the logical channel the event belongs to.
		Channel() Channel
		// Type returns the event type string (e.g. "tool:start").
		Type() string
		// Bookmark returns the bookmark assigned at emission. The value is a
		// redundant copy of the envelope bookmark for consumers that only see
		// the inner event.
		Bookmark() Bookmark

		setBookmark(Bookmark)
	}

	// Envelope is the persisted wire form of an event: the cursor, the
	// bookmark, and the event itself.
	Envelope struct {
		// Cursor is the per-agent strictly increasing sequence number.
		Cursor int64 `json:"cursor"`
		// Bookmark is the durable cursor assigned at emission; Seq == Cursor.
		Bookmark Bookmark `json:"bookmark"`
		// Event is the emitted event.
		Event Event `json:"event"`
	}

	// Base provides the shared event fields and implements the Event
	// interface. Concrete event types embed it by pointer use.
	Base struct {
		// Ch is the logical channel.
		Ch Channel `json:"channel"`
		// EventType is the event type string.
		EventType string `json:"type"`
		// BM is the bookmark assigned at emission.
		BM Bookmark `json:"bookmark"`
	}
)

// Channels.
const (
	ChannelProgress Channel = "progress"
	ChannelControl  Channel = "control"
	ChannelMonitor  Channel = "monitor"
)

// Channel implements Event.
func (b *Base) Channel() Channel { return b.Ch }

// Type implements Event.
func (b *Base) Type() string { return b.EventType }

// Bookmark implements Event.
func (b *Base) Bookmark() Bookmark { return b.BM }

func (b *Base) setBookmark(bm Bookmark) { b.BM = bm }

// After reports whether b was assigned after o.
func (b Bookmark) After(o Bookmark) bool { return b.Seq > o.Seq }

// Time returns the bookmark timestamp as a time.Time.
func (b Bookmark) Time() time.Time { return time.UnixMilli(b.Timestamp) }

// Progress channel events.
type (
	// TextChunkStart marks the beginning of a streamed text block.
	TextChunkStart struct {
		Base
	}

	// TextChunk carries one streamed text delta.
	TextChunk struct {
		Base
		// Text is the delta content.
		Text string `json:"text"`
	}

	// TextChunkEnd marks the end of a streamed text block.
	TextChunkEnd struct {
		Base
	}

	// ThinkChunkStart marks the beginning of a streamed thinking block. Only
	// emitted when the agent exposes thinking.
	ThinkChunkStart struct {
		Base
	}

	// ThinkChunk carries one streamed thinking delta.
	ThinkChunk struct {
		Base
		// Text is the delta content.
		Text string `json:"text"`
	}

	// ThinkChunkEnd marks the end of a streamed thinking block.
	ThinkChunkEnd struct {
		Base
	}

	// ToolStart announces that a tool call entered the execution pipeline.
	// Every ToolStart is eventually followed by a ToolEnd for the same call.
	ToolStart struct {
		Base
		// CallID is the tool-use identifier.
		CallID string `json:"callId"`
		// Name is the tool name.
		Name string `json:"name"`
	}

	// ToolEnd announces that a tool call left the execution pipeline,
	// whatever the outcome.
	ToolEnd struct {
		Base
		// CallID is the tool-use identifier.
		CallID string `json:"callId"`
		// Name is the tool name.
		Name string `json:"name"`
	}

	// ToolError reports a failed or invalid tool call.
	ToolError struct {
		Base
		// CallID is the tool-use identifier.
		CallID string `json:"callId"`
		// Name is the tool name.
		Name string `json:"name"`
		// Error is the failure message.
		Error string `json:"error"`
	}

	// Done marks the end of a step that produced a final answer or exhausted
	// the iteration budget.
	Done struct {
		Base
		// Step is the zero-based step counter at emission.
		Step int `json:"step"`
		// Reason is "completed" or "interrupted".
		Reason string `json:"reason"`
	}
)

// Control channel events.
type (
	// PermissionRequired asks an external actor to approve or deny a pending
	// tool call. The runtime pauses until a decision arrives.
	PermissionRequired struct {
		Base
		// Call is a snapshot of the tool-call record awaiting approval.
		Call *tools.Record `json:"call"`
	}

	// PermissionDecided reports the decision for a pending approval.
	PermissionDecided struct {
		Base
		// CallID identifies the decided call.
		CallID string `json:"callId"`
		// Decision is "allow" or "deny".
		Decision string `json:"decision"`
		// DecidedBy identifies the deciding actor.
		DecidedBy string `json:"decidedBy,omitempty"`
		// Note carries an optional decision note.
		Note string `json:"note,omitempty"`
	}
)

// Monitor channel events.
type (
	// StateChanged reports a runtime state transition.
	StateChanged struct {
		Base
		// From is the previous state.
		From agent.RuntimeState `json:"from"`
		// To is the new state.
		To agent.RuntimeState `json:"to"`
	}

	// BreakpointChanged reports a breakpoint transition.
	BreakpointChanged struct {
		Base
		// From is the previous breakpoint.
		From agent.Breakpoint `json:"from"`
		// To is the new breakpoint.
		To agent.Breakpoint `json:"to"`
	}

	// TokenUsage reports token consumption for one model call.
	TokenUsage struct {
		Base
		// InputTokens counts prompt tokens.
		InputTokens int `json:"inputTokens"`
		// OutputTokens counts completion tokens.
		OutputTokens int `json:"outputTokens"`
		// TotalTokens is InputTokens + OutputTokens.
		TotalTokens int `json:"totalTokens"`
	}

	// StepComplete reports the completion of one step.
	StepComplete struct {
		Base
		// Step is the step counter after the step completed.
		Step int `json:"step"`
		// DurationMs is the wall-clock step duration.
		DurationMs int64 `json:"durationMs"`
	}

	// Error reports a non-fatal runtime error for observability.
	Error struct {
		Base
		// Severity is "warn" or "error".
		Severity string `json:"severity"`
		// Phase names the failing phase: "model", "tool", or "system".
		Phase string `json:"phase"`
		// Message is the error message.
		Message string `json:"message"`
	}

	// StorageFailure reports that event persistence failed and the envelope
	// was buffered in memory. Best-effort: when storage is still down this
	// event only reaches in-process subscribers.
	StorageFailure struct {
		Base
		// Op names the failing storage operation.
		Op string `json:"op"`
		// Error is the failure message.
		Error string `json:"error"`
	}

	// ContextCompression brackets a context compression pass. Emitted
	// symmetrically with Phase "start" then "end".
	ContextCompression struct {
		Base
		// Phase is "start" or "end".
		Phase string `json:"phase"`
		// Summary is the synthesized summary text, set on "end".
		Summary string `json:"summary,omitempty"`
		// Ratio is retained/original message count, set on "end".
		Ratio float64 `json:"ratio,omitempty"`
	}

	// ContextRepair reports a defensive transcript repair.
	ContextRepair struct {
		Base
		// Reason names the repair: "orphan_tool_result".
		Reason string `json:"reason"`
		// Converted counts the blocks converted by this pass.
		Converted int `json:"converted"`
	}

	// SchedulerTriggered reports a scheduler trigger fire.
	SchedulerTriggered struct {
		Base
		// TaskID identifies the trigger.
		TaskID string `json:"taskId"`
		// Spec is the trigger specification in string form.
		Spec string `json:"spec"`
		// Kind is "steps", "time", or "cron".
		Kind string `json:"kind"`
		// TriggeredAt is the fire time in Unix milliseconds.
		TriggeredAt int64 `json:"triggeredAt"`
	}

	// SkillActivated reports the activation of a skill.
	SkillActivated struct {
		Base
		// Skill is the activated skill name.
		Skill string `json:"skill"`
		// ActivatedBy names the activation source ("model", "config", ...).
		ActivatedBy string `json:"activatedBy"`
	}

	// AgentResumed reports a successful resume from the store.
	AgentResumed struct {
		Base
		// Strategy is the resume strategy, e.g. "crash".
		Strategy string `json:"strategy"`
		// Sealed snapshots the tool-call records sealed during recovery.
		Sealed []*tools.Record `json:"sealed,omitempty"`
	}

	// AgentRecovered reports a recovery from an inconsistent persisted state.
	AgentRecovered struct {
		Base
		// Reason names the inconsistency, e.g. "stale_awaiting_approval".
		Reason string `json:"reason"`
	}

	// ToolExecuted reports a successful tool execution.
	ToolExecuted struct {
		Base
		// CallID is the tool-use identifier.
		CallID string `json:"callId"`
		// Name is the tool name.
		Name string `json:"name"`
		// DurationMs is the execution wall-clock time.
		DurationMs int64 `json:"durationMs"`
	}

	// SubagentDelta forwards a child agent's streamed text to the parent.
	SubagentDelta struct {
		Base
		// AgentID identifies the child agent.
		AgentID agent.Ident `json:"agentId"`
		// Text is the forwarded delta.
		Text string `json:"text"`
	}

	// SubagentThinking forwards a child agent's thinking delta to the parent.
	SubagentThinking struct {
		Base
		// AgentID identifies the child agent.
		AgentID agent.Ident `json:"agentId"`
		// Text is the forwarded delta.
		Text string `json:"text"`
	}

	// SubagentToolStart forwards a child agent's tool start to the parent.
	SubagentToolStart struct {
		Base
		// AgentID identifies the child agent.
		AgentID agent.Ident `json:"agentId"`
		// CallID is the child tool-use identifier.
		CallID string `json:"callId"`
		// Name is the tool name.
		Name string `json:"name"`
	}

	// SubagentToolEnd forwards a child agent's tool end to the parent.
	SubagentToolEnd struct {
		Base
		// AgentID identifies the child agent.
		AgentID agent.Ident `json:"agentId"`
		// CallID is the child tool-use identifier.
		CallID string `json:"callId"`
		// Name is the tool name.
		Name string `json:"name"`
	}

	// SubagentPermissionRequired forwards a child agent's approval request to
	// the parent's monitor channel.
	SubagentPermissionRequired struct {
		Base
		// AgentID identifies the child agent.
		AgentID agent.Ident `json:"agentId"`
		// Call snapshots the child tool-call record awaiting approval.
		Call *tools.Record `json:"call"`
	}

	// Unknown preserves an event whose type string is not recognized by this
	// runtime version. Unknown events round-trip unchanged instead of being
	// dropped.
	Unknown struct {
		Base
		// Raw is the original event JSON.
		Raw []byte `json:"-"`
	}
)

// Event type strings.
const (
	TypeTextChunkStart  = "text_chunk_start"
	TypeTextChunk       = "text_chunk"
	TypeTextChunkEnd    = "text_chunk_end"
	TypeThinkChunkStart = "think_chunk_start"
	TypeThinkChunk      = "think_chunk"
	TypeThinkChunkEnd   = "think_chunk_end"
	TypeToolStart       = "tool:start"
	TypeToolEnd         = "tool:end"
	TypeToolError       = "tool:error"
	TypeDone            = "done"

	TypePermissionRequired = "permission_required"
	TypePermissionDecided  = "permission_decided"

	TypeStateChanged       = "state_changed"
	TypeBreakpointChanged  = "breakpoint_changed"
	TypeTokenUsage         = "token_usage"
	TypeStepComplete       = "step_complete"
	TypeError              = "error"
	TypeStorageFailure     = "storage_failure"
	TypeContextCompression = "context_compression"
	TypeContextRepair      = "context_repair"
	TypeSchedulerTriggered = "scheduler_triggered"
	TypeSkillActivated     = "skill_activated"
	TypeAgentResumed       = "agent_resumed"
	TypeAgentRecovered     = "agent_recovered"
	TypeToolExecuted       = "tool_executed"

	TypeSubagentDelta              = "subagent.delta"
	TypeSubagentThinking           = "subagent.thinking"
	TypeSubagentToolStart          = "subagent.tool_start"
	TypeSubagentToolEnd            = "subagent.tool_end"
	TypeSubagentPermissionRequired = "subagent.permission_required"
)

// Done reasons.
const (
	DoneCompleted   = "completed"
	DoneInterrupted = "interrupted"
)

func newBase(ch Channel, typ string) Base {
	return Base{Ch: ch, EventType: typ}
}

// NewTextChunkStart constructs a text_chunk_start progress event.
func NewTextChunkStart() *TextChunkStart {
	return &TextChunkStart{Base: newBase(ChannelProgress, TypeTextChunkStart)}
}

// NewTextChunk constructs a text_chunk progress event.
func NewTextChunk(text string) *TextChunk {
	return &TextChunk{Base: newBase(ChannelProgress, TypeTextChunk), Text: text}
}

// NewTextChunkEnd constructs a text_chunk_end progress event.
func NewTextChunkEnd() *TextChunkEnd {
	return &TextChunkEnd{Base: newBase(ChannelProgress, TypeTextChunkEnd)}
}

// NewThinkChunkStart constructs a think_chunk_start progress event.
func NewThinkChunkStart() *ThinkChunkStart {
	return &ThinkChunkStart{Base: newBase(ChannelProgress, TypeThinkChunkStart)}
}

// NewThinkChunk constructs a think_chunk progress event.
func NewThinkChunk(text string) *ThinkChunk {
	return &ThinkChunk{Base: newBase(ChannelProgress, TypeThinkChunk), Text: text}
}

// NewThinkChunkEnd constructs a think_chunk_end progress event.
func NewThinkChunkEnd() *ThinkChunkEnd {
	return &ThinkChunkEnd{Base: newBase(ChannelProgress, TypeThinkChunkEnd)}
}

// NewToolStart constructs a tool:start progress event.
func NewToolStart(callID, name string) *ToolStart {
	return &ToolStart{Base: newBase(ChannelProgress, TypeToolStart), CallID: callID, Name: name}
}

// NewToolEnd constructs a tool:end progress event.
func NewToolEnd(callID, name string) *ToolEnd {
	return &ToolEnd{Base: newBase(ChannelProgress, TypeToolEnd), CallID: callID, Name: name}
}

// NewToolError constructs a tool:error progress event.
func NewToolError(callID, name, msg string) *ToolError {
	return &ToolError{Base: newBase(ChannelProgress, TypeToolError), CallID: callID, Name: name, Error: msg}
}

// NewDone constructs a done progress event.
func NewDone(step int, reason string) *Done {
	return &Done{Base: newBase(ChannelProgress, TypeDone), Step: step, Reason: reason}
}

// NewPermissionRequired constructs a permission_required control event.
func NewPermissionRequired(call *tools.Record) *PermissionRequired {
	return &PermissionRequired{Base: newBase(ChannelControl, TypePermissionRequired), Call: call}
}

// NewPermissionDecided constructs a permission_decided control event.
func NewPermissionDecided(callID, decision, decidedBy, note string) *PermissionDecided {
	return &PermissionDecided{
		Base:      newBase(ChannelControl, TypePermissionDecided),
		CallID:    callID,
		Decision:  decision,
		DecidedBy: decidedBy,
		Note:      note,
	}
}

// NewStateChanged constructs a state_changed monitor event.
func NewStateChanged(from, to agent.RuntimeState) *StateChanged {
	return &StateChanged{Base: newBase(ChannelMonitor, TypeStateChanged), From: from, To: to}
}

// NewBreakpointChanged constructs a breakpoint_changed monitor event.
func NewBreakpointChanged(from, to agent.Breakpoint) *BreakpointChanged {
	return &BreakpointChanged{Base: newBase(ChannelMonitor, TypeBreakpointChanged), From: from, To: to}
}

// NewTokenUsage constructs a token_usage monitor event.
func NewTokenUsage(u model.TokenUsage) *TokenUsage {
	return &TokenUsage{
		Base:         newBase(ChannelMonitor, TypeTokenUsage),
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.Total(),
	}
}

// NewStepComplete constructs a step_complete monitor event.
func NewStepComplete(step int, duration time.Duration) *StepComplete {
	return &StepComplete{Base: newBase(ChannelMonitor, TypeStepComplete), Step: step, DurationMs: duration.Milliseconds()}
}

// NewError constructs an error monitor event.
func NewError(severity, phase, msg string) *Error {
	return &Error{Base: newBase(ChannelMonitor, TypeError), Severity: severity, Phase: phase, Message: msg}
}

// NewStorageFailure constructs a storage_failure monitor event.
func NewStorageFailure(op, msg string) *StorageFailure {
	return &StorageFailure{Base: newBase(ChannelMonitor, TypeStorageFailure), Op: op, Error: msg}
}

// NewContextCompression constructs a context_compression monitor event.
func NewContextCompression(phase, summary string, ratio float64) *ContextCompression {
	return &ContextCompression{Base: newBase(ChannelMonitor, TypeContextCompression), Phase: phase, Summary: summary, Ratio: ratio}
}

// NewContextRepair constructs a context_repair monitor event.
func NewContextRepair(reason string, converted int) *ContextRepair {
	return &ContextRepair{Base: newBase(ChannelMonitor, TypeContextRepair), Reason: reason, Converted: converted}
}

// NewSchedulerTriggered constructs a scheduler_triggered monitor event.
func NewSchedulerTriggered(taskID, spec, kind string, at time.Time) *SchedulerTriggered {
	return &SchedulerTriggered{
		Base:        newBase(ChannelMonitor, TypeSchedulerTriggered),
		TaskID:      taskID,
		Spec:        spec,
		Kind:        kind,
		TriggeredAt: at.UnixMilli(),
	}
}

// NewSkillActivated constructs a skill_activated monitor event.
func NewSkillActivated(skill, activatedBy string) *SkillActivated {
	return &SkillActivated{Base: newBase(ChannelMonitor, TypeSkillActivated), Skill: skill, ActivatedBy: activatedBy}
}

// NewAgentResumed constructs an agent_resumed monitor event.
func NewAgentResumed(strategy string, sealed []*tools.Record) *AgentResumed {
	return &AgentResumed{Base: newBase(ChannelMonitor, TypeAgentResumed), Strategy: strategy, Sealed: sealed}
}

// NewAgentRecovered constructs an agent_recovered monitor event.
func NewAgentRecovered(reason string) *AgentRecovered {
	return &AgentRecovered{Base: newBase(ChannelMonitor, TypeAgentRecovered), Reason: reason}
}

// NewToolExecuted constructs a tool_executed monitor event.
func NewToolExecuted(callID, name string, duration time.Duration) *ToolExecuted {
	return &ToolExecuted{Base: newBase(ChannelMonitor, TypeToolExecuted), CallID: callID, Name: name, DurationMs: duration.Milliseconds()}
}

// NewSubagentDelta constructs a subagent.delta monitor event.
func NewSubagentDelta(id agent.Ident, text string) *SubagentDelta {
	return &SubagentDelta{Base: newBase(ChannelMonitor, TypeSubagentDelta), AgentID: id, Text: text}
}

// NewSubagentThinking constructs a subagent.thinking monitor event.
func NewSubagentThinking(id agent.Ident, text string) *SubagentThinking {
	return &SubagentThinking{Base: newBase(ChannelMonitor, TypeSubagentThinking), AgentID: id, Text: text}
}

// NewSubagentToolStart constructs a subagent.tool_start monitor event.
func NewSubagentToolStart(id agent.Ident, callID, name string) *SubagentToolStart {
	return &SubagentToolStart{Base: newBase(ChannelMonitor, TypeSubagentToolStart), AgentID: id, CallID: callID, Name: name}
}

// NewSubagentToolEnd constructs a subagent.tool_end monitor event.
func NewSubagentToolEnd(id agent.Ident, callID, name string) *SubagentToolEnd {
	return &SubagentToolEnd{Base: newBase(ChannelMonitor, TypeSubagentToolEnd), AgentID: id, CallID: callID, Name: name}
}

// NewSubagentPermissionRequired constructs a subagent.permission_required
// monitor event.
func NewSubagentPermissionRequired(id agent.Ident, call *tools.Record) *SubagentPermissionRequired {
	return &SubagentPermissionRequired{Base: newBase(ChannelMonitor, TypeSubagentPermissionRequired), AgentID: id, Call: call}
}
