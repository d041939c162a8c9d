// Package model provides the provider-agnostic abstraction over streaming
// chat completion APIs. It defines the normalized request/chunk types the
// runtime exchanges with provider adapters (Anthropic, OpenAI, Bedrock, ...)
// so the core never couples to a specific SDK or wire protocol.
package model

import (
	"context"
	"errors"

	"goa.design/agentcore/agent/message"
)

type (
	// Client is the contract the runtime uses to invoke models. Implementations
	// wrap provider SDKs and translate Request and Chunk to provider-specific
	// formats. Clients must be thread-safe and reusable across steps.
	Client interface {
		// Complete sends a non-streaming completion request. The runtime uses
		// it for auxiliary calls such as context compression summaries.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental chunks. The returned Streamer must be closed by the
		// caller. Providers without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Streamers are driven from a single
	// goroutine and release underlying resources on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered transcript sent to the model.
		Messages []message.Message
		// SystemPrompt is the system instruction, empty for none.
		SystemPrompt string
		// Tools describes the tool schemas exposed for function calling.
		// Empty when the model must answer in prose only.
		Tools []ToolDefinition
		// MaxTokens caps completion tokens; zero means provider default.
		MaxTokens int
		// Temperature controls sampling temperature.
		Temperature float32
		// EnableThinking asks the provider to emit thinking deltas when the
		// model supports reflective chains.
		EnableThinking bool
		// ThinkingBudget caps tokens spent on thinking output; zero means
		// provider default.
		ThinkingBudget int
	}

	// Response is a non-streaming completion result.
	Response struct {
		// Message is the assistant message produced by the model.
		Message message.Message
		// Usage reports token consumption when the provider supplies it.
		Usage TokenUsage
		// StopReason explains why generation stopped.
		StopReason StopReason
	}

	// ToolDefinition describes one tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema object describing tool arguments.
		InputSchema map[string]any
	}

	// ChunkType discriminates streaming chunk variants.
	ChunkType string

	// Chunk is a single streaming event emitted by the provider. The Type
	// value indicates which fields are populated.
	Chunk struct {
		// Type is the chunk kind.
		Type ChunkType
		// Text carries the delta for TextDelta and ThinkingDelta chunks.
		Text string
		// ToolID identifies the tool use for ToolUseStart, ToolUseInputDelta
		// and ToolUseComplete chunks.
		ToolID string
		// ToolName is the tool name, set on ToolUseStart.
		ToolName string
		// InputDelta is the partial tool input JSON, set on ToolUseInputDelta.
		InputDelta string
		// StopReason explains termination, set on MessageStop.
		StopReason StopReason
		// Usage reports final token usage, set on MessageStop.
		Usage TokenUsage
	}

	// StopReason is the provider-reported reason generation stopped.
	StopReason string

	// TokenUsage records prompt and completion token counts.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and transcript.
		InputTokens int `json:"inputTokens"`
		// OutputTokens counts tokens produced by this completion.
		OutputTokens int `json:"outputTokens"`
	}
)

// Chunk type values.
const (
	ChunkTextDelta         ChunkType = "text_delta"
	ChunkThinkingDelta     ChunkType = "thinking_delta"
	ChunkToolUseStart      ChunkType = "tool_use_start"
	ChunkToolUseInputDelta ChunkType = "tool_use_input_delta"
	ChunkToolUseComplete   ChunkType = "tool_use_complete"
	ChunkMessageStop       ChunkType = "message_stop"
)

// Stop reason values.
const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Adapters map provider-specific 429 signals to this sentinel so
// middleware can react uniformly.
var ErrRateLimited = errors.New("model: rate limited")

// Total returns InputTokens + OutputTokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// Add returns the element-wise sum of two usage reports.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}
