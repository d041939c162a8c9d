package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/agentcore/agent/message"
)

type (
	// Listener receives incremental notifications while a stream is drained.
	// All fields are optional; nil callbacks are skipped. Callbacks run on the
	// draining goroutine in chunk order.
	Listener struct {
		// TextStart fires before the first text delta of a text block.
		TextStart func()
		// TextDelta fires for each text delta.
		TextDelta func(delta string)
		// TextEnd fires after the last text delta of a text block.
		TextEnd func()
		// ThinkingStart fires before the first thinking delta.
		ThinkingStart func()
		// ThinkingDelta fires for each thinking delta.
		ThinkingDelta func(delta string)
		// ThinkingEnd fires after the last thinking delta.
		ThinkingEnd func()
	}

	// ToolUse is an aggregated tool invocation request collected from the
	// stream. Input holds the parsed arguments; when the accumulated input
	// JSON does not parse, Input is nil and InputErr records the cause so the
	// runtime can fail schema validation with a useful message.
	ToolUse struct {
		// ID is the provider-assigned tool use identifier.
		ID string
		// Name is the requested tool name.
		Name string
		// Input holds the parsed tool arguments.
		Input map[string]any
		// RawInput is the accumulated input JSON as streamed.
		RawInput string
		// InputErr records an input JSON parse failure, nil otherwise.
		InputErr error
	}

	// Aggregate is the result of draining a stream: the assembled assistant
	// message, collected tool uses, final usage, and the stop reason.
	Aggregate struct {
		// Message is the assistant message with text, thinking, and tool_use
		// blocks in stream order.
		Message message.Message
		// ToolUses lists the collected tool invocations in stream order.
		ToolUses []ToolUse
		// Usage is the final token usage reported on message stop.
		Usage TokenUsage
		// StopReason is the provider-reported termination reason.
		StopReason StopReason
	}

	// partial tracks one in-flight tool use while its input JSON streams in.
	partial struct {
		name  string
		input strings.Builder
	}
)

// Drain consumes the stream to completion, firing listener callbacks for text
// and thinking deltas, and returns the aggregated assistant turn. Drain
// closes the streamer before returning. The context is checked between chunks
// so cancellation interrupts long streams.
func Drain(ctx context.Context, s Streamer, l Listener) (Aggregate, error) {
	defer s.Close() //nolint:errcheck // stream close failures do not affect the aggregate

	var (
		agg      Aggregate
		text     strings.Builder
		thinking strings.Builder
		inText   bool
		inThink  bool
		partials = make(map[string]*partial)
		order    []string
	)
	flushText := func() {
		if inText {
			if l.TextEnd != nil {
				l.TextEnd()
			}
			agg.Message.Content = append(agg.Message.Content, message.TextBlock(text.String()))
			text.Reset()
			inText = false
		}
	}
	flushThinking := func() {
		if inThink {
			if l.ThinkingEnd != nil {
				l.ThinkingEnd()
			}
			agg.Message.Content = append(agg.Message.Content, message.ThinkingBlock(thinking.String()))
			thinking.Reset()
			inThink = false
		}
	}

	agg.Message.Role = message.RoleAssistant
	for {
		if err := ctx.Err(); err != nil {
			return agg, err
		}
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return agg, err
		}
		switch chunk.Type {
		case ChunkTextDelta:
			flushThinking()
			if !inText {
				inText = true
				if l.TextStart != nil {
					l.TextStart()
				}
			}
			text.WriteString(chunk.Text)
			if l.TextDelta != nil {
				l.TextDelta(chunk.Text)
			}
		case ChunkThinkingDelta:
			flushText()
			if !inThink {
				inThink = true
				if l.ThinkingStart != nil {
					l.ThinkingStart()
				}
			}
			thinking.WriteString(chunk.Text)
			if l.ThinkingDelta != nil {
				l.ThinkingDelta(chunk.Text)
			}
		case ChunkToolUseStart:
			flushText()
			flushThinking()
			partials[chunk.ToolID] = &partial{name: chunk.ToolName}
			order = append(order, chunk.ToolID)
		case ChunkToolUseInputDelta:
			if p, ok := partials[chunk.ToolID]; ok {
				p.input.WriteString(chunk.InputDelta)
			}
		case ChunkToolUseComplete:
			// Aggregation happens at the end so out-of-order completes are harmless.
		case ChunkMessageStop:
			agg.StopReason = chunk.StopReason
			agg.Usage = chunk.Usage
		default:
			// Unknown chunk kinds from newer providers are skipped.
		}
	}
	flushText()
	flushThinking()

	for _, id := range order {
		p := partials[id]
		use := ToolUse{ID: id, Name: p.name, RawInput: p.input.String()}
		raw := strings.TrimSpace(use.RawInput)
		if raw == "" {
			raw = "{}"
		}
		if err := json.Unmarshal([]byte(raw), &use.Input); err != nil {
			use.Input = nil
			use.InputErr = fmt.Errorf("tool %q input is not valid JSON: %w", p.name, err)
		}
		agg.Message.Content = append(agg.Message.Content, message.ToolUseBlock(id, p.name, use.Input))
		agg.ToolUses = append(agg.ToolUses, use)
	}
	return agg, nil
}
