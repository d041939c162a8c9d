// Package message defines the conversation transcript model: messages with
// tagged content blocks (text, thinking, tool_use, tool_result) and the
// helpers the runtime uses to reason about the transcript (safe fork points,
// dangling tool uses, orphaned tool results).
//
// Blocks use a discriminator field plus per-variant fields. Unknown
// discriminators degrade to a block that preserves the raw JSON instead of
// failing the decode, so transcripts written by newer runtimes stay readable.
package message

import (
	"encoding/json"
	"strings"
)

type (
	// Role identifies the author of a message.
	Role string

	// BlockType discriminates content block variants.
	BlockType string

	// Message is one entry in the conversation transcript. Messages are
	// append-only during a run; compression replaces a prefix with a single
	// synthesized user summary block.
	Message struct {
		// Role is the message author: system, user, or assistant.
		Role Role `json:"role"`
		// Content holds the ordered content blocks.
		Content []Block `json:"content"`
	}

	// Block is a tagged content block. Exactly one variant's fields are
	// populated according to Type. Blocks with an unrecognized Type keep the
	// original JSON in Raw and round-trip unchanged.
	Block struct {
		// Type discriminates the variant: text, thinking, tool_use,
		// tool_result, or an unknown value preserved as-is.
		Type BlockType `json:"type"`
		// Text is the block text for text and thinking variants.
		Text string `json:"text,omitempty"`
		// ID is the tool-use identifier for tool_use blocks.
		ID string `json:"id,omitempty"`
		// Name is the tool name for tool_use blocks.
		Name string `json:"name,omitempty"`
		// Input carries the tool arguments for tool_use blocks.
		Input map[string]any `json:"input,omitempty"`
		// ToolUseID links a tool_result block to its originating tool_use.
		ToolUseID string `json:"tool_use_id,omitempty"`
		// Content is the result payload for tool_result blocks.
		Content string `json:"content,omitempty"`
		// IsError marks a tool_result as an error outcome.
		IsError bool `json:"is_error,omitempty"`
		// Raw preserves the original JSON for unknown block types.
		Raw json.RawMessage `json:"-"`
	}
)

// Roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block types.
const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// orphanPrefix is the literal prefix applied when an orphaned tool result is
// demoted to a text block. Repair code and tests match on it.
const orphanPrefix = "[tool_result orphaned]"

// NewText constructs a message with a single text block.
func NewText(role Role, text string) Message {
	return Message{Role: role, Content: []Block{TextBlock(text)}}
}

// TextBlock constructs a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ThinkingBlock constructs a thinking content block.
func ThinkingBlock(text string) Block {
	return Block{Type: BlockThinking, Text: text}
}

// ToolUseBlock constructs a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock constructs a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// OrphanTextBlock renders the demoted text form of an orphaned tool result.
// The conversion is idempotent: a block already carrying the orphan prefix is
// left alone by repair passes.
func OrphanTextBlock(toolUseID, content string, isError bool) Block {
	var b strings.Builder
	b.WriteString(orphanPrefix)
	b.WriteString(" tool_use_id=")
	b.WriteString(toolUseID)
	if isError {
		b.WriteString(" (error)")
	}
	b.WriteString("\n")
	const maxContent = 1400
	if len(content) > maxContent {
		content = content[:maxContent]
	}
	b.WriteString(content)
	return TextBlock(b.String())
}

// IsOrphanText reports whether the block is the demoted text form of an
// orphaned tool result.
func IsOrphanText(b Block) bool {
	return b.Type == BlockText && strings.HasPrefix(b.Text, orphanPrefix)
}

// Text concatenates the text blocks of the message, ignoring thinking and
// tool blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Content {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []Block {
	var uses []Block
	for _, blk := range m.Content {
		if blk.Type == BlockToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}

// HasToolUse reports whether the message contains at least one tool_use block.
func (m Message) HasToolUse() bool {
	for _, blk := range m.Content {
		if blk.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// MarshalJSON emits the block's canonical wire form. Unknown block types emit
// the preserved raw JSON unchanged.
func (b Block) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 && !knownBlockType(b.Type) {
		return b.Raw, nil
	}
	type alias Block
	return json.Marshal(alias(b))
}

// UnmarshalJSON decodes a block, preserving raw JSON for unknown types.
func (b *Block) UnmarshalJSON(data []byte) error {
	type alias Block
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = Block(a)
	if !knownBlockType(b.Type) {
		b.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func knownBlockType(t BlockType) bool {
	switch t {
	case BlockText, BlockThinking, BlockToolUse, BlockToolResult:
		return true
	default:
		return false
	}
}

// LastSafeForkPoint returns the index of the last message at which forking
// produces a coherent child transcript: the last user message or the last
// assistant message containing no tool_use block. Returns -1 when the
// transcript holds no such message.
func LastSafeForkPoint(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Role {
		case RoleUser:
			return i
		case RoleAssistant:
			if !msgs[i].HasToolUse() {
				return i
			}
		}
	}
	return -1
}

// DanglingToolUses returns the tool_use blocks that have no matching
// tool_result in any subsequent message, in transcript order.
func DanglingToolUses(msgs []Message) []Block {
	resolved := make(map[string]struct{})
	for _, m := range msgs {
		for _, blk := range m.Content {
			if blk.Type == BlockToolResult && blk.ToolUseID != "" {
				resolved[blk.ToolUseID] = struct{}{}
			}
		}
	}
	var dangling []Block
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			continue
		}
		for _, blk := range m.Content {
			if blk.Type != BlockToolUse || blk.ID == "" {
				continue
			}
			if _, ok := resolved[blk.ID]; !ok {
				dangling = append(dangling, blk)
			}
		}
	}
	return dangling
}

// Clone returns a deep copy of the message slice. Stores and snapshots copy
// defensively so callers cannot mutate persisted state.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	cp := Message{Role: m.Role}
	if m.Content != nil {
		cp.Content = make([]Block, len(m.Content))
		for i, blk := range m.Content {
			cp.Content[i] = blk.Clone()
		}
	}
	return cp
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	cp := b
	if b.Input != nil {
		cp.Input = make(map[string]any, len(b.Input))
		for k, v := range b.Input {
			cp.Input[k] = v
		}
	}
	if b.Raw != nil {
		cp.Raw = append(json.RawMessage(nil), b.Raw...)
	}
	return cp
}
