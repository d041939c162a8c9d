package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastSafeForkPoint(t *testing.T) {
	msgs := []Message{
		NewText(RoleUser, "do the thing"),
		{Role: RoleAssistant, Content: []Block{
			TextBlock("on it"),
			ToolUseBlock("c1", "bash", map[string]any{"cmd": "ls"}),
		}},
		{Role: RoleUser, Content: []Block{ToolResultBlock("c1", "ok", false)}},
		NewText(RoleAssistant, "all done"),
	}
	require.Equal(t, 3, LastSafeForkPoint(msgs), "final assistant answer is safe")
	require.Equal(t, 2, LastSafeForkPoint(msgs[:3]), "tool-result user message is safe")
	require.Equal(t, 0, LastSafeForkPoint(msgs[:2]), "assistant with tool_use is not safe")
	require.Equal(t, -1, LastSafeForkPoint(nil))
	require.Equal(t, -1, LastSafeForkPoint([]Message{NewText(RoleSystem, "prompt")}))
}

func TestDanglingToolUses(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Content: []Block{
			ToolUseBlock("c1", "bash", nil),
			ToolUseBlock("c2", "search", nil),
		}},
		{Role: RoleUser, Content: []Block{ToolResultBlock("c1", "ok", false)}},
	}
	dangling := DanglingToolUses(msgs)
	require.Len(t, dangling, 1)
	require.Equal(t, "c2", dangling[0].ID)

	msgs = append(msgs, Message{Role: RoleUser, Content: []Block{ToolResultBlock("c2", "late", false)}})
	require.Empty(t, DanglingToolUses(msgs))
}

func TestOrphanTextBlockIsIdempotentMarker(t *testing.T) {
	blk := OrphanTextBlock("c9", "partial output", true)
	require.Equal(t, BlockText, blk.Type)
	require.True(t, IsOrphanText(blk))
	require.Contains(t, blk.Text, "c9")
	require.Contains(t, blk.Text, "(error)")
	require.Contains(t, blk.Text, "partial output")
	require.False(t, IsOrphanText(TextBlock("plain text")))
}

func TestOrphanTextBlockTruncatesLongContent(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	blk := OrphanTextBlock("c1", string(long), false)
	require.Less(t, len(blk.Text), 2000)
}

func TestCloneIsDeep(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Content: []Block{ToolUseBlock("c1", "bash", map[string]any{"cmd": "ls"})}},
	}
	cp := Clone(msgs)
	cp[0].Content[0].Input["cmd"] = "rm"
	cp[0].Content = append(cp[0].Content, TextBlock("extra"))
	require.Equal(t, "ls", msgs[0].Content[0].Input["cmd"])
	require.Len(t, msgs[0].Content, 1)
	require.Nil(t, Clone(nil))
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: []Block{
		TextBlock("hello"),
		ThinkingBlock("hmm"),
		ToolUseBlock("c1", "bash", map[string]any{"cmd": "ls"}),
		ToolResultBlock("c0", "prior", true),
	}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, msg.Role, decoded.Role)
	require.Len(t, decoded.Content, 4)
	require.Equal(t, BlockToolUse, decoded.Content[2].Type)
	require.Equal(t, "c1", decoded.Content[2].ID)
	require.True(t, decoded.Content[3].IsError)
}

func TestUnknownBlockTypeRoundTrips(t *testing.T) {
	raw := []byte(`{"role":"assistant","content":[{"type":"image","source":{"kind":"base64","data":"AAAA"}}]}`)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Len(t, msg.Content, 1)
	require.Equal(t, BlockType("image"), msg.Content[0].Type)
	require.NotEmpty(t, msg.Content[0].Raw)

	reencoded, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(reencoded))
}

func TestTextConcatenatesTextBlocksOnly(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: []Block{
		ThinkingBlock("thinking..."),
		TextBlock("one "),
		ToolUseBlock("c1", "bash", nil),
		TextBlock("two"),
	}}
	require.Equal(t, "one two", msg.Text())
}
