package runtime

import (
	"context"

	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/tools"
)

// autoSealDanglingToolUses retires tool_use blocks that never received a
// tool_result: each gets its record sealed with a structured payload and a
// synthesized error tool result appended to the transcript. The pass is
// idempotent since a sealed use gains a result and stops being dangling.
func (a *Agent) autoSealDanglingToolUses(ctx context.Context, note string) ([]*tools.Record, error) {
	a.mu.Lock()
	dangling := message.DanglingToolUses(a.messages)
	if len(dangling) == 0 {
		a.mu.Unlock()
		return nil, nil
	}

	sealed := make([]*tools.Record, 0, len(dangling))
	blocks := make([]message.Block, 0, len(dangling))
	for _, use := range dangling {
		rec, ok := a.records[use.ID]
		if !ok {
			rec = tools.NewRecord(use.ID, use.Name, use.Input)
			a.records[use.ID] = rec
			a.recOrder = append(a.recOrder, use.ID)
		}
		payload := tools.SealPayload(rec.State, note, rec.ID)
		rec.Seal(payload)
		sealed = append(sealed, rec.Clone())
		// A record that was already terminal keeps its own error text; one
		// that completed without a persisted result gets the seal payload.
		content := rec.Error
		if content == "" {
			content = payload
		}
		blocks = append(blocks, message.ToolResultBlock(use.ID, content, true))
	}
	a.messages = append(a.messages, message.Message{Role: message.RoleUser, Content: blocks})
	snapshot := message.Clone(a.messages)
	a.mu.Unlock()

	a.hookReg.MessagesChanged(ctx, snapshot)
	if err := a.persistRecords(ctx); err != nil {
		return sealed, err
	}
	if err := a.persistMessages(ctx); err != nil {
		return sealed, err
	}
	return sealed, nil
}

// sanitizeOrphanToolResults demotes user tool_result blocks whose tool_use
// was compressed or forked away into plain text blocks, preserving the
// payload. Already-demoted blocks are left alone.
func (a *Agent) sanitizeOrphanToolResults(ctx context.Context) error {
	a.mu.Lock()
	known := make(map[string]struct{})
	converted := 0
	for i := range a.messages {
		msg := &a.messages[i]
		if msg.Role == message.RoleAssistant {
			for _, blk := range msg.Content {
				if blk.Type == message.BlockToolUse && blk.ID != "" {
					known[blk.ID] = struct{}{}
				}
			}
			continue
		}
		if msg.Role != message.RoleUser {
			continue
		}
		for j, blk := range msg.Content {
			if blk.Type != message.BlockToolResult {
				continue
			}
			if _, ok := known[blk.ToolUseID]; ok {
				continue
			}
			msg.Content[j] = message.OrphanTextBlock(blk.ToolUseID, blk.Content, blk.IsError)
			converted++
		}
	}
	a.mu.Unlock()

	if converted == 0 {
		return nil
	}
	a.emit(ctx, events.NewContextRepair("orphan_tool_result", converted))
	return a.persistMessages(ctx)
}
