// Command demo runs one self-contained agent turn: a scripted model provider
// that requests a clock tool and then streams a final answer, an in-memory
// store, and a progress subscription printed to stdout. No API keys or
// external services are required.
package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/runtime"
	"goa.design/agentcore/agent/store/inmem"
	"goa.design/agentcore/agent/tools"
)

// clockTool reports the current time. It is the demo's only capability.
type clockTool struct{}

func (clockTool) Name() string        { return "clock" }
func (clockTool) Description() string { return "Report the current date and time." }

func (clockTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (clockTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{Name: "clock", Metadata: tools.Metadata{Access: tools.AccessRead}}
}

func (clockTool) Execute(_ context.Context, _ map[string]any) (tools.Result, error) {
	return tools.Result{Content: time.Now().Format(time.RFC1123)}, nil
}

// scripted is a model.Client that plays fixed turns in place of a real
// provider adapter: first a clock tool call, then a streamed final answer.
type scripted struct{ pos int }

var turns = [][]model.Chunk{
	{
		{Type: model.ChunkToolUseStart, ToolID: "call-1", ToolName: "clock"},
		{Type: model.ChunkToolUseInputDelta, ToolID: "call-1", InputDelta: "{}"},
		{Type: model.ChunkToolUseComplete, ToolID: "call-1"},
		{Type: model.ChunkMessageStop, StopReason: model.StopToolUse, Usage: model.TokenUsage{InputTokens: 12, OutputTokens: 5}},
	},
	{
		{Type: model.ChunkTextDelta, Text: "The current time is "},
		{Type: model.ChunkTextDelta, Text: "shown in the tool result above."},
		{Type: model.ChunkMessageStop, StopReason: model.StopEndTurn, Usage: model.TokenUsage{InputTokens: 20, OutputTokens: 8}},
	},
}

func (s *scripted) Stream(_ context.Context, _ model.Request) (model.Streamer, error) {
	if s.pos >= len(turns) {
		return nil, fmt.Errorf("script exhausted after %d turns", len(turns))
	}
	turn := turns[s.pos]
	s.pos++
	return &playback{chunks: turn}, nil
}

func (s *scripted) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	return model.Response{
		Message:    message.NewText(message.RoleAssistant, "summary"),
		StopReason: model.StopEndTurn,
	}, nil
}

// playback plays one turn's chunks and then io.EOF.
type playback struct {
	chunks []model.Chunk
	pos    int
}

func (p *playback) Recv() (model.Chunk, error) {
	if p.pos >= len(p.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := p.chunks[p.pos]
	p.pos++
	return c, nil
}

func (p *playback) Close() error { return nil }

func main() {
	ctx := context.Background()

	// 1) Dependencies: in-memory store, a registry holding the clock tool,
	// and the scripted provider.
	reg := tools.NewRegistry()
	reg.RegisterTool(clockTool{})
	deps := runtime.Deps{Store: inmem.New(), Model: &scripted{}, Registry: reg}

	// 2) Create the agent.
	a, err := runtime.Create(ctx, "demo", runtime.Config{
		Model:        "scripted-model",
		SystemPrompt: "You are a helpful assistant.",
		Tools:        []string{"clock"},
	}, deps)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	// 3) Print progress events as the run streams them.
	sub, err := a.Subscribe(ctx, events.SubscribeOptions{Channels: []events.Channel{events.ChannelProgress}})
	if err != nil {
		panic(err)
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for env := range sub.C {
			switch ev := env.Event.(type) {
			case *events.TextChunk:
				fmt.Print(ev.Text)
			case *events.TextChunkEnd:
				fmt.Println()
			case *events.ToolStart:
				fmt.Printf("[%s running]\n", ev.Name)
			case *events.ToolEnd:
				fmt.Printf("[%s done]\n", ev.Name)
			}
		}
	}()

	// 4) Run one turn and wait for the printer to drain.
	res, err := a.Run(ctx, "What time is it?")
	if err != nil {
		panic(err)
	}
	sub.Drain()
	<-printed

	fmt.Println("Stop reason:", res.StopReason)
	fmt.Println("Assistant:", res.Response)
	fmt.Println("Tokens used:", res.Usage.Total())
}
