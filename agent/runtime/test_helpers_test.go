package runtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/store"
	"goa.design/agentcore/agent/store/inmem"
	"goa.design/agentcore/agent/tools"
)

type (
	// scriptTurn is one scripted model turn.
	scriptTurn struct {
		chunks []model.Chunk
		// openErr fails the Stream call outright.
		openErr error
		// recvErr fails the stream after the chunks played.
		recvErr error
		// hold blocks the first Recv until closed, wedging the turn
		// mid-stream.
		hold chan struct{}
	}

	// scriptCall describes one tool invocation inside a scripted turn. The
	// input is raw JSON exactly as a provider would stream it.
	scriptCall struct {
		id    string
		name  string
		input string
	}

	// scriptClient is a model.Client that plays scripted turns in order and
	// records every request so tests can assert on what the runtime sent.
	// Exhausting the script fails the stream so an unexpected extra model
	// call surfaces as a run error instead of hanging.
	scriptClient struct {
		mu           sync.Mutex
		turns        []scriptTurn
		pos          int
		requests     []model.Request
		completeReqs []model.Request
		summary      string
	}

	// scriptStream plays one turn's chunks and then io.EOF.
	scriptStream struct {
		turn scriptTurn
		pos  int
	}

	// stubTool is a configurable Tool double. The zero execute completes
	// with "ok".
	stubTool struct {
		name    string
		schema  map[string]any
		meta    tools.Metadata
		execute func(ctx context.Context, input map[string]any) (tools.Result, error)

		mu    sync.Mutex
		calls int
	}

	// failStore wraps a Store and fails message persistence on demand.
	failStore struct {
		store.Store
		mu       sync.Mutex
		failMsgs bool
	}

	// testEnv bundles an agent under test with its store and scripted
	// client.
	testEnv struct {
		agent  *Agent
		store  *inmem.Store
		client *scriptClient
	}
)

func (c *scriptClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.pos >= len(c.turns) {
		return nil, errors.New("model script exhausted")
	}
	turn := c.turns[c.pos]
	c.pos++
	if turn.openErr != nil {
		return nil, turn.openErr
	}
	return &scriptStream{turn: turn}, nil
}

func (c *scriptClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeReqs = append(c.completeReqs, req)
	text := c.summary
	if text == "" {
		text = "summary"
	}
	return model.Response{
		Message:    message.NewText(message.RoleAssistant, text),
		StopReason: model.StopEndTurn,
	}, nil
}

func (c *scriptClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptClient) request(i int) model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *scriptClient) completeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completeReqs)
}

func (c *scriptClient) completeReq(i int) model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeReqs[i]
}

func (s *scriptStream) Recv() (model.Chunk, error) {
	if s.pos == 0 && s.turn.hold != nil {
		<-s.turn.hold
	}
	if s.pos >= len(s.turn.chunks) {
		if s.turn.recvErr != nil {
			return model.Chunk{}, s.turn.recvErr
		}
		return model.Chunk{}, io.EOF
	}
	c := s.turn.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptStream) Close() error { return nil }

// finalTurn scripts a streamed text answer that ends the turn.
func finalTurn(text string) scriptTurn {
	return scriptTurn{chunks: []model.Chunk{
		{Type: model.ChunkTextDelta, Text: text},
		{Type: model.ChunkMessageStop, StopReason: model.StopEndTurn, Usage: model.TokenUsage{InputTokens: 2, OutputTokens: 1}},
	}}
}

// toolTurn scripts a turn requesting the given tool calls.
func toolTurn(calls ...scriptCall) scriptTurn {
	var turn scriptTurn
	for _, call := range calls {
		turn.chunks = append(turn.chunks,
			model.Chunk{Type: model.ChunkToolUseStart, ToolID: call.id, ToolName: call.name},
			model.Chunk{Type: model.ChunkToolUseInputDelta, ToolID: call.id, InputDelta: call.input},
			model.Chunk{Type: model.ChunkToolUseComplete, ToolID: call.id},
		)
	}
	turn.chunks = append(turn.chunks, model.Chunk{
		Type:       model.ChunkMessageStop,
		StopReason: model.StopToolUse,
		Usage:      model.TokenUsage{InputTokens: 2, OutputTokens: 1},
	})
	return turn
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return t.name + " test double" }

func (t *stubTool) InputSchema() map[string]any { return t.schema }

func (t *stubTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{Name: t.name, Metadata: t.meta}
}

func (t *stubTool) Execute(ctx context.Context, input map[string]any) (tools.Result, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.execute != nil {
		return t.execute(ctx, input)
	}
	return tools.Result{Content: "ok"}, nil
}

func (t *stubTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (s *failStore) setFailMessages(fail bool) {
	s.mu.Lock()
	s.failMsgs = fail
	s.mu.Unlock()
}

func (s *failStore) SaveMessages(ctx context.Context, id agent.Ident, msgs []message.Message) error {
	s.mu.Lock()
	fail := s.failMsgs
	s.mu.Unlock()
	if fail {
		return &agent.StorageError{Op: "save_messages", Err: errors.New("store offline")}
	}
	return s.Store.SaveMessages(ctx, id, msgs)
}

// newTestEnv creates agent "a1" backed by an in-memory store, the given
// scripted client, and the given tools registered under their own names and
// enabled via cfg.Tools.
func newTestEnv(t *testing.T, cfg Config, client *scriptClient, tls ...tools.Tool) *testEnv {
	t.Helper()
	st := inmem.New()
	reg := tools.NewRegistry()
	for _, tl := range tls {
		reg.RegisterTool(tl)
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	a, err := Create(context.Background(), "a1", cfg, Deps{Store: st, Model: client, Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &testEnv{agent: a, store: st, client: client}
}

// timelineEvents reads every persisted envelope for the agent, optionally
// filtered by channel. Emission persists synchronously, so once Run returns
// the timeline is complete.
func (e *testEnv) timelineEvents(t *testing.T, ch *events.Channel) []events.Envelope {
	t.Helper()
	envs, err := e.store.ReadEvents(context.Background(), e.agent.ID(), ch, nil)
	require.NoError(t, err)
	return envs
}

func channelOf(ch events.Channel) *events.Channel { return &ch }

// eventTypes projects envelopes to their type strings.
func eventTypes(envs []events.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Event.Type()
	}
	return out
}

// firstEvent returns the first event of concrete type E in the envelopes.
func firstEvent[E events.Event](t *testing.T, envs []events.Envelope) E {
	t.Helper()
	for _, env := range envs {
		if ev, ok := env.Event.(E); ok {
			return ev
		}
	}
	var zero E
	t.Fatalf("no %T in %v", zero, eventTypes(envs))
	return zero
}

// allEvents returns every event of concrete type E in envelope order.
func allEvents[E events.Event](envs []events.Envelope) []E {
	var out []E
	for _, env := range envs {
		if ev, ok := env.Event.(E); ok {
			out = append(out, ev)
		}
	}
	return out
}

// waitReady polls until the agent returns to Ready.
func waitReady(t *testing.T, a *Agent) {
	t.Helper()
	require.Eventually(t, func() bool { return a.State() == agent.StateReady },
		3*time.Second, 2*time.Millisecond)
}

// waitClosed blocks until the processing-task channel closes.
func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for processing task")
	}
}

// collectSub gathers n envelopes from a live subscription.
func collectSub(t *testing.T, sub *events.Subscription, n int) []events.Envelope {
	t.Helper()
	out := make([]events.Envelope, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, env)
		case <-timeout:
			t.Fatalf("timed out after %d of %d envelopes", len(out), n)
		}
	}
	return out
}

// objectSchema declares a minimal object schema with the given required
// string properties.
func objectSchema(required ...string) map[string]any {
	props := make(map[string]any, len(required))
	reqs := make([]any, 0, len(required))
	for _, key := range required {
		props[key] = map[string]any{"type": "string"}
		reqs = append(reqs, key)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   reqs,
	}
}

func intPtr(n int) *int { return &n }
