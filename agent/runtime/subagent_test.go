package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/permission"
	"goa.design/agentcore/agent/tools"
)

func TestDelegateTaskCompletes(t *testing.T) {
	client := &scriptClient{turns: []scriptTurn{finalTurn("Research summary.")}}
	env := newTestEnv(t, Config{Subagents: SubagentConfig{Depth: 1}}, client)
	ctx := context.Background()

	res, err := env.agent.DelegateTask(ctx, TaskParams{Prompt: "research the topic"})
	require.NoError(t, err)
	require.Equal(t, TaskOK, res.Status)
	require.Equal(t, "Research summary.", res.Text)
	require.NotEmpty(t, res.AgentID)
	require.NotEqual(t, env.agent.ID(), res.AgentID)
	require.Nil(t, res.Agent)

	// The child's streamed text surfaces on the parent monitor channel,
	// tagged with the child id.
	parentEnvs := env.timelineEvents(t, nil)
	require.Equal(t, []string{events.TypeSubagentDelta}, eventTypes(parentEnvs))
	delta := firstEvent[*events.SubagentDelta](t, parentEnvs)
	require.Equal(t, res.AgentID, delta.AgentID)
	require.Equal(t, "Research summary.", delta.Text)

	// The child is persisted under its own id with the parent in its lineage.
	info, err := env.store.LoadInfo(ctx, res.AgentID)
	require.NoError(t, err)
	require.Equal(t, []agent.Ident{env.agent.ID()}, info.Lineage)
	msgs, err := env.store.LoadMessages(ctx, res.AgentID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestDelegateTaskDepthLimit(t *testing.T) {
	client := &scriptClient{}
	env := newTestEnv(t, Config{}, client)

	res, err := env.agent.DelegateTask(context.Background(), TaskParams{Prompt: "go deeper"})
	var cerr *agent.ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Error(), "delegation depth 1 exceeds limit 0")
	require.Equal(t, TaskError, res.Status)
	require.Zero(t, client.requestCount())
}

func TestDelegateTaskTemplateSelectsChildConfig(t *testing.T) {
	search := &stubTool{name: "search", schema: objectSchema("query")}
	client := &scriptClient{turns: []scriptTurn{finalTurn("Found it.")}}
	env := newTestEnv(t, Config{
		Model: "parent-model",
		Subagents: SubagentConfig{
			Depth: 1,
			Templates: map[string]Config{
				"researcher": {
					Model:        "researcher-model",
					SystemPrompt: "You are a focused research assistant.",
					Tools:        []string{"search"},
				},
			},
		},
	}, client, search)
	ctx := context.Background()

	res, err := env.agent.DelegateTask(ctx, TaskParams{
		TemplateID: "researcher",
		Prompt:     "find the answer",
		Model:      "turbo",
		CallID:     "c1",
	})
	require.NoError(t, err)
	require.Equal(t, TaskOK, res.Status)
	require.Equal(t, "Found it.", res.Text)

	// Template config shapes the child request; the per-task model override
	// wins over the template's.
	req := client.request(0)
	require.Equal(t, "turbo", req.Model)
	require.Equal(t, "You are a focused research assistant.", req.SystemPrompt)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "search", req.Tools[0].Name)

	info, err := env.store.LoadInfo(ctx, res.AgentID)
	require.NoError(t, err)
	require.Equal(t, "researcher", info.TemplateID)
}

func TestDelegateTaskToolsOverride(t *testing.T) {
	readFile := &stubTool{name: "read_file", schema: objectSchema("path")}
	search := &stubTool{name: "search", schema: objectSchema("query")}
	client := &scriptClient{turns: []scriptTurn{finalTurn("Done.")}}
	env := newTestEnv(t, Config{
		Tools:     []string{"read_file"},
		Subagents: SubagentConfig{Depth: 1},
	}, client, readFile, search)

	res, err := env.agent.DelegateTask(context.Background(), TaskParams{
		Prompt: "look it up",
		Tools:  []string{"search"},
	})
	require.NoError(t, err)
	require.Equal(t, TaskOK, res.Status)

	req := client.request(0)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "search", req.Tools[0].Name)
}

func TestDelegateTaskPermissionOverridePausesChild(t *testing.T) {
	deploy := &stubTool{name: "deploy", schema: objectSchema("env")}
	client := &scriptClient{turns: []scriptTurn{
		toolTurn(scriptCall{id: "c7", name: "deploy", input: `{"env":"prod"}`}),
		finalTurn("Deployed."),
	}}
	env := newTestEnv(t, Config{
		Tools: []string{"deploy"},
		Subagents: SubagentConfig{
			Depth:     1,
			Overrides: SubagentOverrides{Permission: &permission.Policy{Mode: permission.ModeApproval}},
		},
	}, client, deploy)
	ctx := context.Background()

	res, err := env.agent.DelegateTask(ctx, TaskParams{Prompt: "deploy to prod", CallID: "t1"})
	require.NoError(t, err)
	require.Equal(t, TaskPaused, res.Status)
	require.Equal(t, []string{"c7"}, res.PendingApprovals)
	require.NotNil(t, res.Agent)
	require.Equal(t, res.AgentID, res.Agent.ID())
	t.Cleanup(func() { _ = res.Agent.Close() })
	require.Zero(t, deploy.callCount())

	// The child's approval request reached the parent monitor before the
	// task paused.
	parentEnvs := env.timelineEvents(t, nil)
	require.Equal(t, []string{
		events.TypeSubagentToolStart,
		events.TypeSubagentPermissionRequired,
	}, eventTypes(parentEnvs))
	pr := firstEvent[*events.SubagentPermissionRequired](t, parentEnvs)
	require.Equal(t, res.AgentID, pr.AgentID)
	require.Equal(t, "c7", pr.Call.ID)
	require.Equal(t, tools.CallApprovalRequired, pr.Call.State)

	// Resolving the approval on the returned handle lets the child finish.
	require.NoError(t, res.Agent.ApproveToolCall(ctx, "c7", "root", "approved by parent"))
	waitReady(t, res.Agent)
	require.Equal(t, 1, deploy.callCount())
	recs := res.Agent.Records()
	require.Equal(t, tools.CallCompleted, recs[0].State)
	require.Equal(t, "allow", recs[0].Approval.Decision)
	msgs := res.Agent.Messages()
	require.Equal(t, "Deployed.", msgs[len(msgs)-1].Content[0].Text)

	// Forwarding stopped when the delegation returned.
	require.Len(t, env.timelineEvents(t, nil), 2)
}

func TestDelegateTaskQuiet(t *testing.T) {
	client := &scriptClient{turns: []scriptTurn{finalTurn("Silent.")}}
	env := newTestEnv(t, Config{Subagents: SubagentConfig{Depth: 1}}, client)

	res, err := env.agent.DelegateTask(context.Background(), TaskParams{
		Prompt: "hush",
		Quiet:  true,
	})
	require.NoError(t, err)
	require.Equal(t, TaskOK, res.Status)
	require.Equal(t, "Silent.", res.Text)
	require.Empty(t, env.timelineEvents(t, nil))
}

func TestDelegateTaskChildError(t *testing.T) {
	client := &scriptClient{turns: []scriptTurn{{openErr: errors.New("model down")}}}
	env := newTestEnv(t, Config{Subagents: SubagentConfig{Depth: 1}}, client)

	res, err := env.agent.DelegateTask(context.Background(), TaskParams{Prompt: "try"})
	var perr *agent.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, TaskError, res.Status)
	require.NotEmpty(t, res.AgentID)
	require.Nil(t, res.Agent)
	require.Empty(t, env.timelineEvents(t, nil))
}
