package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/tools"
)

type recorder struct {
	events []events.Event
}

func (r *recorder) emit(_ context.Context, ev events.Event) events.Bookmark {
	r.events = append(r.events, ev)
	return events.Bookmark{Seq: int64(len(r.events))}
}

func newTestManager(policy Policy) (*Manager, *recorder) {
	rec := &recorder{}
	return NewManager(policy, rec.emit), rec
}

func readDesc(name string) tools.Descriptor {
	return tools.Descriptor{Name: name, Metadata: tools.Metadata{Access: tools.AccessRead}}
}

func writeDesc(name string) tools.Descriptor {
	return tools.Descriptor{Name: name, Metadata: tools.Metadata{Mutates: true, Access: tools.AccessWrite}}
}

func TestEvaluateAutoMode(t *testing.T) {
	m, _ := newTestManager(Policy{})
	d, _ := m.Evaluate(context.Background(), writeDesc("bash"), nil)
	require.Equal(t, Allow, d)
}

func TestEvaluateDenyListWinsOverEverything(t *testing.T) {
	m, _ := newTestManager(Policy{Mode: ModeAuto, DenyTools: []string{"bash"}, AllowTools: []string{"bash"}})
	d, reason := m.Evaluate(context.Background(), readDesc("bash"), nil)
	require.Equal(t, Deny, d)
	require.Contains(t, reason, "denied by policy")
}

func TestEvaluateAllowListIsExhaustive(t *testing.T) {
	m, _ := newTestManager(Policy{AllowTools: []string{"search"}})
	d, reason := m.Evaluate(context.Background(), readDesc("bash"), nil)
	require.Equal(t, Deny, d)
	require.Contains(t, reason, "not in the allowed tool set")

	d, _ = m.Evaluate(context.Background(), readDesc("search"), nil)
	require.Equal(t, Allow, d)
}

func TestEvaluateRequireApprovalList(t *testing.T) {
	m, _ := newTestManager(Policy{RequireApprovalTools: []string{"deploy"}})
	d, _ := m.Evaluate(context.Background(), readDesc("deploy"), nil)
	require.Equal(t, Ask, d)
}

func TestEvaluateApprovalModeAsksForEverything(t *testing.T) {
	m, _ := newTestManager(Policy{Mode: ModeApproval})
	d, _ := m.Evaluate(context.Background(), readDesc("search"), nil)
	require.Equal(t, Ask, d)
}

func TestEvaluateReadonlyMode(t *testing.T) {
	m, _ := newTestManager(Policy{Mode: ModeReadonly})
	ctx := context.Background()

	d, reason := m.Evaluate(ctx, writeDesc("bash"), nil)
	require.Equal(t, Deny, d)
	require.Contains(t, reason, "readonly")

	d, _ = m.Evaluate(ctx, tools.Descriptor{Name: "mystery"}, nil)
	require.Equal(t, Ask, d, "undeclared side effects require approval")

	d, _ = m.Evaluate(ctx, readDesc("search"), nil)
	require.Equal(t, Allow, d)
}

func TestEvaluateCustomMode(t *testing.T) {
	m, _ := newTestManager(Policy{Mode: "office-hours"})
	d, reason := m.Evaluate(context.Background(), readDesc("bash"), nil)
	require.Equal(t, Deny, d, "unregistered custom mode denies")
	require.Contains(t, reason, "unknown permission mode")

	require.NoError(t, m.RegisterMode("office-hours", func(_ context.Context, desc tools.Descriptor, _ map[string]any) (Decision, string) {
		if desc.Name == "bash" {
			return Ask, ""
		}
		return Allow, ""
	}))
	d, _ = m.Evaluate(context.Background(), readDesc("bash"), nil)
	require.Equal(t, Ask, d)
}

func TestRegisterModeRejectsBuiltins(t *testing.T) {
	m, _ := newTestManager(Policy{})
	require.Error(t, m.RegisterMode(ModeAuto, func(context.Context, tools.Descriptor, map[string]any) (Decision, string) {
		return Allow, ""
	}))
	require.Error(t, m.RegisterMode("x", nil))
}

func TestRequestApproveFlow(t *testing.T) {
	m, rec := newTestManager(Policy{Mode: ModeApproval})
	ctx := context.Background()
	call := tools.NewRecord("c1", "bash", map[string]any{"cmd": "ls"})

	ch := m.Request(ctx, call)
	require.True(t, m.HasPending())
	require.Equal(t, []string{"c1"}, m.PendingIDs())

	go func() {
		_ = m.Approve(ctx, "c1", "reviewer", "safe command")
	}()
	res := m.Await(ctx, "c1", ch)
	require.True(t, res.Allow)
	require.Equal(t, "reviewer", res.DecidedBy)
	require.False(t, m.HasPending())

	require.NotNil(t, call.Approval)
	require.Equal(t, "allow", call.Approval.Decision)
	require.Equal(t, "reviewer", call.Approval.DecidedBy)

	require.Len(t, rec.events, 2)
	req, ok := rec.events[0].(*events.PermissionRequired)
	require.True(t, ok)
	require.Equal(t, "c1", req.Call.ID)
	dec, ok := rec.events[1].(*events.PermissionDecided)
	require.True(t, ok)
	require.Equal(t, "allow", dec.Decision)
}

func TestDenyFlow(t *testing.T) {
	m, _ := newTestManager(Policy{Mode: ModeApproval})
	ctx := context.Background()
	call := tools.NewRecord("c2", "bash", nil)
	ch := m.Request(ctx, call)

	require.NoError(t, m.Deny(ctx, "c2", "reviewer", "too risky"))
	res := m.Await(ctx, "c2", ch)
	require.False(t, res.Allow)
	require.Equal(t, "too risky", res.Note)
	require.Equal(t, "deny", call.Approval.Decision)
}

func TestResolveUnknownCall(t *testing.T) {
	m, _ := newTestManager(Policy{})
	require.Error(t, m.Approve(context.Background(), "nope", "", ""))
}

func TestAwaitContextCancelDenies(t *testing.T) {
	m, _ := newTestManager(Policy{Mode: ModeApproval})
	call := tools.NewRecord("c3", "bash", nil)
	ch := m.Request(context.Background(), call)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := m.Await(ctx, "c3", ch)
	require.False(t, res.Allow)
	require.Contains(t, res.Note, "approval wait cancelled")
	require.False(t, m.HasPending(), "cancelled wait deregisters the request")
	require.Error(t, m.Approve(context.Background(), "c3", "late", ""))
}

func TestCancelPendingDeniesAll(t *testing.T) {
	m, _ := newTestManager(Policy{Mode: ModeApproval})
	ctx := context.Background()
	ch1 := m.Request(ctx, tools.NewRecord("a", "bash", nil))
	ch2 := m.Request(ctx, tools.NewRecord("b", "bash", nil))

	m.CancelPending(ctx, "interrupted")
	require.False(t, m.HasPending())
	require.False(t, m.Await(ctx, "a", ch1).Allow)
	require.False(t, m.Await(ctx, "b", ch2).Allow)
}
