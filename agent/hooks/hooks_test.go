package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/tools"
)

func TestPreModelStopsAtFirstError(t *testing.T) {
	r := NewRegistry()
	order := []string{}
	r.OnPreModel(func(_ context.Context, req *model.Request) error {
		order = append(order, "first")
		req.SystemPrompt = "injected"
		return nil
	})
	r.OnPreModel(func(context.Context, *model.Request) error {
		order = append(order, "second")
		return errors.New("reject")
	})
	r.OnPreModel(func(context.Context, *model.Request) error {
		order = append(order, "third")
		return nil
	})

	req := model.Request{}
	err := r.PreModel(context.Background(), &req)
	require.Error(t, err)
	require.Equal(t, []string{"first", "second"}, order)
	require.Equal(t, "injected", req.SystemPrompt, "earlier hook mutation sticks")
}

func TestPreToolFirstNonContinueWins(t *testing.T) {
	r := NewRegistry()
	r.OnPreTool(func(context.Context, *tools.Record) (Decision, error) {
		return Decision{}, nil
	})
	r.OnPreTool(func(context.Context, *tools.Record) (Decision, error) {
		return Decision{Kind: Skip, MockResult: &tools.Result{Content: "mocked"}}, nil
	})
	r.OnPreTool(func(context.Context, *tools.Record) (Decision, error) {
		return Decision{Kind: Deny, Reason: "never reached"}, nil
	})

	d := r.PreTool(context.Background(), tools.NewRecord("c1", "bash", nil))
	require.Equal(t, Skip, d.Kind)
	require.Equal(t, "mocked", d.MockResult.Content)
}

func TestPreToolErrorBecomesDeny(t *testing.T) {
	r := NewRegistry()
	r.OnPreTool(func(context.Context, *tools.Record) (Decision, error) {
		return Decision{}, errors.New("hook crashed")
	})
	d := r.PreTool(context.Background(), tools.NewRecord("c1", "bash", nil))
	require.Equal(t, Deny, d.Kind)
	require.Contains(t, d.Reason, "hook crashed")
}

func TestPreToolNoHooksContinues(t *testing.T) {
	r := NewRegistry()
	d := r.PreTool(context.Background(), tools.NewRecord("c1", "bash", nil))
	require.Equal(t, Continue, d.Kind)
}

func TestPostToolLastOverrideWins(t *testing.T) {
	r := NewRegistry()
	r.OnPostTool(func(_ context.Context, _ *tools.Record, res tools.Result) (*tools.Result, error) {
		return &tools.Result{Content: res.Content + " [first]"}, nil
	})
	r.OnPostTool(func(context.Context, *tools.Record, tools.Result) (*tools.Result, error) {
		return nil, errors.New("ignored")
	})
	r.OnPostTool(func(_ context.Context, _ *tools.Record, res tools.Result) (*tools.Result, error) {
		return &tools.Result{Content: res.Content + " [third]"}, nil
	})

	out := r.PostTool(context.Background(), tools.NewRecord("c1", "bash", nil), tools.Result{Content: "base"})
	require.Equal(t, "base [first] [third]", out.Content)
}

func TestPostToolNilOverrideKeepsResult(t *testing.T) {
	r := NewRegistry()
	r.OnPostTool(func(context.Context, *tools.Record, tools.Result) (*tools.Result, error) {
		return nil, nil
	})
	out := r.PostTool(context.Background(), tools.NewRecord("c1", "bash", nil), tools.Result{Content: "kept", IsError: true})
	require.Equal(t, tools.Result{Content: "kept", IsError: true}, out)
}

func TestMessagesChangedSwallowsErrors(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.OnMessagesChanged(func(context.Context, []message.Message) error {
		calls++
		return errors.New("observer failed")
	})
	r.OnMessagesChanged(func(context.Context, []message.Message) error {
		calls++
		return nil
	})
	r.MessagesChanged(context.Background(), nil)
	require.Equal(t, 2, calls)
}
