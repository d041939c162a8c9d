// Package hooks provides the extension points the runtime invokes around
// model calls and tool executions. Multiple callbacks may be registered per
// hook point; they run in registration order.
package hooks

import (
	"context"
	"sync"

	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/tools"
)

type (
	// DecisionKind is the outcome of a pre-tool hook.
	DecisionKind string

	// Decision is the pre-tool hook verdict. Continue lets the pipeline
	// proceed; Deny rejects the call with a reason; Skip records the call as
	// completed with MockResult without executing; RequireApproval routes the
	// call through the approval gate.
	Decision struct {
		// Kind is the verdict.
		Kind DecisionKind
		// Reason explains a deny or approval requirement.
		Reason string
		// MockResult is the result recorded for a skipped call.
		MockResult *tools.Result
	}

	// PreModelHook may inspect or mutate the request before the model call.
	PreModelHook func(ctx context.Context, req *model.Request) error

	// PostModelHook observes the aggregated model response.
	PostModelHook func(ctx context.Context, agg *model.Aggregate) error

	// PreToolHook gates one tool call before validation and execution.
	PreToolHook func(ctx context.Context, call *tools.Record) (Decision, error)

	// PostToolHook may override a tool execution outcome. A nil return keeps
	// the original result.
	PostToolHook func(ctx context.Context, call *tools.Record, result tools.Result) (*tools.Result, error)

	// MessagesChangedHook observes every message-log mutation.
	MessagesChangedHook func(ctx context.Context, msgs []message.Message) error

	// Registry holds the registered callbacks for one agent. Safe for
	// concurrent use.
	Registry struct {
		mu              sync.RWMutex
		preModel        []PreModelHook
		postModel       []PostModelHook
		preTool         []PreToolHook
		postTool        []PostToolHook
		messagesChanged []MessagesChangedHook
	}
)

// Decision kinds.
const (
	Continue        DecisionKind = "continue"
	Deny            DecisionKind = "deny"
	Skip            DecisionKind = "skip"
	RequireApproval DecisionKind = "require_approval"
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// OnPreModel registers a pre-model hook.
func (r *Registry) OnPreModel(h PreModelHook) {
	r.mu.Lock()
	r.preModel = append(r.preModel, h)
	r.mu.Unlock()
}

// OnPostModel registers a post-model hook.
func (r *Registry) OnPostModel(h PostModelHook) {
	r.mu.Lock()
	r.postModel = append(r.postModel, h)
	r.mu.Unlock()
}

// OnPreTool registers a pre-tool hook.
func (r *Registry) OnPreTool(h PreToolHook) {
	r.mu.Lock()
	r.preTool = append(r.preTool, h)
	r.mu.Unlock()
}

// OnPostTool registers a post-tool hook.
func (r *Registry) OnPostTool(h PostToolHook) {
	r.mu.Lock()
	r.postTool = append(r.postTool, h)
	r.mu.Unlock()
}

// OnMessagesChanged registers a messages-changed hook.
func (r *Registry) OnMessagesChanged(h MessagesChangedHook) {
	r.mu.Lock()
	r.messagesChanged = append(r.messagesChanged, h)
	r.mu.Unlock()
}

// PreModel runs the pre-model hooks in order, stopping at the first error.
func (r *Registry) PreModel(ctx context.Context, req *model.Request) error {
	r.mu.RLock()
	hs := append([]PreModelHook(nil), r.preModel...)
	r.mu.RUnlock()
	for _, h := range hs {
		if err := h(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// PostModel runs the post-model hooks in order, stopping at the first error.
func (r *Registry) PostModel(ctx context.Context, agg *model.Aggregate) error {
	r.mu.RLock()
	hs := append([]PostModelHook(nil), r.postModel...)
	r.mu.RUnlock()
	for _, h := range hs {
		if err := h(ctx, agg); err != nil {
			return err
		}
	}
	return nil
}

// PreTool runs the pre-tool hooks in order. The first non-Continue decision
// wins; hook errors surface as a deny so a broken hook never lets a call
// through unexamined.
func (r *Registry) PreTool(ctx context.Context, call *tools.Record) Decision {
	r.mu.RLock()
	hs := append([]PreToolHook(nil), r.preTool...)
	r.mu.RUnlock()
	for _, h := range hs {
		d, err := h(ctx, call)
		if err != nil {
			return Decision{Kind: Deny, Reason: "pre-tool hook failed: " + err.Error()}
		}
		if d.Kind != "" && d.Kind != Continue {
			return d
		}
	}
	return Decision{Kind: Continue}
}

// PostTool runs the post-tool hooks in order. The last non-nil override
// wins. Hook errors are ignored in favor of the tool's own outcome.
func (r *Registry) PostTool(ctx context.Context, call *tools.Record, result tools.Result) tools.Result {
	r.mu.RLock()
	hs := append([]PostToolHook(nil), r.postTool...)
	r.mu.RUnlock()
	out := result
	for _, h := range hs {
		override, err := h(ctx, call, out)
		if err != nil {
			continue
		}
		if override != nil {
			out = *override
		}
	}
	return out
}

// MessagesChanged runs the messages-changed hooks in order. Errors are
// swallowed: observers never break the loop.
func (r *Registry) MessagesChanged(ctx context.Context, msgs []message.Message) {
	r.mu.RLock()
	hs := append([]MessagesChangedHook(nil), r.messagesChanged...)
	r.mu.RUnlock()
	for _, h := range hs {
		_ = h(ctx, msgs)
	}
}
