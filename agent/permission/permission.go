// Package permission implements tool-call gating: mode-based policies
// (auto, approval, readonly, custom), hard denies, and the pending-approval
// set that external callers resolve via Approve and Deny.
package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/tools"
)

type (
	// Mode selects the gating policy.
	Mode string

	// Decision is the outcome of a policy evaluation.
	Decision string

	// Policy is the per-agent gating configuration.
	Policy struct {
		// Mode selects the policy, ModeAuto by default.
		Mode Mode `json:"mode,omitempty"`
		// AllowTools, when non-empty, is an exhaustive allowlist: tools
		// outside it are denied.
		AllowTools []string `json:"allowTools,omitempty"`
		// DenyTools are always denied.
		DenyTools []string `json:"denyTools,omitempty"`
		// RequireApprovalTools always require an approval decision.
		RequireApprovalTools []string `json:"requireApprovalTools,omitempty"`
	}

	// Handler evaluates a custom mode. It returns the decision and an
	// optional reason surfaced to the model on deny.
	Handler func(ctx context.Context, desc tools.Descriptor, input map[string]any) (Decision, string)

	// Resolution is the outcome of an approval request.
	Resolution struct {
		// Allow reports the decision.
		Allow bool
		// DecidedBy identifies the deciding actor.
		DecidedBy string
		// Note carries an optional decision note.
		Note string
	}

	// Manager gates tool calls for one agent. Safe for concurrent use:
	// approval decisions arrive from external callers while the processing
	// loop blocks in Await.
	Manager struct {
		mu       sync.Mutex
		policy   Policy
		handlers map[Mode]Handler
		pending  map[string]*pendingApproval
		emit     func(context.Context, events.Event) events.Bookmark
	}

	pendingApproval struct {
		call *tools.Record
		ch   chan Resolution
	}
)

// Modes.
const (
	ModeAuto     Mode = "auto"
	ModeApproval Mode = "approval"
	ModeReadonly Mode = "readonly"
)

// Decisions.
const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// NewManager constructs a manager for the given policy. emit publishes
// control events (permission_required, permission_decided) and must not be
// nil.
func NewManager(policy Policy, emit func(context.Context, events.Event) events.Bookmark) *Manager {
	if policy.Mode == "" {
		policy.Mode = ModeAuto
	}
	return &Manager{
		policy:   policy,
		handlers: make(map[Mode]Handler),
		pending:  make(map[string]*pendingApproval),
		emit:     emit,
	}
}

// RegisterMode installs a handler for a custom mode name. Built-in modes
// cannot be overridden.
func (m *Manager) RegisterMode(mode Mode, h Handler) error {
	switch mode {
	case ModeAuto, ModeApproval, ModeReadonly:
		return fmt.Errorf("permission: mode %q is built in", mode)
	}
	if h == nil {
		return fmt.Errorf("permission: nil handler for mode %q", mode)
	}
	m.mu.Lock()
	m.handlers[mode] = h
	m.mu.Unlock()
	return nil
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Evaluate applies the policy to one tool call. Deny carries a reason
// suitable for the error tool result; Ask means the call must go through the
// approval gate.
func (m *Manager) Evaluate(ctx context.Context, desc tools.Descriptor, input map[string]any) (Decision, string) {
	m.mu.Lock()
	policy := m.policy
	handler := m.handlers[policy.Mode]
	m.mu.Unlock()

	if contains(policy.DenyTools, desc.Name) {
		return Deny, fmt.Sprintf("Tool %q is denied by policy", desc.Name)
	}
	if len(policy.AllowTools) > 0 && !contains(policy.AllowTools, desc.Name) {
		return Deny, fmt.Sprintf("Tool %q is not in the allowed tool set", desc.Name)
	}
	if contains(policy.RequireApprovalTools, desc.Name) {
		return Ask, ""
	}
	switch policy.Mode {
	case ModeAuto:
		return Allow, ""
	case ModeApproval:
		return Ask, ""
	case ModeReadonly:
		if desc.Unsafe() {
			return Deny, fmt.Sprintf("Tool %q mutates state and the agent is readonly", desc.Name)
		}
		if desc.Uncertain() {
			return Ask, ""
		}
		return Allow, ""
	default:
		if handler == nil {
			return Deny, fmt.Sprintf("unknown permission mode %q", policy.Mode)
		}
		return handler(ctx, desc, input)
	}
}

// Request registers call as awaiting approval and emits control
// permission_required with a snapshot of the record. The returned channel
// receives exactly one Resolution; use Await to block on it.
func (m *Manager) Request(ctx context.Context, call *tools.Record) <-chan Resolution {
	p := &pendingApproval{call: call, ch: make(chan Resolution, 1)}
	m.mu.Lock()
	m.pending[call.ID] = p
	m.mu.Unlock()
	m.emit(ctx, events.NewPermissionRequired(call.Clone()))
	return p.ch
}

// Await blocks until the pending approval for callID resolves or ctx is
// done. Context cancellation deregisters the request and resolves as a deny
// so the record still reaches a terminal state; a decision that raced the
// cancellation wins.
func (m *Manager) Await(ctx context.Context, callID string, ch <-chan Resolution) Resolution {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, callID)
		m.mu.Unlock()
		select {
		case res := <-ch:
			return res
		default:
		}
		return Resolution{Allow: false, Note: "approval wait cancelled: " + ctx.Err().Error()}
	}
}

// Approve resolves a pending approval with an allow decision. Unknown call
// ids return an error so callers can distinguish stale UI actions.
func (m *Manager) Approve(ctx context.Context, callID, decidedBy, note string) error {
	return m.resolve(ctx, callID, Resolution{Allow: true, DecidedBy: decidedBy, Note: note})
}

// Deny resolves a pending approval with a deny decision.
func (m *Manager) Deny(ctx context.Context, callID, decidedBy, reason string) error {
	return m.resolve(ctx, callID, Resolution{Allow: false, DecidedBy: decidedBy, Note: reason})
}

// Respond is the in-process variant of Approve/Deny for local UIs.
func (m *Manager) Respond(ctx context.Context, callID string, decision Decision, note string) error {
	return m.resolve(ctx, callID, Resolution{Allow: decision == Allow, Note: note})
}

func (m *Manager) resolve(ctx context.Context, callID string, res Resolution) error {
	m.mu.Lock()
	p, ok := m.pending[callID]
	if ok {
		delete(m.pending, callID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("permission: no pending approval for call %q", callID)
	}
	decision := string(Deny)
	if res.Allow {
		decision = string(Allow)
	}
	if p.call != nil {
		p.call.Approval = &tools.Approval{
			Required:  true,
			Decision:  decision,
			DecidedBy: res.DecidedBy,
			DecidedAt: time.Now().UTC(),
			Note:      res.Note,
		}
	}
	m.emit(ctx, events.NewPermissionDecided(callID, decision, res.DecidedBy, res.Note))
	p.ch <- res
	return nil
}

// PendingIDs returns the call ids currently awaiting approval, sorted.
func (m *Manager) PendingIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// HasPending reports whether any approval is outstanding.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// CancelPending resolves every outstanding approval as denied with the given
// note. Used by interrupt and disposal.
func (m *Manager) CancelPending(ctx context.Context, note string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		_ = m.resolve(ctx, id, Resolution{Allow: false, Note: note})
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
