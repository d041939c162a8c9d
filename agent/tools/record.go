package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// CallState is the lifecycle state of a tool-call record. Wire form is
	// the uppercase string; legacy integer values (0..7 in declaration order)
	// are accepted on read.
	CallState string

	// Approval captures the permission decision attached to a call.
	Approval struct {
		// Required reports whether the call needed an approval decision.
		Required bool `json:"required"`
		// Decision is "allow" or "deny" once decided, empty while pending.
		Decision string `json:"decision,omitempty"`
		// DecidedBy identifies the actor that provided the decision.
		DecidedBy string `json:"decidedBy,omitempty"`
		// DecidedAt records when the decision was made.
		DecidedAt time.Time `json:"decidedAt,omitzero"`
		// Note carries an optional human-provided note.
		Note string `json:"note,omitempty"`
		// Meta carries decision metadata (UI origin, policy id, ...).
		Meta map[string]any `json:"meta,omitempty"`
	}

	// AuditEntry is one state transition in a record's audit trail.
	AuditEntry struct {
		// State is the state entered by the transition.
		State CallState `json:"state"`
		// Timestamp records when the transition happened.
		Timestamp time.Time `json:"timestamp"`
		// Note explains the transition (deny reason, seal payload, ...).
		Note string `json:"note,omitempty"`
	}

	// Record is the authoritative per-call state machine object, distinct
	// from the in-message tool_use / tool_result blocks. Terminal states
	// (completed, failed, denied, sealed) are immutable: late completions
	// arriving after a seal are dropped.
	Record struct {
		// ID is the tool-use identifier assigned by the provider.
		ID string `json:"id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Input holds the call arguments as requested by the model.
		Input map[string]any `json:"input,omitempty"`
		// State is the current lifecycle state.
		State CallState `json:"state"`
		// Approval is the permission decision, nil when no gate applied.
		Approval *Approval `json:"approval,omitempty"`
		// Result is the tool output, empty until completion.
		Result string `json:"result,omitempty"`
		// Error is the failure message for failed/denied/sealed calls.
		Error string `json:"error,omitempty"`
		// IsError mirrors whether the outcome was an error.
		IsError bool `json:"isError,omitempty"`
		// CreatedAt records when the call was registered.
		CreatedAt time.Time `json:"createdAt"`
		// StartedAt records when execution began, zero if never started.
		StartedAt time.Time `json:"startedAt,omitzero"`
		// CompletedAt records when the call reached a terminal state.
		CompletedAt time.Time `json:"completedAt,omitzero"`
		// UpdatedAt records the last mutation.
		UpdatedAt time.Time `json:"updatedAt"`
		// DurationMs is the wall-clock execution time in milliseconds.
		DurationMs int64 `json:"durationMs,omitempty"`
		// AuditTrail lists every transition in order.
		AuditTrail []AuditEntry `json:"auditTrail,omitempty"`
	}

	// legacyRecord is the pre-1.0 persisted shape still accepted on read.
	legacyRecord struct {
		CallID    string         `json:"callId"`
		ToolName  string         `json:"toolName"`
		Arguments map[string]any `json:"arguments"`
		State     int            `json:"state"`
	}
)

// Call states in legacy integer order.
const (
	CallPending          CallState = "PENDING"
	CallApprovalRequired CallState = "APPROVAL_REQUIRED"
	CallApproved         CallState = "APPROVED"
	CallExecuting        CallState = "EXECUTING"
	CallCompleted        CallState = "COMPLETED"
	CallFailed           CallState = "FAILED"
	CallDenied           CallState = "DENIED"
	CallSealed           CallState = "SEALED"
)

var callStates = []CallState{
	CallPending, CallApprovalRequired, CallApproved, CallExecuting,
	CallCompleted, CallFailed, CallDenied, CallSealed,
}

// Terminal reports whether s is a terminal state. Terminal records never
// change state again.
func (s CallState) Terminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallDenied, CallSealed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a recognized call state.
func (s CallState) Valid() bool {
	for _, v := range callStates {
		if s == v {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the state as its uppercase wire string.
func (s CallState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON decodes either the uppercase wire string or a legacy integer
// index into the state enum.
func (s *CallState) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("call state: %w", err)
		}
		*s = CallState(strings.ToUpper(str))
		return nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 || n >= len(callStates) {
		return fmt.Errorf("call state: invalid legacy value %s", trimmed)
	}
	*s = callStates[n]
	return nil
}

// NewRecord registers a fresh pending record for a tool call.
func NewRecord(id, name string, input map[string]any) *Record {
	now := time.Now().UTC()
	r := &Record{
		ID:        id,
		Name:      name,
		Input:     input,
		State:     CallPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.AuditTrail = append(r.AuditTrail, AuditEntry{State: CallPending, Timestamp: now})
	return r
}

// Transition moves the record to the given state, appending to the audit
// trail. It returns false without mutating when the record is already in a
// terminal state or when the target equals the current state.
func (r *Record) Transition(state CallState, note string) bool {
	if r.State.Terminal() || r.State == state {
		return false
	}
	now := time.Now().UTC()
	r.State = state
	r.UpdatedAt = now
	switch state {
	case CallExecuting:
		r.StartedAt = now
	case CallCompleted, CallFailed, CallDenied, CallSealed:
		r.CompletedAt = now
		if !r.StartedAt.IsZero() {
			r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
		}
	}
	r.AuditTrail = append(r.AuditTrail, AuditEntry{State: state, Timestamp: now, Note: note})
	return true
}

// Complete transitions the record to COMPLETED with the given result.
func (r *Record) Complete(result string) bool {
	if !r.Transition(CallCompleted, "") {
		return false
	}
	r.Result = result
	r.IsError = false
	return true
}

// Fail transitions the record to FAILED with the given error message.
func (r *Record) Fail(msg string) bool {
	if !r.Transition(CallFailed, msg) {
		return false
	}
	r.Error = msg
	r.IsError = true
	return true
}

// Deny transitions the record to DENIED with the given reason.
func (r *Record) Deny(reason string) bool {
	if !r.Transition(CallDenied, reason) {
		return false
	}
	r.Error = reason
	r.IsError = true
	return true
}

// Seal transitions the record to SEALED with a structured reason payload.
// Sealing is how crash recovery and interrupts retire calls that never
// produced a result.
func (r *Record) Seal(payload string) bool {
	if !r.Transition(CallSealed, payload) {
		return false
	}
	r.Error = payload
	r.IsError = true
	return true
}

// SealPayload renders the structured seal reason for a record in the given
// prior state.
func SealPayload(priorState CallState, note, toolID string) string {
	b, err := json.Marshal(map[string]string{
		"status": string(priorState),
		"note":   note,
		"toolId": toolID,
	})
	if err != nil {
		return note
	}
	return string(b)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Input != nil {
		cp.Input = make(map[string]any, len(r.Input))
		for k, v := range r.Input {
			cp.Input[k] = v
		}
	}
	if r.Approval != nil {
		a := *r.Approval
		if r.Approval.Meta != nil {
			a.Meta = make(map[string]any, len(r.Approval.Meta))
			for k, v := range r.Approval.Meta {
				a.Meta[k] = v
			}
		}
		cp.Approval = &a
	}
	if r.AuditTrail != nil {
		cp.AuditTrail = append([]AuditEntry(nil), r.AuditTrail...)
	}
	return &cp
}

// UnmarshalJSON decodes a record from either the standard shape or the legacy
// {callId, toolName, arguments, state:int} shape.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	var a alias
	if err := json.Unmarshal(data, &a); err == nil && a.ID != "" {
		*r = Record(a)
		return nil
	}
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("tool call record: %w", err)
	}
	if legacy.CallID == "" {
		return fmt.Errorf("tool call record: missing id")
	}
	state := CallPending
	if legacy.State >= 0 && legacy.State < len(callStates) {
		state = callStates[legacy.State]
	}
	now := time.Now().UTC()
	*r = Record{
		ID:        legacy.CallID,
		Name:      legacy.ToolName,
		Input:     legacy.Arguments,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
		AuditTrail: []AuditEntry{
			{State: state, Timestamp: now, Note: "migrated from legacy record"},
		},
	}
	return nil
}
