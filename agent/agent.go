// Package agent defines the core identifiers, lifecycle enums, and error kinds
// shared by every runtime component. It sits at the root of the dependency
// graph: message, events, tools, store, and runtime all import it, and it
// imports nothing outside the standard library.
package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type (
	// Ident uniquely identifies an agent instance. Idents are stable across
	// process restarts: a resumed agent keeps the Ident it was created with.
	Ident string

	// RuntimeState describes what the agent is currently doing. It is
	// orthogonal to Breakpoint, which describes where within a step the agent
	// last checkpointed for crash recovery.
	RuntimeState string

	// Breakpoint is a coarse checkpoint within a single step. The runtime
	// persists the current breakpoint on every transition so a crashed process
	// can decide how to recover (seal in-flight tool calls, re-enter the loop,
	// surface stale approvals).
	Breakpoint string

	// StopReason explains why a run returned control to the caller.
	StopReason string
)

// RuntimeState values. Wire form is the uppercase string; legacy integer
// values (0..3 in declaration order) are accepted on read.
const (
	StateReady   RuntimeState = "READY"
	StateWorking RuntimeState = "WORKING"
	StatePaused  RuntimeState = "PAUSED"
	StateFailed  RuntimeState = "FAILED"
)

// Breakpoint values. Wire form is the uppercase string; legacy integer values
// (0..7 in declaration order) are accepted on read.
const (
	BreakReady            Breakpoint = "READY"
	BreakPreModel         Breakpoint = "PRE_MODEL"
	BreakStreamingModel   Breakpoint = "STREAMING_MODEL"
	BreakToolPending      Breakpoint = "TOOL_PENDING"
	BreakAwaitingApproval Breakpoint = "AWAITING_APPROVAL"
	BreakPreTool          Breakpoint = "PRE_TOOL"
	BreakToolExecuting    Breakpoint = "TOOL_EXECUTING"
	BreakPostTool         Breakpoint = "POST_TOOL"
)

// StopReason values returned in RunResult.
const (
	StopEndTurn          StopReason = "EndTurn"
	StopMaxIterations    StopReason = "MaxIterations"
	StopAwaitingApproval StopReason = "AwaitingApproval"
	StopCancelled        StopReason = "Cancelled"
	StopError            StopReason = "Error"
)

// runtimeStates and breakpoints list enum values in legacy integer order.
var (
	runtimeStates = []RuntimeState{StateReady, StateWorking, StatePaused, StateFailed}
	breakpoints   = []Breakpoint{
		BreakReady, BreakPreModel, BreakStreamingModel, BreakToolPending,
		BreakAwaitingApproval, BreakPreTool, BreakToolExecuting, BreakPostTool,
	}
)

// String returns the ident as a plain string.
func (i Ident) String() string { return string(i) }

// Valid reports whether s is a recognized runtime state.
func (s RuntimeState) Valid() bool {
	for _, v := range runtimeStates {
		if s == v {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the state as its uppercase wire string.
func (s RuntimeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON decodes either the uppercase wire string or a legacy integer
// index into the state enum.
func (s *RuntimeState) UnmarshalJSON(data []byte) error {
	str, idx, err := decodeEnum(data)
	if err != nil {
		return fmt.Errorf("runtime state: %w", err)
	}
	if idx >= 0 {
		if idx >= len(runtimeStates) {
			return fmt.Errorf("runtime state: legacy value %d out of range", idx)
		}
		*s = runtimeStates[idx]
		return nil
	}
	*s = RuntimeState(strings.ToUpper(str))
	return nil
}

// Valid reports whether b is a recognized breakpoint.
func (b Breakpoint) Valid() bool {
	for _, v := range breakpoints {
		if b == v {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the breakpoint as its uppercase wire string.
func (b Breakpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(b))
}

// UnmarshalJSON decodes either the uppercase wire string or a legacy integer
// index into the breakpoint enum.
func (b *Breakpoint) UnmarshalJSON(data []byte) error {
	str, idx, err := decodeEnum(data)
	if err != nil {
		return fmt.Errorf("breakpoint: %w", err)
	}
	if idx >= 0 {
		if idx >= len(breakpoints) {
			return fmt.Errorf("breakpoint: legacy value %d out of range", idx)
		}
		*b = breakpoints[idx]
		return nil
	}
	*b = Breakpoint(strings.ToUpper(str))
	return nil
}

// decodeEnum parses data as either a JSON string or a legacy integer. It
// returns the string form with idx == -1, or idx >= 0 for integers.
func decodeEnum(data []byte) (str string, idx int, err error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return "", -1, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", -1, err
		}
		return s, -1, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return "", -1, fmt.Errorf("expected string or integer, got %s", trimmed)
	}
	if n < 0 {
		return "", -1, fmt.Errorf("legacy value %d out of range", n)
	}
	return "", n, nil
}
