package agent

import (
	"errors"
	"fmt"
)

type (
	// ProviderError wraps a failure reported by a model provider. Provider
	// errors bubble out of a single step and fail the run without marking the
	// agent Failed, so callers may retry.
	ProviderError struct {
		// Provider names the provider that produced the failure ("anthropic",
		// "openai", ...).
		Provider string
		// StatusCode is the HTTP status when known, zero otherwise.
		StatusCode int
		// Err is the underlying cause.
		Err error
	}

	// ToolNotFoundError reports a tool name that is not registered or not
	// enabled for the agent.
	ToolNotFoundError struct {
		ToolName string
	}

	// ToolExecutionError wraps a failure raised by a tool implementation.
	// Tool errors are never fatal: they are recorded on the tool-call record
	// and surfaced to the model as an error tool result.
	ToolExecutionError struct {
		ToolName string
		Input    map[string]any
		Err      error
	}

	// InvalidStateError reports an operation attempted in an incompatible
	// runtime state.
	InvalidStateError struct {
		Current  RuntimeState
		Expected RuntimeState
	}

	// ConfigError reports invalid or incomplete agent configuration. Config
	// errors are raised synchronously from Create and Resume.
	ConfigError struct {
		Reason string
	}

	// StorageError wraps a store failure. Event persistence failures are
	// buffered rather than propagated; all other storage failures carry this
	// type.
	StorageError struct {
		Op  string
		Err error
	}
)

// ErrCancelled marks cooperative cancellation initiated by the caller, as
// opposed to a tool timeout which is recorded as a failed tool result.
var ErrCancelled = errors.New("agent: run cancelled")

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.ToolName)
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q execution failed: %v", e.ToolName, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid agent state %s, expected %s", e.Current, e.Expected)
}

func (e *ConfigError) Error() string {
	return "agent configuration: " + e.Reason
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
