// Package tools defines the tool abstraction the runtime executes on behalf
// of the model: the Tool interface and descriptors, the registry, per-call
// input schema validation, and the authoritative ToolCallRecord state machine
// with its audit trail.
package tools

import (
	"context"
)

type (
	// Tool is a capability the model can invoke. Implementations live outside
	// the core (file I/O, shell, MCP bridges) and are consumed through this
	// interface only.
	Tool interface {
		// Name returns the tool identifier presented to the model.
		Name() string
		// Description documents the tool for prompting purposes.
		Description() string
		// InputSchema returns the JSON Schema object describing the tool's
		// arguments. The runtime validates every call against it before
		// execution.
		InputSchema() map[string]any
		// Descriptor returns the persistable descriptor for this tool.
		Descriptor() Descriptor
		// Execute runs the tool with validated input. Implementations honor
		// ctx cancellation; the runtime enforces timeouts by cancelling ctx.
		Execute(ctx context.Context, input map[string]any) (Result, error)
	}

	// Prompter is implemented by tools that contribute extra prompt text
	// (usage notes, environment details) to the system prompt.
	Prompter interface {
		// Prompt returns tool-specific prompt text, empty for none.
		Prompt(ctx context.Context) (string, error)
	}

	// Result is a tool execution outcome. A failed execution is expressed
	// either by a non-nil error from Execute or by IsError with explanatory
	// content; both are surfaced to the model as an error tool result.
	Result struct {
		// Content is the textual result handed back to the model.
		Content string
		// IsError marks the result as an error outcome.
		IsError bool
	}

	// Access classifies the side effects a tool may have. Readonly permission
	// mode uses it to decide whether a tool is safe to auto-allow.
	Access string

	// Metadata describes a tool's side-effect profile.
	Metadata struct {
		// Mutates reports whether the tool changes external state.
		Mutates bool `json:"mutates,omitempty"`
		// Access is the coarse access class: read, write, or execute. Empty
		// means undeclared, which readonly mode treats as ambiguous.
		Access Access `json:"access,omitempty"`
	}

	// Descriptor is the persistable identity of a tool: enough to recreate it
	// from a registry on resume.
	Descriptor struct {
		// Name is the tool identifier.
		Name string `json:"name"`
		// RegistryID identifies the registry factory that builds the tool.
		// Empty when the tool was registered directly.
		RegistryID string `json:"registryId,omitempty"`
		// Config carries factory configuration, nil for none.
		Config map[string]any `json:"config,omitempty"`
		// Metadata describes the tool's side-effect profile.
		Metadata Metadata `json:"metadata,omitempty"`
	}
)

// Access values.
const (
	AccessRead    Access = "read"
	AccessWrite   Access = "write"
	AccessExecute Access = "execute"
)

// Uncertain reports whether the descriptor's side-effect profile is
// undeclared, which readonly permission mode treats as requiring approval.
func (d Descriptor) Uncertain() bool {
	return !d.Metadata.Mutates && d.Metadata.Access == ""
}

// Unsafe reports whether the descriptor declares mutation, write, or execute
// access. Readonly mode denies unsafe tools outright.
func (d Descriptor) Unsafe() bool {
	return d.Metadata.Mutates || d.Metadata.Access == AccessWrite || d.Metadata.Access == AccessExecute
}
