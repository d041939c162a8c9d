package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var commandSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"cmd":     map[string]any{"type": "string"},
		"timeout": map[string]any{"type": "integer", "minimum": 0},
	},
	"required":             []any{"cmd"},
	"additionalProperties": false,
}

func TestValidateInputAccepts(t *testing.T) {
	err := ValidateInput(commandSchema, map[string]any{"cmd": "ls", "timeout": 5})
	require.NoError(t, err)
}

func TestValidateInputMissingRequired(t *testing.T) {
	err := ValidateInput(commandSchema, map[string]any{"timeout": 5})
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not match schema")
}

func TestValidateInputWrongType(t *testing.T) {
	err := ValidateInput(commandSchema, map[string]any{"cmd": 42})
	require.Error(t, err)
}

func TestValidateInputUnknownProperty(t *testing.T) {
	err := ValidateInput(commandSchema, map[string]any{"cmd": "ls", "shell": "zsh"})
	require.Error(t, err)
}

func TestValidateInputEmptySchemaAcceptsAnything(t *testing.T) {
	require.NoError(t, ValidateInput(nil, map[string]any{"whatever": true}))
	require.NoError(t, ValidateInput(map[string]any{}, nil))
}

func TestRequiredKeys(t *testing.T) {
	require.Equal(t, []string{"cmd"}, RequiredKeys(commandSchema))
	require.Nil(t, RequiredKeys(map[string]any{"type": "object"}))
	require.Equal(t, []string{"a", "b"}, RequiredKeys(map[string]any{
		"required": []any{"b", "a"},
	}))
}
