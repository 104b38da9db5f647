package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidatorValidate(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["topic"],
		"properties": {
			"topic": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1}
		}
	}`)

	require.NoError(t, v.Validate(schema, map[string]any{"topic": "go", "limit": 5}))

	err := v.Validate(schema, map[string]any{"limit": 5})
	require.Error(t, err)
	assert.Equal(t, ErrSchemaViolation, GetErrorCode(err))

	err = v.Validate(schema, map[string]any{"topic": 42})
	require.Error(t, err)
	assert.Equal(t, ErrSchemaViolation, GetErrorCode(err))
}

func TestSchemaValidatorEmptySchemaAcceptsAnything(t *testing.T) {
	v := NewSchemaValidator()
	assert.NoError(t, v.Validate(nil, map[string]any{"anything": true}))
	assert.NoError(t, v.Validate(json.RawMessage{}, nil))
}

func TestSchemaValidatorCompile(t *testing.T) {
	v := NewSchemaValidator()
	assert.NoError(t, v.Compile(nil))
	assert.NoError(t, v.Compile(json.RawMessage(`{"type": "object"}`)))
	assert.Error(t, v.Compile(json.RawMessage(`{"type": 12}`)))
	assert.Error(t, v.Compile(json.RawMessage(`not json`)))
}

func TestErrorCodesAndConflicts(t *testing.T) {
	err := NewErrorf(ErrDuplicateResume, "run %s already resumed", "r1").WithHTTPStatus(409)
	assert.Equal(t, ErrDuplicateResume, GetErrorCode(err))
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "DUPLICATE_RESUME")

	wrapped := NewError(ErrInternalError, "query failed").WithCause(assert.AnError)
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.False(t, IsConflict(wrapped))
}
