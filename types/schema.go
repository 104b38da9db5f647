package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator compiles and caches JSON Schemas used as pipeline
// input/output contracts. Schemas are structural contracts only; the
// orchestration core validates payloads against them but never executes
// them.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks payload against the given raw JSON Schema. A nil or
// empty schema accepts everything.
func (v *SchemaValidator) Validate(schema json.RawMessage, payload any) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schema)
	if err != nil {
		return NewError(ErrInvalidPipeline, "invalid schema").WithCause(err)
	}

	// Round-trip through JSON so numbers become json.Number, which the
	// jsonschema library requires.
	doc, err := toJSONValue(payload)
	if err != nil {
		return NewError(ErrSchemaViolation, "payload is not JSON-serializable").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return NewError(ErrSchemaViolation, "payload does not match schema").WithCause(err)
	}
	return nil
}

// Compile checks that a raw schema is itself a valid JSON Schema without
// validating any payload. A nil or empty schema is accepted.
func (v *SchemaValidator) Compile(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	_, err := v.getOrCompile(schema)
	return err
}

func (v *SchemaValidator) getOrCompile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets its own URL; a fresh compiler avoids resource
	// collisions between unrelated pipelines.
	url := fmt.Sprintf("flowmesh://schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
