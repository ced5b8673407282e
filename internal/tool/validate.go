package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validator checks call arguments against descriptor schemas. Resolved
// schemas are cached per tool name until Forget.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Resolved
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Resolved)}
}

// Validate returns nil when desc has no schema.
func (v *Validator) Validate(desc Descriptor, args map[string]any) error {
	if len(desc.Schema) == 0 {
		return nil
	}
	resolved, err := v.resolve(desc)
	if err != nil {
		return err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("tool: %s arguments: %w", desc.Name, err)
	}
	return nil
}

// Forget drops the cached schema for name.
func (v *Validator) Forget(name string) {
	v.mu.Lock()
	delete(v.cache, name)
	v.mu.Unlock()
}

func (v *Validator) resolve(desc Descriptor) (*jsonschema.Resolved, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if resolved, ok := v.cache[desc.Name]; ok {
		return resolved, nil
	}
	schema, err := SchemaFromMap(desc.Schema)
	if err != nil {
		return nil, fmt.Errorf("tool: %s schema: %w", desc.Name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool: %s schema: %w", desc.Name, err)
	}
	v.cache[desc.Name] = resolved
	return resolved, nil
}

// SchemaFromMap converts a decoded JSON Schema object into a typed schema.
func SchemaFromMap(m map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// SchemaToMap is the inverse of SchemaFromMap.
func SchemaToMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
