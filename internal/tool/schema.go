package tool

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles and caches JSON-Schema validators per tool so
// argument validation doesn't re-parse the schema on every call.
type Validator struct {
	compiled map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks argumentsJSON against t's declared Parameters schema,
// compiling and caching it on first use.
func (v *Validator) Validate(t Tool, argumentsJSON string) error {
	schema, err := v.compile(t)
	if err != nil {
		return fmt.Errorf("tool: compile schema for %q: %w", t.Name(), err)
	}

	var args any
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return fmt.Errorf("tool: invalid tool arguments for %q: %w", t.Name(), err)
	}

	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("tool: arguments for %q failed schema validation: %w", t.Name(), err)
	}
	return nil
}

func (v *Validator) compile(t Tool) (*jsonschema.Schema, error) {
	if s, ok := v.compiled[t.Name()]; ok {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	res := fmt.Sprintf("tool:%s.json", t.Name())
	if err := c.AddResource(res, t.Parameters()); err != nil {
		return nil, err
	}
	schema, err := c.Compile(res)
	if err != nil {
		return nil, err
	}
	v.compiled[t.Name()] = schema
	return schema, nil
}
