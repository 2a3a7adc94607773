package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/uicp/compute-core/pkg/jobspec"
)

// ValidateInput checks raw JSON input against the entry's declared input
// schema, if one was found alongside the module artifact during
// ScanModulesDir. A module with no schema accepts any well-formed JSON.
func (e *Entry) ValidateInput(input []byte) error {
	if e.SchemaPath == "" {
		return nil
	}
	schema, err := e.compiledSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return jobspec.New(jobspec.KindInvalidInput, jobspec.DetailSchemaViolation,
			"registry: input is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return jobspec.New(jobspec.KindInvalidInput, jobspec.DetailSchemaViolation,
			"registry: input failed schema %s: %v", e.SchemaPath, err)
	}
	return nil
}

func (e *Entry) compiledSchema() (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if e.schema != nil {
		return e.schema, nil
	}

	data, err := os.ReadFile(e.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("registry: read schema %s: %w", e.SchemaPath, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(e.SchemaPath, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("registry: add schema resource %s: %w", e.SchemaPath, err)
	}
	schema, err := c.Compile(e.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("registry: compile schema %s: %w", e.SchemaPath, err)
	}
	e.schema = schema
	return schema, nil
}
