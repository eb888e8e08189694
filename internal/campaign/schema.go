package campaign

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Record schemas only pin what the sync engine relies on: identity and the
// status enums. Content and draft documents stay opaque.
var recordSchemas = map[string]string{
	TableCampaigns: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"title": {"type": ["string", "null"]},
			"status": {"enum": ["drafting", "draft_ready", "executing", "completed", "failed", null]}
		}
	}`,
	TableMessages: `{
		"type": "object",
		"required": ["id", "campaign_id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"campaign_id": {"type": "string"},
			"role": {"type": ["string", "null"]},
			"content": {"type": ["string", "null"]}
		}
	}`,
	TableAssets: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"campaign_id": {"type": ["string", "null"]},
			"asset_type": {"type": ["string", "null"]},
			"day_number": {"type": ["integer", "null"]},
			"status": {"enum": ["pending", "generating", "completed", "failed", null]},
			"error_message": {"type": ["string", "null"]}
		}
	}`,
}

// RecordValidator checks raw change-event records against the per-table
// schemas before they are merged into a projection.
type RecordValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewRecordValidator() (*RecordValidator, error) {
	compiler := jsonschema.NewCompiler()
	v := &RecordValidator{schemas: map[string]*jsonschema.Schema{}}
	for table, text := range recordSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", table, err)
		}
		location := table + ".json"
		if err := compiler.AddResource(location, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", table, err)
		}
		schema, err := compiler.Compile(location)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", table, err)
		}
		v.schemas[table] = schema
	}
	return v, nil
}

// MustRecordValidator panics if the embedded schemas do not compile.
func MustRecordValidator() *RecordValidator {
	v, err := NewRecordValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *RecordValidator) Validate(table string, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty %s record", ErrInvalidInput, table)
	}
	schema, ok := v.schemas[table]
	if !ok {
		return fmt.Errorf("%w: no schema for table %s", ErrNotImplemented, table)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s record: %v", ErrInvalidInput, table, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s record: %v", ErrInvalidInput, table, err)
	}
	return nil
}
