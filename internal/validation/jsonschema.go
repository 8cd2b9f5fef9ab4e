package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nvela/flowd/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow definitions. Embedded
// as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowd.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "tenant_id", "trigger", "actions"],
  "properties": {
    "id": { "type": "string" },
    "tenant_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "trigger": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["webhook", "schedule", "manual"] },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "conditions": {
      "type": "array",
      "items": { "$ref": "#/$defs/condition" }
    },
    "actions": {
      "type": "array",
      "items": { "$ref": "#/$defs/action" }
    },
    "status": {
      "type": "string",
      "enum": ["draft", "active", "paused", "archived"]
    },
    "provenance": {
      "type": "object",
      "properties": {
        "ai_generated": { "type": "boolean" },
        "ai_confidence": { "type": "number", "minimum": 0, "maximum": 1 },
        "ai_explanation": { "type": "string" },
        "approved_by": { "type": "string" }
      },
      "additionalProperties": false
    },
    "created_at": {},
    "updated_at": {}
  },
  "additionalProperties": false,
  "$defs": {
    "condition": {
      "type": "object",
      "required": ["operator"],
      "properties": {
        "field": { "type": "string" },
        "operator": {
          "type": "string",
          "enum": ["equals", "contains", "greater_than", "less_than", "matches_intent", "expression"]
        },
        "value": {},
        "min_confidence": { "type": "number", "minimum": 0, "maximum": 1 }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["kind", "config"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["email", "webhook", "notification", "log"]
        },
        "config": { "type": "object" },
        "order": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// compileWorkflowSchema compiles the embedded workflow schema once.
func compileWorkflowSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowd.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://flowd.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one message per leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
