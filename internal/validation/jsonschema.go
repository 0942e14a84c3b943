package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

const planSchemaURL = "https://multiagent.dev/schemas/plan.json"

// planSchemaJSON is the JSON Schema for plan documents.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://multiagent.dev/schemas/plan.json",
  "type": "object",
  "required": ["root"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "dialect": {
      "type": "string",
      "enum": ["expr", "cel"]
    },
    "metadata": { "type": "object" },
    "root": { "$ref": "#/$defs/node" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "properties": {
        "id": { "type": "string" },
        "type": { "type": "string" },
        "agent_id": { "type": "string" },
        "parameters": { "type": "object" },
        "tasks": { "$ref": "#/$defs/tasks" },
        "branch": {
          "type": "object",
          "required": ["cases"],
          "properties": {
            "cases": {
              "type": "array",
              "items": { "$ref": "#/$defs/case" }
            },
            "else": { "$ref": "#/$defs/tasks" }
          },
          "additionalProperties": false
        },
        "branch_key": {
          "type": "string",
          "minLength": 1
        },
        "cases": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/tasks" }
        },
        "loop": {
          "type": "object",
          "properties": {
            "condition": { "type": "string" },
            "do_while": { "type": "boolean" },
            "max_iters": {
              "type": "integer",
              "minimum": 1
            }
          },
          "additionalProperties": false
        }
      },
      "dependentRequired": {
        "branch_key": ["cases"]
      }
    },
    "tasks": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "case": {
      "type": "object",
      "properties": {
        "when": { "type": "string" },
        "tasks": { "$ref": "#/$defs/tasks" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks plan documents against the plan JSON Schema
// (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the plan schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	compiled, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &JSONSchemaValidator{planSchema: compiled}, nil
}

// ValidatePlan validates the document form of plan.
func (v *JSONSchemaValidator) ValidatePlan(plan *schema.Plan) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	return v.ValidateDocument(plan.Document())
}

// ValidateDocument validates a generic plan document, as decoded from JSON
// or YAML.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan document").WithCause(err)
	}
	if err := v.planSchema.Validate(value); err != nil {
		return toPlanError(err)
	}
	return nil
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

// toPlanError converts a jsonschema.ValidationError into a PlanError whose
// details list every violation with its instance location.
func toPlanError(err error) *schema.PlanError {
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

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
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
