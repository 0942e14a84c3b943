package validation

import (
	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// Validator checks plans for correctness before execution.
type Validator interface {
	ValidatePlan(plan *schema.Plan) error
}

// AgentLookup reports whether a logical agent id resolves to a handler.
type AgentLookup interface {
	Has(agentID string) bool
}

type tableLookup struct {
	table handlers.AgentTable
	reg   *handlers.Registry
}

// HandlerLookup resolves agent ids through table against reg.
func HandlerLookup(table handlers.AgentTable, reg *handlers.Registry) AgentLookup {
	return tableLookup{table: table, reg: reg}
}

func (l tableLookup) Has(agentID string) bool {
	_, err := l.table.Resolve(l.reg, agentID)
	return err == nil
}

// PlanValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema, then tree invariants such as unique ids)
// 2. Semantic (agent ids, condition syntax, step references)
// 3. Parallel independence
type PlanValidator struct {
	jsonSchema  *JSONSchemaValidator
	agents      AgentLookup
	strictKinds bool
}

// Option configures a PlanValidator.
type Option func(*PlanValidator)

// WithAgents enables agent id checks against lookup.
func WithAgents(lookup AgentLookup) Option {
	return func(v *PlanValidator) { v.agents = lookup }
}

// WithStrictKinds makes unknown node kinds errors instead of warnings.
func WithStrictKinds(strict bool) Option {
	return func(v *PlanValidator) { v.strictKinds = strict }
}

// NewPlanValidator creates a PlanValidator. Without WithAgents, agent ids
// are not checked.
func NewPlanValidator(opts ...Option) (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	v := &PlanValidator{jsonSchema: jsv}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (v *PlanValidator) Validate(plan *schema.Plan) *schema.ValidationResult {
	if plan == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "plan is nil")
		return r
	}

	// Stage 1: Structural.
	result := validateStructural(v.jsonSchema, plan)
	if !result.Valid() {
		return result
	}
	result.Merge(plan.Validate(v.strictKinds))
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(plan, v.agents))

	// Stage 3: Parallel independence.
	result.Merge(validateIndependence(plan))
	return result
}

// ValidateDocument decodes a JSON or YAML plan document and validates it.
// The plan is nil when the document cannot be decoded.
func (v *PlanValidator) ValidateDocument(data []byte, filename string) (*schema.Plan, *schema.ValidationResult) {
	plan, err := schema.ParsePlan(data, filename)
	if err != nil {
		r := &schema.ValidationResult{}
		msg := err.Error()
		if pe, ok := err.(*schema.PlanError); ok {
			msg = pe.Message
		}
		r.AddError("/", schema.ErrCodeValidation, msg)
		return nil, r
	}
	return plan, v.Validate(plan)
}

// ValidatePlan satisfies the Validator interface.
func (v *PlanValidator) ValidatePlan(plan *schema.Plan) error {
	return v.Validate(plan).ToError()
}

// validateStructural converts JSON Schema violations into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidatePlan(plan)
	if err == nil {
		return result
	}

	pe, ok := err.(*schema.PlanError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := pe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, pe.Message)
	return result
}
