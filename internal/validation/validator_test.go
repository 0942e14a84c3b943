package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// mockAgentLookup implements AgentLookup for tests.
type mockAgentLookup struct {
	registered map[string]bool
}

func (m *mockAgentLookup) Has(id string) bool {
	return m.registered[id]
}

func newMockLookup(ids ...string) *mockAgentLookup {
	m := &mockAgentLookup{registered: make(map[string]bool)}
	for _, id := range ids {
		m.registered[id] = true
	}
	return m
}

func newValidator(t *testing.T, opts ...Option) *PlanValidator {
	t.Helper()
	v, err := NewPlanValidator(opts...)
	require.NoError(t, err)
	return v
}

func mustParse(t *testing.T, doc string) *schema.Plan {
	t.Helper()
	p, err := schema.ParsePlanJSON([]byte(doc))
	require.NoError(t, err)
	return p
}

func messages(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Message
	}
	return out
}

const slaPlan = `{
  "name": "sla",
  "root": {
    "id": "root",
    "type": "sequential",
    "tasks": [
      {"type": "parallel", "id": "gather", "tasks": [
        {"type": "agent_call", "id": "sla", "agent_id": "service_level_agent", "parameters": {"supplier_name": "{{state.metadata.supplier}}"}},
        {"type": "agent_call", "id": "obl", "agent_id": "obligations_manager", "parameters": {"query": "x"}}
      ]},
      {"branch": {"cases": [
        {"when": "steps.sla.status == \"evaluated\"", "tasks": [
          {"type": "agent_call", "id": "report", "agent_id": "report_synthesizer", "parameters": {"sla_data": "{{steps.sla}}", "obligation_data": "{{steps.obl}}"}}
        ]}
      ], "else": [
        {"type": "agent_call", "id": "ask", "agent_id": "human_assistant"}
      ]}, "id": "check"}
    ]
  }
}`

// --- Pipeline ---

func TestValidate_ValidPlan(t *testing.T) {
	v := newValidator(t, WithAgents(HandlerLookup(handlers.DefaultAgentTable(), handlers.Defaults())))
	result := v.Validate(mustParse(t, slaPlan))
	assert.True(t, result.Valid(), "errors: %v", messages(result.Errors))
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidatePlan(mustParse(t, slaPlan)))
}

func TestValidate_NilPlan(t *testing.T) {
	result := newValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "plan is nil", result.Errors[0].Message)
}

func TestValidate_MissingRoot(t *testing.T) {
	result := newValidator(t).Validate(&schema.Plan{Name: "empty"})
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "root")
}

func TestValidate_UnknownDialect(t *testing.T) {
	p := mustParse(t, `{"dialect": "lua", "root": {"type": "sequential"}}`)
	result := newValidator(t).Validate(p)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "/dialect")
}

func TestValidate_DuplicateIDs(t *testing.T) {
	p := mustParse(t, `{"root": {"type": "sequential", "tasks": [
		{"type": "agent_call", "id": "a", "agent_id": "x"},
		{"type": "parallel", "tasks": [{"type": "agent_call", "id": "a", "agent_id": "x"}]}
	]}}`)
	result := newValidator(t).Validate(p)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, `duplicate node id "a"`)
	assert.Error(t, newValidator(t).ValidatePlan(p))
}

func TestValidate_UnknownKind(t *testing.T) {
	p := mustParse(t, `{"root": {"type": "sequential", "tasks": [{"type": "map_reduce", "id": "m"}]}}`)

	result := newValidator(t).Validate(p)
	assert.True(t, result.Valid())
	assert.Contains(t, messages(result.Warnings), `unknown node type "map_reduce"; node will be skipped`)

	result = newValidator(t, WithStrictKinds(true)).Validate(p)
	assert.False(t, result.Valid())
}

func TestValidateDocument(t *testing.T) {
	yamlDoc := []byte(`
name: yaml-plan
root:
  type: sequential
  tasks:
    - type: agent_call
      id: ask
      agent_id: human_assistant
      parameters:
        question: "why?"
`)
	plan, result := newValidator(t).ValidateDocument(yamlDoc, "plan.yaml")
	require.NotNil(t, plan)
	assert.True(t, result.Valid())
	assert.Equal(t, "yaml-plan", plan.Name)

	plan, result = newValidator(t).ValidateDocument([]byte(`{"root": {"loop": {"max_iters": 0}}}`), "plan.json")
	assert.Nil(t, plan)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "max_iters must be a positive integer")

	plan, result = newValidator(t).ValidateDocument([]byte(`{not json`), "plan.json")
	assert.Nil(t, plan)
	assert.False(t, result.Valid())
}

// --- JSON Schema ---

func TestJSONSchema_Document(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, jsv.ValidateDocument(map[string]any{
		"name": "ok",
		"root": map[string]any{
			"branch_key": "tier",
			"cases":      map[string]any{"gold": []any{map[string]any{"agent_id": "x"}}},
		},
	}))

	err = jsv.ValidateDocument(map[string]any{"roots": map[string]any{}})
	require.Error(t, err)
	pe, ok := err.(*schema.PlanError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, pe.Code)
	violations, ok := pe.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
	assert.Contains(t, strings.Join(violations, "\n"), "roots")
}

func TestJSONSchema_NodeShapes(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		root map[string]any
	}{
		{"branch without cases", map[string]any{"branch": map[string]any{"else": []any{}}}},
		{"cases not a list", map[string]any{"branch": map[string]any{"cases": "x"}}},
		{"branch_key without cases", map[string]any{"branch_key": "tier"}},
		{"empty branch_key", map[string]any{"branch_key": "", "cases": map[string]any{}}},
		{"loop max_iters zero", map[string]any{"loop": map[string]any{"max_iters": 0}}},
		{"loop unknown field", map[string]any{"loop": map[string]any{"until": "x"}}},
		{"parameters not an object", map[string]any{"agent_id": "x", "parameters": "p"}},
		{"tasks not a list", map[string]any{"type": "sequential", "tasks": map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, jsv.ValidateDocument(map[string]any{"root": tt.root}))
		})
	}

	assert.Error(t, jsv.ValidatePlan(nil))
}

// --- Semantic ---

func TestSemantic_UnknownAgent(t *testing.T) {
	p := mustParse(t, `{"root": {"type": "sequential", "tasks": [
		{"type": "agent_call", "id": "a", "agent_id": "talk_to_document"},
		{"type": "agent_call", "id": "b", "agent_id": "legal_research"}
	]}}`)

	result := validateSemantic(p, newMockLookup("talk_to_document"))
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "root.tasks[1].agent_id", result.Warnings[0].Path)
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Message, "legal_research")

	assert.Empty(t, validateSemantic(p, nil).Warnings)
}

func TestSemantic_HandlerLookup(t *testing.T) {
	reg := handlers.NewRegistry().MustRegister(handlers.HumanAssistant())
	lookup := HandlerLookup(handlers.DefaultAgentTable(), reg)

	assert.True(t, lookup.Has("human_assistant"))
	assert.False(t, lookup.Has("talk_to_document"))
	assert.False(t, lookup.Has("nope"))
}

func TestSemantic_Conditions(t *testing.T) {
	p := mustParse(t, `{"root": {"type": "sequential", "tasks": [
		{"id": "br", "branch": {"cases": [
			{"when": "state.metadata.x == 1", "tasks": []},
			{"when": "__import__('os')", "tasks": []}
		]}},
		{"id": "lp", "loop": {"condition": "state.metadata.x =="}, "tasks": [{"agent_id": "a", "id": "body"}]}
	]}}`)

	result := validateSemantic(p, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 2)
	assert.Equal(t, "root.tasks[0].branch.cases[1].when", result.Warnings[0].Path)
	assert.Equal(t, schema.ErrCodeExpression, result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Message, "will evaluate to false")
	assert.Equal(t, "root.tasks[1].loop.condition", result.Warnings[1].Path)
}

func TestSemantic_CELDialect(t *testing.T) {
	p := mustParse(t, `{"dialect": "cel", "root": {"id": "br", "branch": {"cases": [
		{"when": "state.metadata.tier == 'gold' && size(steps) >= 0", "tasks": []}
	], "else": [{"agent_id": "x", "id": "e"}]}}}`)
	assert.Empty(t, validateSemantic(p, nil).Warnings)
}

func TestSemantic_LoopShape(t *testing.T) {
	p := mustParse(t, `{"root": {"id": "lp", "loop": {"max_iters": 2}}}`)
	warnings := messages(validateSemantic(p, nil).Warnings)
	assert.Contains(t, warnings, "loop has no condition and stops only at max_iters or on identical outputs")
	assert.Contains(t, warnings, "loop body is empty")
}

func TestSemantic_StepReferences(t *testing.T) {
	p := mustParse(t, `{"root": {"type": "sequential", "tasks": [
		{"agent_id": "a", "id": "first"},
		{"agent_id": "a", "parameters": {"x": "{{steps.first.value}}", "y": "{{ steps.ghost }}", "z": ["{{steps.step_1}}"]}},
		{"id": "kb", "branch_key": "steps.phantom.kind", "cases": {"a": []}}
	]}}`)

	result := validateSemantic(p, nil)
	assert.Equal(t, []string{
		`references unknown step "ghost"`,
		`references unknown step "phantom"`,
	}, messages(result.Warnings))
	assert.Equal(t, "root.tasks[1]", result.Warnings[0].Path)
}

func TestSemantic_AnonymousStepCollision(t *testing.T) {
	p := mustParse(t, `{"root": {"type": "sequential", "tasks": [
		{"agent_id": "a"},
		{"agent_id": "a", "id": "step_2"}
	]}}`)
	result := validateSemantic(p, nil)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "root.tasks[1].id", result.Warnings[0].Path)
	assert.Equal(t, "step_2", result.Warnings[0].NodeID)
	assert.Equal(t, `id "step_2" has the form given to anonymous agent calls and may be overwritten by one`,
		result.Warnings[0].Message)

	p = mustParse(t, `{"root": {"type": "sequential", "tasks": [{"agent_id": "a", "id": "step_2"}]}}`)
	assert.Empty(t, validateSemantic(p, nil).Warnings)
}

// --- Parallel independence ---

func TestIndependence_SiblingReference(t *testing.T) {
	p := mustParse(t, `{"root": {"id": "p", "type": "parallel", "tasks": [
		{"agent_id": "a", "id": "left"},
		{"agent_id": "a", "id": "right", "parameters": {"in": "{{steps.left}}"}}
	]}}`)

	result := validateIndependence(p)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "root.tasks[1]", result.Warnings[0].Path)
	assert.Equal(t, `parallel child "right" references "left", which sibling "left" produces concurrently`,
		result.Warnings[0].Message)
}

func TestIndependence_NestedAndAnonymous(t *testing.T) {
	p := mustParse(t, `{"root": {"type": "sequential", "tasks": [
		{"agent_id": "a", "id": "before"},
		{"type": "parallel", "id": "p", "tasks": [
			{"type": "sequential", "tasks": [
				{"agent_id": "a", "id": "s1"},
				{"agent_id": "a", "id": "s2", "parameters": {"in": "{{steps.s1}} {{steps.before}}"}}
			]},
			{"id": "lp", "loop": {"condition": "steps.s2 != None", "max_iters": 2}, "tasks": [{"agent_id": "a", "id": "l1"}]}
		]}
	]}}`)

	result := validateIndependence(p)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "root.tasks[1].tasks[1]", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, `"lp" references "s2", which sibling anon#0`)
}

func TestIndependence_ValidPlanHasNoWarnings(t *testing.T) {
	assert.Empty(t, validateIndependence(mustParse(t, slaPlan)).Warnings)
}
