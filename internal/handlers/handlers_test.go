package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

func runJSON(t *testing.T, h Handler, task string) map[string]any {
	t.Helper()
	out, err := h.Run(context.Background(), task, map[string]any{})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

// --- Registry ---

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(HumanAssistant()))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has(NameHumanAssistant))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(HumanAssistant()))

	err := reg.Register(HumanAssistant())
	require.Error(t, err)

	var pe *schema.PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeConflict, pe.Code)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.HasCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(reg.Register(NewFunc("", "", nil)), schema.ErrCodeValidation))
}

func TestRegistry_Get_NotFound(t *testing.T) {
	_, err := NewRegistry().Get("nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerUnavailable))
}

func TestRegistry_List_Sorted(t *testing.T) {
	infos := Defaults().List()
	require.Len(t, infos, 7)
	for i := 1; i < len(infos); i++ {
		assert.Less(t, infos[i-1].Name, infos[i].Name)
	}
	assert.NotEmpty(t, infos[0].Description)
}

func TestRegistry_Concurrent(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = reg.Register(NewFunc(string(rune('a'+n)), "", nil))
			reg.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Count())
}

// --- Table ---

func TestAgentTable_Resolve(t *testing.T) {
	reg := Defaults()
	table := DefaultAgentTable()

	for _, id := range table.LogicalIDs() {
		h, err := table.Resolve(reg, id)
		require.NoError(t, err, id)
		assert.Equal(t, table[id], h.Name())
	}

	_, err := table.Resolve(reg, "legal_research")
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerUnavailable))
}

func TestAgentTable_With(t *testing.T) {
	base := DefaultAgentTable()
	custom := base.With(map[string]string{"talk_to_document": "Custom", "extra": "Extra"})

	assert.Equal(t, "Custom", custom["talk_to_document"])
	assert.Equal(t, "Extra", custom["extra"])
	assert.Equal(t, NameTalkToDocument, base["talk_to_document"])
}

func TestAgentTable_RegisteredTargetMissing(t *testing.T) {
	_, err := DefaultAgentTable().Resolve(NewRegistry(), "talk_to_document")
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerUnavailable))
}

// --- Built-in handlers ---

func TestTalkToDocument(t *testing.T) {
	m := runJSON(t, TalkToDocument(), `{"document_id":"msa-7","query":"term?"}`)
	assert.Equal(t, "msa-7", m["document_id"])
	assert.Equal(t, "term?", m["query"])
	assert.Equal(t, "Stubbed answer for query against msa-7", m["answer"])

	m = runJSON(t, TalkToDocument(), `not json`)
	assert.Equal(t, "unknown", m["document_id"])
}

func TestPlaybookBuilder(t *testing.T) {
	m := runJSON(t, PlaybookBuilder(), `{"document_id":"d1"}`)
	assert.Equal(t, "default", m["playbook_id"])
	assert.Len(t, m["risks"], 2)
}

func TestServiceLevelComplianceEvaluator(t *testing.T) {
	m := runJSON(t, ServiceLevelComplianceEvaluator(), `{"supplier":"Acme"}`)
	assert.Equal(t, "Acme", m["supplier"])
	assert.Equal(t, "unspecified", m["period"])
	assert.Equal(t, "evaluated", m["status"])

	metrics := m["sla_metrics"].(map[string]any)
	assert.Equal(t, "< 2h", metrics["response_time"].(map[string]any)["target"])

	m = runJSON(t, ServiceLevelComplianceEvaluator(), `{"supplier_name":"Globex","supplier":"ignored"}`)
	assert.Equal(t, "Globex", m["supplier"])
}

func TestServiceLevelComplianceEvaluator_RawText(t *testing.T) {
	out, err := ServiceLevelComplianceEvaluator().Run(context.Background(), `{"supplier_name":"A&B <x>"}`, nil)
	require.NoError(t, err)
	assert.Contains(t, out, `"supplier":"A&B <x>"`)
	assert.Contains(t, out, `"target":"< 2h"`)
	assert.NotContains(t, out, `\u003c`)
}

func TestObligationsManager(t *testing.T) {
	m := runJSON(t, ObligationsManager(), `{"supplier_name":"Acme"}`)
	assert.Equal(t, "Acme", m["supplier"])
	require.Len(t, m["obligations"], 2)

	m = runJSON(t, ObligationsManager(), `{"query":"who owes what"}`)
	assert.Equal(t, "who owes what", m["supplier"])
}

func TestMediatorAgent(t *testing.T) {
	m := runJSON(t, MediatorAgent(), `{"sla_data":{"status":"evaluated"},"obligation_data":[1]}`)
	assert.Equal(t, "Synthesis Report", m["title"])
	sections := m["sections"].([]any)
	require.Len(t, sections, 2)
	assert.Equal(t, "SLA Metrics", sections[0].(map[string]any)["heading"])
	assert.Equal(t, map[string]any{"status": "evaluated"}, sections[0].(map[string]any)["content"])
}

func TestHumanAssistant(t *testing.T) {
	out, err := HumanAssistant().Run(context.Background(), "Which supplier?", nil)
	require.NoError(t, err)
	assert.Equal(t, "A question was formulated for the human: 'Which supplier?'", out)
}

func TestDataTransform(t *testing.T) {
	h := DataTransform(nil)

	out, err := h.Run(context.Background(),
		`{"expression":"[.obligations[].title]","input":"{\"obligations\":[{\"title\":\"a\"},{\"title\":\"b\"}]}"}`, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, out)

	out, err = h.Run(context.Background(), `{"expression":".n + 1","input":{"n":1}}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out)

	_, err = h.Run(context.Background(), `{"input":{}}`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = h.Run(context.Background(), `{"expression":"error(\"bad\")","input":{}}`, nil)
	assert.Error(t, err)
}

func TestNewFunc(t *testing.T) {
	h := NewFunc("Echo", "echoes the task", func(_ context.Context, task string, _ map[string]any) (string, error) {
		return task, nil
	})
	out, err := h.Run(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.Equal(t, "echoes the task", h.Info().Description)
}
