package handlers

import (
	"maps"
	"sort"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// Registered handler names.
const (
	NameTalkToDocument  = "TalktoDocument"
	NamePlaybookBuilder = "PlaybookBuilder"
	NameSLAEvaluator    = "ServiceLevelComplianceEvaluator"
	NameObligations     = "ObligationsManager"
	NameMediator        = "MediatorAgent"
	NameHumanAssistant  = schema.HumanAssistantName
	NameDataTransform   = "DataTransform"
)

// AgentTable maps the logical agent ids used in plans to registered
// handler names.
type AgentTable map[string]string

// DefaultAgentTable returns a fresh copy of the built-in translation table.
func DefaultAgentTable() AgentTable {
	return AgentTable{
		"talk_to_document":    NameTalkToDocument,
		"playbook_generator":  NamePlaybookBuilder,
		"service_level_agent": NameSLAEvaluator,
		"obligations_manager": NameObligations,
		"report_synthesizer":  NameMediator,
		"human_assistant":     NameHumanAssistant,
		"data_transform":      NameDataTransform,
	}
}

// With returns a copy of t with overrides applied on top.
func (t AgentTable) With(overrides map[string]string) AgentTable {
	out := make(AgentTable, len(t)+len(overrides))
	maps.Copy(out, t)
	maps.Copy(out, overrides)
	return out
}

// LogicalIDs returns the table's logical ids in sorted order.
func (t AgentTable) LogicalIDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve maps a logical agent id to its registered handler.
// Unknown ids and unregistered targets are HANDLER_UNAVAILABLE.
func (t AgentTable) Resolve(reg *Registry, agentID string) (Handler, error) {
	name, ok := t[agentID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "unknown agent_id %q", agentID)
	}
	return reg.Get(name)
}

// Defaults returns a registry holding every built-in handler.
func Defaults() *Registry {
	return NewRegistry().MustRegister(
		TalkToDocument(),
		PlaybookBuilder(),
		ServiceLevelComplianceEvaluator(),
		ObligationsManager(),
		MediatorAgent(),
		HumanAssistant(),
		DataTransform(nil),
	)
}
