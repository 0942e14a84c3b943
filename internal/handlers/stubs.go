package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anaysingh0542/multi-agent/internal/expressions"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// The built-in handlers return canned, structured results. They stand in
// for model-backed agents and keep plans runnable end to end.

// parseTask decodes a JSON object task. Anything else becomes {"raw": task}.
func parseTask(task string) map[string]any {
	var params map[string]any
	if err := json.Unmarshal([]byte(task), &params); err != nil || params == nil {
		return map[string]any{"raw": task}
	}
	return params
}

func param(params map[string]any, key string, def any) any {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func encode(v any) (string, error) {
	data, err := expressions.CompactJSON(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

type stub struct {
	info Info
	run  func(params map[string]any) any
}

func (s *stub) Name() string { return s.info.Name }
func (s *stub) Info() Info   { return s.info }

func (s *stub) Run(_ context.Context, task string, _ map[string]any) (string, error) {
	return encode(s.run(parseTask(task)))
}

type talkResult struct {
	DocumentID any    `json:"document_id"`
	Query      any    `json:"query"`
	Answer     string `json:"answer"`
}

// TalkToDocument answers a query against a document.
func TalkToDocument() Handler {
	return &stub{
		info: Info{
			Name:         NameTalkToDocument,
			Description:  "Answers questions against a single document",
			Capabilities: []string{"document_qa"},
			Version:      "1.0.0",
		},
		run: func(p map[string]any) any {
			doc := param(p, "document_id", "unknown")
			return talkResult{
				DocumentID: doc,
				Query:      param(p, "query", ""),
				Answer:     fmt.Sprintf("Stubbed answer for query against %v", doc),
			}
		},
	}
}

type risk struct {
	Clause    string `json:"clause"`
	RiskLevel string `json:"risk_level"`
	Issue     string `json:"issue"`
}

type playbookResult struct {
	DocumentID any    `json:"document_id"`
	PlaybookID any    `json:"playbook_id"`
	Risks      []risk `json:"risks"`
}

// PlaybookBuilder reviews a document against a playbook.
func PlaybookBuilder() Handler {
	return &stub{
		info: Info{
			Name:         NamePlaybookBuilder,
			Description:  "Reviews a contract against a playbook and lists risk findings",
			Capabilities: []string{"playbook_review", "risk_findings"},
			Version:      "1.0.0",
		},
		run: func(p map[string]any) any {
			return playbookResult{
				DocumentID: param(p, "document_id", "unknown"),
				PlaybookID: param(p, "playbook_id", "default"),
				Risks: []risk{
					{Clause: "Limitation of Liability", RiskLevel: "medium", Issue: "Cap missing explicit exclusions"},
					{Clause: "Payment Terms", RiskLevel: "low", Issue: "Net-60; verify allowances"},
				},
			}
		},
	}
}

type slaMetric struct {
	Target string `json:"target"`
	Actual string `json:"actual"`
}

type slaMetrics struct {
	Availability   slaMetric `json:"availability"`
	ResponseTime   slaMetric `json:"response_time"`
	ResolutionTime slaMetric `json:"resolution_time"`
}

type slaResult struct {
	Supplier   any        `json:"supplier"`
	Period     any        `json:"period"`
	SLAMetrics slaMetrics `json:"sla_metrics"`
	Status     string     `json:"status"`
}

// ServiceLevelComplianceEvaluator reports SLA metrics for a supplier.
func ServiceLevelComplianceEvaluator() Handler {
	return &stub{
		info: Info{
			Name:         NameSLAEvaluator,
			Description:  "Evaluates supplier service levels against contractual targets",
			Capabilities: []string{"sla_evaluation"},
			Version:      "1.0.0",
		},
		run: func(p map[string]any) any {
			return slaResult{
				Supplier: param(p, "supplier_name", param(p, "supplier", "unknown")),
				Period:   param(p, "period", "unspecified"),
				SLAMetrics: slaMetrics{
					Availability:   slaMetric{Target: "99.9%", Actual: "99.7%"},
					ResponseTime:   slaMetric{Target: "< 2h", Actual: "1h 45m"},
					ResolutionTime: slaMetric{Target: "< 24h", Actual: "22h"},
				},
				Status: "evaluated",
			}
		},
	}
}

type obligation struct {
	Title  string `json:"title"`
	Due    string `json:"due"`
	Status string `json:"status"`
}

type obligationsResult struct {
	Supplier    any          `json:"supplier"`
	Obligations []obligation `json:"obligations"`
}

// ObligationsManager lists outstanding obligations for a supplier.
func ObligationsManager() Handler {
	return &stub{
		info: Info{
			Name:         NameObligations,
			Description:  "Finds and structures outstanding obligations for suppliers/contracts",
			Capabilities: []string{"obligation_search", "obligation_structuring"},
			Version:      "1.0.0",
		},
		run: func(p map[string]any) any {
			supplier := p["supplier_name"]
			if !expressions.Truthy(supplier) {
				supplier = param(p, "query", "")
			}
			return obligationsResult{
				Supplier: supplier,
				Obligations: []obligation{
					{Title: "Monthly compliance report", Due: "Monthly", Status: "Outstanding"},
					{Title: "Quarterly audit", Due: "Quarterly", Status: "Outstanding"},
				},
			}
		},
	}
}

type section struct {
	Heading string `json:"heading"`
	Content any    `json:"content"`
}

type reportResult struct {
	Title    any       `json:"title"`
	Sections []section `json:"sections"`
}

// MediatorAgent synthesizes earlier outputs into a report.
func MediatorAgent() Handler {
	return &stub{
		info: Info{
			Name:         NameMediator,
			Description:  "Synthesizes multi-agent outputs into comprehensive reports",
			Capabilities: []string{"report_synthesis", "aggregation", "formatting"},
			Version:      "1.0.0",
		},
		run: func(p map[string]any) any {
			return reportResult{
				Title: param(p, "title", "Synthesis Report"),
				Sections: []section{
					{Heading: "SLA Metrics", Content: p["sla_data"]},
					{Heading: "Outstanding Obligations", Content: p["obligation_data"]},
				},
			}
		},
	}
}

type humanAssistant struct{}

// HumanAssistant turns its task into a question for the user.
func HumanAssistant() Handler { return humanAssistant{} }

func (humanAssistant) Name() string { return NameHumanAssistant }

func (humanAssistant) Info() Info {
	return Info{
		Name:         NameHumanAssistant,
		Description:  "Facilitates human interaction by formulating questions and collecting user input",
		Capabilities: []string{"user_interaction", "question_formulation", "input_collection", "clarification_requests"},
		Version:      "1.0.0",
	}
}

func (humanAssistant) Run(_ context.Context, task string, _ map[string]any) (string, error) {
	return fmt.Sprintf("A question was formulated for the human: '%s'", task), nil
}

type dataTransform struct {
	jq *expressions.JQEngine
}

// DataTransform runs a jq program over its input. The task carries
// {"expression": "<jq>", "input": <any>}; the result is the JSON text of
// the program's output. A nil engine gets a private one.
func DataTransform(jq *expressions.JQEngine) Handler {
	if jq == nil {
		jq = expressions.NewJQEngine()
	}
	return &dataTransform{jq: jq}
}

func (d *dataTransform) Name() string { return NameDataTransform }

func (d *dataTransform) Info() Info {
	return Info{
		Name:         NameDataTransform,
		Description:  "Reshapes earlier step outputs with a jq program",
		Capabilities: []string{"jq_transform"},
		Version:      "1.0.0",
	}
}

func (d *dataTransform) Run(ctx context.Context, task string, _ map[string]any) (string, error) {
	p := parseTask(task)
	expression, _ := p["expression"].(string)
	if expression == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "data_transform requires a string expression")
	}
	input := p["input"]
	if s, ok := input.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			input = decoded
		}
	}
	out, err := d.jq.Transform(ctx, expression, input)
	if err != nil {
		return "", err
	}
	return encode(out)
}
