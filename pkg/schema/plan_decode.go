package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParsePlan decodes a plan document. The format is chosen from the file name
// extension when given (".yaml", ".yml", ".json"); otherwise documents that
// start with '{' are read as JSON and everything else as YAML.
func ParsePlan(data []byte, filename string) (*Plan, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return ParsePlanJSON(data)
	case ".yaml", ".yml":
		return ParsePlanYAML(data)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return ParsePlanJSON(data)
	}
	return ParsePlanYAML(data)
}

// ParsePlanJSON decodes a JSON plan document.
func ParsePlanJSON(data []byte) (*Plan, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "plan is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return DecodePlan(doc)
}

// ParsePlanYAML decodes a YAML plan document.
func ParsePlanYAML(data []byte) (*Plan, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "plan is not valid YAML: %s", err.Error()).WithCause(err)
	}
	m, ok := NormalizeDocument(doc).(map[string]any)
	if !ok {
		return nil, NewError(ErrCodeValidation, "plan document must be a mapping")
	}
	return DecodePlan(m)
}

// NormalizeDocument converts YAML-decoded values into the JSON data model:
// maps get string keys, nested values are normalized recursively.
func NormalizeDocument(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeDocument(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = NormalizeDocument(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeDocument(item)
		}
		return out
	default:
		return v
	}
}

// DecodePlan builds a typed Plan from a generic document.
// A missing root is reported by Validate, not here.
func DecodePlan(doc map[string]any) (*Plan, error) {
	if doc == nil {
		return nil, NewError(ErrCodeValidation, "plan document is empty")
	}
	p := &Plan{}
	var err error
	if p.Name, err = optString(doc, "name", "plan"); err != nil {
		return nil, err
	}
	if p.Description, err = optString(doc, "description", "plan"); err != nil {
		return nil, err
	}
	if p.Dialect, err = optString(doc, "dialect", "plan"); err != nil {
		return nil, err
	}
	if md, ok := doc["metadata"]; ok && md != nil {
		m, ok := md.(map[string]any)
		if !ok {
			return nil, NewError(ErrCodeValidation, "plan.metadata must be an object")
		}
		p.Metadata = m
	}

	rawRoot, ok := doc["root"]
	if !ok || rawRoot == nil {
		return p, nil
	}
	rootMap, ok := rawRoot.(map[string]any)
	if !ok {
		return nil, NewError(ErrCodeValidation, "root must be an object")
	}
	if len(rootMap) == 0 {
		return p, nil
	}
	root, err := DecodeNode(rootMap, "root")
	if err != nil {
		return nil, err
	}
	p.Root = root
	return p, nil
}

// DecodeNode builds a typed node. Variant selection follows dispatch order:
// a loop block wins over branch configuration, which wins over the type tag.
func DecodeNode(raw map[string]any, path string) (Node, error) {
	id, err := optString(raw, "id", path)
	if err != nil {
		return nil, err
	}

	if loopRaw, ok := raw["loop"]; ok && loopRaw != nil {
		return decodeLoop(raw, loopRaw, id, path)
	}
	branchRaw := raw["branch"]
	if spec, ok := branchRaw.(map[string]any); ok {
		if _, isList := spec["cases"].([]any); isList {
			return decodeBranch(spec, id, path)
		}
	}
	if keyRaw, ok := raw["branch_key"]; ok && keyRaw != nil {
		return decodeKeyBranch(raw, keyRaw, id, path)
	}
	if branchRaw != nil {
		return nil, NewErrorf(ErrCodeValidation, "%s.branch must be an object with a cases list", path)
	}

	typ, err := optString(raw, "type", path)
	if err != nil {
		return nil, err
	}
	if typ == "" {
		if _, hasAgent := raw["agent_id"]; hasAgent {
			typ = string(KindAgentCall)
		}
	}

	switch NodeKind(typ) {
	case KindSequential:
		tasks, err := decodeTasks(raw["tasks"], path+".tasks")
		if err != nil {
			return nil, err
		}
		return &SequentialNode{ID: id, Tasks: tasks}, nil
	case KindParallel:
		tasks, err := decodeTasks(raw["tasks"], path+".tasks")
		if err != nil {
			return nil, err
		}
		return &ParallelNode{ID: id, Tasks: tasks}, nil
	case KindAgentCall:
		agentID, err := optString(raw, "agent_id", path)
		if err != nil {
			return nil, err
		}
		params := map[string]any{}
		if p, ok := raw["parameters"]; ok && p != nil {
			pm, ok := p.(map[string]any)
			if !ok {
				return nil, NewErrorf(ErrCodeValidation, "%s.parameters must be an object", path)
			}
			params = pm
		}
		return &AgentCallNode{ID: id, AgentID: agentID, Parameters: params}, nil
	default:
		tasks, err := decodeTasks(raw["tasks"], path+".tasks")
		if err != nil {
			return nil, err
		}
		return &UnknownNode{ID: id, Type: typ, Tasks: tasks}, nil
	}
}

func decodeLoop(raw map[string]any, loopRaw any, id, path string) (Node, error) {
	cfg, ok := loopRaw.(map[string]any)
	if !ok {
		return nil, NewErrorf(ErrCodeValidation, "%s.loop must be an object", path)
	}
	n := &LoopNode{ID: id}
	var err error
	if n.Condition, err = optString(cfg, "condition", path+".loop"); err != nil {
		return nil, err
	}
	if v, ok := cfg["do_while"]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return nil, NewErrorf(ErrCodeValidation, "%s.loop.do_while must be a boolean", path)
		}
		n.DoWhile = b
	}
	if v, ok := cfg["max_iters"]; ok && v != nil {
		iters, ok := toInt(v)
		if !ok || iters < 1 {
			return nil, NewErrorf(ErrCodeValidation, "%s.loop.max_iters must be a positive integer", path)
		}
		n.MaxIters = iters
	}
	if n.Tasks, err = decodeTasks(raw["tasks"], path+".tasks"); err != nil {
		return nil, err
	}
	return n, nil
}

func decodeBranch(spec map[string]any, id, path string) (Node, error) {
	rawCases, ok := spec["cases"].([]any)
	if !ok {
		return nil, NewErrorf(ErrCodeValidation, "%s.branch.cases must be a list", path)
	}
	n := &BranchNode{ID: id}
	for i, rc := range rawCases {
		casePath := indexPath(path+".branch.cases", i)
		cm, ok := rc.(map[string]any)
		if !ok {
			return nil, NewErrorf(ErrCodeValidation, "%s must be an object", casePath)
		}
		when, err := optString(cm, "when", casePath)
		if err != nil {
			return nil, err
		}
		tasks, err := decodeTasks(cm["tasks"], casePath+".tasks")
		if err != nil {
			return nil, err
		}
		n.Cases = append(n.Cases, BranchCase{When: when, Tasks: tasks})
	}
	elseTasks, err := decodeTasks(spec["else"], path+".branch.else")
	if err != nil {
		return nil, err
	}
	n.Else = elseTasks
	return n, nil
}

func decodeKeyBranch(raw map[string]any, keyRaw any, id, path string) (Node, error) {
	key, ok := keyRaw.(string)
	if !ok {
		return nil, NewErrorf(ErrCodeValidation, "%s.branch_key must be a string", path)
	}
	cases, ok := raw["cases"].(map[string]any)
	if !ok {
		return nil, NewErrorf(ErrCodeValidation, "%s.cases must be an object mapping values to task lists", path)
	}
	n := &KeyBranchNode{ID: id, Key: key, Cases: make(map[string][]Node, len(cases))}
	for label, rt := range cases {
		tasks, err := decodeTasks(rt, path+".cases."+label)
		if err != nil {
			return nil, err
		}
		if label == "else" {
			n.Else = tasks
			n.HasElse = true
			continue
		}
		n.Cases[label] = tasks
	}
	return n, nil
}

func decodeTasks(raw any, path string) ([]Node, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, NewErrorf(ErrCodeValidation, "%s must be a list", path)
	}
	out := make([]Node, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, NewErrorf(ErrCodeValidation, "%s must be an object", indexPath(path, i))
		}
		n, err := DecodeNode(m, indexPath(path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func optString(m map[string]any, key, path string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", NewErrorf(ErrCodeValidation, "%s.%s must be a string", path, key)
	}
	return s, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func indexPath(prefix string, i int) string {
	return fmt.Sprintf("%s[%d]", prefix, i)
}

// --- Encoding ---

// EncodeNode converts a node back into its document form.
func EncodeNode(n Node) map[string]any {
	out := map[string]any{}
	if n == nil {
		return out
	}
	if id := n.NodeID(); id != "" {
		out["id"] = id
	}
	switch v := n.(type) {
	case *SequentialNode:
		out["type"] = string(KindSequential)
		out["tasks"] = encodeTasks(v.Tasks)
	case *ParallelNode:
		out["type"] = string(KindParallel)
		out["tasks"] = encodeTasks(v.Tasks)
	case *AgentCallNode:
		out["type"] = string(KindAgentCall)
		out["agent_id"] = v.AgentID
		out["parameters"] = v.Parameters
	case *BranchNode:
		cases := make([]any, 0, len(v.Cases))
		for _, c := range v.Cases {
			cases = append(cases, map[string]any{"when": c.When, "tasks": encodeTasks(c.Tasks)})
		}
		spec := map[string]any{"cases": cases}
		if len(v.Else) > 0 {
			spec["else"] = encodeTasks(v.Else)
		}
		out["branch"] = spec
	case *KeyBranchNode:
		cases := make(map[string]any, len(v.Cases)+1)
		for label, tasks := range v.Cases {
			cases[label] = encodeTasks(tasks)
		}
		if v.HasElse {
			cases["else"] = encodeTasks(v.Else)
		}
		out["branch_key"] = v.Key
		out["cases"] = cases
	case *LoopNode:
		loop := map[string]any{"do_while": v.DoWhile}
		if v.Condition != "" {
			loop["condition"] = v.Condition
		}
		if v.MaxIters > 0 {
			loop["max_iters"] = v.MaxIters
		}
		out["loop"] = loop
		out["tasks"] = encodeTasks(v.Tasks)
	case *UnknownNode:
		if v.Type != "" {
			out["type"] = v.Type
		}
		if len(v.Tasks) > 0 {
			out["tasks"] = encodeTasks(v.Tasks)
		}
	}
	return out
}

func encodeTasks(nodes []Node) []any {
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, EncodeNode(n))
	}
	return out
}

// Document returns the plan in its generic document form.
func (p *Plan) Document() map[string]any {
	doc := map[string]any{}
	if p.Name != "" {
		doc["name"] = p.Name
	}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	if p.Dialect != "" {
		doc["dialect"] = p.Dialect
	}
	if len(p.Metadata) > 0 {
		doc["metadata"] = p.Metadata
	}
	if p.Root != nil {
		doc["root"] = EncodeNode(p.Root)
	}
	return doc
}

// MarshalJSON encodes the plan in document form.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Document())
}

// UnmarshalJSON decodes a plan document.
func (p *Plan) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePlanJSON(data)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}
