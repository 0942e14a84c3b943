package schema

import "sort"

// Plan is a declarative, tree-shaped plan produced by the planner.
// Documents are JSON or YAML; see DecodePlan for the accepted shape.
type Plan struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Dialect     string         `json:"dialect,omitempty"` // expr | cel (default: executor setting)
	Metadata    map[string]any `json:"metadata,omitempty"`
	Root        Node           `json:"-"`
}

// NodeKind enumerates the plan node variants.
type NodeKind string

const (
	KindSequential NodeKind = "sequential"
	KindParallel   NodeKind = "parallel"
	KindAgentCall  NodeKind = "agent_call"
	KindBranch     NodeKind = "branch"
	KindKeyBranch  NodeKind = "key_branch"
	KindLoop       NodeKind = "loop"
	KindUnknown    NodeKind = "unknown"
)

// Node is the closed set of plan node variants. Executors switch on the
// concrete type; the unexported marker keeps the set closed to this package.
type Node interface {
	NodeID() string
	Kind() NodeKind
	isNode()
}

// SequentialNode runs its children in declared order.
type SequentialNode struct {
	ID    string
	Tasks []Node
}

// ParallelNode runs its children concurrently.
type ParallelNode struct {
	ID    string
	Tasks []Node
}

// AgentCallNode invokes one handler through the logical-id table.
type AgentCallNode struct {
	ID         string
	AgentID    string
	Parameters map[string]any
}

// BranchCase is one condition/child-list pair of an explicit branch.
type BranchCase struct {
	When  string
	Tasks []Node
}

// BranchNode selects exactly one case whose condition holds.
type BranchNode struct {
	ID    string
	Cases []BranchCase
	Else  []Node
}

// KeyBranchNode selects the child list whose label equals a looked-up value.
type KeyBranchNode struct {
	ID      string
	Key     string
	Cases   map[string][]Node
	Else    []Node
	HasElse bool
}

// LoopNode repeats its body while Condition holds, bounded by MaxIters.
// MaxIters of zero means the executor default.
type LoopNode struct {
	ID        string
	Condition string
	DoWhile   bool
	MaxIters  int
	Tasks     []Node
}

// UnknownNode preserves a node whose declared type this version does not know.
type UnknownNode struct {
	ID    string
	Type  string
	Tasks []Node
}

func (n *SequentialNode) NodeID() string { return n.ID }
func (n *ParallelNode) NodeID() string   { return n.ID }
func (n *AgentCallNode) NodeID() string  { return n.ID }
func (n *BranchNode) NodeID() string     { return n.ID }
func (n *KeyBranchNode) NodeID() string  { return n.ID }
func (n *LoopNode) NodeID() string       { return n.ID }
func (n *UnknownNode) NodeID() string    { return n.ID }

func (n *SequentialNode) Kind() NodeKind { return KindSequential }
func (n *ParallelNode) Kind() NodeKind   { return KindParallel }
func (n *AgentCallNode) Kind() NodeKind  { return KindAgentCall }
func (n *BranchNode) Kind() NodeKind     { return KindBranch }
func (n *KeyBranchNode) Kind() NodeKind  { return KindKeyBranch }
func (n *LoopNode) Kind() NodeKind       { return KindLoop }
func (n *UnknownNode) Kind() NodeKind    { return KindUnknown }

func (*SequentialNode) isNode() {}
func (*ParallelNode) isNode()   {}
func (*AgentCallNode) isNode()  {}
func (*BranchNode) isNode()     {}
func (*KeyBranchNode) isNode()  {}
func (*LoopNode) isNode()       {}
func (*UnknownNode) isNode()    {}

// SortedLabels returns the case labels of a key branch in stable order.
func (n *KeyBranchNode) SortedLabels() []string {
	labels := make([]string, 0, len(n.Cases))
	for k := range n.Cases {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// WalkFunc is called for every node reached by Walk with its document path.
// Returning false stops descent into that node's children.
type WalkFunc func(path string, n Node) bool

// Walk visits n and all of its descendants depth-first in document order.
func Walk(n Node, path string, fn WalkFunc) {
	if n == nil {
		return
	}
	if !fn(path, n) {
		return
	}
	for _, c := range childPaths(n, path) {
		Walk(c.node, c.path, fn)
	}
}

// Children returns the direct children of n in document order.
func Children(n Node) []Node {
	cps := childPaths(n, "")
	out := make([]Node, 0, len(cps))
	for _, c := range cps {
		out = append(out, c.node)
	}
	return out
}

type childPath struct {
	path string
	node Node
}

func listPaths(prefix string, nodes []Node) []childPath {
	out := make([]childPath, 0, len(nodes))
	for i, c := range nodes {
		out = append(out, childPath{path: indexPath(prefix, i), node: c})
	}
	return out
}

func childPaths(n Node, path string) []childPath {
	switch v := n.(type) {
	case *SequentialNode:
		return listPaths(path+".tasks", v.Tasks)
	case *ParallelNode:
		return listPaths(path+".tasks", v.Tasks)
	case *LoopNode:
		return listPaths(path+".tasks", v.Tasks)
	case *UnknownNode:
		return listPaths(path+".tasks", v.Tasks)
	case *BranchNode:
		var out []childPath
		for i, c := range v.Cases {
			out = append(out, listPaths(indexPath(path+".branch.cases", i)+".tasks", c.Tasks)...)
		}
		return append(out, listPaths(path+".branch.else", v.Else)...)
	case *KeyBranchNode:
		var out []childPath
		for _, label := range v.SortedLabels() {
			out = append(out, listPaths(path+".cases."+label, v.Cases[label])...)
		}
		return append(out, listPaths(path+".cases.else", v.Else)...)
	default:
		return nil
	}
}
