package diagram

import (
	"fmt"
	"strings"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a plan. When trace is non-nil the
// recorded outcome of every node is overlaid (see overlay).
func Build(plan *schema.Plan, trace []schema.TraceEvent) (*DiagramModel, error) {
	if plan == nil || plan.Root == nil {
		return nil, fmt.Errorf("diagram: plan has no root")
	}

	b := &builder{}
	root := b.node(plan.Root)
	if trace != nil {
		overlay(root, indexTrace(trace))
	}

	return &DiagramModel{
		Title: titleFromPlan(plan),
		Nodes: []*Node{
			{ID: startID, Label: "Start", Kind: NodeKindStart},
			root,
			{ID: endID, Label: "End", Kind: NodeKindEnd},
		},
		Edges: []Edge{
			{From: startID, To: root.ID},
			{From: root.ID, To: endID},
		},
	}, nil
}

type builder struct {
	anon int
}

// id returns the diagram id for a plan node. Anonymous nodes get a
// generated id that cannot collide with plan ids containing no "__".
func (b *builder) id(n schema.Node) string {
	if id := n.NodeID(); id != "" {
		return id
	}
	b.anon++
	return fmt.Sprintf("__n%d", b.anon)
}

func (b *builder) node(n schema.Node) *Node {
	node := &Node{
		ID:     b.id(n),
		PlanID: n.NodeID(),
		Label:  nodeLabel(n),
		Kind:   NodeKind(n.Kind()),
	}

	switch v := n.(type) {
	case *schema.SequentialNode:
		node.addChain(b, "tasks", v.Tasks)
	case *schema.ParallelNode:
		sg := b.subGraph(node, "parallel", v.Tasks)
		node.Children = append(node.Children, sg)
	case *schema.BranchNode:
		for _, c := range v.Cases {
			node.addChain(b, "when "+c.When, c.Tasks)
		}
		if len(v.Else) > 0 {
			node.addChain(b, "else", v.Else)
		}
	case *schema.KeyBranchNode:
		for _, label := range v.SortedLabels() {
			node.addChain(b, fmt.Sprintf("%s = %s", v.Key, label), v.Cases[label])
		}
		if v.HasElse {
			node.addChain(b, "else", v.Else)
		}
	case *schema.LoopNode:
		node.addChain(b, loopLabel(v), v.Tasks)
	case *schema.UnknownNode:
		if len(v.Tasks) > 0 {
			node.addChain(b, "tasks", v.Tasks)
		}
	}
	return node
}

// addChain adds a subgraph whose nodes run one after another.
func (n *Node) addChain(b *builder, label string, tasks []schema.Node) {
	sg := b.subGraph(n, label, tasks)
	for i := 1; i < len(sg.Nodes); i++ {
		sg.Edges = append(sg.Edges, Edge{From: sg.Nodes[i-1].ID, To: sg.Nodes[i].ID})
	}
	n.Children = append(n.Children, sg)
}

func (b *builder) subGraph(parent *Node, label string, tasks []schema.Node) *SubGraph {
	sg := &SubGraph{
		ID:    fmt.Sprintf("%s_sg%d", parent.ID, len(parent.Children)),
		Label: label,
	}
	for _, t := range tasks {
		sg.Nodes = append(sg.Nodes, b.node(t))
	}
	return sg
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n schema.Node) string {
	var kind string
	switch v := n.(type) {
	case *schema.AgentCallNode:
		kind = v.AgentID
	case *schema.KeyBranchNode:
		kind = "branch on " + v.Key
	case *schema.UnknownNode:
		kind = fmt.Sprintf("unknown (%s)", v.Type)
	default:
		kind = string(n.Kind())
	}
	if id := n.NodeID(); id != "" {
		return fmt.Sprintf("%s: %s", id, kind)
	}
	return kind
}

func loopLabel(n *schema.LoopNode) string {
	var parts []string
	switch {
	case n.Condition != "" && n.DoWhile:
		parts = append(parts, "do while "+n.Condition)
	case n.Condition != "":
		parts = append(parts, "while "+n.Condition)
	default:
		parts = append(parts, "repeat")
	}
	if n.MaxIters > 0 {
		parts = append(parts, fmt.Sprintf("max %d", n.MaxIters))
	}
	return strings.Join(parts, ", ")
}

// titleFromPlan picks the diagram title.
func titleFromPlan(plan *schema.Plan) string {
	if plan.Name != "" {
		return plan.Name
	}
	return "Plan"
}
