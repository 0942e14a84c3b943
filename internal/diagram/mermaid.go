package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Container nodes are followed by one subgraph per body; nested containers
// nest their subgraphs.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		writeMermaidNode(&b, node, 1)
	}
	for _, edge := range model.Edges {
		writeMermaidEdge(&b, edge, 1)
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	// Apply status classes.
	for _, node := range model.Nodes {
		writeMermaidClasses(&b, node)
	}

	return b.String()
}

func writeMermaidNode(b *strings.Builder, node *Node, depth int) {
	indent := strings.Repeat("    ", depth)
	b.WriteString(indent + mermaidNodeDef(node) + "\n")

	for _, sg := range node.Children {
		b.WriteString(fmt.Sprintf("%ssubgraph %s[%q]\n", indent, mermaidSafeID(sg.ID), mermaidEscapeLabel(sg.Label)))
		for _, sub := range sg.Nodes {
			writeMermaidNode(b, sub, depth+1)
		}
		for _, edge := range sg.Edges {
			writeMermaidEdge(b, edge, depth+1)
		}
		b.WriteString(indent + "end\n")
		b.WriteString(fmt.Sprintf("%s%s -.-> %s\n", indent, mermaidSafeID(node.ID), mermaidSafeID(sg.ID)))
	}
}

func writeMermaidEdge(b *strings.Builder, edge Edge, depth int) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
	}
	b.WriteString(fmt.Sprintf("%s%s -->%s %s\n",
		strings.Repeat("    ", depth), mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
}

func writeMermaidClasses(b *strings.Builder, node *Node) {
	if node.Status != nil {
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}
	for _, sg := range node.Children {
		for _, sub := range sg.Nodes {
			writeMermaidClasses(b, sub)
		}
	}
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindBranch, NodeKindKeyBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindSequential:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindUnknown:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // agent_call
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "#", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel keeps labels on one line and drops the double quotes
// that would end a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, `"`, "'")
}

// mermaidStatusClass maps a status string to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return status
	default:
		return ""
	}
}
