package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[HITL]"
	case StatusSkipped:
		return "[SKIP]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as an indented tree using box-drawing
// characters. Each body of a container is a bracketed entry holding its
// nodes. Start and end markers are omitted.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n", model.Title))
	}
	for _, node := range model.Nodes {
		if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
			continue
		}
		b.WriteString(asciiLine(node) + "\n")
		writeASCIIChildren(&b, node, "")
	}
	return b.String()
}

func writeASCIIChildren(b *strings.Builder, node *Node, prefix string) {
	for i, sg := range node.Children {
		last := i == len(node.Children)-1
		branch, next := asciiBranch(last)
		b.WriteString(prefix + branch + "[" + sg.Label + "]\n")

		for j, sub := range sg.Nodes {
			subLast := j == len(sg.Nodes)-1
			subBranch, subNext := asciiBranch(subLast)
			b.WriteString(prefix + next + subBranch + asciiLine(sub) + "\n")
			writeASCIIChildren(b, sub, prefix+next+subNext)
		}
	}
}

// asciiBranch returns the connector for an entry and the prefix continuing
// below it.
func asciiBranch(last bool) (string, string) {
	if last {
		return "└── ", "    "
	}
	return "├── ", "│   "
}

func asciiLine(node *Node) string {
	line := node.Label
	if node.Status == nil {
		return line
	}
	if tag := statusTag(node.Status.Status); tag != "" {
		line += " " + tag
	}
	if node.Status.Error != "" {
		line += " " + node.Status.Error
	}
	return line
}
