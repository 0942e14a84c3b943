package diagram

// NodeKind classifies a diagram node by its plan node kind.
type NodeKind string

const (
	NodeKindAgent      NodeKind = "agent_call"
	NodeKindSequential NodeKind = "sequential"
	NodeKindParallel   NodeKind = "parallel"
	NodeKindBranch     NodeKind = "branch"
	NodeKindKeyBranch  NodeKind = "key_branch"
	NodeKindLoop       NodeKind = "loop"
	NodeKindUnknown    NodeKind = "unknown"
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
)

// Statuses assigned by the trace overlay.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents one plan node in the diagram.
type Node struct {
	ID       string // unique diagram id
	PlanID   string // plan node id, empty for anonymous nodes
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // sequence body, parallel children, branch cases, loop body
}

// SubGraph holds the nested nodes of a container node.
type SubGraph struct {
	ID    string
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the recorded outcome of a node.
type StatusOverlay struct {
	Status string
	Reason string // hitl reason when failed
	Error  string // hitl message when failed
}

// Edge represents control flow between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
