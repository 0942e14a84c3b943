package diagram

import "github.com/anaysingh0542/multi-agent/pkg/schema"

// traceIndex summarizes a trace by node id.
type traceIndex struct {
	hitl    map[string]schema.TraceEvent
	done    map[string]bool
	skipped map[string]bool
}

func indexTrace(trace []schema.TraceEvent) *traceIndex {
	ix := &traceIndex{
		hitl:    make(map[string]schema.TraceEvent),
		done:    make(map[string]bool),
		skipped: make(map[string]bool),
	}
	for _, ev := range trace {
		if ev.ID == "" {
			continue
		}
		switch ev.Event {
		case schema.EventHITL:
			if _, ok := ix.hitl[ev.ID]; !ok {
				ix.hitl[ev.ID] = ev
			}
		case schema.EventAgentEnd, schema.EventParallelEnd, schema.EventBranchExit, schema.EventLoopExit:
			ix.done[ev.ID] = true
		case schema.EventNodeSkipped:
			ix.skipped[ev.ID] = true
		}
	}
	return ix
}

// overlay sets the status of n and its descendants and returns n's status.
//
// A hitl event naming a node marks it failed. Agent calls and containers
// with an exit event are completed once it is recorded. Sequences and
// containers cut short take their status from their children. Anonymous
// agent calls cannot be matched to the trace and get no status.
func overlay(n *Node, ix *traceIndex) string {
	var childFailed, childCompleted bool
	for _, sg := range n.Children {
		for _, c := range sg.Nodes {
			switch overlay(c, ix) {
			case StatusFailed:
				childFailed = true
			case StatusCompleted:
				childCompleted = true
			}
		}
	}

	status := ""
	switch {
	case n.PlanID != "" && hasEvent(ix.hitl, n.PlanID):
		ev := ix.hitl[n.PlanID]
		n.Status = &StatusOverlay{
			Status: StatusFailed,
			Reason: asString(ev.Field("reason")),
			Error:  asString(ev.Field("message")),
		}
		return StatusFailed
	case n.PlanID != "" && ix.skipped[n.PlanID]:
		status = StatusSkipped
	case n.PlanID != "" && ix.done[n.PlanID]:
		status = StatusCompleted
	case n.Kind == NodeKindAgent:
		if n.PlanID != "" {
			status = StatusSkipped
		}
	case childFailed:
		status = StatusFailed
	case childCompleted:
		status = StatusCompleted
	default:
		status = StatusSkipped
	}
	if status != "" {
		n.Status = &StatusOverlay{Status: status}
	}
	return status
}

func hasEvent(m map[string]schema.TraceEvent, id string) bool {
	_, ok := m[id]
	return ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
