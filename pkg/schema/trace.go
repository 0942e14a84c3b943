package schema

import (
	"encoding/json"
	"sync"
)

// TraceEvent is one entry of the execution trace. Fields holds the
// event-specific payload; it is flattened next to "event" and "id" on the wire.
type TraceEvent struct {
	Event  string
	ID     string
	Fields map[string]any
}

// NewTraceEvent builds an event for a node. An empty id is omitted on the wire.
func NewTraceEvent(event, id string, fields map[string]any) TraceEvent {
	return TraceEvent{Event: event, ID: id, Fields: fields}
}

// Field returns an event-specific field.
func (e TraceEvent) Field(key string) any {
	return e.Fields[key]
}

// MarshalJSON flattens the event into a single object.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event"] = e.Event
	if e.ID != "" {
		out["id"] = e.ID
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any object with an "event" field; unknown fields are kept.
func (e *TraceEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Event, _ = raw["event"].(string)
	e.ID, _ = raw["id"].(string)
	delete(raw, "event")
	delete(raw, "id")
	if len(raw) > 0 {
		e.Fields = raw
	} else {
		e.Fields = nil
	}
	return nil
}

// Trace is the append-only, ordered event list of one execution.
type Trace struct {
	mu     sync.Mutex
	events []TraceEvent
	onAdd  func(seq int, ev TraceEvent)
}

// NewTrace creates an empty trace. onAdd, when non-nil, is called with each
// event and its zero-based position while the trace lock is held, so sinks
// observe events in trace order.
func NewTrace(onAdd func(seq int, ev TraceEvent)) *Trace {
	return &Trace{onAdd: onAdd}
}

// Append adds an event.
func (t *Trace) Append(ev TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	if t.onAdd != nil {
		t.onAdd(len(t.events)-1, ev)
	}
}

// Events returns a copy of the events recorded so far.
func (t *Trace) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of recorded events.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Count returns how many events carry the given name.
func Count(events []TraceEvent, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Event == name {
			n++
		}
	}
	return n
}
