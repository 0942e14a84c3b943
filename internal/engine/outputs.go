package engine

import (
	"maps"
	"sync"
)

// stepOutputs maps node ids to results for one run. Parallel children write
// concurrently; ids are unique tree-wide so keys never collide.
type stepOutputs struct {
	mu sync.RWMutex
	m  map[string]any
}

func newStepOutputs() *stepOutputs {
	return &stepOutputs{m: make(map[string]any)}
}

func (o *stepOutputs) set(id string, v any) {
	o.mu.Lock()
	o.m[id] = v
	o.mu.Unlock()
}

// snapshot returns a shallow copy for template and condition lookups.
func (o *stepOutputs) snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return maps.Clone(o.m)
}
