package handlers

import "context"

// Handler is a task handler invoked at an agent-call leaf. It receives the
// rendered parameters as JSON text and a read-only snapshot of the
// execution state, and returns its result as text. Returned errors and
// panics are treated as hard failures by the executor.
type Handler interface {
	Name() string
	Info() Info
	Run(ctx context.Context, task string, state map[string]any) (string, error)
}

// Info describes a registered handler for listings.
type Info struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// RunFunc is the signature of Handler.Run.
type RunFunc func(ctx context.Context, task string, state map[string]any) (string, error)

// funcHandler adapts a plain function into a Handler.
type funcHandler struct {
	info Info
	run  RunFunc
}

// NewFunc wraps fn as a handler with the given name and description.
func NewFunc(name, description string, fn RunFunc) Handler {
	return &funcHandler{info: Info{Name: name, Description: description}, run: fn}
}

func (h *funcHandler) Name() string { return h.info.Name }
func (h *funcHandler) Info() Info   { return h.info }

func (h *funcHandler) Run(ctx context.Context, task string, state map[string]any) (string, error) {
	return h.run(ctx, task, state)
}
