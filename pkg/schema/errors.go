package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeHandlerUnavailable = "HANDLER_UNAVAILABLE"
	ErrCodeHandlerFailed      = "HANDLER_FAILED"
	ErrCodeStepCapExceeded    = "STEP_CAP_EXCEEDED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
)

// PlanError is the structured error type for plan validation and execution.
type PlanError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`

	// Escalated is set once the failure has been routed to a human.
	Escalated bool `json:"escalated,omitempty"`
}

func (e *PlanError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlanError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PlanError.
func NewError(code, message string) *PlanError {
	return &PlanError{Code: code, Message: message}
}

// NewErrorf creates a new PlanError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlanError {
	return &PlanError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *PlanError) WithNode(nodeID string) *PlanError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlanError) WithCause(err error) *PlanError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlanError) WithDetails(details map[string]any) *PlanError {
	e.Details = details
	return e
}

// MarkEscalated flags the error as already surfaced through the HITL pathway.
func (e *PlanError) MarkEscalated() *PlanError {
	e.Escalated = true
	return e
}

// IsEscalated reports whether any PlanError in the chain was already escalated.
func IsEscalated(err error) bool {
	for err != nil {
		var pe *PlanError
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Escalated {
			return true
		}
		err = pe.Cause
	}
	return false
}

// HasCode reports whether err is a PlanError with the given code.
func HasCode(err error, code string) bool {
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
