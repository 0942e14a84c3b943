package schema

import "fmt"

// ValidationSeverity separates blocking errors from advisory warnings.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one finding about a plan document. Path locates it in
// the document ("root.tasks[1].agent_id"); NodeID names the plan node it
// concerns when that node has an id.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// String renders the issue as "<severity>: <path>: <message>".
func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ValidationResult collects the issues of every validation stage.
// Warnings never make a plan invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a document-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.add(SeverityError, path, nil, code, message)
}

// AddWarning records a document-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(SeverityWarning, path, nil, code, message)
}

// NodeError records an error about node n found at path.
func (r *ValidationResult) NodeError(path string, n Node, code, message string) {
	r.add(SeverityError, path, n, code, message)
}

// NodeWarning records a warning about node n found at path.
func (r *ValidationResult) NodeWarning(path string, n Node, code, message string) {
	r.add(SeverityWarning, path, n, code, message)
}

func (r *ValidationResult) add(sev ValidationSeverity, path string, n Node, code, message string) {
	issue := ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
	if n != nil {
		issue.NodeID = n.NodeID()
	}
	if sev == SeverityError {
		r.Errors = append(r.Errors, issue)
	} else {
		r.Warnings = append(r.Warnings, issue)
	}
}

// ForNode returns the errors and warnings recorded against node id, errors
// first.
func (r *ValidationResult) ForNode(id string) []ValidationIssue {
	var out []ValidationIssue
	for _, group := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range group {
			if id != "" && issue.NodeID == id {
				out = append(out, issue)
			}
		}
	}
	return out
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts an invalid result to a VALIDATION_ERROR carrying every
// issue; a valid result gives nil. The error names the first failing node.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("plan has %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithNode(first.NodeID).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
