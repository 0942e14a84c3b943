package schema

import (
	"encoding/json"
	"sync"
	"time"
)

// HumanAssistantName is the reserved handler name used for HITL escalations.
const HumanAssistantName = "HumanAssistant"

// AgentResult is one entry of the handler-invocation history.
type AgentResult struct {
	AgentName       string     `json:"agent_name"`
	TaskDescription string     `json:"task_description"`
	Result          string     `json:"result"`
	Status          TaskStatus `json:"status"`
	ExecutionTime   time.Time  `json:"execution_time"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// ExecutionState is the mutable record of one plan execution.
// All methods are safe for concurrent use; parallel children append to the
// history and update metadata through them.
type ExecutionState struct {
	mu            sync.RWMutex
	sessionID     string
	originalQuery string
	agentResults  []AgentResult
	currentStep   int
	totalSteps    int
	startTime     time.Time
	endTime       *time.Time
	metadata      map[string]any
}

// NewExecutionState creates a fresh state for one session.
func NewExecutionState(sessionID, originalQuery string) *ExecutionState {
	return &ExecutionState{
		sessionID:     sessionID,
		originalQuery: originalQuery,
		startTime:     time.Now().UTC(),
		metadata:      make(map[string]any),
	}
}

func (s *ExecutionState) SessionID() string     { return s.sessionID }
func (s *ExecutionState) OriginalQuery() string { return s.originalQuery }

// AddAgentResult appends to the invocation history. Completed and failed
// entries advance the current step.
func (s *ExecutionState) AddAgentResult(r AgentResult) {
	if r.ExecutionTime.IsZero() {
		r.ExecutionTime = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = TaskStatusCompleted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentResults = append(s.agentResults, r)
	if r.Status == TaskStatusCompleted || r.Status == TaskStatusFailed {
		s.currentStep++
	}
}

// AgentResults returns a copy of the invocation history.
func (s *ExecutionState) AgentResults() []AgentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentResult, len(s.agentResults))
	copy(out, s.agentResults)
	return out
}

// ResultsByName returns the history entries recorded for one handler.
func (s *ExecutionState) ResultsByName(name string) []AgentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentResult
	for _, r := range s.agentResults {
		if r.AgentName == name {
			out = append(out, r)
		}
	}
	return out
}

// FailedResults returns all failed history entries.
func (s *ExecutionState) FailedResults() []AgentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentResult
	for _, r := range s.agentResults {
		if r.Status == TaskStatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// SetTotalSteps records the expected number of handler invocations.
func (s *ExecutionState) SetTotalSteps(n int) {
	s.mu.Lock()
	s.totalSteps = n
	s.mu.Unlock()
}

// CurrentStep returns the number of finished invocations.
func (s *ExecutionState) CurrentStep() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStep
}

// IsCompleted reports whether every expected invocation has finished.
func (s *ExecutionState) IsCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStep >= s.totalSteps
}

// MarkCompleted sets the end time once.
func (s *ExecutionState) MarkCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime == nil {
		now := time.Now().UTC()
		s.endTime = &now
	}
}

// EndTime returns the completion time, or nil while running.
func (s *ExecutionState) EndTime() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endTime
}

// SetMetadata stores a metadata value.
func (s *ExecutionState) SetMetadata(key string, value any) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Metadata returns a metadata value.
func (s *ExecutionState) Metadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}

// MergeMetadata copies every entry of m into the metadata map.
func (s *ExecutionState) MergeMetadata(m map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range m {
		s.metadata[k] = v
	}
}

// Snapshot returns a deep copy of the state in its document form. Handlers
// and condition evaluation read snapshots, never the live state.
func (s *ExecutionState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]any, 0, len(s.agentResults))
	for _, r := range s.agentResults {
		entry := map[string]any{
			"agent_name":       r.AgentName,
			"task_description": r.TaskDescription,
			"result":           r.Result,
			"status":           string(r.Status),
			"execution_time":   r.ExecutionTime.Format(time.RFC3339Nano),
		}
		if r.ErrorMessage != "" {
			entry["error_message"] = r.ErrorMessage
		}
		results = append(results, entry)
	}

	snap := map[string]any{
		"session_id":     s.sessionID,
		"original_query": s.originalQuery,
		"agent_results":  results,
		"current_step":   s.currentStep,
		"total_steps":    s.totalSteps,
		"start_time":     s.startTime.Format(time.RFC3339Nano),
		"end_time":       nil,
		"metadata":       DeepCopy(s.metadata),
	}
	if s.endTime != nil {
		snap["end_time"] = s.endTime.Format(time.RFC3339Nano)
	}
	return snap
}

// MarshalJSON encodes the state snapshot.
func (s *ExecutionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// DeepCopy copies maps and slices of the JSON data model recursively.
// Other values are shared.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DeepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	default:
		return v
	}
}
