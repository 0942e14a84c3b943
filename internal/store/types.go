package store

import (
	"encoding/json"
	"time"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// Run is the persisted record of one plan execution.
type Run struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	PlanName    string           `json:"plan_name,omitempty"`
	Status      schema.RunStatus `json:"status"`
	FinalOutput json.RawMessage  `json:"final_output,omitempty"`
	Error       string           `json:"error,omitempty"`
	HITL        bool             `json:"hitl"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Event is one persisted trace event. Sequence starts at 1 per run.
type Event struct {
	RunID     string            `json:"run_id"`
	Sequence  int64             `json:"sequence"`
	Trace     schema.TraceEvent `json:"trace"`
	Timestamp time.Time         `json:"timestamp"`
}

// Invocation records a single handler call made during a run.
type Invocation struct {
	ID         int64             `json:"id"`
	RunID      string            `json:"run_id"`
	StepID     string            `json:"step_id"`
	AgentID    string            `json:"agent_id"`
	Handler    string            `json:"handler,omitempty"`
	Task       string            `json:"task,omitempty"`
	Result     string            `json:"result,omitempty"`
	Status     schema.TaskStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ScheduledJob is a cron-triggered plan run. Plan holds the plan document.
type ScheduledJob struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Plan           json.RawMessage `json:"plan"`
	CronExpression string          `json:"cron_expression"`
	SessionID      string          `json:"session_id,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	LastRunID      string          `json:"last_run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Update and filter types ---

// RunUpdate specifies mutable fields of a run. Nil fields are left as-is.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	FinalOutput json.RawMessage   `json:"final_output,omitempty"`
	Error       *string           `json:"error,omitempty"`
	HITL        *bool             `json:"hitl,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs. Results are newest first.
type RunFilter struct {
	Status    schema.RunStatus `json:"status,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// TraceOf returns the trace events carried by events, in order.
func TraceOf(events []*Event) []schema.TraceEvent {
	trace := make([]schema.TraceEvent, 0, len(events))
	for _, e := range events {
		trace = append(trace, e.Trace)
	}
	return trace
}
