package schema

// Trace event names. Consumers must tolerate names not listed here.
const (
	EventStartPlan = "start_plan"
	EventEndPlan   = "end_plan"

	EventAgentStart = "agent_start"
	EventAgentEnd   = "agent_end"

	EventParallelStart = "parallel_start"
	EventParallelEnd   = "parallel_end"

	EventBranchEnter  = "branch_enter"
	EventBranchSelect = "branch_select"
	EventBranchExit   = "branch_exit"

	EventLoopEnter          = "loop_enter"
	EventLoopIterStart      = "loop_iter_start"
	EventLoopIterIdentical  = "loop_iter_identical"
	EventLoopMaxIters       = "loop_max_iters"
	EventLoopConditionTrue  = "loop_condition_true"
	EventLoopConditionFalse = "loop_condition_false"
	EventLoopExit           = "loop_exit"

	EventNodeSkipped = "node_skipped"
	EventHITL        = "hitl"
)

// HITL reasons carried on hitl events and metrics.
const (
	HITLUnknownHandler = "unknown_handler"
	HITLHandlerFailed  = "handler_failed"
	HITLParallelFailed = "parallel_failed"
	HITLBranchNoMatch  = "branch_no_match"
	HITLBranchMultiple = "branch_multiple_matches"
	HITLBranchInvalid  = "branch_invalid"
	HITLLoopNoProgress = "loop_no_progress"
)

// RunStatus represents the lifecycle state of a persisted run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusNeedsInput RunStatus = "needs_input"
	RunStatusFailed     RunStatus = "failed"
)

// TaskStatus is the status of one handler invocation.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)
