package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/anaysingh0542/multi-agent/internal/expressions"
	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/internal/logging"
	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// Defaults applied to non-positive ExecutorConfig values.
const (
	DefaultMaxWorkers    = 4
	DefaultMaxIters      = 5
	DefaultGlobalStepCap = 100
)

// Executor walks plan trees.
type Executor interface {
	// Execute validates plan and runs it against state. A nil state gets a
	// fresh one from NewState. The returned Result is never nil; on error it
	// holds whatever the run produced before failing.
	//
	// Only structural validation failures, hard handler failures, the global
	// step cap and cancellation are returned as errors. Branch and loop
	// ambiguity is recorded as hitl trace events and does not fail the run.
	Execute(ctx context.Context, plan *schema.Plan, state *schema.ExecutionState) (*Result, error)
}

// Result is the outcome of one Execute call.
type Result struct {
	RunID       string              `json:"run_id,omitempty"`
	FinalOutput any                 `json:"final_output"`
	Steps       map[string]any      `json:"steps"`
	Trace       []schema.TraceEvent `json:"trace"`
	HITL        bool                `json:"hitl"`
	Duration    time.Duration       `json:"-"`
	DurationMs  int64               `json:"duration_ms"`
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	MaxWorkers    int                 // pool size for each parallel node
	MaxIters      int                 // loop bound when a loop declares none
	GlobalStepCap int                 // agent calls allowed per run
	AgentTable    handlers.AgentTable // logical id -> handler name (nil = defaults)
	StrictKinds   bool                // unknown node kinds fail validation
	Dialect       string              // condition dialect; a plan's own dialect wins
	Logger        *slog.Logger
	Store         store.Store // optional run persistence
	Metrics       *Metrics    // optional
	Tracer        trace.Tracer
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	registry *handlers.Registry
	config   ExecutorConfig
	logger   *slog.Logger
	tracer   trace.Tracer

	// mu guards conditions.
	mu         sync.Mutex
	conditions map[string]*expressions.Conditions
}

// NewExecutor creates an Executor dispatching agent calls to reg.
func NewExecutor(reg *handlers.Registry, cfg ExecutorConfig) Executor {
	if reg == nil {
		reg = handlers.NewRegistry()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.MaxIters <= 0 {
		cfg.MaxIters = DefaultMaxIters
	}
	if cfg.GlobalStepCap <= 0 {
		cfg.GlobalStepCap = DefaultGlobalStepCap
	}
	if cfg.AgentTable == nil {
		cfg.AgentTable = handlers.DefaultAgentTable()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = defaultTracer()
	}
	return &executorImpl{
		registry:   reg,
		config:     cfg,
		logger:     logger,
		tracer:     tracer,
		conditions: make(map[string]*expressions.Conditions),
	}
}

// conditionsFor returns the cached condition evaluator for a dialect.
func (e *executorImpl) conditionsFor(dialect string) (*expressions.Conditions, error) {
	if dialect == "" {
		dialect = expressions.DialectExpr
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.conditions[dialect]; ok {
		return c, nil
	}
	engine, err := expressions.NewConditionEngine(dialect)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	c := expressions.NewConditions(engine, e.logger)
	e.conditions[dialect] = c
	return c, nil
}

// Execute runs a plan. See Executor.
func (e *executorImpl) Execute(ctx context.Context, plan *schema.Plan, state *schema.ExecutionState) (*Result, error) {
	started := time.Now()
	res := &Result{Steps: map[string]any{}, Trace: []schema.TraceEvent{}}

	if err := plan.Validate(e.config.StrictKinds).ToError(); err != nil {
		return res, err
	}
	dialect := e.config.Dialect
	if plan.Dialect != "" {
		dialect = plan.Dialect
	}
	conds, err := e.conditionsFor(dialect)
	if err != nil {
		return res, err
	}
	if state == nil {
		state = NewState(plan, "", "")
	}

	r := e.newRun(ctx, state, conds)
	res.RunID = r.id
	ctx = logging.WithRunID(ctx, r.id)
	ctx, span := r.startPlanSpan(ctx, plan)

	state.SetTotalSteps(countAgentCalls(plan.Root))
	r.createRun(ctx, plan)

	rootID := optID(plan.Root.NodeID())
	r.emit(schema.EventStartPlan, "", map[string]any{"root_id": rootID})
	out, err := r.runNode(ctx, plan.Root)
	if err == nil {
		r.emit(schema.EventEndPlan, "", map[string]any{"root_id": rootID})
	}
	state.MarkCompleted()

	res.FinalOutput = out
	res.Steps = r.outputs.snapshot()
	res.Trace = r.trace.Events()
	res.HITL = schema.Count(res.Trace, schema.EventHITL) > 0
	res.Duration = time.Since(started)
	res.DurationMs = res.Duration.Milliseconds()

	status := schema.RunStatusCompleted
	switch {
	case err != nil:
		status = schema.RunStatusFailed
	case res.HITL:
		status = schema.RunStatusNeedsInput
	}
	r.finishRun(ctx, status, out, err)
	endPlanSpan(span, status, err)
	e.config.Metrics.runFinished(string(status))

	e.logger.InfoContext(ctx, "plan executed",
		slog.String("plan", plan.Name),
		slog.String("status", string(status)),
		slog.Int64("agent_calls", r.steps.Load()),
		slog.Int64("duration_ms", res.DurationMs))
	return res, err
}

// run is the per-call execution context. Nothing in it outlives Execute.
type run struct {
	id       string
	config   ExecutorConfig
	registry *handlers.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	store    store.Store

	// storeCtx outlives cancellation of the run so the record can be closed.
	storeCtx context.Context

	state   *schema.ExecutionState
	conds   *expressions.Conditions
	outputs *stepOutputs
	trace   *schema.Trace
	steps   atomic.Int64
}

func (e *executorImpl) newRun(ctx context.Context, state *schema.ExecutionState, conds *expressions.Conditions) *run {
	r := &run{
		id:       uuid.New().String(),
		config:   e.config,
		registry: e.registry,
		logger:   e.logger,
		tracer:   e.tracer,
		metrics:  e.config.Metrics,
		store:    e.config.Store,
		storeCtx: context.WithoutCancel(ctx),
		state:    state,
		conds:    conds,
		outputs:  newStepOutputs(),
	}
	r.trace = schema.NewTrace(r.persistEvent)
	return r
}

// emit appends a trace event owned by nodeID.
func (r *run) emit(event, nodeID string, fields map[string]any) {
	r.trace.Append(schema.NewTraceEvent(event, nodeID, fields))
}

// NewState builds a fresh execution state for plan. An empty sessionID gets
// a random one; an empty query becomes "manual:<plan name>". The plan's
// metadata seeds the state metadata.
func NewState(plan *schema.Plan, sessionID, query string) *schema.ExecutionState {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	name := "plan"
	if plan != nil && plan.Name != "" {
		name = plan.Name
	}
	if query == "" {
		query = "manual:" + name
	}
	state := schema.NewExecutionState(sessionID, query)
	if plan != nil && len(plan.Metadata) > 0 {
		if md, ok := schema.DeepCopy(plan.Metadata).(map[string]any); ok {
			state.MergeMetadata(md)
		}
	}
	return state
}

func countAgentCalls(root schema.Node) int {
	n := 0
	schema.Walk(root, "root", func(_ string, node schema.Node) bool {
		if _, ok := node.(*schema.AgentCallNode); ok {
			n++
		}
		return true
	})
	return n
}

// optID maps an empty id to nil so anonymous nodes encode as null.
func optID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

// --- Persistence ---
// Store failures are logged and never fail the run.

func (r *run) createRun(ctx context.Context, plan *schema.Plan) {
	if r.store == nil {
		return
	}
	err := r.store.CreateRun(r.storeCtx, &store.Run{
		ID:        r.id,
		SessionID: r.state.SessionID(),
		PlanName:  plan.Name,
		Status:    schema.RunStatusRunning,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "run not persisted", slog.Any("error", err))
		r.store = nil
	}
}

func (r *run) persistEvent(seq int, ev schema.TraceEvent) {
	if r.store == nil {
		return
	}
	if err := r.store.AppendEvent(r.storeCtx, &store.Event{
		RunID:    r.id,
		Sequence: int64(seq + 1),
		Trace:    ev,
	}); err != nil {
		r.logger.Warn("trace event not persisted",
			slog.String(logging.RunIDAttr, r.id),
			slog.String("event", ev.Event),
			slog.Any("error", err))
	}
}

func (r *run) recordInvocation(ctx context.Context, inv *store.Invocation) {
	if r.store == nil {
		return
	}
	inv.RunID = r.id
	if err := r.store.RecordInvocation(r.storeCtx, inv); err != nil {
		r.logger.WarnContext(ctx, "invocation not persisted", slog.Any("error", err))
	}
}

func (r *run) finishRun(ctx context.Context, status schema.RunStatus, out any, runErr error) {
	if r.store == nil {
		return
	}
	now := time.Now().UTC()
	hitl := status == schema.RunStatusNeedsInput || schema.Count(r.trace.Events(), schema.EventHITL) > 0
	update := store.RunUpdate{Status: &status, HITL: &hitl, CompletedAt: &now}
	if out != nil {
		if data, err := json.Marshal(out); err == nil {
			update.FinalOutput = data
		}
	}
	if runErr != nil {
		msg := runErr.Error()
		update.Error = &msg
	}
	if err := r.store.UpdateRun(r.storeCtx, r.id, update); err != nil {
		r.logger.WarnContext(ctx, "run status not persisted", slog.Any("error", err))
	}
}
