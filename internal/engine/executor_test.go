package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/internal/logging"
	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// --- Fixtures ---

type testHandlers struct {
	calls   atomic.Int64
	counter atomic.Int64
}

var testTable = handlers.AgentTable{
	"echo":    "Echo",
	"const":   "Const",
	"counter": "Counter",
	"fail":    "Fail",
	"panic":   "Panic",
	"slow":    "Slow",
	"late":    "Late",
}

func newTestRegistry() (*handlers.Registry, *testHandlers) {
	th := &testHandlers{}
	reg := handlers.NewRegistry().MustRegister(
		handlers.NewFunc("Echo", "returns its task", func(_ context.Context, task string, _ map[string]any) (string, error) {
			th.calls.Add(1)
			return task, nil
		}),
		handlers.NewFunc("Const", "always the same", func(context.Context, string, map[string]any) (string, error) {
			th.calls.Add(1)
			return "same", nil
		}),
		handlers.NewFunc("Counter", "counts calls", func(context.Context, string, map[string]any) (string, error) {
			th.calls.Add(1)
			return fmt.Sprintf("n=%d", th.counter.Add(1)), nil
		}),
		handlers.NewFunc("Fail", "always fails", func(context.Context, string, map[string]any) (string, error) {
			th.calls.Add(1)
			return "", errors.New("boom")
		}),
		handlers.NewFunc("Panic", "panics", func(context.Context, string, map[string]any) (string, error) {
			th.calls.Add(1)
			panic("kaboom")
		}),
		handlers.NewFunc("Slow", "waits for cancellation", func(ctx context.Context, _ string, _ map[string]any) (string, error) {
			th.calls.Add(1)
			<-ctx.Done()
			return "", ctx.Err()
		}),
		handlers.NewFunc("Late", "succeeds once cancelled", func(ctx context.Context, _ string, _ map[string]any) (string, error) {
			th.calls.Add(1)
			<-ctx.Done()
			return "late", nil
		}),
	)
	return reg, th
}

func execute(t *testing.T, cfg ExecutorConfig, plan *schema.Plan, state *schema.ExecutionState) (*Result, *testHandlers, error) {
	t.Helper()
	reg, th := newTestRegistry()
	if cfg.AgentTable == nil {
		cfg.AgentTable = testTable
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	res, err := NewExecutor(reg, cfg).Execute(context.Background(), plan, state)
	require.NotNil(t, res)
	return res, th, err
}

func agent(id, agentID string, params map[string]any) *schema.AgentCallNode {
	return &schema.AgentCallNode{ID: id, AgentID: agentID, Parameters: params}
}

func seq(id string, tasks ...schema.Node) *schema.SequentialNode {
	return &schema.SequentialNode{ID: id, Tasks: tasks}
}

func par(id string, tasks ...schema.Node) *schema.ParallelNode {
	return &schema.ParallelNode{ID: id, Tasks: tasks}
}

func planOf(root schema.Node) *schema.Plan {
	return &schema.Plan{Name: "test", Root: root}
}

func eventsNamed(trace []schema.TraceEvent, name string) []schema.TraceEvent {
	var out []schema.TraceEvent
	for _, ev := range trace {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func stateWith(md map[string]any) *schema.ExecutionState {
	s := schema.NewExecutionState("sess", "q")
	s.MergeMetadata(md)
	return s
}

// --- Sequential ---

func TestExecute_SequentialReturnsLastLeaf(t *testing.T) {
	plan := planOf(seq("root",
		agent("a", "echo", map[string]any{"v": 1}),
		agent("b", "echo", map[string]any{"v": 2}),
	))
	res, th, err := execute(t, ExecutorConfig{}, plan, nil)
	require.NoError(t, err)

	assert.Equal(t, `{"v":2}`, res.FinalOutput)
	assert.Equal(t, `{"v":1}`, res.Steps["a"])
	assert.Equal(t, `{"v":2}`, res.Steps["b"])
	assert.Equal(t, res.FinalOutput, res.Steps["root"])
	assert.Equal(t, int64(2), th.calls.Load())
	assert.False(t, res.HITL)
	assert.NotEmpty(t, res.RunID)

	names := make([]string, len(res.Trace))
	for i, ev := range res.Trace {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{
		schema.EventStartPlan,
		schema.EventAgentStart, schema.EventAgentEnd,
		schema.EventAgentStart, schema.EventAgentEnd,
		schema.EventEndPlan,
	}, names)
	assert.Equal(t, "root", res.Trace[0].Field("root_id"))
}

func TestExecute_EmptySequenceYieldsNil(t *testing.T) {
	res, _, err := execute(t, ExecutorConfig{}, planOf(seq("root")), nil)
	require.NoError(t, err)
	assert.Nil(t, res.FinalOutput)
	v, ok := res.Steps["root"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestExecute_AnonymousLeafUsesStepCounter(t *testing.T) {
	plan := planOf(seq("", agent("", "echo", map[string]any{"x": "a"}), agent("", "echo", map[string]any{"x": "b"})))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"x":"a"}`, res.Steps["step_1"])
	assert.Equal(t, `{"x":"b"}`, res.Steps["step_2"])
}

func TestExecute_EveryExecutedIDIsRecorded(t *testing.T) {
	plan := planOf(seq("root",
		par("fan", agent("a", "echo", nil), agent("b", "echo", nil)),
		&schema.BranchNode{ID: "br", Cases: []schema.BranchCase{
			{When: "True", Tasks: []schema.Node{agent("c", "echo", nil)}},
		}},
		&schema.LoopNode{ID: "lp", MaxIters: 1, Tasks: []schema.Node{agent("d", "counter", nil)}},
		&schema.UnknownNode{ID: "later", Type: "future"},
	))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.NoError(t, err)

	for _, id := range schema.NodeIDs(plan.Root) {
		assert.Contains(t, res.Steps, id)
	}
}

// --- Templates and state ---

func TestExecute_TemplateResolution(t *testing.T) {
	plan := planOf(seq("root",
		agent("a", "echo", map[string]any{"v": 1}),
		agent("b", "echo", map[string]any{
			"n":    "{{state.metadata.x}}",
			"s":    "value is {{state.metadata.x}}",
			"prev": "{{ steps.a.v }}",
			"gone": "{{steps.nope}}",
		}),
	))
	res, _, err := execute(t, ExecutorConfig{}, plan, stateWith(map[string]any{"x": 5}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":5,"s":"value is 5","prev":1,"gone":null}`, res.FinalOutput.(string))

	start := eventsNamed(res.Trace, schema.EventAgentStart)[1]
	params := start.Field("params").(map[string]any)
	assert.Equal(t, 5, params["n"])
}

func TestExecute_StateHistoryAndLastStep(t *testing.T) {
	state := schema.NewExecutionState("sess", "q")
	plan := planOf(agent("a", "echo", map[string]any{"k": "v"}))

	_, _, err := execute(t, ExecutorConfig{}, plan, state)
	require.NoError(t, err)

	results := state.AgentResults()
	require.Len(t, results, 1)
	assert.Equal(t, "Echo", results[0].AgentName)
	assert.Equal(t, `{"k":"v"}`, results[0].TaskDescription)
	assert.Equal(t, schema.TaskStatusCompleted, results[0].Status)
	assert.True(t, state.IsCompleted())
	assert.Equal(t, 1, state.CurrentStep())

	last, ok := state.Metadata("last_step")
	require.True(t, ok)
	assert.Equal(t, "echo", last.(map[string]any)["agent"])
	assert.Equal(t, `{"k":"v"}`, last.(map[string]any)["result"])
}

func TestNewState(t *testing.T) {
	plan := &schema.Plan{Name: "sla", Metadata: map[string]any{"tier": "gold"}}
	s := NewState(plan, "", "")
	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, "manual:sla", s.OriginalQuery())
	tier, _ := s.Metadata("tier")
	assert.Equal(t, "gold", tier)

	s = NewState(&schema.Plan{}, "manual-test", "why?")
	assert.Equal(t, "manual-test", s.SessionID())
	assert.Equal(t, "why?", s.OriginalQuery())
	assert.Equal(t, "manual:plan", NewState(nil, "x", "").OriginalQuery())
}

// --- Parallel ---

func TestExecute_ParallelAggregate(t *testing.T) {
	plan := planOf(par("p",
		agent("a", "echo", map[string]any{"who": "a"}),
		agent("b", "echo", map[string]any{"who": "b"}),
	))
	res, _, err := execute(t, ExecutorConfig{MaxWorkers: 2}, plan, nil)
	require.NoError(t, err)

	want := map[string]any{"a": `{"who":"a"}`, "b": `{"who":"b"}`}
	assert.Equal(t, want, res.Steps["p"])
	assert.Equal(t, want, res.FinalOutput)
	assert.Equal(t, `{"who":"a"}`, res.Steps["a"])
	assert.Equal(t, `{"who":"b"}`, res.Steps["b"])

	start := eventsNamed(res.Trace, schema.EventParallelStart)
	require.Len(t, start, 1)
	assert.Equal(t, []any{"a", "b"}, start[0].Field("children"))
	assert.Len(t, eventsNamed(res.Trace, schema.EventParallelEnd), 1)
}

func TestExecute_ParallelAnonymousChildren(t *testing.T) {
	plan := planOf(par("p",
		agent("", "echo", map[string]any{"i": 0}),
		agent("named", "echo", map[string]any{"i": 1}),
		agent("", "echo", map[string]any{"i": 2}),
	))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.NoError(t, err)

	agg := res.Steps["p"].(map[string]any)
	assert.Equal(t, `{"i":0}`, agg["anon#0"])
	assert.Equal(t, `{"i":1}`, agg["named"])
	assert.Equal(t, `{"i":2}`, agg["anon#2"])
	assert.Equal(t, []any{nil, "named", nil}, eventsNamed(res.Trace, schema.EventParallelStart)[0].Field("children"))
}

func TestExecute_ParallelChildFailure(t *testing.T) {
	plan := planOf(seq("root",
		par("p",
			agent("a", "echo", nil),
			agent("b", "fail", nil),
		),
		agent("after", "echo", nil),
	))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "b", hitl[0].ID)
	assert.Equal(t, schema.HITLHandlerFailed, hitl[0].Field("reason"))
	assert.Equal(t, "Agent 'fail' failed at step 'b': boom", hitl[0].Field("message"))

	assert.NotContains(t, res.Steps, "p")
	assert.NotContains(t, res.Steps, "after")
	assert.Empty(t, eventsNamed(res.Trace, schema.EventEndPlan))
	assert.True(t, res.HITL)
}

func TestExecute_ParallelFailureCancelsSiblings(t *testing.T) {
	plan := planOf(par("p",
		agent("waiting", "slow", nil),
		agent("bad", "fail", nil),
	))
	res, _, err := execute(t, ExecutorConfig{MaxWorkers: 2}, plan, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "bad", hitl[0].ID)
	assert.NotContains(t, res.Steps, "waiting")
}

func TestExecute_ParallelFailureDiscardsLateSuccess(t *testing.T) {
	plan := planOf(par("p",
		agent("tardy", "late", nil),
		agent("bad", "fail", nil),
	))
	res, _, err := execute(t, ExecutorConfig{MaxWorkers: 2}, plan, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))

	assert.NotContains(t, res.Steps, "tardy")
	for _, ev := range eventsNamed(res.Trace, schema.EventAgentEnd) {
		assert.NotEqual(t, "tardy", ev.ID)
	}
	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "bad", hitl[0].ID)
	assert.Equal(t, "bad", hitl[0].Field("parallel_child"))
}

func TestExecute_ParallelNestedChildFailureNamesChild(t *testing.T) {
	plan := planOf(par("p",
		seq("c", agent("ok", "echo", nil), agent("x", "fail", nil)),
		agent("side", "echo", nil),
	))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.Error(t, err)

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "x", hitl[0].ID)
	assert.Equal(t, "c", hitl[0].Field("parallel_child"))
	assert.Equal(t, schema.HITLHandlerFailed, hitl[0].Field("reason"))
}

func TestExecute_ParallelAnonymousChildFailureNamesKey(t *testing.T) {
	plan := planOf(par("p",
		agent("side", "echo", nil),
		seq("", agent("x", "fail", nil)),
	))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.Error(t, err)

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "anon#1", hitl[0].Field("parallel_child"))
}

func TestExecute_ParallelChildPanic(t *testing.T) {
	plan := planOf(par("p", agent("x", "panic", nil)))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))
	require.Equal(t, 1, schema.Count(res.Trace, schema.EventHITL))
	assert.Contains(t, eventsNamed(res.Trace, schema.EventHITL)[0].Field("message"), "kaboom")
}

// --- Agent failures ---

func TestExecute_UnknownAgent(t *testing.T) {
	state := schema.NewExecutionState("sess", "q")
	res, th, err := execute(t, ExecutorConfig{}, planOf(agent("s1", "legal_research", nil)), state)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerUnavailable))
	assert.True(t, schema.IsEscalated(err))
	assert.Zero(t, th.calls.Load())

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "Unknown agent_id 'legal_research' at step 's1'", hitl[0].Field("message"))
	assert.Equal(t, schema.HITLUnknownHandler, hitl[0].Field("reason"))
	assert.Empty(t, eventsNamed(res.Trace, schema.EventAgentStart))

	failed := state.FailedResults()
	require.Len(t, failed, 1)
	assert.Equal(t, schema.HumanAssistantName, failed[0].AgentName)
	assert.Equal(t, hitl[0].Field("message"), failed[0].ErrorMessage)
}

func TestExecute_HandlerPanicIsEscalated(t *testing.T) {
	res, _, err := execute(t, ExecutorConfig{}, planOf(agent("s1", "panic", nil)), nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))
	assert.Equal(t, 1, schema.Count(res.Trace, schema.EventHITL))
	assert.Equal(t, 1, schema.Count(res.Trace, schema.EventAgentStart))
	assert.Zero(t, schema.Count(res.Trace, schema.EventAgentEnd))
}

// --- Branch ---

func tierBranch(elseTasks ...schema.Node) *schema.BranchNode {
	return &schema.BranchNode{
		ID: "br",
		Cases: []schema.BranchCase{
			{When: `state.metadata.tier == "gold"`, Tasks: []schema.Node{agent("g", "echo", map[string]any{"tier": "gold"})}},
			{When: `state.metadata.tier == "silver"`, Tasks: []schema.Node{agent("s", "echo", map[string]any{"tier": "silver"})}},
		},
		Else: elseTasks,
	}
}

func TestExecute_BranchSingleMatch(t *testing.T) {
	for _, dialect := range []string{"expr", "cel"} {
		t.Run(dialect, func(t *testing.T) {
			plan := planOf(tierBranch())
			plan.Dialect = dialect
			res, th, err := execute(t, ExecutorConfig{}, plan, stateWith(map[string]any{"tier": "gold"}))
			require.NoError(t, err)

			assert.Equal(t, `{"tier":"gold"}`, res.FinalOutput)
			assert.Equal(t, res.FinalOutput, res.Steps["br"])
			assert.NotContains(t, res.Steps, "s")
			assert.Equal(t, int64(1), th.calls.Load())

			sel := eventsNamed(res.Trace, schema.EventBranchSelect)
			require.Len(t, sel, 1)
			assert.Equal(t, "explicit", sel[0].Field("mode"))
			assert.Equal(t, `state.metadata.tier == "gold"`, sel[0].Field("when"))
			assert.Len(t, eventsNamed(res.Trace, schema.EventBranchEnter), 1)
			assert.Len(t, eventsNamed(res.Trace, schema.EventBranchExit), 1)
		})
	}
}

func TestExecute_BranchMultipleMatches(t *testing.T) {
	br := &schema.BranchNode{ID: "br", Cases: []schema.BranchCase{
		{When: "True", Tasks: []schema.Node{agent("x", "counter", nil)}},
		{When: "1 < 2", Tasks: []schema.Node{agent("y", "counter", nil)}},
	}}
	plan := planOf(seq("root", br, agent("after", "echo", map[string]any{"ok": true})))
	res, th, err := execute(t, ExecutorConfig{}, plan, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), th.calls.Load())
	assert.Equal(t, `{"ok":true}`, res.FinalOutput)
	assert.Nil(t, res.Steps["br"])

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, schema.HITLBranchMultiple, hitl[0].Field("reason"))
	assert.Equal(t, "Branch 'br' ambiguous: multiple conditions matched", hitl[0].Field("message"))
	assert.True(t, res.HITL)
}

func TestExecute_BranchNoMatch(t *testing.T) {
	res, th, err := execute(t, ExecutorConfig{}, planOf(tierBranch()), stateWith(map[string]any{"tier": "bronze"}))
	require.NoError(t, err)
	assert.Nil(t, res.FinalOutput)
	assert.Zero(t, th.calls.Load())

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "Branch 'br' ambiguous: no condition matched and no else provided", hitl[0].Field("message"))
}

func TestExecute_BranchElse(t *testing.T) {
	plan := planOf(tierBranch(agent("fallback", "echo", map[string]any{"tier": "other"})))
	res, _, err := execute(t, ExecutorConfig{}, plan, stateWith(map[string]any{"tier": "bronze"}))
	require.NoError(t, err)
	assert.Equal(t, `{"tier":"other"}`, res.FinalOutput)
	assert.Equal(t, "else", eventsNamed(res.Trace, schema.EventBranchSelect)[0].Field("when"))
	assert.Zero(t, schema.Count(res.Trace, schema.EventHITL))
}

func TestExecute_BranchFailingConditionIsFalse(t *testing.T) {
	br := &schema.BranchNode{ID: "br",
		Cases: []schema.BranchCase{{When: `__import__("os")`, Tasks: []schema.Node{agent("x", "echo", nil)}}},
		Else:  []schema.Node{agent("safe", "echo", map[string]any{"safe": true})},
	}
	res, _, err := execute(t, ExecutorConfig{}, planOf(br), nil)
	require.NoError(t, err)
	assert.Equal(t, `{"safe":true}`, res.FinalOutput)
	assert.NotContains(t, res.Steps, "x")
}

func keyBranch(hasElse bool) *schema.KeyBranchNode {
	kb := &schema.KeyBranchNode{
		ID:  "kb",
		Key: "state.metadata.tier",
		Cases: map[string][]schema.Node{
			"gold": {agent("g", "echo", map[string]any{"c": "gold"})},
			"2":    {agent("two", "echo", map[string]any{"c": "two"})},
		},
	}
	if hasElse {
		kb.Else = []schema.Node{agent("e", "echo", map[string]any{"c": "else"})}
		kb.HasElse = true
	}
	return kb
}

func TestExecute_KeyBranch(t *testing.T) {
	res, _, err := execute(t, ExecutorConfig{}, planOf(keyBranch(false)), stateWith(map[string]any{"tier": "gold"}))
	require.NoError(t, err)
	assert.Equal(t, `{"c":"gold"}`, res.FinalOutput)
	sel := eventsNamed(res.Trace, schema.EventBranchSelect)[0]
	assert.Equal(t, "key", sel.Field("mode"))
	assert.Equal(t, "gold", sel.Field("value"))

	res, _, err = execute(t, ExecutorConfig{}, planOf(keyBranch(false)), stateWith(map[string]any{"tier": 2}))
	require.NoError(t, err)
	assert.Equal(t, `{"c":"two"}`, res.FinalOutput)
}

func TestExecute_KeyBranchFallbacks(t *testing.T) {
	res, _, err := execute(t, ExecutorConfig{}, planOf(keyBranch(true)), stateWith(map[string]any{"tier": "tin"}))
	require.NoError(t, err)
	assert.Equal(t, `{"c":"else"}`, res.FinalOutput)
	assert.Equal(t, "else", eventsNamed(res.Trace, schema.EventBranchSelect)[0].Field("value"))

	res, _, err = execute(t, ExecutorConfig{}, planOf(keyBranch(false)), stateWith(map[string]any{"tier": "tin"}))
	require.NoError(t, err)
	assert.Nil(t, res.FinalOutput)
	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, "Branch 'kb' has no matching case for value 'tin' and no else", hitl[0].Field("message"))
}

func TestExecute_KeyBranchBareKeyReadsState(t *testing.T) {
	kb := &schema.KeyBranchNode{ID: "kb", Key: "session_id",
		Cases: map[string][]schema.Node{
			"sess": {agent("s", "echo", map[string]any{"c": "session"})},
			"tier": {agent("t", "echo", map[string]any{"c": "metadata"})},
		}}
	res, _, err := execute(t, ExecutorConfig{}, planOf(kb), stateWith(map[string]any{"session_id": "tier"}))
	require.NoError(t, err)
	assert.Equal(t, `{"c":"session"}`, res.FinalOutput)
	assert.Equal(t, "sess", eventsNamed(res.Trace, schema.EventBranchSelect)[0].Field("value"))

	kb.Key = "tier"
	res, _, err = execute(t, ExecutorConfig{}, planOf(kb), stateWith(map[string]any{"tier": "sess"}))
	require.NoError(t, err)
	assert.Nil(t, res.FinalOutput, "bare keys do not fall back to metadata")
	require.Len(t, eventsNamed(res.Trace, schema.EventHITL), 1)
}

func TestExecute_KeyBranchOnStepOutput(t *testing.T) {
	kb := &schema.KeyBranchNode{ID: "kb", Key: "steps.probe.status",
		Cases: map[string][]schema.Node{"ok": {agent("fine", "echo", map[string]any{"ok": 1})}}}
	plan := planOf(seq("root", agent("probe", "echo", map[string]any{"status": "ok"}), kb))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":1}`, res.FinalOutput)
}

// --- Loop ---

func TestExecute_LoopRunsToMaxIters(t *testing.T) {
	loop := &schema.LoopNode{ID: "lp", Condition: "True", MaxIters: 3,
		Tasks: []schema.Node{agent("c", "counter", nil)}}
	res, th, err := execute(t, ExecutorConfig{}, planOf(loop), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(3), th.calls.Load())
	assert.Equal(t, "n=3", res.FinalOutput)
	assert.Equal(t, "n=3", res.Steps["lp"])
	assert.Zero(t, schema.Count(res.Trace, schema.EventHITL))

	maxed := eventsNamed(res.Trace, schema.EventLoopMaxIters)
	require.Len(t, maxed, 1)
	assert.Equal(t, 3, maxed[0].Field("iter"))
	assert.Len(t, eventsNamed(res.Trace, schema.EventLoopIterStart), 3)
	assert.Len(t, eventsNamed(res.Trace, schema.EventLoopEnter), 1)
	assert.Len(t, eventsNamed(res.Trace, schema.EventLoopExit), 1)
}

func TestExecute_LoopUsesConfiguredMaxIters(t *testing.T) {
	loop := &schema.LoopNode{ID: "lp", Tasks: []schema.Node{agent("c", "counter", nil)}}
	_, th, err := execute(t, ExecutorConfig{MaxIters: 4}, planOf(loop), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), th.calls.Load())
}

func TestExecute_LoopNoProgress(t *testing.T) {
	loop := &schema.LoopNode{ID: "lp", Condition: "True", MaxIters: 10,
		Tasks: []schema.Node{agent("k", "const", nil)}}
	res, th, err := execute(t, ExecutorConfig{}, planOf(loop), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), th.calls.Load())
	assert.Equal(t, "same", res.FinalOutput)
	ident := eventsNamed(res.Trace, schema.EventLoopIterIdentical)
	require.Len(t, ident, 1)
	assert.Equal(t, 1, ident[0].Field("iter"))

	hitl := eventsNamed(res.Trace, schema.EventHITL)
	require.Len(t, hitl, 1)
	assert.Equal(t, schema.HITLLoopNoProgress, hitl[0].Field("reason"))
	assert.Equal(t, "Loop 'lp' detected identical outputs across iterations; halting for HITL", hitl[0].Field("message"))
	assert.Empty(t, eventsNamed(res.Trace, schema.EventLoopMaxIters))
}

func TestExecute_LoopPreCheckFalse(t *testing.T) {
	loop := &schema.LoopNode{ID: "lp", Condition: "False", Tasks: []schema.Node{agent("c", "counter", nil)}}
	res, th, err := execute(t, ExecutorConfig{}, planOf(loop), nil)
	require.NoError(t, err)
	assert.Zero(t, th.calls.Load())
	assert.Nil(t, res.FinalOutput)
	ev := eventsNamed(res.Trace, schema.EventLoopConditionFalse)
	require.Len(t, ev, 1)
	assert.Equal(t, "pre", ev[0].Field("phase"))
}

func TestExecute_DoWhileRunsBodyOnce(t *testing.T) {
	loop := &schema.LoopNode{ID: "lp", Condition: "False", DoWhile: true, Tasks: []schema.Node{agent("c", "counter", nil)}}
	res, th, err := execute(t, ExecutorConfig{}, planOf(loop), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), th.calls.Load())
	assert.Equal(t, "n=1", res.FinalOutput)
	ev := eventsNamed(res.Trace, schema.EventLoopConditionFalse)
	require.Len(t, ev, 1)
	assert.Equal(t, "post", ev[0].Field("phase"))
}

func TestExecute_LoopConditionOnSteps(t *testing.T) {
	loop := &schema.LoopNode{ID: "lp", Condition: `steps.c != "n=2"`, DoWhile: true, MaxIters: 10,
		Tasks: []schema.Node{agent("c", "counter", nil)}}
	res, th, err := execute(t, ExecutorConfig{}, planOf(loop), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), th.calls.Load())
	assert.Equal(t, "n=2", res.FinalOutput)
}

// --- Validation and safety ---

func TestExecute_DuplicateIDs(t *testing.T) {
	plan := planOf(seq("root", agent("a", "echo", nil), par("p", agent("a", "echo", nil))))
	res, th, err := execute(t, ExecutorConfig{}, plan, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Empty(t, res.Trace)
	assert.Empty(t, res.Steps)
	assert.Zero(t, th.calls.Load())
}

func TestExecute_MissingRoot(t *testing.T) {
	res, _, err := execute(t, ExecutorConfig{}, &schema.Plan{Name: "empty"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan missing root")
	assert.Empty(t, res.Trace)
}

func TestExecute_StepCap(t *testing.T) {
	plan := planOf(seq("root", agent("a", "echo", nil), agent("b", "echo", nil), agent("c", "echo", nil)))
	res, th, err := execute(t, ExecutorConfig{GlobalStepCap: 2}, plan, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepCapExceeded))
	assert.Equal(t, int64(2), th.calls.Load())
	assert.Zero(t, schema.Count(res.Trace, schema.EventHITL))
}

func TestExecute_StepCapInsideParallelIsNotEscalated(t *testing.T) {
	loop := &schema.LoopNode{ID: "lp", MaxIters: 50, Tasks: []schema.Node{agent("c", "counter", nil)}}
	res, _, err := execute(t, ExecutorConfig{GlobalStepCap: 3}, planOf(par("p", loop)), nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepCapExceeded))
	assert.Zero(t, schema.Count(res.Trace, schema.EventHITL))
}

func TestExecute_UnknownKind(t *testing.T) {
	plan := planOf(seq("root", &schema.UnknownNode{ID: "later", Type: "future"}, agent("a", "echo", map[string]any{"n": 1})))
	res, _, err := execute(t, ExecutorConfig{}, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, res.FinalOutput)

	skipped := eventsNamed(res.Trace, schema.EventNodeSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "later", skipped[0].ID)
	assert.Equal(t, "future", skipped[0].Field("type"))

	_, _, err = execute(t, ExecutorConfig{StrictKinds: true}, plan, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExecute_Cancelled(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewExecutor(reg, ExecutorConfig{AgentTable: testTable, Logger: logging.Discard()})
	res, err := exec.Execute(ctx, planOf(agent("a", "echo", nil)), nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.Zero(t, schema.Count(res.Trace, schema.EventHITL))
}

func TestExecute_UnknownDialect(t *testing.T) {
	_, _, err := execute(t, ExecutorConfig{Dialect: "lua"}, planOf(agent("a", "echo", nil)), nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- Persistence and metrics ---

func TestExecute_PersistsRun(t *testing.T) {
	st := store.NewMemoryStore()
	plan := planOf(seq("root", agent("a", "echo", map[string]any{"v": 1}), tierBranch()))
	res, _, err := execute(t, ExecutorConfig{Store: st}, plan, stateWith(map[string]any{"tier": "none"}))
	require.NoError(t, err)

	ctx := context.Background()
	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusNeedsInput, run.Status)
	assert.True(t, run.HITL)
	assert.Equal(t, "sess", run.SessionID)
	require.NotNil(t, run.CompletedAt)

	events, err := st.GetEvents(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, events, len(res.Trace))
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, res.Trace[i].Event, ev.Trace.Event)
	}

	invs, err := st.ListInvocations(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "a", invs[0].StepID)
	assert.Equal(t, "Echo", invs[0].Handler)
	assert.Equal(t, `{"v":1}`, invs[0].Result)
}

func TestExecute_PersistsFailure(t *testing.T) {
	st := store.NewMemoryStore()
	res, _, err := execute(t, ExecutorConfig{Store: st}, planOf(agent("x", "fail", nil)), nil)
	require.Error(t, err)

	run, getErr := st.GetRun(context.Background(), res.RunID)
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "boom")

	invs, _ := st.ListInvocations(context.Background(), res.RunID)
	require.Len(t, invs, 1)
	assert.Equal(t, schema.TaskStatusFailed, invs[0].Status)
	assert.Equal(t, "boom", invs[0].Error)
}

func TestExecute_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	plan := planOf(seq("root", agent("a", "echo", nil), agent("b", "fail", nil)))
	_, _, err := execute(t, ExecutorConfig{Metrics: m}, plan, nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodes.WithLabelValues("sequential")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodes.WithLabelValues("agent_call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hitl.WithLabelValues(schema.HITLHandlerFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.handlerDuration))
}

func TestResult_JSON(t *testing.T) {
	res, _, err := execute(t, ExecutorConfig{}, planOf(agent("a", "echo", map[string]any{"k": 1})), nil)
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded struct {
		FinalOutput string              `json:"final_output"`
		Steps       map[string]any      `json:"steps"`
		Trace       []schema.TraceEvent `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, `{"k":1}`, decoded.FinalOutput)
	assert.Equal(t, schema.EventStartPlan, decoded.Trace[0].Event)
	assert.Equal(t, "a", decoded.Trace[1].ID)
}
