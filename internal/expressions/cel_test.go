package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestNewCELEngine(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_StateConditions(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `state.metadata.x == 5`, testScope())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `state.metadata.tier in ["gold", "platinum"]`, testScope())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `has(state.metadata.nope)`, testScope())
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_StepConditions(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	t.Run("json text output is decoded", func(t *testing.T) {
		out, err := e.Evaluate(ctx, `steps.doc.answer == "yes"`, testScope())
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("length builtin", func(t *testing.T) {
		out, err := e.Evaluate(ctx, `length(steps.obl.obligations) > 0`, testScope())
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestCEL_MissingDataUsesEmptyMaps(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), `size(steps) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", testScope())
	require.Error(t, err)

	_, err = e.Evaluate(ctx, `state.metadata.x ==`, testScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(ctx, `state.metadata.nope == 1`, testScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_ConditionsFailClosed(t *testing.T) {
	c := NewConditions(newCEL(t), nil)
	sc := testScope()
	state, steps := sc["state"].(map[string]any), sc["steps"].(map[string]any)

	assert.True(t, c.Eval(context.Background(), `state.metadata.tier == "gold"`, state, steps))
	assert.False(t, c.Eval(context.Background(), `state.metadata.nope == 1`, state, steps))
}

func TestCEL_Concurrent(t *testing.T) {
	e := newCEL(t)

	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := range 50 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = e.Evaluate(context.Background(), `state.metadata.x > 1`, testScope())
		}(i)
	}
	wg.Wait()

	for i := range 50 {
		assert.NoError(t, errs[i])
	}
}
