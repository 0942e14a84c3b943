package expressions

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine evaluates expressions against evaluation data.
// Conditions use ExprEngine or CELEngine; data transforms use JQEngine.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker is implemented by engines that can compile an expression without
// evaluating it.
type Checker interface {
	Check(expression string) error
}

// Dialects accepted for plan conditions.
const (
	DialectExpr = "expr"
	DialectCEL  = "cel"
)

// NewConditionEngine returns the engine for a condition dialect.
// An empty dialect selects expr.
func NewConditionEngine(dialect string) (Engine, error) {
	switch dialect {
	case "", DialectExpr:
		return NewExprEngine(), nil
	case DialectCEL:
		return NewCELEngine()
	default:
		return nil, fmt.Errorf("unknown condition dialect %q", dialect)
	}
}

// Conditions evaluates boolean plan conditions. It never fails: any
// rejected or failing expression is logged and counts as false.
type Conditions struct {
	engine Engine
	logger *slog.Logger
}

// NewConditions wraps a condition engine.
func NewConditions(engine Engine, logger *slog.Logger) *Conditions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conditions{engine: engine, logger: logger}
}

// Engine returns the wrapped engine.
func (c *Conditions) Engine() Engine { return c.engine }

// Eval evaluates expression over the state snapshot and step outputs.
func (c *Conditions) Eval(ctx context.Context, expression string, state, steps map[string]any) bool {
	out, err := c.engine.Evaluate(ctx, expression, Scope(state, steps))
	if err != nil {
		c.logger.WarnContext(ctx, "condition evaluation failed",
			slog.String("dialect", c.engine.Name()),
			slog.String("expression", expression),
			slog.Any("error", err))
		return false
	}
	return Truthy(out)
}
