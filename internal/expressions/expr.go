package expressions

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// ExprEngine evaluates plan conditions with expr-lang/expr, restricted to the
// condition grammar: literals, parentheses, and/or/not, comparisons, "in",
// state./steps. references and length(x).
//
// Expressions are parsed and checked against the grammar before compilation;
// references are rewritten into lookups so the program never sees the raw
// state. Compiled programs are cached and safe for concurrent use.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new condition engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression against data built by Scope and returns the raw
// result. Grammar violations and runtime failures are returned as errors.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty condition")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "condition evaluation cancelled").WithCause(err)
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, runtimeEnv(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Check parses, grammar-checks and compiles expression.
func (e *ExprEngine) Check(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeExpression, "empty condition")
	}
	_, err := e.getOrCompile(expression)
	return err
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"condition parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	if err := checkGrammar(tree.Node); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q rejected: %s", expression, err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := expr.Compile(expression,
		expr.Env(compileEnv),
		expr.Patch(&refPatcher{}),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"condition compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// Functions injected by the patcher. The compile-time env only fixes their
// signatures; runtimeEnv binds ref to the evaluation data.
const (
	fnRef    = "ref"
	fnLength = "length"
	fnTruthy = "truthy"
	fnMember = "member"
)

var compileEnv = map[string]any{
	fnRef:    func(string) any { return nil },
	fnLength: Length,
	fnTruthy: Truthy,
	fnMember: Member,
}

func runtimeEnv(data map[string]any) map[string]any {
	return map[string]any{
		fnRef:    func(path string) any { return Lookup(path, data) },
		fnLength: Length,
		fnTruthy: Truthy,
		fnMember: Member,
	}
}

// --- Grammar check ---

var (
	allowedUnary = map[string]bool{"not": true, "!": true, "-": true, "+": true}

	allowedBinary = map[string]bool{
		"and": true, "or": true, "&&": true, "||": true,
		"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
		"in": true,
	}

	allowedIdents = map[string]bool{
		"state": true, "steps": true, "None": true, "True": true, "False": true,
	}
)

// checkGrammar walks a parsed tree and rejects anything outside the
// condition grammar.
func checkGrammar(node ast.Node) error {
	switch n := node.(type) {
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.StringNode:
		return nil
	case *ast.IdentifierNode:
		if !allowedIdents[n.Value] {
			return fmt.Errorf("unknown name %q", n.Value)
		}
		return nil
	case *ast.ArrayNode:
		for _, item := range n.Nodes {
			if err := checkGrammar(item); err != nil {
				return err
			}
		}
		return nil
	case *ast.UnaryNode:
		if !allowedUnary[n.Operator] {
			return fmt.Errorf("operator %q is not allowed", n.Operator)
		}
		return checkGrammar(n.Node)
	case *ast.BinaryNode:
		if !allowedBinary[n.Operator] {
			return fmt.Errorf("operator %q is not allowed", n.Operator)
		}
		if err := checkGrammar(n.Left); err != nil {
			return err
		}
		return checkGrammar(n.Right)
	case *ast.MemberNode:
		return checkReference(n)
	case *ast.CallNode:
		callee, ok := n.Callee.(*ast.IdentifierNode)
		if !ok || callee.Value != fnLength {
			return fmt.Errorf("only %s(x) may be called", fnLength)
		}
		if len(n.Arguments) != 1 {
			return fmt.Errorf("%s expects exactly one argument", fnLength)
		}
		return checkGrammar(n.Arguments[0])
	default:
		return fmt.Errorf("unsupported construct %T", node)
	}
}

// checkReference accepts member chains rooted at state or steps whose
// properties are names or integer indexes.
func checkReference(n *ast.MemberNode) error {
	if n.Optional || n.Method {
		return fmt.Errorf("optional and method access are not allowed")
	}
	switch n.Property.(type) {
	case *ast.StringNode, *ast.IntegerNode:
	default:
		return fmt.Errorf("computed member access is not allowed")
	}
	switch base := n.Node.(type) {
	case *ast.MemberNode:
		return checkReference(base)
	case *ast.IdentifierNode:
		if base.Value != "state" && base.Value != "steps" {
			return fmt.Errorf("references must start with state. or steps., got %q", base.Value)
		}
		return nil
	default:
		return fmt.Errorf("references must start with state. or steps.")
	}
}

// --- Rewriting ---

// refPatcher rewrites a checked tree into calls on the injected functions:
// state./steps. chains become ref("path"), None/True/False become literals,
// "in" becomes member(x, y), and boolean operands go through truthy().
type refPatcher struct{}

func (p *refPatcher) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		switch n.Value {
		case "state", "steps":
			ast.Patch(node, call(fnRef, &ast.StringNode{Value: n.Value}))
		case "None":
			ast.Patch(node, &ast.NilNode{})
		case "True":
			ast.Patch(node, &ast.BoolNode{Value: true})
		case "False":
			ast.Patch(node, &ast.BoolNode{Value: false})
		}
	case *ast.MemberNode:
		base, ok := refPath(n.Node)
		if !ok {
			return
		}
		var seg string
		switch prop := n.Property.(type) {
		case *ast.StringNode:
			seg = prop.Value
		case *ast.IntegerNode:
			seg = strconv.Itoa(prop.Value)
		default:
			return
		}
		ast.Patch(node, call(fnRef, &ast.StringNode{Value: base + "." + seg}))
	case *ast.BinaryNode:
		switch n.Operator {
		case "in":
			ast.Patch(node, call(fnMember, n.Left, n.Right))
		case "and", "or", "&&", "||":
			n.Left = call(fnTruthy, n.Left)
			n.Right = call(fnTruthy, n.Right)
		}
	case *ast.UnaryNode:
		if n.Operator == "not" || n.Operator == "!" {
			n.Node = call(fnTruthy, n.Node)
		}
	}
}

func call(name string, args ...ast.Node) *ast.CallNode {
	return &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: name},
		Arguments: args,
	}
}

// refPath returns the path of a ref("...") call produced by the patcher.
func refPath(node ast.Node) (string, bool) {
	c, ok := node.(*ast.CallNode)
	if !ok || len(c.Arguments) != 1 {
		return "", false
	}
	id, ok := c.Callee.(*ast.IdentifierNode)
	if !ok || id.Value != fnRef {
		return "", false
	}
	s, ok := c.Arguments[0].(*ast.StringNode)
	if !ok {
		return "", false
	}
	return s.Value, true
}

var (
	_ Engine  = (*ExprEngine)(nil)
	_ Checker = (*ExprEngine)(nil)
)
