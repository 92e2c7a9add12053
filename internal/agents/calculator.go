package agents

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const maxExpressionLength = 256

var errNotFinite = errors.New("result is not a finite number")

// Calculator evaluates arithmetic expressions for the solver's tool calls:
// + - * / % ^ parentheses, unary minus, sqrt sin cos tan log ln abs, pi and e.
type Calculator struct {
	env map[string]any
}

func NewCalculator() *Calculator {
	return &Calculator{env: map[string]any{
		"sqrt": unary(math.Sqrt),
		"sin":  unary(math.Sin),
		"cos":  unary(math.Cos),
		"tan":  unary(math.Tan),
		"log":  unary(math.Log10),
		"ln":   unary(math.Log),
		"pi":   math.Pi,
		"e":    math.E,
	}}
}

// Evaluate computes expression. Non-numeric or non-finite results are errors.
func (c *Calculator) Evaluate(expression string) (float64, error) {
	expression = normalizeExpression(expression)
	if expression == "" {
		return 0, errors.New("empty expression")
	}
	if len(expression) > maxExpressionLength {
		return 0, fmt.Errorf("expression longer than %d characters", maxExpressionLength)
	}

	program, err := c.compile(expression)
	if err != nil {
		return 0, fmt.Errorf("cannot evaluate expression: %w", err)
	}
	out, err := expr.Run(program, c.env)
	if err != nil {
		return 0, fmt.Errorf("cannot evaluate expression: %w", err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("cannot evaluate expression: unexpected %T result", out)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errNotFinite
	}
	return v, nil
}

func (c *Calculator) compile(expression string) (*vm.Program, error) {
	return expr.Compile(expression,
		expr.Env(c.env),
		expr.AsFloat64(),
		expr.DisableAllBuiltins(),
		expr.EnableBuiltin("abs"),
		expr.MaxNodes(200),
	)
}

func normalizeExpression(s string) string {
	r := strings.NewReplacer("×", "*", "÷", "/", "−", "-", "π", "pi")
	return strings.TrimSpace(r.Replace(s))
}

func unary(fn func(float64) float64) func(any) (float64, error) {
	return func(v any) (float64, error) {
		switch x := v.(type) {
		case float64:
			return fn(x), nil
		case int:
			return fn(float64(x)), nil
		default:
			return 0, fmt.Errorf("expected a number, got %T", v)
		}
	}
}

// FormatNumber renders calculator output without trailing zeros.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}
