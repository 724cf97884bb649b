package expressions

import "context"

// Engine evaluates expressions against a data map.
// Three implementations: CEL (step conditions), Expr (trigger guards), GoJQ (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
}
