package expressions

import "context"

// Engine evaluates condition expressions against session state.
// Two implementations route conditions (CEL, Expr); GoJQ transforms
// tool output documents.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates the expression and coerces the result to bool.
// Non-boolean results are truthiness-free: anything but a bool is an error,
// so condition typos fail loudly instead of routing somewhere by accident.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, conditionTypeErr(expression, out)
	}
	return b, nil
}
