// Package expr provides the minimal expression evaluator used by the
// workflow engine's condition, foreach and transform steps. It is a
// thin, cached wrapper around github.com/expr-lang/expr restricted to the
// surface those steps need: variable references into the step's evaluation
// context (inputs, step outputs, loop variables), literal comparisons, and
// `$.field`-style dereferences into JSON-shaped values. No custom functions
// are registered and undefined variables evaluate to nil rather than
// failing compilation, so a condition referencing a step that has not run
// yet is false instead of a hard error.
package expr

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches expressions against a workflow evaluation
// context. The zero value is not usable; construct with New.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns a ready-to-use Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) compile(expression string, asBool bool) (*vm.Program, error) {
	cacheKey := expression
	if asBool {
		cacheKey = "bool:" + expression
	}

	e.mu.RLock()
	prog, ok := e.cache[cacheKey]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", expression, err)
	}

	e.mu.Lock()
	e.cache[cacheKey] = prog
	e.mu.Unlock()
	return prog, nil
}

// EvalBool evaluates expression as a condition (WorkflowStep.Condition,
// ConditionalStepConfig.Expression). An empty expression is always true, the
// convention the workflow engine uses for "no condition" steps.
func (e *Evaluator) EvalBool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	prog, err := e.compile(expression, true)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expr: %q did not evaluate to bool, got %T", expression, out)
	}
	return b, nil
}

// Eval evaluates expression and returns its value unconverted, used by
// ForEachStepConfig.CollectionExpr, TransformStepConfig.Expression and
// JobStepConfig.PayloadExpr.
func (e *Evaluator) Eval(expression string, env map[string]any) (any, error) {
	prog, err := e.compile(expression, false)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", expression, err)
	}
	return out, nil
}
