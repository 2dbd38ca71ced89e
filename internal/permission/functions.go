package permission

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
)

// FunctionRegistry holds the functions rule expressions may call. Only registered
// functions are visible to govaluate.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var defaultFunctions = newBuiltinRegistry()

// RegisterFunction makes fn callable from rule expressions compiled after this call.
func RegisterFunction(name string, fn govaluate.ExpressionFunction) {
	defaultFunctions.Register(name, fn)
}

// Register adds or replaces a function.
func (r *FunctionRegistry) Register(name string, fn govaluate.ExpressionFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
}

// snapshot returns a copy safe to hand to the expression compiler.
func (r *FunctionRegistry) snapshot() map[string]govaluate.ExpressionFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]govaluate.ExpressionFunction, len(r.functions))
	for k, v := range r.functions {
		out[k] = v
	}
	return out
}

func newBuiltinRegistry() *FunctionRegistry {
	r := &FunctionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}
	r.Register("has_prefix", stringPredicate("has_prefix", strings.HasPrefix))
	r.Register("has_suffix", stringPredicate("has_suffix", strings.HasSuffix))
	r.Register("contains", stringPredicate("contains", strings.Contains))
	return r
}

func stringPredicate(name string, fn func(s, sub string) bool) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s expects 2 arguments, got %d", name, len(args))
		}
		s, ok1 := args[0].(string)
		sub, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s expects string arguments", name)
		}
		return fn(s, sub), nil
	}
}

// ValidateExpression checks that a rule expression compiles against the registered functions.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, defaultFunctions.snapshot())
	return err
}
