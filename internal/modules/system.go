package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
)

// SystemVersion is the version reported by the built-in system module.
const SystemVersion = "1.0.0"

// System returns the built-in demo module with echo, sleep, fail, set and calculate actions.
// It exists so plans can be exercised from the CLI without real handlers.
func System() *FuncModule {
	var mu sync.Mutex
	vars := map[string]any{}

	return NewFuncModule("system",
		WithVersion(SystemVersion),
		WithDescription("Built-in actions for trying out plans."),
		WithAction("echo", func(_ context.Context, params map[string]any) (any, error) {
			out := make(map[string]any, len(params))
			for k, v := range params {
				out[k] = v
			}
			return out, nil
		}),
		WithActionDoc("echo", "Returns its parameters."),
		WithAction("sleep", func(ctx context.Context, params map[string]any) (any, error) {
			d, err := durationParam(params, "duration")
			if err != nil {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
			return map[string]any{"slept": d.String()}, nil
		}),
		WithActionDoc("sleep", "Waits for 'duration' (e.g. \"250ms\")."),
		WithValidator("sleep", func(params map[string]any) error {
			_, err := durationParam(params, "duration")
			return err
		}),
		WithAction("fail", func(_ context.Context, params map[string]any) (any, error) {
			msg, _ := params["message"].(string)
			if msg == "" {
				msg = "requested failure"
			}
			return nil, errors.New(msg)
		}),
		WithActionDoc("fail", "Always fails with 'message'."),
		WithAction("set", func(_ context.Context, params map[string]any) (any, error) {
			key, _ := params["key"].(string)
			mu.Lock()
			defer mu.Unlock()
			vars[key] = params["value"]
			return map[string]any{"key": key, "value": params["value"]}, nil
		}),
		WithActionDoc("set", "Stores 'value' under 'key' and returns both."),
		WithAction("calculate", func(_ context.Context, params map[string]any) (any, error) {
			expr, err := govaluate.NewEvaluableExpression(params["expression"].(string))
			if err != nil {
				return nil, fmt.Errorf("parse expression: %w", err)
			}
			vars, _ := params["vars"].(map[string]any)
			v, err := expr.Evaluate(vars)
			if err != nil {
				return nil, fmt.Errorf("evaluate expression: %w", err)
			}
			return map[string]any{"value": v}, nil
		}),
		WithActionDoc("calculate", "Evaluates 'expression' (e.g. \"5*9\") with optional 'vars'."),
		WithValidator("calculate", func(params map[string]any) error {
			expr, ok := params["expression"].(string)
			if !ok || expr == "" {
				return errors.New("'expression' must be a non-empty string")
			}
			if len(expr) > 256 {
				return errors.New("'expression' is too long")
			}
			return nil
		}),
		WithValidator("set", func(params map[string]any) error {
			if k, ok := params["key"].(string); !ok || k == "" {
				return errors.New("'key' must be a non-empty string")
			}
			return nil
		}),
	)
}

func durationParam(params map[string]any, name string) (time.Duration, error) {
	switch v := params[name].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case nil:
		return 0, fmt.Errorf("'%s' is required", name)
	default:
		return 0, fmt.Errorf("'%s' must be a duration string or milliseconds", name)
	}
}
