// Package harness runs user functions end to end: it resolves the source,
// loads the handler, binds its arguments, invokes it and records the
// outputs and the final run status.
package harness

import (
	"context"
	"fmt"
	"maps"

	"function-harness/internal/loader"
	"function-harness/internal/outputs"
)

// Wrapped is the launch convention of a wrapped function: the first two
// positional arguments are the project name and the run key, the remaining
// ones map onto the function's declared parameters in order.
type Wrapped func(ctx context.Context, args []any, kwargs map[string]any) (map[string]any, error)

// Wrap returns fn under the launch convention, collecting its return value
// into outputs named after outputNames.
func Wrap(fn loader.Callable, outputNames []string, m *outputs.Materializer) Wrapped {
	return func(ctx context.Context, args []any, kwargs map[string]any) (map[string]any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("%s: want project name and run key as the first two arguments, got %d arguments", fn.Symbol(), len(args))
		}
		project, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s: project name must be a string, got %T", fn.Symbol(), args[0])
		}
		runKey, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("%s: run key must be a string, got %T", fn.Symbol(), args[1])
		}

		call := make(map[string]any, len(kwargs)+len(args)-2)
		maps.Copy(call, kwargs)
		params := fn.Params()
		for i, arg := range args[2:] {
			if i >= len(params) {
				return nil, fmt.Errorf("%s() takes %d positional arguments but %d were given", fn.Symbol(), len(params), len(args)-2)
			}
			if _, dup := call[params[i]]; dup {
				return nil, fmt.Errorf("%s() got multiple values for argument %q", fn.Symbol(), params[i])
			}
			call[params[i]] = arg
		}

		result, err := fn.Call(ctx, call)
		if err != nil {
			return nil, fmt.Errorf("invoking %s: %w", fn.Symbol(), err)
		}
		return m.Collect(ctx, result, outputNames, project, runKey)
	}
}
