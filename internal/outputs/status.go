package outputs

import (
	"encoding/json"
	"fmt"
	"math"

	"function-harness/internal/entity"
	"function-harness/internal/errdefs"
)

// BuildStatus assembles the COMPLETED status of an execution. Entity
// outputs contribute their key to Outputs on top of everything the ledger
// recorded; every other value goes to Results.
func BuildStatus(ledger *entity.Ledger, parsed map[string]any) (*entity.RunStatus, error) {
	status := &entity.RunStatus{
		State:   entity.StateCompleted,
		Outputs: ledger.Snapshot(),
		Results: make(map[string]any),
	}
	if status.Outputs == nil {
		status.Outputs = make(map[string]string)
	}

	for name, v := range parsed {
		if e, ok := v.(entity.Entity); ok {
			key := e.Key()
			if key == "" {
				return nil, errdefs.New("build status", errdefs.ErrStatusBuild, "output %q has no key", name)
			}
			status.Outputs[name] = key
			continue
		}
		v = finite(v)
		if _, err := json.Marshal(v); err != nil {
			return nil, errdefs.Wrap("build status", errdefs.ErrStatusBuild, fmt.Errorf("result %q: %w", name, err))
		}
		status.Results[name] = v
	}
	return status, nil
}

// finite replaces NaN and infinite floats, which JSON cannot carry, with the
// tokens Python prints for them.
func finite(v any) any {
	switch x := v.(type) {
	case float64:
		return floatResult(x)
	case float32:
		return floatResult(float64(x))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = finite(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = finite(item)
		}
		return out
	}
	return v
}

func floatResult(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}
