package loader

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"function-harness/internal/errdefs"
)

// GoFunc is the signature of in-process functions. Go has no runtime
// parameter names, so the declared names are supplied next to the function
// and the arguments arrive as one keyword map.
type GoFunc func(ctx context.Context, kwargs map[string]any) (any, error)

// Func adapts an in-process Go function to Callable.
func Func(symbol string, params []string, fn GoFunc) Callable {
	return &goCallable{symbol: symbol, params: slices.Clone(params), fn: fn}
}

type goCallable struct {
	symbol string
	params []string
	fn     GoFunc
}

func (g *goCallable) Symbol() string   { return g.symbol }
func (g *goCallable) Params() []string { return slices.Clone(g.params) }

// Call rejects keywords the function does not declare.
func (g *goCallable) Call(ctx context.Context, kwargs map[string]any) (any, error) {
	var unknown []string
	for k := range kwargs {
		if !slices.Contains(g.params, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, fmt.Errorf("%s() got unexpected keyword arguments: %s", g.symbol, strings.Join(unknown, ", "))
	}
	return g.fn(ctx, kwargs)
}

// Table is a Loader serving in-process functions registered by symbol. The
// path argument is ignored.
type Table map[string]Callable

func (t Table) Load(_ context.Context, _ string, symbol string) (Callable, error) {
	c, ok := t[symbol]
	if !ok {
		return nil, errdefs.New("load", errdefs.ErrSourceLoad, "symbol %q is not registered", symbol)
	}
	return c, nil
}
