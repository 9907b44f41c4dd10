package loader

import (
	"context"
	"fmt"
	"slices"
)

// Callable is a loaded entry point. Params reports the parameter names the
// callable declares, in declaration order; the argument binder relies on it
// to decide which reserved names to inject.
type Callable interface {
	Symbol() string
	Params() []string
	Call(ctx context.Context, kwargs map[string]any) (any, error)
}

// Loader loads a named callable from a source file. Implementations wrap
// every failure (syntax errors, missing symbols, import time exceptions)
// with errdefs.ErrSourceLoad.
type Loader interface {
	Load(ctx context.Context, path, symbol string) (Callable, error)
}

// RootLoader is implemented by loaders that import path as part of the
// source tree rooted at root, so that sibling modules of the tree can be
// imported by their package path.
type RootLoader interface {
	LoadFrom(ctx context.Context, root, path, symbol string) (Callable, error)
}

// LoadFrom loads symbol from path, handing root to loaders that use it.
func LoadFrom(ctx context.Context, l Loader, root, path, symbol string) (Callable, error) {
	if rl, ok := l.(RootLoader); ok {
		return rl.LoadFrom(ctx, root, path, symbol)
	}
	return l.Load(ctx, path, symbol)
}

// InitChainer is implemented by callables that can run an initializer in
// the same execution environment right before themselves.
type InitChainer interface {
	WithInit(init Callable, kwargs map[string]any) (Callable, error)
}

// Opaque is a value a loader could only carry as serialized bytes, such as
// a pickled python object.
type Opaque struct {
	TypeName string
	Ext      string // file extension of the serialized form
	Data     []byte
}

// Chain returns a callable that runs init with initKwargs before fn. It
// defers to fn when fn knows how to chain initializers itself.
func Chain(fn, init Callable, initKwargs map[string]any) (Callable, error) {
	if c, ok := fn.(InitChainer); ok {
		return c.WithInit(init, initKwargs)
	}
	return &chained{Callable: fn, init: init, initKwargs: initKwargs}, nil
}

type chained struct {
	Callable
	init       Callable
	initKwargs map[string]any
}

func (c *chained) Call(ctx context.Context, kwargs map[string]any) (any, error) {
	if _, err := c.init.Call(ctx, c.initKwargs); err != nil {
		return nil, fmt.Errorf("init function %s: %w", c.init.Symbol(), err)
	}
	return c.Callable.Call(ctx, kwargs)
}

// Declares reports whether c declares a parameter called name.
func Declares(c interface{ Params() []string }, name string) bool {
	return slices.Contains(c.Params(), name)
}
