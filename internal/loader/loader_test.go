package loader

import (
	"context"
	"errors"
	"testing"

	"function-harness/internal/errdefs"
)

func TestFuncCall(t *testing.T) {
	double := Func("double", []string{"x"}, func(_ context.Context, kw map[string]any) (any, error) {
		return kw["x"].(int) * 2, nil
	})

	got, err := double.Call(context.Background(), map[string]any{"x": 3})
	if err != nil {
		t.Fatal(err)
	}
	if got != 6 {
		t.Errorf("Call() = %v, want 6", got)
	}

	if _, err := double.Call(context.Background(), map[string]any{"x": 1, "y": 2}); err == nil {
		t.Error("expected error for undeclared keyword")
	}
	if !Declares(double, "x") || Declares(double, "context") {
		t.Errorf("Declares mismatch for params %v", double.Params())
	}
}

func TestChainRunsInitFirst(t *testing.T) {
	var order []string
	state := map[string]any{}

	init := Func("init", []string{"context", "greeting"}, func(_ context.Context, kw map[string]any) (any, error) {
		order = append(order, "init")
		kw["context"].(map[string]any)["greeting"] = kw["greeting"]
		return nil, nil
	})
	fn := Func("handler", []string{"context"}, func(_ context.Context, kw map[string]any) (any, error) {
		order = append(order, "handler")
		return kw["context"].(map[string]any)["greeting"], nil
	})

	chained, err := Chain(fn, init, map[string]any{"context": state, "greeting": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := chained.Call(context.Background(), map[string]any{"context": state})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi" {
		t.Errorf("Call() = %v, want hi", got)
	}
	if len(order) != 2 || order[0] != "init" {
		t.Errorf("order = %v", order)
	}
	if chained.Symbol() != "handler" {
		t.Errorf("Symbol() = %q", chained.Symbol())
	}
}

func TestChainInitFailure(t *testing.T) {
	boom := errors.New("boom")
	init := Func("init", []string{"context"}, func(context.Context, map[string]any) (any, error) { return nil, boom })
	fn := Func("handler", nil, func(context.Context, map[string]any) (any, error) {
		t.Error("handler must not run after init failure")
		return nil, nil
	})
	chained, _ := Chain(fn, init, map[string]any{"context": nil})
	if _, err := chained.Call(context.Background(), nil); !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestTableLoad(t *testing.T) {
	tbl := Table{"run": Func("run", nil, nil)}
	if _, err := tbl.Load(context.Background(), "ignored", "run"); err != nil {
		t.Fatal(err)
	}
	_, err := tbl.Load(context.Background(), "ignored", "missing")
	if !errors.Is(err, errdefs.ErrSourceLoad) {
		t.Errorf("error = %v, want ErrSourceLoad", err)
	}
}
