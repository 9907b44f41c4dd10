package harness

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"os/exec"
	"sync"
	"testing"

	"function-harness/internal/binder"
	"function-harness/internal/entity"
	"function-harness/internal/errdefs"
	"function-harness/internal/loader"
	"function-harness/internal/monitor"
	"function-harness/internal/objstore"
	"function-harness/internal/outputs"
	"function-harness/internal/runtime"
	"function-harness/internal/source"
	"function-harness/internal/storage"
)

type recordingAuditor struct {
	mu      sync.Mutex
	records []*storage.Execution
}

func (a *recordingAuditor) Log(exec *storage.Execution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, exec)
}

func newExecutor(t *testing.T, rts ...runtime.Runtime) (*Executor, *entity.Memory, *recordingAuditor) {
	t.Helper()
	mem := entity.NewMemory()
	mem.EnsureProject("demo")
	audit := &recordingAuditor{}
	e := NewExecutor(runtime.NewRegistry(rts...), source.NewResolver(objstore.NewRegistry()), mem)
	e.WorkDir = t.TempDir()
	e.ScratchDir = t.TempDir()
	e.Audit = audit
	e.Metrics = monitor.NewMetrics()
	return e, mem, audit
}

func goDouble() *runtime.GoRuntime {
	return &runtime.GoRuntime{Functions: loader.Table{
		"run": loader.Func("run", []string{"x"}, func(_ context.Context, kw map[string]any) (any, error) {
			return kw["x"].(int) * 2, nil
		}),
	}}
}

func inline(src string) string {
	return base64.StdEncoding.EncodeToString([]byte(src))
}

func TestExecuteGoFunction(t *testing.T) {
	e, mem, audit := newExecutor(t, goDouble())

	res, err := e.Execute(context.Background(), Request{
		Project:    "demo",
		Source:     source.SourceSpec{Base64: inline("package main"), Handler: "run", Lang: "go"},
		Parameters: map[string]any{"x": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Outputs) != 1 || res.Outputs["output_0"] != 6 {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if res.Status.State != entity.StateCompleted || len(res.Status.Outputs) != 0 || res.Status.Results["output_0"] != 6 {
		t.Errorf("status = %+v", res.Status)
	}
	if res.RunKey != entity.RunKey("demo", "go+run", res.ID) {
		t.Errorf("run key = %q", res.RunKey)
	}

	run, err := mem.GetRun(context.Background(), "demo", res.RunKey)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status.State != entity.StateCompleted {
		t.Errorf("stored state = %s", run.Status.State)
	}

	if len(audit.records) != 1 || audit.records[0].State != "COMPLETED" || audit.records[0].SourceScheme != "base64" {
		t.Errorf("audit = %+v", audit.records)
	}
}

func TestExecutePythonEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	e, _, _ := newExecutor(t, &runtime.PythonRuntime{})

	res, err := e.Execute(context.Background(), Request{
		Project:    "demo",
		RunKey:     "store://demo/run/python+run/r1",
		Source:     source.SourceSpec{Base64: inline("def run(x): return x*2"), Handler: "run"},
		Parameters: map[string]any{"x": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outputs["output_0"] != int64(6) {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if res.Status.State != entity.StateCompleted || len(res.Status.Outputs) != 0 || res.Status.Results["output_0"] != int64(6) {
		t.Errorf("status = %+v", res.Status)
	}
}

func TestExecutePythonNaNResult(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	e, _, _ := newExecutor(t, &runtime.PythonRuntime{})

	res, err := e.Execute(context.Background(), Request{
		Project: "demo",
		Source:  source.SourceSpec{Base64: inline("def run(): return float('nan')"), Handler: "run"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := res.Outputs["output_0"].(float64); !ok || !math.IsNaN(f) {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if res.Status.Results["output_0"] != "NaN" {
		t.Errorf("results = %v", res.Status.Results)
	}
}

func TestExecuteFailureRecordsErrorStatus(t *testing.T) {
	e, mem, audit := newExecutor(t, goDouble())

	res, err := e.Execute(context.Background(), Request{
		Project: "demo",
		RunKey:  "store://demo/run/go+run/r2",
		Source:  source.SourceSpec{Base64: inline("package main"), Handler: "missing", Lang: "go"},
	})
	if !errors.Is(err, errdefs.ErrSourceLoad) {
		t.Fatalf("error = %v, want ErrSourceLoad", err)
	}
	if res.Status.State != entity.StateError || res.Status.Message == "" {
		t.Errorf("status = %+v", res.Status)
	}
	run, gerr := mem.GetRun(context.Background(), "demo", res.RunKey)
	if gerr != nil || run.Status.State != entity.StateError {
		t.Errorf("stored run = %+v, %v", run, gerr)
	}
	if len(audit.records) != 1 || audit.records[0].ErrorKind != "handler" {
		t.Errorf("audit = %+v", audit.records)
	}
}

func TestExecuteNoSource(t *testing.T) {
	e, _, _ := newExecutor(t, goDouble())
	_, err := e.Execute(context.Background(), Request{
		Project: "demo",
		Source:  source.SourceSpec{Handler: "run", Lang: "go"},
	})
	if !errors.Is(err, errdefs.ErrNoSourceProvided) {
		t.Errorf("error = %v, want ErrNoSourceProvided", err)
	}
}

func TestExecuteWithInitFunction(t *testing.T) {
	type state struct {
		Greeting string
	}
	pctx := &binder.PlatformContext{}
	shared := &state{}

	rt := &runtime.GoRuntime{Functions: loader.Table{
		"init": loader.Func("init", []string{"context", "greeting"}, func(_ context.Context, kw map[string]any) (any, error) {
			shared.Greeting = kw["greeting"].(string)
			return nil, nil
		}),
		"handler": loader.Func("handler", []string{"context", "event"}, func(_ context.Context, kw map[string]any) (any, error) {
			if kw["context"] != pctx {
				return nil, errors.New("context not injected")
			}
			return []any{shared.Greeting, kw["event"]}, nil
		}),
	}}
	e, _, _ := newExecutor(t, rt)

	res, err := e.Execute(context.Background(), Request{
		Project:        "demo",
		Source:         source.SourceSpec{Base64: inline("package main"), Handler: "handler", InitFunction: "init", Lang: "go"},
		InitParameters: map[string]any{"greeting": "hi"},
		Outputs:        []string{"greeting", "event"},
		Remote:         true,
		Context:        pctx,
		Event:          "ping",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outputs["greeting"] != "hi" || res.Outputs["event"] != "ping" {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestExecuteRemoteBuildsContext(t *testing.T) {
	var seen *binder.PlatformContext
	rt := &runtime.GoRuntime{Functions: loader.Table{
		"init": loader.Func("init", []string{"context"}, func(_ context.Context, kw map[string]any) (any, error) {
			seen, _ = kw["context"].(*binder.PlatformContext)
			return nil, nil
		}),
		"handler": loader.Func("handler", []string{"context"}, func(_ context.Context, kw map[string]any) (any, error) {
			pc := kw["context"].(*binder.PlatformContext)
			return []any{pc.Project.Name, pc.Run.ID}, nil
		}),
	}}
	e, _, _ := newExecutor(t, rt)

	res, err := e.Execute(context.Background(), Request{
		Project: "demo",
		RunKey:  "store://demo/run/go+run/r7",
		Source:  source.SourceSpec{Base64: inline("package main"), Handler: "handler", InitFunction: "init", Lang: "go"},
		Outputs: []string{"project", "run"},
		Remote:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen == nil || seen.Project.Name != "demo" || seen.Run.Kind != "go+run" {
		t.Errorf("init context = %+v", seen)
	}
	if res.Outputs["project"] != "demo" || res.Outputs["run"] != "r7" {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestExecutePythonRemoteInit(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	e, _, _ := newExecutor(t, &runtime.PythonRuntime{})

	code := `
def init(context, greeting):
    context.greeting = greeting

def handler(context):
    return context.greeting, context.project.name
`
	res, err := e.Execute(context.Background(), Request{
		Project:        "demo",
		Source:         source.SourceSpec{Base64: inline(code), Handler: "handler", InitFunction: "init"},
		InitParameters: map[string]any{"greeting": "hi"},
		Outputs:        []string{"greeting", "project"},
		Remote:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outputs["greeting"] != "hi" || res.Outputs["project"] != "demo" {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestExecuteInitMismatch(t *testing.T) {
	rt := &runtime.GoRuntime{Functions: loader.Table{
		"init":    loader.Func("init", []string{"context", "a"}, nil),
		"handler": loader.Func("handler", nil, nil),
	}}
	e, _, _ := newExecutor(t, rt)

	_, err := e.Execute(context.Background(), Request{
		Project: "demo",
		Source:  source.SourceSpec{Base64: inline("package main"), Handler: "handler", InitFunction: "init", Lang: "go"},
	})
	if !errors.Is(err, errdefs.ErrInitializerArgumentMismatch) {
		t.Errorf("error = %v, want ErrInitializerArgumentMismatch", err)
	}
}

func TestWrap(t *testing.T) {
	fn := loader.Func("add", []string{"a", "b"}, func(_ context.Context, kw map[string]any) (any, error) {
		return kw["a"].(int) + kw["b"].(int), nil
	})
	m := &outputs.Materializer{Client: entity.NewMemory(), Tabular: outputs.DefaultTabular()}
	wrapped := Wrap(fn, []string{"sum"}, m)

	got, err := wrapped(context.Background(), []any{"demo", "store://demo/run/go+run/r1", 1}, map[string]any{"b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if got["sum"] != 3 {
		t.Errorf("sum = %v", got["sum"])
	}

	if _, err := wrapped(context.Background(), []any{"demo"}, nil); err == nil {
		t.Error("expected error without run key")
	}
	if _, err := wrapped(context.Background(), []any{"demo", "k", 1, 2, 3}, nil); err == nil {
		t.Error("expected error for too many positional arguments")
	}
	if _, err := wrapped(context.Background(), []any{"demo", "k", 1}, map[string]any{"a": 1, "b": 2}); err == nil {
		t.Error("expected error for duplicate argument")
	}
}
