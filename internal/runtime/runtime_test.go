package runtime

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"function-harness/internal/errdefs"
	"function-harness/internal/frame"
	"function-harness/internal/loader"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(&PythonRuntime{}, &GoRuntime{})

	rt, err := r.Get("python")
	if err != nil {
		t.Fatalf("Get(python) = %v", err)
	}
	if rt.FileExtension() != ".py" || rt.DefaultEntry() != "main.py" {
		t.Errorf("python layout = %q %q", rt.FileExtension(), rt.DefaultEntry())
	}

	if _, err := r.Get("cobol"); err == nil {
		t.Error("Get(cobol) should fail")
	}

	langs := r.Languages()
	if len(langs) != 2 || langs[0] != "go" || langs[1] != "python" {
		t.Errorf("Languages() = %v", langs)
	}
	if imgs := r.Images(); len(imgs) != 1 {
		t.Errorf("Images() = %v, want only the python image", imgs)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	type project struct {
		Name string `json:"name"`
	}
	proj := &project{Name: "demo"}
	c := newCodec()

	first, err := c.encode(proj)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.encode(proj)
	if err != nil {
		t.Fatal(err)
	}
	if string(first.V) != string(second.V) {
		t.Errorf("same pointer encoded twice: %s vs %s", first.V, second.V)
	}

	back, err := c.decode(wireValue{T: "entity", V: []byte(`"h0"`)})
	if err != nil {
		t.Fatal(err)
	}
	if back != proj {
		t.Errorf("decoded handle = %v, want original pointer", back)
	}

	if _, err := c.decode(wireValue{T: "entity", V: []byte(`"h9"`)}); err == nil {
		t.Error("expected error for unknown handle")
	}
}

func TestCodecDecode(t *testing.T) {
	c := newCodec()
	tests := []struct {
		name string
		in   wireValue
		want any
	}{
		{"none", wireValue{T: "none"}, nil},
		{"int", wireValue{T: "int", V: []byte(`42`)}, int64(42)},
		{"float", wireValue{T: "float", V: []byte(`1.5`)}, 1.5},
		{"str", wireValue{T: "str", V: []byte(`"x"`)}, "x"},
		{"bool", wireValue{T: "bool", V: []byte(`true`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.decode(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("decode() = %#v, want %#v", got, tt.want)
			}
		})
	}

	got, err := c.decode(wireValue{T: "table", Type: "pandas.core.frame.DataFrame", Columns: []string{"a"}, V: []byte(`"YQoxCg=="`)})
	if err != nil {
		t.Fatal(err)
	}
	f, ok := got.(*frame.Frame)
	if !ok || f.TypeName() != "pandas.core.frame.DataFrame" || string(f.Data) != "a\n1\n" {
		t.Errorf("table decoded to %#v", got)
	}

	got, err = c.decode(wireValue{T: "object", Type: "builtins.dict", V: []byte(`"AAE="`)})
	if err != nil {
		t.Fatal(err)
	}
	if o, ok := got.(*loader.Opaque); !ok || o.Ext != "pickle" || len(o.Data) != 2 {
		t.Errorf("object decoded to %#v", got)
	}
}

func TestCodecNonFiniteFloats(t *testing.T) {
	c := newCodec()
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 2.5} {
		w, err := c.encode(f)
		if err != nil {
			t.Fatalf("encode(%v) = %v", f, err)
		}
		got, err := c.decode(w)
		if err != nil {
			t.Fatalf("decode(%s) = %v", w.V, err)
		}
		g := got.(float64)
		if math.IsNaN(f) && !math.IsNaN(g) || !math.IsNaN(f) && g != f {
			t.Errorf("round trip of %v gave %v", f, g)
		}
	}

	if _, err := c.decode(wireValue{T: "float", V: []byte(`"big"`)}); err == nil {
		t.Error("expected error for an unknown float token")
	}
}

func requirePython(t *testing.T) *PythonRuntime {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	return &PythonRuntime{}
}

func writeModule(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.py")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPythonLoadAndCall(t *testing.T) {
	p := requirePython(t)
	path := writeModule(t, `
def handler(x, y=1):
    print("to stderr")
    return x * 2, y
`)

	fn, err := p.Load(context.Background(), path, "handler")
	if err != nil {
		t.Fatal(err)
	}
	if params := fn.Params(); len(params) != 2 || params[0] != "x" || params[1] != "y" {
		t.Errorf("Params() = %v", params)
	}

	got, err := fn.Call(context.Background(), map[string]any{"x": 3})
	if err != nil {
		t.Fatal(err)
	}
	seq, ok := got.([]any)
	if !ok || len(seq) != 2 || seq[0] != int64(6) || seq[1] != int64(1) {
		t.Errorf("Call() = %#v", got)
	}
}

func TestPythonLoadMissingSymbol(t *testing.T) {
	p := requirePython(t)
	path := writeModule(t, "def handler():\n    return 1\n")

	_, err := p.Load(context.Background(), path, "nope")
	if !errors.Is(err, errdefs.ErrSourceLoad) {
		t.Fatalf("error = %v, want ErrSourceLoad", err)
	}
	var pyErr *PythonError
	if !errors.As(err, &pyErr) || pyErr.Type != "AttributeError" {
		t.Errorf("error = %#v, want AttributeError", err)
	}
}

func TestPythonInitSharesContext(t *testing.T) {
	p := requirePython(t)
	path := writeModule(t, `
def init(context, greeting):
    context.greeting = greeting

def handler(context):
    return context.greeting, context
`)

	type platformContext struct {
		Project string `json:"project"`
	}
	pctx := &platformContext{Project: "demo"}

	fn, err := p.Load(context.Background(), path, "handler")
	if err != nil {
		t.Fatal(err)
	}
	init, err := p.Load(context.Background(), path, "init")
	if err != nil {
		t.Fatal(err)
	}
	chained, err := loader.Chain(fn, init, map[string]any{"context": pctx, "greeting": "hi"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := chained.Call(context.Background(), map[string]any{"context": pctx})
	if err != nil {
		t.Fatal(err)
	}
	seq := got.([]any)
	if seq[0] != "hi" {
		t.Errorf("greeting = %v, want hi", seq[0])
	}
	if seq[1] != pctx {
		t.Errorf("context came back as %#v, want the original pointer", seq[1])
	}
}

func TestPythonCallRaises(t *testing.T) {
	p := requirePython(t)
	path := writeModule(t, "def handler():\n    raise ValueError('bad input')\n")

	fn, err := p.Load(context.Background(), path, "handler")
	if err != nil {
		t.Fatal(err)
	}
	_, err = fn.Call(context.Background(), nil)
	var pyErr *PythonError
	if !errors.As(err, &pyErr) || pyErr.Stage != "call" || pyErr.Message != "bad input" {
		t.Errorf("error = %v", err)
	}
	if errors.Is(err, errdefs.ErrSourceLoad) {
		t.Error("a raising handler is not a load failure")
	}
}

func TestPythonNonFiniteResult(t *testing.T) {
	p := requirePython(t)
	path := writeModule(t, "def handler():\n    return float('nan'), float('inf'), float('-inf')\n")

	fn, err := p.Load(context.Background(), path, "handler")
	if err != nil {
		t.Fatal(err)
	}
	got, err := fn.Call(context.Background(), map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	seq := got.([]any)
	if !math.IsNaN(seq[0].(float64)) || !math.IsInf(seq[1].(float64), 1) || !math.IsInf(seq[2].(float64), -1) {
		t.Errorf("Call() = %v", seq)
	}
}

func TestPythonLoadFromSourceRoot(t *testing.T) {
	p := requirePython(t)
	root := t.TempDir()
	files := map[string]string{
		"pkg/__init__.py": "",
		"pkg/other.py":    "VALUE = 20\n",
		"pkg/mod.py":      "import pkg.other\nfrom . import other\n\ndef fn():\n    return pkg.other.VALUE + other.VALUE + 2\n",
	}
	for name, src := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fn, err := loader.LoadFrom(context.Background(), p, root, filepath.Join(root, "pkg", "mod.py"), "fn")
	if err != nil {
		t.Fatal(err)
	}
	got, err := fn.Call(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != int64(42) {
		t.Errorf("Call() = %#v, want 42", got)
	}
}
