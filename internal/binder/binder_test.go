package binder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"function-harness/internal/entity"
	"function-harness/internal/errdefs"
)

type params []string

func (p params) Params() []string { return p }

func newStore(t *testing.T) (*entity.Memory, *entity.Project, *entity.Run) {
	t.Helper()
	m := entity.NewMemory()
	proj := m.EnsureProject("demo")
	run := &entity.Run{ID: "r1", Project: "demo", Kind: entity.KindPythonRun}
	m.PutRun(run)
	return m, proj, run
}

func TestBindParametersAndInputs(t *testing.T) {
	m, _, _ := newStore(t)
	b := New(m)

	args, err := b.Bind(context.Background(), params{"x", "data"}, Request{
		Parameters: map[string]any{"x": 3, "data": "overridden"},
		Inputs: map[string]entity.Reference{
			"data": {Key: "store://demo/dataitem/table/iris:1"},
		},
		Local:   true,
		Project: ProjectRef{Name: "demo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if args["x"] != 3 {
		t.Errorf("x = %v", args["x"])
	}
	obj, ok := args["data"].(*entity.Object)
	if !ok || obj.Name != "iris" {
		t.Errorf("data = %#v, want materialized iris dataitem", args["data"])
	}
}

func TestBindInputResolutionError(t *testing.T) {
	m, _, _ := newStore(t)
	_, err := New(m).Bind(context.Background(), params{"data"}, Request{
		Inputs:  map[string]entity.Reference{"data": {Key: "not-a-key"}},
		Local:   true,
		Project: ProjectRef{Name: "demo"},
	})
	if !errors.Is(err, errdefs.ErrInputResolution) || !errdefs.IsBinding(err) {
		t.Errorf("error = %v, want ErrInputResolution", err)
	}
}

func TestBindLocalNeverInjectsContextOrEvent(t *testing.T) {
	m, _, _ := newStore(t)
	pctx := &PlatformContext{}
	args, err := New(m).Bind(context.Background(), params{"context", "event"}, Request{
		Local:   true,
		Context: pctx,
		Event:   "evt",
		Project: ProjectRef{Name: "demo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := args["context"]; ok {
		t.Error("context injected in local mode")
	}
	if _, ok := args["event"]; ok {
		t.Error("event injected in local mode")
	}
}

func TestBindOnlyDeclaredReservedNames(t *testing.T) {
	m, _, _ := newStore(t)
	args, err := New(m).Bind(context.Background(), params{"x"}, Request{
		Parameters: map[string]any{"x": 1},
		Context:    &PlatformContext{},
		Event:      "evt",
		Project:    ProjectRef{Name: "demo"},
		RunKey:     "store://demo/run/python+run/r1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 1 {
		t.Errorf("args = %v, want only x", args)
	}
}

func TestBindProjectAndRun(t *testing.T) {
	m, proj, run := newStore(t)
	runKey := run.Key()
	ctxProj := &entity.Project{Name: "from-context"}
	ctxRun := &entity.Run{ID: "ctx"}

	tests := []struct {
		name     string
		declared params
		req      Request
		project  *entity.Project
		run      *entity.Run
	}{
		{
			name:     "local by name",
			declared: params{"project", "run"},
			req:      Request{Local: true, Project: ProjectRef{Name: "demo"}, RunKey: runKey},
			project:  proj,
			run:      run,
		},
		{
			name:     "local resolved passes through",
			declared: params{"project"},
			req:      Request{Local: true, Project: ProjectRef{Name: "demo", Resolved: ctxProj}},
			project:  ctxProj,
		},
		{
			name:     "remote with context",
			declared: params{"project", "run", "context"},
			req: Request{
				Context: &PlatformContext{Project: ctxProj, Run: ctxRun},
				Project: ProjectRef{Name: "demo"},
				RunKey:  runKey,
			},
			project: ctxProj,
			run:     ctxRun,
		},
		{
			name:     "remote without declared context",
			declared: params{"project", "run"},
			req: Request{
				Context: &PlatformContext{Project: ctxProj, Run: ctxRun},
				Project: ProjectRef{Name: "demo"},
				RunKey:  runKey,
			},
			project: proj,
			run:     run,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := New(m).Bind(context.Background(), tt.declared, tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if args["project"] != tt.project {
				t.Errorf("project = %v, want %v", args["project"], tt.project)
			}
			if tt.run != nil && args["run"] != tt.run {
				t.Errorf("run = %v, want %v", args["run"], tt.run)
			}
		})
	}
}

func TestBindRemoteInjectsContextAndEvent(t *testing.T) {
	m, _, _ := newStore(t)
	pctx := &PlatformContext{}
	args, err := New(m).Bind(context.Background(), params{"context", "event"}, Request{
		Context: pctx,
		Event:   "evt",
		Project: ProjectRef{Name: "demo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if args["context"] != pctx || args["event"] != "evt" {
		t.Errorf("args = %v", args)
	}
}

func TestBindUnknownProject(t *testing.T) {
	m, _, _ := newStore(t)
	_, err := New(m).Bind(context.Background(), params{"project"}, Request{Local: true, Project: ProjectRef{Name: "missing"}})
	if !errors.Is(err, entity.ErrNotExist) {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}

func TestBindInit(t *testing.T) {
	pctx := &PlatformContext{}

	args, err := BindInit(params{"context", "greeting"}, pctx, map[string]any{"greeting": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if args["context"] != pctx || args["greeting"] != "hi" {
		t.Errorf("args = %v", args)
	}

	_, err = BindInit(params{"greeting"}, pctx, map[string]any{"greeting": "hi"})
	if !errors.Is(err, errdefs.ErrInitializerContract) {
		t.Errorf("error = %v, want ErrInitializerContract", err)
	}

	_, err = BindInit(params{"context", "a", "b"}, pctx, map[string]any{"z": 1})
	if !errors.Is(err, errdefs.ErrInitializerArgumentMismatch) {
		t.Fatalf("error = %v, want ErrInitializerArgumentMismatch", err)
	}
	if !strings.Contains(err.Error(), "Expected: [a b], Got: [z]") {
		t.Errorf("message = %q", err.Error())
	}
}
