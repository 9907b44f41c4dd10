// Package binder builds the keyword arguments a user function is called
// with. The function's declared parameter names decide which reserved
// names (project, run, context, event) are injected.
package binder

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"

	"function-harness/internal/entity"
	"function-harness/internal/errdefs"
)

// Reserved parameter names.
const (
	ParamProject = "project"
	ParamRun     = "run"
	ParamContext = "context"
	ParamEvent   = "event"
)

// Probe reports the parameter names a callable declares.
type Probe interface {
	Params() []string
}

// PlatformContext is the ambient context a remote runtime hands to the
// function.
type PlatformContext struct {
	Project *entity.Project `json:"project"`
	Run     *entity.Run     `json:"run"`
}

// ProjectRef names the project of an execution. Resolved is set when the
// caller already holds the project object.
type ProjectRef struct {
	Name     string
	Resolved *entity.Project
}

// Request carries everything needed to bind one invocation.
type Request struct {
	// Inputs maps argument names to serialized entity references.
	Inputs     map[string]entity.Reference
	Parameters map[string]any

	// Local is true for in-process executions. Context and Event are never
	// injected locally.
	Local   bool
	Context *PlatformContext
	Event   any

	Project ProjectRef
	RunKey  string
}

// Binder resolves entity inputs and reserved parameters.
type Binder struct {
	Factory entity.Factory
	Client  entity.Client
}

// New returns a Binder using the default reference factory.
func New(client entity.Client) *Binder {
	return &Binder{Factory: entity.DefaultFactory{}, Client: client}
}

// Bind returns the keyword arguments for fn.
func (b *Binder) Bind(ctx context.Context, fn Probe, req Request) (map[string]any, error) {
	logger := log.With().Str("run_key", req.RunKey).Logger()

	args := make(map[string]any, len(req.Parameters)+len(req.Inputs)+4)
	maps.Copy(args, req.Parameters)

	for _, name := range sortedKeys(req.Inputs) {
		e, err := b.Factory.BuildFromReference(ctx, req.Inputs[name])
		if err != nil {
			logger.Error().Err(err).Str("input", name).Msg("input resolution failed")
			return nil, errdefs.Wrap("bind input "+name, errdefs.ErrInputResolution, err)
		}
		args[name] = e
	}

	params := fn.Params()
	declares := func(name string) bool { return slices.Contains(params, name) }
	fromContext := !req.Local && declares(ParamContext) && req.Context != nil

	if declares(ParamProject) {
		switch {
		case fromContext:
			args[ParamProject] = req.Context.Project
		case req.Project.Resolved == nil:
			p, err := b.Client.GetProject(ctx, req.Project.Name)
			if err != nil {
				return nil, errdefs.Wrap("bind project", errdefs.ErrInputResolution, err)
			}
			args[ParamProject] = p
		default:
			args[ParamProject] = req.Project.Resolved
		}
	}

	if declares(ParamRun) {
		if fromContext {
			args[ParamRun] = req.Context.Run
		} else {
			r, err := b.Client.GetRun(ctx, projectName(req, fromContext), req.RunKey)
			if err != nil {
				return nil, errdefs.Wrap("bind run", errdefs.ErrInputResolution, err)
			}
			args[ParamRun] = r
		}
	}

	if !req.Local {
		if declares(ParamContext) {
			args[ParamContext] = req.Context
		}
		if declares(ParamEvent) {
			args[ParamEvent] = req.Event
		}
	}

	logger.Debug().Strs("declared", params).Int("args", len(args)).Msg("arguments bound")
	return args, nil
}

func projectName(req Request, fromContext bool) string {
	if fromContext && req.Context.Project != nil {
		return req.Context.Project.Name
	}
	if req.Project.Resolved != nil {
		return req.Project.Resolved.Name
	}
	return req.Project.Name
}

// BindInit returns the keyword arguments for an init function. The init
// function must declare context and exactly one more parameter than params
// supplies.
func BindInit(fn Probe, pctx any, params map[string]any) (map[string]any, error) {
	declared := fn.Params()
	if !slices.Contains(declared, ParamContext) {
		return nil, errdefs.Wrap("bind init", errdefs.ErrInitializerContract, fmt.Errorf("declared parameters: %v", declared))
	}
	if len(params) != len(declared)-1 {
		expected := slices.DeleteFunc(slices.Clone(declared), func(s string) bool { return s == ParamContext })
		return nil, errdefs.New("bind init", errdefs.ErrInitializerArgumentMismatch,
			"Expected: %v, Got: %v", expected, sortedKeys(params))
	}
	args := make(map[string]any, len(params)+1)
	maps.Copy(args, params)
	args[ParamContext] = pctx
	return args, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
