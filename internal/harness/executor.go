package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"function-harness/internal/binder"
	"function-harness/internal/entity"
	"function-harness/internal/errdefs"
	"function-harness/internal/handler"
	"function-harness/internal/loader"
	"function-harness/internal/monitor"
	"function-harness/internal/outputs"
	"function-harness/internal/runtime"
	"function-harness/internal/source"
	"function-harness/internal/storage"
)

// Request describes one execution.
type Request struct {
	Project string `json:"project" yaml:"project"`
	// RunKey identifies the run record the status is written to. A new
	// run key is generated when empty.
	RunKey string `json:"run_key,omitempty" yaml:"run_key,omitempty"`

	Source source.SourceSpec `json:"source" yaml:"source"`

	Inputs         map[string]entity.Reference `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Parameters     map[string]any              `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	InitParameters map[string]any              `json:"init_parameters,omitempty" yaml:"init_parameters,omitempty"`
	Outputs        []string                    `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Remote selects remote execution mode, in which Context and Event are
	// handed to functions that declare them.
	Remote  bool                    `json:"remote,omitempty" yaml:"remote,omitempty"`
	Context *binder.PlatformContext `json:"-" yaml:"-"`
	Event   any                     `json:"event,omitempty" yaml:"event,omitempty"`

	RequestIP  string `json:"-" yaml:"-"`
	APIKeyHash string `json:"-" yaml:"-"`
}

// Result is the outcome of an execution. Status is set even when Execute
// returns an error.
type Result struct {
	ID      string            `json:"id"`
	RunKey  string            `json:"run_key"`
	Outputs map[string]any    `json:"outputs,omitempty"`
	Status  *entity.RunStatus `json:"status"`
}

// Auditor receives one record per finished execution.
type Auditor interface {
	Log(exec *storage.Execution)
}

// Executor runs functions through the whole pipeline.
type Executor struct {
	Runtimes *runtime.Registry
	Resolver *source.Resolver
	Client   entity.Client
	Factory  entity.Factory
	Tabular  *outputs.TabularRegistry

	// WorkDir holds one directory per execution, removed when the
	// execution ends unless KeepWorkDir is set.
	WorkDir     string
	KeepWorkDir bool
	ScratchDir  string

	Audit   Auditor
	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
}

// NewExecutor returns an executor with the default factory, tabular types
// and tracer.
func NewExecutor(runtimes *runtime.Registry, resolver *source.Resolver, client entity.Client) *Executor {
	return &Executor{
		Runtimes: runtimes,
		Resolver: resolver,
		Client:   client,
		Factory:  entity.DefaultFactory{},
		Tabular:  outputs.DefaultTabular(),
		WorkDir:  filepath.Join(os.TempDir(), "function-harness"),
		Tracer:   monitor.NewTracer(),
	}
}

// Execute runs req and writes its terminal status to the run record. On
// failure the run record gets an ERROR status carrying the message and the
// error is returned.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{ID: uuid.New().String(), RunKey: req.RunKey}

	spec, err := source.Normalize(req.Source)
	lang := spec.Lang
	if lang == "" {
		lang = source.DefaultLang
	}
	if res.RunKey == "" {
		res.RunKey = entity.RunKey(req.Project, lang+"+run", res.ID)
	}

	logger := log.With().
		Str("exec_id", res.ID).
		Str("project", req.Project).
		Str("run_key", res.RunKey).
		Str("handler", spec.Handler).
		Logger()

	ctx, span := e.Tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(res.ID),
		monitor.AttrProject.String(req.Project),
		monitor.AttrRunKey.String(res.RunKey),
		monitor.AttrHandler.String(spec.Handler),
		monitor.AttrLanguage.String(lang),
	)

	if e.Metrics != nil {
		e.Metrics.ActiveExecutions.Inc()
		defer e.Metrics.ActiveExecutions.Dec()
	}

	if err == nil {
		res.Outputs, res.Status, err = e.run(ctx, spec, req, res)
	}
	if err != nil {
		logger.Error().Err(err).Str("category", errdefs.Category(err)).Msg("execution failed")
		res.Status = entity.ErrorStatus(err)
		if serr := e.Client.SetRunStatus(ctx, req.Project, res.RunKey, res.Status); serr != nil {
			logger.Error().Err(serr).Msg("failed to record error status")
		}
		if e.Metrics != nil {
			e.Metrics.RecordError(errdefs.Category(err))
		}
	}

	elapsed := time.Since(start)
	span.SetAttributes(
		monitor.AttrState.String(string(res.Status.State)),
		monitor.AttrDurationMS.Int64(elapsed.Milliseconds()),
	)
	monitor.EndSpan(span, err)

	if e.Metrics != nil {
		e.Metrics.RecordExecution(lang, string(res.Status.State), elapsed.Seconds())
	}
	e.audit(req, spec, lang, res, err, start)

	logger.Info().
		Str("state", string(res.Status.State)).
		Dur("duration", elapsed).
		Int("outputs", len(res.Status.Outputs)).
		Int("results", len(res.Status.Results)).
		Msg("execution finished")

	return res, err
}

func (e *Executor) run(ctx context.Context, spec source.SourceSpec, req Request, res *Result) (map[string]any, *entity.RunStatus, error) {
	rt, err := e.Runtimes.Get(spec.Lang)
	if err != nil {
		return nil, nil, errdefs.Wrap("select runtime", errdefs.ErrSourceLoad, err)
	}

	workDir := filepath.Join(e.WorkDir, res.ID)
	if !e.KeepWorkDir {
		defer os.RemoveAll(workDir)
	}

	var root string
	err = e.stage(ctx, "resolve", func(ctx context.Context) error {
		resolver := *e.Resolver
		resolver.DefaultEntry = rt.DefaultEntry()
		resolver.OnFetch = func(scheme string) {
			monitor.SpanFromContext(ctx).SetAttributes(monitor.AttrScheme.String(scheme))
			if e.Metrics != nil {
				e.Metrics.RecordSourceFetch(scheme)
			}
		}
		root, err = resolver.Resolve(ctx, spec, workDir)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if req.Remote && req.Context == nil {
		if req.Context, err = e.platformContext(ctx, req.Project, res.RunKey); err != nil {
			return nil, nil, err
		}
	}

	var fn loader.Callable
	err = e.stage(ctx, "load", func(ctx context.Context) error {
		ref := handler.Parse(spec.Handler)
		path, err := handler.ResolveFile(root, ref, spec.Base64 != "", rt)
		if err != nil {
			return err
		}
		if fn, err = loader.LoadFrom(ctx, rt.Loader(), root, path, ref.Symbol); err != nil {
			return err
		}
		if spec.InitFunction == "" {
			return nil
		}

		init, err := loader.LoadFrom(ctx, rt.Loader(), root, path, spec.InitFunction)
		if err != nil {
			return err
		}
		initArgs, err := binder.BindInit(init, req.Context, req.InitParameters)
		if err != nil {
			return err
		}
		fn, err = loader.Chain(fn, init, initArgs)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	ledger := entity.NewLedger()
	client := entity.NewRecording(e.Client, ledger)

	var kwargs map[string]any
	err = e.stage(ctx, "bind", func(ctx context.Context) error {
		b := &binder.Binder{Factory: e.Factory, Client: client}
		kwargs, err = b.Bind(ctx, fn, binder.Request{
			Inputs:     req.Inputs,
			Parameters: req.Parameters,
			Local:      !req.Remote,
			Context:    req.Context,
			Event:      req.Event,
			Project:    binder.ProjectRef{Name: req.Project},
			RunKey:     res.RunKey,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	m := &outputs.Materializer{
		Client:     client,
		Tabular:    e.Tabular,
		ScratchDir: e.ScratchDir,
		OnMaterialize: func(k outputs.Kind) {
			if e.Metrics != nil {
				e.Metrics.RecordOutput(k.String())
			}
		},
	}

	var outs map[string]any
	err = e.stage(ctx, "invoke", func(ctx context.Context) error {
		outs, err = Wrap(fn, req.Outputs, m)(ctx, []any{req.Project, res.RunKey}, kwargs)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var status *entity.RunStatus
	err = e.stage(ctx, "status", func(ctx context.Context) error {
		if status, err = outputs.BuildStatus(ledger, outs); err != nil {
			return err
		}
		if err := client.SetRunStatus(ctx, req.Project, res.RunKey, status); err != nil {
			return fmt.Errorf("saving run status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outs, status, nil
}

// platformContext builds the context handed to remote functions from the
// platform records of the project and run. Records that do not exist yet are
// stood in for by fresh ones.
func (e *Executor) platformContext(ctx context.Context, project, runKey string) (*binder.PlatformContext, error) {
	p, err := e.Client.GetProject(ctx, project)
	switch {
	case errors.Is(err, entity.ErrNotExist):
		p = &entity.Project{Name: project}
	case err != nil:
		return nil, errdefs.Wrap("build context", errdefs.ErrInputResolution, err)
	}

	r, err := e.Client.GetRun(ctx, project, runKey)
	switch {
	case errors.Is(err, entity.ErrNotExist):
		ref, perr := entity.ParseKey(runKey)
		if perr != nil {
			return nil, errdefs.Wrap("build context", errdefs.ErrInputResolution, perr)
		}
		r = &entity.Run{
			ID:      ref.Name,
			Project: project,
			Kind:    ref.Kind,
			Status:  entity.RunStatus{State: entity.StateRunning},
		}
	case err != nil:
		return nil, errdefs.Wrap("build context", errdefs.ErrInputResolution, err)
	}
	return &binder.PlatformContext{Project: p, Run: r}, nil
}

func (e *Executor) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.Tracer.StartSpan(ctx, name)
	err := fn(ctx)
	monitor.EndSpan(span, err)
	return err
}

func (e *Executor) audit(req Request, spec source.SourceSpec, lang string, res *Result, err error, start time.Time) {
	if e.Audit == nil {
		return
	}
	completed := time.Now().UTC()
	scheme := "base64"
	if spec.Base64 == "" {
		scheme = source.Scheme(spec.Source)
	}
	exec := &storage.Execution{
		ID:           res.ID,
		Project:      req.Project,
		RunKey:       res.RunKey,
		Handler:      spec.Handler,
		Language:     lang,
		SourceScheme: scheme,
		State:        string(res.Status.State),
		Message:      res.Status.Message,
		Outputs:      res.Status.Outputs,
		Results:      res.Status.Results,
		DurationMS:   completed.Sub(start).Milliseconds(),
		RequestIP:    req.RequestIP,
		APIKeyHash:   req.APIKeyHash,
		CreatedAt:    start.UTC(),
		CompletedAt:  &completed,
	}
	if err != nil {
		exec.ErrorKind = errdefs.Category(err)
	}
	e.Audit.Log(exec)
}
