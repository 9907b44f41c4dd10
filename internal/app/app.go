// Package app wires the harness components from a configuration. Both the
// server and the CLI build on it.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"function-harness/internal/config"
	"function-harness/internal/engine"
	"function-harness/internal/engine/container"
	"function-harness/internal/engine/pipeline"
	"function-harness/internal/entity"
	"function-harness/internal/harness"
	"function-harness/internal/loader"
	"function-harness/internal/monitor"
	"function-harness/internal/objstore"
	"function-harness/internal/outputs"
	"function-harness/internal/poller"
	"function-harness/internal/runtime"
	"function-harness/internal/source"
	"function-harness/internal/storage"
)

// App holds the wired components. Fields left nil are optional parts that
// were not configured or not reachable.
type App struct {
	Config   *config.Config
	Metrics  *monitor.Metrics
	DB       *storage.DB
	Audit    *storage.AuditWriter
	Stores   *objstore.Registry
	Client   entity.Client
	Runtimes *runtime.Registry
	Executor *harness.Executor

	// GoFunctions are served by the go runtime. Register in-process
	// functions here before executing.
	GoFunctions loader.Table

	closers []func(context.Context) error
}

// New builds an App. Only a broken object store is fatal: a missing
// database falls back to in-memory records so the harness stays usable in
// development.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:      cfg,
		Metrics:     monitor.NewMetrics(),
		Stores:      objstore.NewRegistry(),
		GoFunctions: loader.Table{},
	}

	shutdownTracing, err := monitor.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("tracing unavailable")
	} else {
		a.closers = append(a.closers, shutdownTracing)
	}

	artifactRoot, err := a.initStores(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Database.DSN != "" {
		a.DB, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled and runs kept in memory")
		}
	}
	if a.DB != nil {
		a.Audit = storage.NewAuditWriter(a.DB, 10000)
		a.Audit.Start()
		a.Client = storage.NewPlatform(a.DB, a.Stores, artifactRoot)
		db := a.DB
		a.closers = append(a.closers, func(context.Context) error {
			a.Audit.Flush(10 * time.Second)
			db.Close()
			return nil
		})
	} else {
		a.Client = entity.NewMemory()
	}

	tabular := outputs.DefaultTabular()
	for _, name := range cfg.Harness.TabularTypes {
		if _, ok := tabular.Lookup(name); !ok {
			tabular.Register(name, outputs.AsFrame)
		}
	}

	a.Runtimes = runtime.NewRegistry(
		&runtime.PythonRuntime{
			Bin:          cfg.Harness.PythonBin,
			TabularTypes: tabular.Names(),
			CallTimeout:  cfg.Harness.CallTimeout,
		},
		&runtime.GoRuntime{Functions: a.GoFunctions},
	)

	exec := harness.NewExecutor(a.Runtimes, source.NewResolver(a.Stores), a.Client)
	exec.Tabular = tabular
	exec.Metrics = a.Metrics
	exec.KeepWorkDir = cfg.Harness.KeepWorkDir
	exec.ScratchDir = cfg.Harness.ScratchDir
	if cfg.Harness.WorkDir != "" {
		exec.WorkDir = cfg.Harness.WorkDir
	}
	if a.Audit != nil {
		exec.Audit = a.Audit
	}
	a.Executor = exec

	return a, nil
}

// initStores registers the MinIO store for s3:// when an endpoint is set
// and returns the URI prefix artifacts are uploaded under.
func (a *App) initStores(ctx context.Context) (string, error) {
	cfg := a.Config.ObjectStore
	root := strings.Trim(cfg.ArtifactRoot, "/")
	if !cfg.Remote() {
		return "file://" + strings.TrimSuffix(cfg.LocalRoot, "/") + "/" + root, nil
	}
	store, err := objstore.NewMinIO(ctx, cfg.Config)
	if err != nil {
		return "", fmt.Errorf("object store: %w", err)
	}
	a.Stores.Register("s3", store)
	return "s3://" + cfg.Bucket + "/" + root, nil
}

// Engines connects to the configured external engines. Unreachable
// engines are logged and skipped.
func (a *App) Engines(ctx context.Context) []engine.Engine {
	var engines []engine.Engine
	if a.Config.Pipeline.Host != "" {
		engines = append(engines, pipeline.New(a.Config.Pipeline))
	}

	cc := a.Config.Container
	if cc.Socket != "" {
		client, err := container.NewClient(ctx, cc.Socket, cc.Namespace)
		if err != nil {
			log.Warn().Err(err).Msg("container engine unavailable")
		} else {
			e := container.New(client, cc.LogDir)
			e.Metrics = a.Metrics
			engines = append(engines, e)
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
	}
	return engines
}

// Poller returns a poller template configured from the poller section.
// Engine and Status are left for the caller.
func (a *App) Poller() poller.Poller {
	pc := a.Config.Poller
	return poller.Poller{
		Interval:   pc.Interval,
		Deadline:   pc.Deadline,
		NewBackOff: newBackOff(pc),
		Metrics:    a.Metrics,
	}
}

// newBackOff grows the delay after failed fetches from Interval up to
// MaxBackoff. It gives up only when Deadline is set and has elapsed.
func newBackOff(pc config.PollerConfig) func() backoff.BackOff {
	if pc.MaxBackoff <= pc.Interval {
		return nil
	}
	return func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(pc.Interval),
			backoff.WithMaxInterval(pc.MaxBackoff),
			backoff.WithMaxElapsedTime(pc.Deadline),
		)
	}
}

// Close releases everything New and Engines opened, last opened first.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Error().Err(err).Msg("shutdown step failed")
		}
	}
	a.closers = nil
}
