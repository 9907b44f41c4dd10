// Package container runs execution packages as containerd tasks.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"function-harness/internal/engine"
	"function-harness/internal/monitor"
)

// Engine is an engine.Engine starting one container per package. Task
// output goes to <LogDir>/<id>.log.
type Engine struct {
	client  *Client
	LogDir  string
	Metrics *monitor.Metrics
}

// New creates a container engine.
func New(client *Client, logDir string) *Engine {
	return &Engine{client: client, LogDir: logDir}
}

func (e *Engine) Name() string { return "container" }

// Submit creates and starts a task for pkg without waiting for it.
func (e *Engine) Submit(ctx context.Context, pkg engine.Package) (engine.Handle, error) {
	if pkg.Image == "" {
		return engine.Handle{}, fmt.Errorf("package %q has no image", pkg.Name)
	}
	id := fmt.Sprintf("harness-%s", uuid.New().String())
	logger := log.With().Str("container_id", id).Str("image", pkg.Image).Logger()

	image, err := e.client.PullImage(ctx, pkg.Image)
	if err != nil {
		return engine.Handle{}, err
	}

	nsCtx := e.client.WithNamespace(ctx)
	start := time.Now()
	c, err := e.client.inner.NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(pkg.Args...),
			oci.WithHostname("harness"),
			oci.WithEnv(pkg.Env),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				if pkg.WorkDir != "" {
					s.Mounts = append(s.Mounts, specs.Mount{
						Destination: "/workspace",
						Type:        "bind",
						Source:      pkg.WorkDir,
						Options:     []string{"rbind", "ro"},
					})
				}
				return nil
			},
		),
	)
	e.observe("create_container", start)
	if err != nil {
		return engine.Handle{}, fmt.Errorf("creating container: %w", err)
	}

	if err := os.MkdirAll(e.LogDir, 0o755); err != nil {
		e.cleanup(c)
		return engine.Handle{}, err
	}
	start = time.Now()
	task, err := c.NewTask(nsCtx, cio.LogFile(e.logPath(id)))
	e.observe("create_task", start)
	if err != nil {
		e.cleanup(c)
		return engine.Handle{}, fmt.Errorf("creating task: %w", err)
	}

	start = time.Now()
	err = task.Start(nsCtx)
	e.observe("start_task", start)
	if err != nil {
		e.cleanup(c)
		return engine.Handle{}, fmt.Errorf("starting task: %w", err)
	}

	logger.Info().Msg("task started")
	return engine.Handle{Engine: e.Name(), ID: id}, nil
}

// Fetch reports the task status. Finished tasks are deleted together with
// their container once their status has been read.
func (e *Engine) Fetch(ctx context.Context, h engine.Handle) (*engine.Snapshot, error) {
	nsCtx := e.client.WithNamespace(ctx)

	start := time.Now()
	c, err := e.client.inner.LoadContainer(nsCtx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("loading container %s: %w", h.ID, err)
	}
	task, err := c.Task(nsCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", h.ID, err)
	}
	st, err := task.Status(nsCtx)
	e.observe("task_status", start)
	if err != nil {
		return nil, fmt.Errorf("task status %s: %w", h.ID, err)
	}

	snap := &engine.Snapshot{Status: "Running"}
	switch st.Status {
	case containerd.Created, containerd.Running, containerd.Pausing, containerd.Paused:
		return snap, nil
	case containerd.Stopped:
		snap.FinishedAt = st.ExitTime
		if st.ExitStatus == 0 {
			snap.Status = "Succeeded"
		} else {
			snap.Status = "Failed"
			snap.Message = fmt.Sprintf("exit status %d, see %s", st.ExitStatus, e.logPath(h.ID))
		}
	default:
		snap.Status = "Error"
		snap.Message = fmt.Sprintf("task in state %q", st.Status)
	}

	if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil {
		log.Error().Err(err).Str("container_id", h.ID).Msg("task delete failed")
	}
	e.cleanup(c)
	return snap, nil
}

func (e *Engine) cleanup(c containerd.Container) {
	ctx, cancel := context.WithTimeout(e.client.WithNamespace(context.Background()), 10*time.Second)
	defer cancel()
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		log.Error().Err(err).Str("container_id", c.ID()).Msg("container cleanup failed")
	}
}

func (e *Engine) logPath(id string) string {
	return filepath.Join(e.LogDir, id+".log")
}

func (e *Engine) observe(op string, start time.Time) {
	if e.Metrics != nil {
		e.Metrics.ContainerdLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
