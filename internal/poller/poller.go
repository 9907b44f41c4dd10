// Package poller drives executions submitted to an external engine to a
// terminal state, mirroring each observed state onto the platform run.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"function-harness/internal/engine"
	"function-harness/internal/entity"
	"function-harness/internal/monitor"
)

// DefaultInterval is the pause between two status fetches.
const DefaultInterval = 5 * time.Second

// ErrGaveUp is returned when the retry policy stops retrying after
// consecutive failures.
var ErrGaveUp = errors.New("poller gave up after repeated failures")

// StatusWriter records run statuses. entity.Client satisfies it.
type StatusWriter interface {
	SetRunStatus(ctx context.Context, project, key string, status *entity.RunStatus) error
}

// Poller submits a package and polls it until its status is terminal.
type Poller struct {
	Engine engine.Engine
	Status StatusWriter

	// Interval between fetches. Defaults to DefaultInterval.
	Interval time.Duration

	// Deadline bounds the whole watch. Zero means no bound, the loop then
	// only ends on a terminal status or when the context is cancelled.
	Deadline time.Duration

	// NewBackOff returns the policy used for the delay after a failed
	// fetch or push. Returning backoff.Stop ends the watch with ErrGaveUp.
	// Defaults to a constant Interval, which retries forever.
	NewBackOff func() backoff.BackOff

	Metrics *monitor.Metrics
}

// Run submits pkg and watches it.
func (p *Poller) Run(ctx context.Context, pkg engine.Package, project, runKey string) (*entity.RunStatus, error) {
	h, err := p.Engine.Submit(ctx, pkg)
	if err != nil {
		return nil, fmt.Errorf("submitting %s: %w", pkg.Name, err)
	}
	return p.Watch(ctx, h, project, runKey)
}

// Watch polls h until its status is terminal and returns the last status
// pushed. Fetch and push failures are logged and retried per the back-off
// policy.
func (p *Poller) Watch(ctx context.Context, h engine.Handle, project, runKey string) (*entity.RunStatus, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	bo := p.backOff(interval)
	bo.Reset()

	logger := log.With().
		Str("engine", p.Engine.Name()).
		Str("handle", h.ID).
		Str("run_key", runKey).
		Logger()
	logger.Info().Dur("interval", interval).Dur("deadline", p.Deadline).Msg("polling run")

	// Once a terminal snapshot is seen the engine may already have released
	// the execution, so only the push is retried after that.
	var last, pending *entity.RunStatus
	var finished bool
	delay := interval
	for {
		if err := sleep(ctx, delay); err != nil {
			if finished {
				return pending, fmt.Errorf("recording final status of %s: %w", h.ID, err)
			}
			return last, fmt.Errorf("polling %s: %w", h.ID, err)
		}

		if !finished {
			p.count("", nil)
			snap, err := p.Engine.Fetch(ctx, h)
			if err != nil {
				logger.Warn().Err(err).Msg("status fetch failed")
				p.count("fetch", err)
				if delay = bo.NextBackOff(); delay == backoff.Stop {
					return last, fmt.Errorf("%w: %w", ErrGaveUp, err)
				}
				continue
			}
			pending = MapSnapshot(snap)
			finished = IsTerminal(snap.Status)
			logger.Debug().Str("status", snap.Status).Str("state", string(pending.State)).Msg("run status")
		}

		if err := p.Status.SetRunStatus(ctx, project, runKey, pending); err != nil {
			logger.Warn().Err(err).Bool("final", finished).Msg("status push failed")
			p.count("push", err)
			if delay = bo.NextBackOff(); delay == backoff.Stop {
				if finished {
					return pending, fmt.Errorf("recording final status of %s: %w: %w", h.ID, ErrGaveUp, err)
				}
				return last, fmt.Errorf("%w: %w", ErrGaveUp, err)
			}
			continue
		}
		last = pending
		bo.Reset()
		delay = interval

		if finished {
			logger.Info().Str("state", string(last.State)).Msg("run finished")
			return last, nil
		}
	}
}

func (p *Poller) backOff(interval time.Duration) backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}
	return backoff.NewConstantBackOff(interval)
}

func (p *Poller) count(stage string, err error) {
	if p.Metrics == nil {
		return
	}
	if err == nil {
		p.Metrics.PollIterations.WithLabelValues(p.Engine.Name()).Inc()
		return
	}
	p.Metrics.PollErrors.WithLabelValues(p.Engine.Name(), stage).Inc()
}

// IsTerminal reports whether status, compared case-insensitively, ends
// polling.
func IsTerminal(status string) bool {
	switch strings.ToLower(status) {
	case engine.StatusSucceeded, engine.StatusFailed, engine.StatusSkipped, engine.StatusError:
		return true
	}
	return false
}

// MapSnapshot converts an engine snapshot into a run status.
func MapSnapshot(snap *engine.Snapshot) *entity.RunStatus {
	status := &entity.RunStatus{
		Outputs: map[string]string{},
		Results: map[string]any{"engine_status": snap.Status},
		Message: snap.Message,
	}
	switch strings.ToLower(snap.Status) {
	case engine.StatusSucceeded:
		status.State = entity.StateCompleted
	case engine.StatusFailed, engine.StatusError:
		status.State = entity.StateError
	case engine.StatusSkipped:
		status.State = entity.StateStopped
	default:
		status.State = entity.StateRunning
	}
	return status
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
