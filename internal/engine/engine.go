// Package engine defines the contract between the run poller and the
// external systems executions are submitted to.
package engine

import (
	"context"
	"time"
)

// Package is a pre-built execution package. Engines read the fields they
// understand: pipeline engines take Workflow, container engines take
// Image, Args, Env and WorkDir.
type Package struct {
	Name     string
	Workflow []byte

	Image   string
	Args    []string
	Env     []string
	WorkDir string // host directory mounted read-only at /workspace
}

// Handle identifies a submitted execution.
type Handle struct {
	Engine string `json:"engine"`
	ID     string `json:"id"`
}

// Snapshot is the state of a submitted execution as reported by its engine.
// Status keeps the engine's own vocabulary.
type Snapshot struct {
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Engine submits packages and reports on them.
type Engine interface {
	Name() string
	Submit(ctx context.Context, pkg Package) (Handle, error)
	Fetch(ctx context.Context, h Handle) (*Snapshot, error)
}

// Engine statuses that end polling, lower-cased.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)
