// Package pipeline submits workflows to a Kubeflow Pipelines server through
// its v1beta1 REST API.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"function-harness/internal/engine"
)

// Config holds the pipeline server connection settings.
type Config struct {
	Host         string `yaml:"host"` // e.g. http://ml-pipeline.kubeflow:8888
	Token        string `yaml:"token"`
	ExperimentID string `yaml:"experiment_id"`
}

// Engine is an engine.Engine backed by a pipelines server.
type Engine struct {
	cfg  Config
	http *http.Client
}

// New creates a pipeline engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *Engine) Name() string { return "pipeline" }

type runBody struct {
	ID           string        `json:"id,omitempty"`
	Name         string        `json:"name"`
	Status       string        `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    *time.Time    `json:"created_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	PipelineSpec *pipelineSpec `json:"pipeline_spec,omitempty"`
	References   []resourceRef `json:"resource_references,omitempty"`
}

type pipelineSpec struct {
	WorkflowManifest string `json:"workflow_manifest"`
}

type resourceRef struct {
	Key          resourceKey `json:"key"`
	Relationship string      `json:"relationship"`
}

type resourceKey struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type runDetail struct {
	Run runBody `json:"run"`
}

// Submit creates a run from pkg.Workflow.
func (e *Engine) Submit(ctx context.Context, pkg engine.Package) (engine.Handle, error) {
	if _, err := ParseWorkflow(pkg.Workflow); err != nil {
		return engine.Handle{}, err
	}

	body := runBody{
		Name:         pkg.Name,
		PipelineSpec: &pipelineSpec{WorkflowManifest: string(pkg.Workflow)},
	}
	if e.cfg.ExperimentID != "" {
		body.References = []resourceRef{{
			Key:          resourceKey{Type: "EXPERIMENT", ID: e.cfg.ExperimentID},
			Relationship: "OWNER",
		}}
	}

	var detail runDetail
	if err := e.do(ctx, http.MethodPost, "/apis/v1beta1/runs", body, &detail); err != nil {
		return engine.Handle{}, fmt.Errorf("creating run: %w", err)
	}
	if detail.Run.ID == "" {
		return engine.Handle{}, fmt.Errorf("creating run: server returned no run id")
	}

	log.Info().Str("run_id", detail.Run.ID).Str("name", pkg.Name).Msg("pipeline run submitted")
	return engine.Handle{Engine: e.Name(), ID: detail.Run.ID}, nil
}

// Fetch returns the current state of the run.
func (e *Engine) Fetch(ctx context.Context, h engine.Handle) (*engine.Snapshot, error) {
	var detail runDetail
	if err := e.do(ctx, http.MethodGet, "/apis/v1beta1/runs/"+h.ID, nil, &detail); err != nil {
		return nil, fmt.Errorf("fetching run %s: %w", h.ID, err)
	}
	snap := &engine.Snapshot{Status: detail.Run.Status, Message: detail.Run.Error}
	if detail.Run.CreatedAt != nil {
		snap.StartedAt = *detail.Run.CreatedAt
	}
	if detail.Run.FinishedAt != nil {
		snap.FinishedAt = *detail.Run.FinishedAt
	}
	return snap, nil
}

func (e *Engine) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(e.cfg.Host, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
