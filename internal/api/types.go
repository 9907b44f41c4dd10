package api

import (
	"time"

	"function-harness/internal/harness"
)

// ExecutionRequest is the API-level request to run a function.
type ExecutionRequest struct {
	harness.Request
	Timeout Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecutionResponse is the API-level response after an execution.
type ExecutionResponse struct {
	ID        string            `json:"id"`
	RunKey    string            `json:"run_key"`
	State     string            `json:"state"`
	Outputs   map[string]string `json:"outputs"`
	Results   map[string]any    `json:"results"`
	Message   string            `json:"message,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Duration  string            `json:"duration"`
}

// SubmitRequest hands a pre-built package to an external engine. For the
// pipeline engine either Workflow is given or a single step workflow is
// built from Image, Command and Args.
type SubmitRequest struct {
	Project  string   `json:"project"`
	RunKey   string   `json:"run_key"`
	Engine   string   `json:"engine"` // pipeline or container
	Name     string   `json:"name"`
	Workflow string   `json:"workflow,omitempty"` // YAML manifest
	Image    string   `json:"image,omitempty"`
	Command  []string `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
}

// SubmitResponse acknowledges a submission; the run status is then updated
// in the background until it is terminal.
type SubmitResponse struct {
	RunKey string `json:"run_key"`
	Engine string `json:"engine"`
	Handle string `json:"handle"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string   `json:"status"`
	Database bool     `json:"database"`
	Runtimes []string `json:"runtimes"`
	Engines  []string `json:"engines"`
	Uptime   string   `json:"uptime"`
}
