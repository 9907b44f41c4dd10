package storage

import "time"

// Execution is the audit record of one harness execution.
type Execution struct {
	ID           string            `json:"id" db:"id"`
	Project      string            `json:"project" db:"project"`
	RunKey       string            `json:"run_key" db:"run_key"`
	Handler      string            `json:"handler" db:"handler"`
	Language     string            `json:"language" db:"language"`
	SourceScheme string            `json:"source_scheme" db:"source_scheme"`
	State        string            `json:"state" db:"state"` // COMPLETED or ERROR
	ErrorKind    string            `json:"error_kind,omitempty" db:"error_kind"`
	Message      string            `json:"message,omitempty" db:"message"`
	Outputs      map[string]string `json:"outputs,omitempty" db:"outputs"`
	Results      map[string]any    `json:"results,omitempty" db:"results"`
	DurationMS   int64             `json:"duration_ms" db:"duration_ms"`
	RequestIP    string            `json:"request_ip,omitempty" db:"request_ip"`
	APIKeyHash   string            `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Project  string
	Language string
	State    string
	Limit    int
	Offset   int
}
