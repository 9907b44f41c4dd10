package entity

import (
	"fmt"
	"strings"
	"time"
)

// Entity types.
const (
	TypeProject  = "project"
	TypeRun      = "run"
	TypeArtifact = "artifact"
	TypeDataitem = "dataitem"
	TypeModel    = "model"
)

// Entity kinds produced by the harness.
const (
	KindArtifact      = "artifact"
	KindDataitemTable = "table"
	KindModel         = "model"
	KindPythonRun     = "python+run"
)

// RelationshipProducedBy links an entity to the run that produced it.
const RelationshipProducedBy = "produced_by"

// State is a run state in the platform vocabulary.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateError     State = "ERROR"
	StateStopped   State = "STOPPED"
)

// Entity is a platform object that can be referenced by key and linked to
// the run that produced it.
type Entity interface {
	Key() string
	EntityType() string
	EntityName() string
	AddRelationship(relation, dest string)
}

// Relationship is a typed edge from an entity to another entity key.
type Relationship struct {
	Type string `json:"type" yaml:"type"`
	Dest string `json:"dest" yaml:"dest"`
}

// Object is the concrete representation of artifacts, dataitems and models.
type Object struct {
	Type          string         `json:"entity_type"`
	Kind          string         `json:"kind"`
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Project       string         `json:"project"`
	Path          string         `json:"path,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Key returns the store key of the object.
func (o *Object) Key() string {
	return fmt.Sprintf("store://%s/%s/%s/%s:%s", o.Project, o.Type, o.Kind, o.Name, o.ID)
}

func (o *Object) EntityType() string { return o.Type }

func (o *Object) EntityName() string { return o.Name }

// AddRelationship appends an edge unless an identical one already exists.
func (o *Object) AddRelationship(relation, dest string) {
	for _, r := range o.Relationships {
		if r.Type == relation && r.Dest == dest {
			return
		}
	}
	o.Relationships = append(o.Relationships, Relationship{Type: relation, Dest: dest})
}

// Project is the platform project a run belongs to.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is a single execution record owned by a project.
type Run struct {
	ID        string         `json:"id"`
	Project   string         `json:"project"`
	Kind      string         `json:"kind"`
	Spec      map[string]any `json:"spec,omitempty"`
	Status    RunStatus      `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key returns the store key of the run.
func (r *Run) Key() string {
	return RunKey(r.Project, r.Kind, r.ID)
}

// RunKey builds the store key of a run.
func RunKey(project, kind, id string) string {
	return fmt.Sprintf("store://%s/%s/%s/%s", project, TypeRun, kind, id)
}

// ProducedByDest returns the relationship destination for entities produced
// by the run identified by runKey: the run key followed by the run id.
func ProducedByDest(runKey string) string {
	id := runKey[strings.LastIndex(runKey, "/")+1:]
	return runKey + ":" + id
}

// RunStatus is the terminal artifact of an execution.
type RunStatus struct {
	State   State             `json:"state" yaml:"state"`
	Outputs map[string]string `json:"outputs" yaml:"outputs"`
	Results map[string]any    `json:"results" yaml:"results"`
	Message string            `json:"message,omitempty" yaml:"message,omitempty"`
}

// ErrorStatus returns an ERROR status carrying the failure message.
func ErrorStatus(err error) *RunStatus {
	s := &RunStatus{
		State:   StateError,
		Outputs: map[string]string{},
		Results: map[string]any{},
	}
	if err != nil {
		s.Message = err.Error()
	}
	return s
}
