package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"function-harness/internal/frame"
)

// ErrNotExist is returned when an entity, project or run is not found.
var ErrNotExist = errors.New("entity does not exist")

// Client is the platform API the harness talks to.
type Client interface {
	GetProject(ctx context.Context, name string) (*Project, error)
	GetRun(ctx context.Context, project, key string) (*Run, error)

	// LogDataitem stores a table as a new dataitem of kind table.
	LogDataitem(ctx context.Context, project, name string, data *frame.Frame) (Entity, error)
	// LogArtifact uploads the local file at source as a new artifact.
	LogArtifact(ctx context.Context, project, name, source string) (Entity, error)

	Create(ctx context.Context, e Entity) error
	// Update returns an error matching ErrNotExist when e was never created.
	Update(ctx context.Context, e Entity) error

	SetRunStatus(ctx context.Context, project, key string, status *RunStatus) error
}

// Factory turns serialized references into live entity handles.
type Factory interface {
	BuildFromReference(ctx context.Context, ref Reference) (Entity, error)
}

// DefaultFactory builds entities from the fields of the reference alone.
type DefaultFactory struct{}

func (DefaultFactory) BuildFromReference(_ context.Context, ref Reference) (Entity, error) {
	ref, err := ref.Resolve()
	if err != nil {
		return nil, err
	}
	if ref.Name == "" || ref.Project == "" {
		return nil, fmt.Errorf("reference needs a name and a project: %+v", ref)
	}
	switch ref.Type {
	case TypeArtifact, TypeDataitem, TypeModel:
	default:
		return nil, fmt.Errorf("unsupported entity type %q", ref.Type)
	}
	return &Object{
		Type:     ref.Type,
		Kind:     ref.Kind,
		ID:       ref.ID,
		Name:     ref.Name,
		Project:  ref.Project,
		Path:     ref.Path,
		Metadata: ref.Metadata,
	}, nil
}

// NewObject returns an object with a fresh id and timestamps.
func NewObject(entityType, kind, project, name string) *Object {
	now := time.Now().UTC()
	return &Object{
		Type:      entityType,
		Kind:      kind,
		ID:        uuid.New().String(),
		Name:      name,
		Project:   project,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
