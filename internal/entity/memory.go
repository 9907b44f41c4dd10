package entity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"function-harness/internal/frame"
)

// Memory is an in-process Client used for local executions and tests.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]*Project
	runs     map[string]*Run
	objects  map[string]*Object
	blobs    map[string][]byte
}

// NewMemory creates an empty in-memory platform.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]*Project),
		runs:     make(map[string]*Run),
		objects:  make(map[string]*Object),
		blobs:    make(map[string][]byte),
	}
}

// EnsureProject returns the named project, creating it if needed.
func (m *Memory) EnsureProject(name string) *Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[name]; ok {
		return p
	}
	p := &Project{ID: uuid.New().String(), Name: name, CreatedAt: time.Now().UTC()}
	m.projects[name] = p
	return p
}

// PutRun stores a run, replacing any run with the same key.
func (m *Memory) PutRun(r *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.Key()] = r
}

func (m *Memory) GetProject(_ context.Context, name string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[name]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", name, ErrNotExist)
	}
	return p, nil
}

func (m *Memory) GetRun(_ context.Context, project, key string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[key]
	if !ok || r.Project != project {
		return nil, fmt.Errorf("run %q: %w", key, ErrNotExist)
	}
	return r, nil
}

func (m *Memory) LogDataitem(ctx context.Context, project, name string, data *frame.Frame) (Entity, error) {
	o := NewObject(TypeDataitem, KindDataitemTable, project, name)
	o.Path = "memory://" + project + "/dataitem/" + o.ID + "/data.csv"
	o.Metadata = map[string]any{"columns": data.Columns, "rows": data.Len()}
	if err := m.Create(ctx, o); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.blobs[o.Key()] = data.Data
	m.mu.Unlock()
	return o, nil
}

func (m *Memory) LogArtifact(ctx context.Context, project, name, source string) (Entity, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("reading artifact source: %w", err)
	}
	o := NewObject(TypeArtifact, KindArtifact, project, name)
	o.Path = source
	if err := m.Create(ctx, o); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.blobs[o.Key()] = data
	m.mu.Unlock()
	return o, nil
}

func (m *Memory) Create(_ context.Context, e Entity) error {
	o, ok := e.(*Object)
	if !ok {
		return fmt.Errorf("unsupported entity %T", e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[o.Key()]; exists {
		return fmt.Errorf("entity %s already exists", o.Key())
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	m.objects[o.Key()] = o
	return nil
}

func (m *Memory) Update(_ context.Context, e Entity) error {
	o, ok := e.(*Object)
	if !ok {
		return fmt.Errorf("unsupported entity %T", e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[o.Key()]; !exists {
		return fmt.Errorf("entity %s: %w", o.Key(), ErrNotExist)
	}
	o.UpdatedAt = time.Now().UTC()
	m.objects[o.Key()] = o
	return nil
}

// SetRunStatus stores status on the run, creating the run record when the
// key has not been seen before.
func (m *Memory) SetRunStatus(_ context.Context, project, key string, status *RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[key]
	if !ok {
		kind, id := splitRunKey(key)
		r = &Run{ID: id, Project: project, Kind: kind, CreatedAt: time.Now().UTC()}
		m.runs[key] = r
	}
	r.Status = *status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Object returns a stored entity by key.
func (m *Memory) Object(key string) (*Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	return o, ok
}

// Blob returns the payload stored for an entity.
func (m *Memory) Blob(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	return b, ok
}

func splitRunKey(key string) (kind, id string) {
	parts := strings.Split(strings.TrimPrefix(key, "store://"), "/")
	if len(parts) == 4 {
		return parts[2], parts[3]
	}
	return KindPythonRun, parts[len(parts)-1]
}
