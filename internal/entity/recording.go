package entity

import (
	"context"
	"maps"
	"sync"

	"function-harness/internal/frame"
)

// Ledger accumulates the entities logged during one execution, keyed by
// entity name. It is created when an execution starts and read once when
// the final status is built.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]string)}
}

// Record stores the key logged under name.
func (l *Ledger) Record(name, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[name] = key
}

// Snapshot returns a copy of the recorded entries.
func (l *Ledger) Snapshot() map[string]string {
	if l == nil {
		return map[string]string{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.entries)
}

// Recording decorates a Client, recording every entity it logs or creates
// into a Ledger.
type Recording struct {
	Client
	ledger *Ledger
}

// NewRecording wraps c so that logged entities are recorded into l.
func NewRecording(c Client, l *Ledger) *Recording {
	return &Recording{Client: c, ledger: l}
}

func (r *Recording) LogDataitem(ctx context.Context, project, name string, data *frame.Frame) (Entity, error) {
	e, err := r.Client.LogDataitem(ctx, project, name, data)
	if err != nil {
		return nil, err
	}
	r.ledger.Record(e.EntityName(), e.Key())
	return e, nil
}

func (r *Recording) LogArtifact(ctx context.Context, project, name, source string) (Entity, error) {
	e, err := r.Client.LogArtifact(ctx, project, name, source)
	if err != nil {
		return nil, err
	}
	r.ledger.Record(e.EntityName(), e.Key())
	return e, nil
}

func (r *Recording) Create(ctx context.Context, e Entity) error {
	if err := r.Client.Create(ctx, e); err != nil {
		return err
	}
	r.ledger.Record(e.EntityName(), e.Key())
	return nil
}
