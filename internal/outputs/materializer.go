// Package outputs turns the return value of a user function into named
// outputs, persisting anything that is not a plain value through the
// platform client.
package outputs

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"function-harness/internal/entity"
	"function-harness/internal/errdefs"
	"function-harness/internal/loader"
)

// Materializer persists result items. Client is usually an
// entity.Recording so logged entities end up in the execution's ledger.
type Materializer struct {
	Client  entity.Client
	Tabular *TabularRegistry

	// ScratchDir receives serialized opaque values. When empty a temporary
	// directory is created per collection and removed afterwards.
	ScratchDir string

	// OnMaterialize is called once per item with its kind.
	OnMaterialize func(Kind)
}

// OutputName returns the name of the i-th output: names[i], verbatim, when
// names is long enough, else output_<i>.
func OutputName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("output_%d", i)
}

// CollectPositional is Collect with purely positional names.
func (m *Materializer) CollectPositional(ctx context.Context, results any, project, runKey string) (map[string]any, error) {
	return m.Collect(ctx, results, nil, project, runKey)
}

// Collect materializes every item of results under its output name. The
// first failure aborts the collection and nothing is returned.
func (m *Materializer) Collect(ctx context.Context, results any, names []string, project, runKey string) (map[string]any, error) {
	items := Listify(results)
	out := make(map[string]any, len(items))
	if len(items) == 0 {
		return out, nil
	}

	logger := log.With().Str("project", project).Str("run_key", runKey).Logger()

	scratch := m.ScratchDir
	if scratch == "" {
		dir, err := os.MkdirTemp("", "outputs-")
		if err != nil {
			return nil, errdefs.Wrap("collect", errdefs.ErrPersist, err)
		}
		defer os.RemoveAll(dir)
		scratch = dir
	}

	for i, item := range items {
		name := OutputName(names, i)
		kind := Classify(item, m.Tabular)

		v, err := m.materialize(ctx, kind, item, name, project, runKey, scratch)
		if err != nil {
			logger.Error().Err(err).Str("output", name).Stringer("kind", kind).Msg("materialization failed")
			return nil, errdefs.Wrap("collect "+name, errdefs.ErrPersist, err)
		}
		out[name] = v
		if m.OnMaterialize != nil {
			m.OnMaterialize(kind)
		}
		logger.Debug().Str("output", name).Stringer("kind", kind).Msg("output collected")
	}
	return out, nil
}

func (m *Materializer) materialize(ctx context.Context, kind Kind, item any, name, project, runKey, scratch string) (any, error) {
	switch kind {
	case Primitive:
		return item, nil

	case Tabular:
		conv, _ := m.Tabular.Lookup(TypeNameOf(item))
		f, err := conv(item)
		if err != nil {
			return nil, err
		}
		return m.Client.LogDataitem(ctx, project, name, f)

	case Entity:
		e := item.(entity.Entity)
		e.AddRelationship(entity.RelationshipProducedBy, entity.ProducedByDest(runKey))
		err := m.Client.Update(ctx, e)
		if errors.Is(err, entity.ErrNotExist) {
			err = m.Client.Create(ctx, e)
		}
		if err != nil {
			return nil, err
		}
		return e, nil

	case Opaque:
		path, err := writeOpaque(scratch, name, item)
		if err != nil {
			return nil, err
		}
		return m.Client.LogArtifact(ctx, project, name, path)
	}
	return nil, fmt.Errorf("unhandled output kind %v", kind)
}

// pickledNone is None at pickle protocol 2.
var pickledNone = []byte{0x80, 0x02, 'N', '.'}

// writeOpaque serializes item to <dir>/<name>.<ext>. Values already
// serialized by a foreign runtime are written as is; Go values are gob
// encoded.
func writeOpaque(dir, name string, item any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if item == nil {
		item = &loader.Opaque{TypeName: "builtins.NoneType", Ext: "pickle", Data: pickledNone}
	}
	if o, ok := item.(*loader.Opaque); ok {
		path := filepath.Join(dir, name+"."+o.Ext)
		if err := os.WriteFile(path, o.Data, 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
		return path, nil
	}

	path := filepath.Join(dir, name+".gob")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := gob.NewEncoder(f).Encode(item); err != nil {
		f.Close()
		return "", fmt.Errorf("encoding %T: %w", item, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
