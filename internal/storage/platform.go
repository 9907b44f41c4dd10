package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"function-harness/internal/entity"
	"function-harness/internal/frame"
	"function-harness/internal/objstore"
)

// Platform implements entity.Client on top of PostgreSQL for metadata and
// an object store for payloads.
type Platform struct {
	db     *DB
	stores *objstore.Registry

	// root is the URI prefix payloads are uploaded under, such as
	// s3://harness or file:///var/lib/harness/artifacts.
	root string
}

// NewPlatform returns a platform client storing payloads under root.
func NewPlatform(db *DB, stores *objstore.Registry, root string) *Platform {
	return &Platform{db: db, stores: stores, root: strings.TrimSuffix(root, "/")}
}

// EnsureProject returns the named project, creating it if needed.
func (p *Platform) EnsureProject(ctx context.Context, name string) (*entity.Project, error) {
	proj := &entity.Project{ID: uuid.New().String(), Name: name, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(proj)
	if err != nil {
		return nil, err
	}
	_, err = p.db.pool.Exec(ctx,
		`INSERT INTO projects (name, data) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, data)
	if err != nil {
		return nil, fmt.Errorf("inserting project %s: %w", name, err)
	}
	return p.GetProject(ctx, name)
}

func (p *Platform) GetProject(ctx context.Context, name string) (*entity.Project, error) {
	var proj entity.Project
	if err := p.getJSON(ctx, `SELECT data FROM projects WHERE name = $1`, &proj, name); err != nil {
		return nil, fmt.Errorf("project %q: %w", name, err)
	}
	return &proj, nil
}

func (p *Platform) GetRun(ctx context.Context, project, key string) (*entity.Run, error) {
	var run entity.Run
	if err := p.getJSON(ctx, `SELECT data FROM runs WHERE key = $1 AND project = $2`, &run, key, project); err != nil {
		return nil, fmt.Errorf("run %q: %w", key, err)
	}
	return &run, nil
}

func (p *Platform) LogDataitem(ctx context.Context, project, name string, data *frame.Frame) (entity.Entity, error) {
	obj := entity.NewObject(entity.TypeDataitem, entity.KindDataitemTable, project, name)
	obj.Metadata = map[string]any{"columns": data.Columns, "rows": data.Len()}

	tmp, err := os.CreateTemp("", "dataitem-*.csv")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data.Data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing dataitem: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	if err := p.upload(ctx, obj, tmp.Name(), "data.csv"); err != nil {
		return nil, err
	}
	if err := p.Create(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (p *Platform) LogArtifact(ctx context.Context, project, name, source string) (entity.Entity, error) {
	obj := entity.NewObject(entity.TypeArtifact, entity.KindArtifact, project, name)
	if err := p.upload(ctx, obj, source, filepath.Base(source)); err != nil {
		return nil, err
	}
	if err := p.Create(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (p *Platform) upload(ctx context.Context, obj *entity.Object, localPath, file string) error {
	uri := fmt.Sprintf("%s/%s/%s/%s/%s", p.root, obj.Project, obj.Type, obj.ID, file)
	store, err := p.stores.For(uri)
	if err != nil {
		return err
	}
	if err := store.Upload(ctx, localPath, uri); err != nil {
		return fmt.Errorf("uploading %s: %w", obj.Name, err)
	}
	obj.Path = uri
	log.Debug().Str("key", obj.Key()).Str("path", uri).Msg("payload uploaded")
	return nil
}

func (p *Platform) Create(ctx context.Context, e entity.Entity) error {
	obj, data, err := encodeObject(e)
	if err != nil {
		return err
	}
	_, err = p.db.pool.Exec(ctx, `
		INSERT INTO entities (key, project, entity_type, name, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		obj.Key(), obj.Project, obj.Type, obj.Name, data, obj.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting entity %s: %w", obj.Key(), err)
	}
	return nil
}

func (p *Platform) Update(ctx context.Context, e entity.Entity) error {
	obj, data, err := encodeObject(e)
	if err != nil {
		return err
	}
	tag, err := p.db.pool.Exec(ctx,
		`UPDATE entities SET data = $2, updated_at = $3 WHERE key = $1`,
		obj.Key(), data, obj.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating entity %s: %w", obj.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", obj.Key(), entity.ErrNotExist)
	}
	return nil
}

// SetRunStatus replaces the status of the run, creating the run record
// when the key has not been seen before.
func (p *Platform) SetRunStatus(ctx context.Context, project, key string, status *entity.RunStatus) error {
	return pgx.BeginFunc(ctx, p.db.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		var run entity.Run
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM runs WHERE key = $1 FOR UPDATE`, key).Scan(&data)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			ref, perr := entity.ParseKey(key)
			if perr != nil {
				return perr
			}
			run = entity.Run{ID: ref.Name, Project: project, Kind: ref.Kind, CreatedAt: now}
		case err != nil:
			return fmt.Errorf("loading run %s: %w", key, err)
		default:
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("decoding run %s: %w", key, err)
			}
		}

		run.Status = *status
		run.UpdatedAt = now
		if data, err = json.Marshal(&run); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO runs (key, project, data, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			key, project, data, now)
		if err != nil {
			return fmt.Errorf("storing run %s: %w", key, err)
		}
		return nil
	})
}

func (p *Platform) getJSON(ctx context.Context, query string, dst any, args ...any) error {
	var data []byte
	err := p.db.pool.QueryRow(ctx, query, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.ErrNotExist
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func encodeObject(e entity.Entity) (*entity.Object, []byte, error) {
	obj, ok := e.(*entity.Object)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported entity %T", e)
	}
	now := time.Now().UTC()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	obj.UpdatedAt = now
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding entity %s: %w", obj.Key(), err)
	}
	return obj, data, nil
}
