package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a queried execution does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool holding the audit log and the
// platform entity tables.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and makes sure the schema
// exists.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

func (db *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			run_key TEXT NOT NULL,
			handler TEXT NOT NULL,
			language TEXT NOT NULL,
			source_scheme TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			outputs JSONB,
			results JSONB,
			duration_ms BIGINT NOT NULL,
			request_ip TEXT NOT NULL DEFAULT '',
			api_key_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_project ON executions(project, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			key TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			key TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			name TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_project_name ON entities(project, entity_type, name)`,
	}
	for _, stmt := range stmts {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, project, run_key, handler, language, source_scheme,
			state, error_kind, message, outputs, results, duration_ms,
			request_ip, api_key_hash, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Project, exec.RunKey, exec.Handler, exec.Language, exec.SourceScheme,
		exec.State, exec.ErrorKind,
		truncateForDB(exec.Message, 65535),
		exec.Outputs, exec.Results,
		exec.DurationMS,
		exec.RequestIP, exec.APIKeyHash,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, project, run_key, handler, language, source_scheme,
			state, error_kind, message, outputs, results, duration_ms,
			request_ip, api_key_hash, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Project, &exec.RunKey, &exec.Handler, &exec.Language, &exec.SourceScheme,
		&exec.State, &exec.ErrorKind, &exec.Message,
		&exec.Outputs, &exec.Results,
		&exec.DurationMS,
		&exec.RequestIP, &exec.APIKeyHash,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, project, run_key, handler, language, state, error_kind,
			duration_ms, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR project = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR state = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Project, filter.Language, filter.State, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Project, &exec.RunKey, &exec.Handler, &exec.Language,
			&exec.State, &exec.ErrorKind,
			&exec.DurationMS, &exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
