// Package postgres provides a PostgreSQL implementation of storage.Journal
// using a pgx/v5 connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/toolmux/pkg/storage"
)

// Journal is a PostgreSQL-backed storage.Journal.
type Journal struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Journal = (*Journal)(nil)
	_ storage.Pruner  = (*Journal)(nil)
)

// New creates a PostgreSQL journal with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	j := &Journal{pool: pool}

	if cfg.MigrateOnStart {
		if err := j.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return j, nil
}

// Append stores r under the context's tenant, replacing a record with the
// same correlation id that did not start later.
func (j *Journal) Append(ctx context.Context, r *storage.Record) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO invocations (
			tenant_id, correlation_id, tool, server, status,
			failure_kind, message, chunks, started_at, duration_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, correlation_id) DO UPDATE SET
			tool = EXCLUDED.tool,
			server = EXCLUDED.server,
			status = EXCLUDED.status,
			failure_kind = EXCLUDED.failure_kind,
			message = EXCLUDED.message,
			chunks = EXCLUDED.chunks,
			started_at = EXCLUDED.started_at,
			duration_ns = EXCLUDED.duration_ns
		WHERE EXCLUDED.started_at >= invocations.started_at
	`,
		storage.TenantFrom(ctx), r.CorrelationID, r.Tool, r.Server, r.Status,
		nullString(r.FailureKind), nullString(r.Message), r.Chunks, r.StartedAt, int64(r.Duration),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT tenant_id, correlation_id, tool, server, status,
	       failure_kind, message, chunks, started_at, duration_ns
	FROM invocations`

// Get returns the record for id. Without a tenant in the context the most
// recent record with that id in any tenant is returned.
func (j *Journal) Get(ctx context.Context, id string) (*storage.Record, error) {
	query := selectColumns + " WHERE correlation_id = $1"
	args := []any{id}

	if tenantID := storage.TenantFrom(ctx); tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	query += " ORDER BY started_at DESC LIMIT 1"

	rec, err := scanRecord(j.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying invocation: %w", err)
	}
	return rec, nil
}

// List returns matching records, newest first.
func (j *Journal) List(ctx context.Context, opts storage.ListOptions) ([]*storage.Record, error) {
	opts = opts.Normalize()

	query := selectColumns + " WHERE TRUE"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}

	if tenantID := storage.TenantFrom(ctx); tenantID != "" {
		add("tenant_id", tenantID)
	}
	if opts.Tool != "" {
		add("tool", opts.Tool)
	}
	if opts.Server != "" {
		add("server", opts.Server)
	}
	if opts.Status != "" {
		add("status", opts.Status)
	}
	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC, correlation_id DESC LIMIT $%d", len(args))

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing invocations: %w", err)
	}
	defer rows.Close()

	out := []*storage.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database connection.
func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*storage.Record, error) {
	var rec storage.Record
	var failureKind, message *string
	var durationNS int64
	if err := row.Scan(
		&rec.TenantID, &rec.CorrelationID, &rec.Tool, &rec.Server, &rec.Status,
		&failureKind, &message, &rec.Chunks, &rec.StartedAt, &durationNS,
	); err != nil {
		return nil, err
	}
	if failureKind != nil {
		rec.FailureKind = *failureKind
	}
	if message != nil {
		rec.Message = *message
	}
	rec.Duration = time.Duration(durationNS)
	return &rec, nil
}

// nullString converts an empty string to nil for nullable TEXT columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Prune deletes records started before cutoff across all tenants.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := j.pool.Exec(ctx, "DELETE FROM invocations WHERE started_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning invocations: %w", err)
	}
	return tag.RowsAffected(), nil
}
