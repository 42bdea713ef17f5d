// Package sqlite provides a storage.Journal backed by a SQLite file using
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rhuss/toolmux/pkg/storage"
)

//go:embed schema.sql
var schema string

// Journal is a SQLite-backed storage.Journal.
type Journal struct {
	db *sql.DB
}

var (
	_ storage.Journal = (*Journal)(nil)
	_ storage.Pruner  = (*Journal)(nil)
)

// Open opens (or creates) the journal at dsn, which is a file path or any
// DSN the driver accepts, and creates the schema.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: open: %w", err)
	}

	// SQLite allows a single writer; WAL lets readers proceed meanwhile.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite journal: set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite journal: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite journal: create schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Append stores r under the context's tenant, replacing a record with the
// same correlation id that did not start later.
func (j *Journal) Append(ctx context.Context, r *storage.Record) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO invocations (tenant_id, correlation_id, tool, server, status,
		    failure_kind, message, chunks, started_at, started_unix, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, correlation_id) DO UPDATE SET
		    tool = excluded.tool, server = excluded.server, status = excluded.status,
		    failure_kind = excluded.failure_kind, message = excluded.message,
		    chunks = excluded.chunks, started_at = excluded.started_at,
		    started_unix = excluded.started_unix, duration_ns = excluded.duration_ns
		 WHERE excluded.started_unix >= invocations.started_unix`,
		storage.TenantFrom(ctx), r.CorrelationID, r.Tool, r.Server, r.Status,
		r.FailureKind, r.Message, r.Chunks,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.StartedAt.UnixNano(), int64(r.Duration),
	)
	if err != nil {
		return fmt.Errorf("sqlite journal: append: %w", err)
	}
	return nil
}

const selectColumns = `SELECT tenant_id, correlation_id, tool, server, status,
    failure_kind, message, chunks, started_at, duration_ns FROM invocations`

// Get returns the record for id. Without a tenant in the context the most
// recent record with that id in any tenant is returned.
func (j *Journal) Get(ctx context.Context, id string) (*storage.Record, error) {
	query := selectColumns + " WHERE correlation_id = ?"
	args := []any{id}
	if tenant := storage.TenantFrom(ctx); tenant != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenant)
	}
	query += " ORDER BY started_unix DESC LIMIT 1"

	rec, err := scanRecord(j.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: get: %w", err)
	}
	return rec, nil
}

// List returns matching records, newest first.
func (j *Journal) List(ctx context.Context, opts storage.ListOptions) ([]*storage.Record, error) {
	opts = opts.Normalize()

	var where []string
	var args []any
	if tenant := storage.TenantFrom(ctx); tenant != "" {
		where, args = append(where, "tenant_id = ?"), append(args, tenant)
	}
	if opts.Tool != "" {
		where, args = append(where, "tool = ?"), append(args, opts.Tool)
	}
	if opts.Server != "" {
		where, args = append(where, "server = ?"), append(args, opts.Server)
	}
	if opts.Status != "" {
		where, args = append(where, "status = ?"), append(args, opts.Status)
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_unix DESC, correlation_id DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: list: %w", err)
	}
	defer rows.Close()

	out := []*storage.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite journal: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records started before cutoff across all tenants.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM invocations WHERE started_unix < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck pings the database.
func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.Record, error) {
	var rec storage.Record
	var startedAt string
	var durationNS int64
	if err := row.Scan(
		&rec.TenantID, &rec.CorrelationID, &rec.Tool, &rec.Server, &rec.Status,
		&rec.FailureKind, &rec.Message, &rec.Chunks, &startedAt, &durationNS,
	); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at %q: %w", startedAt, err)
	}
	rec.StartedAt = t
	rec.Duration = time.Duration(durationNS)
	return &rec, nil
}
