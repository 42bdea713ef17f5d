package storage

import (
	"context"
	"time"
)

// Record is the journal entry written when an invocation reaches its
// terminal result.
type Record struct {
	CorrelationID string        `json:"correlation_id"`
	Tool          string        `json:"tool"`
	Server        string        `json:"server,omitempty"`
	Status        string        `json:"status"` // success or failure
	FailureKind   string        `json:"failure_kind,omitempty"`
	Message       string        `json:"message,omitempty"`
	Chunks        int           `json:"chunks"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	TenantID      string        `json:"tenant_id,omitempty"`
}

// ListOptions filters and bounds List.
type ListOptions struct {
	Tool   string // only records for this tool
	Server string // only records served by this server
	Status string // success or failure
	Limit  int    // default 20, max 100
}

// Normalize applies the default and maximum limit.
func (o ListOptions) Normalize() ListOptions {
	switch {
	case o.Limit <= 0:
		o.Limit = 20
	case o.Limit > 100:
		o.Limit = 100
	}
	return o
}

// Matches reports whether r passes the filters in o.
func (o ListOptions) Matches(r *Record) bool {
	if o.Tool != "" && r.Tool != o.Tool {
		return false
	}
	if o.Server != "" && r.Server != o.Server {
		return false
	}
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	return true
}

// Journal persists terminal invocation results. Reads and writes are scoped
// to the tenant carried by the context, when one is set.
type Journal interface {
	// Append stores r. A record already journaled under the same
	// correlation id and tenant is replaced unless it started later, so the
	// journal holds the latest invocation for each id whatever order the
	// appends arrive in.
	Append(ctx context.Context, r *Record) error

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns matching records, newest first.
	List(ctx context.Context, opts ListOptions) ([]*Record, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Pruner is implemented by journals that can drop old records.
type Pruner interface {
	// Prune deletes records started before cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
