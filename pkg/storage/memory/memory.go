// Package memory provides an in-memory storage.Journal for tests and
// single-process deployments. Records are lost when the process restarts.
// An optional bound evicts the oldest records first.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/rhuss/toolmux/pkg/storage"
)

type key struct {
	tenant string
	id     string
}

// entry holds a stored record and its position in the age list.
type entry struct {
	rec  *storage.Record
	elem *list.Element
}

// Journal is an in-memory storage.Journal.
type Journal struct {
	mu      sync.RWMutex
	entries map[key]*entry
	order   *list.List // front = newest, back = oldest
	maxSize int        // 0 = unlimited
}

var _ storage.Journal = (*Journal)(nil)

// New creates a journal. If maxSize is 0 the journal grows without limit;
// otherwise the oldest record is evicted once the limit is reached.
func New(maxSize int) *Journal {
	return &Journal{
		entries: make(map[key]*entry),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Append stores a copy of r, tagged with the context's tenant. A record
// already stored under the same correlation id is replaced unless it started
// later than r.
func (j *Journal) Append(ctx context.Context, r *storage.Record) error {
	rec := *r
	rec.TenantID = storage.TenantFrom(ctx)
	k := key{tenant: rec.TenantID, id: rec.CorrelationID}

	j.mu.Lock()
	defer j.mu.Unlock()

	if e, exists := j.entries[k]; exists {
		if rec.StartedAt.Before(e.rec.StartedAt) {
			return nil
		}
		e.rec = &rec
		j.order.MoveToFront(e.elem)
		return nil
	}
	if j.maxSize > 0 && len(j.entries) >= j.maxSize {
		j.evictOldest()
	}

	j.entries[k] = &entry{rec: &rec, elem: j.order.PushFront(k)}
	return nil
}

// Get returns the record for id within the context's tenant. Without a
// tenant in the context, records of any tenant are visible.
func (j *Journal) Get(ctx context.Context, id string) (*storage.Record, error) {
	tenant := storage.TenantFrom(ctx)

	j.mu.RLock()
	defer j.mu.RUnlock()

	if tenant != "" {
		if e, ok := j.entries[key{tenant: tenant, id: id}]; ok {
			rec := *e.rec
			return &rec, nil
		}
		return nil, storage.ErrNotFound
	}
	for k, e := range j.entries {
		if k.id == id {
			rec := *e.rec
			return &rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

// List returns matching records, newest first.
func (j *Journal) List(ctx context.Context, opts storage.ListOptions) ([]*storage.Record, error) {
	opts = opts.Normalize()

	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*storage.Record
	for el := j.order.Front(); el != nil; el = el.Next() {
		e := j.entries[el.Value.(key)]
		if !storage.TenantVisible(ctx, e.rec.TenantID) {
			continue
		}
		if !opts.Matches(e.rec) {
			continue
		}
		rec := *e.rec
		out = append(out, &rec)
	}

	// Insertion order is close to start order but not equal to it; callers
	// expect newest start first.
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].StartedAt.After(out[b].StartedAt)
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	if out == nil {
		out = []*storage.Record{}
	}
	return out, nil
}

// Len returns the number of stored records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// HealthCheck always returns nil for the in-memory journal.
func (j *Journal) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory journal.
func (j *Journal) Close() error {
	return nil
}

// evictOldest removes the oldest record. Must be called with j.mu held.
func (j *Journal) evictOldest() {
	back := j.order.Back()
	if back == nil {
		return
	}
	j.order.Remove(back)
	delete(j.entries, back.Value.(key))
}
