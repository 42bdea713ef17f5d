// Package storagetest holds the behavior every storage.Journal backend must
// show. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rhuss/toolmux/pkg/storage"
)

// Record builds a success record started at the given offset from a fixed
// base time.
func Record(id, tool string, offset time.Duration) *storage.Record {
	return &storage.Record{
		CorrelationID: id,
		Tool:          tool,
		Server:        "sql",
		Status:        "success",
		Chunks:        2,
		StartedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(offset),
		Duration:      150 * time.Millisecond,
	}
}

// Run exercises j. newJournal must return an empty journal.
func Run(t *testing.T, newJournal func(t *testing.T) storage.Journal) {
	t.Run("AppendAndGet", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		rec := Record("call_1", "query", 0)
		rec.Status = "failure"
		rec.FailureKind = "timeout"
		rec.Message = "no terminal result before the deadline"
		if err := j.Append(ctx, rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		got, err := j.Get(ctx, "call_1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Tool != "query" || got.Server != "sql" || got.Status != "failure" {
			t.Errorf("got %+v", got)
		}
		if got.FailureKind != "timeout" || got.Message != rec.Message {
			t.Errorf("failure fields = %q / %q", got.FailureKind, got.Message)
		}
		if got.Chunks != 2 || got.Duration != 150*time.Millisecond {
			t.Errorf("chunks/duration = %d / %v", got.Chunks, got.Duration)
		}
		if !got.StartedAt.Equal(rec.StartedAt) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, rec.StartedAt)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		j := newJournal(t)
		if _, err := j.Get(context.Background(), "call_missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("AppendReplacesSameID", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		if err := j.Append(ctx, Record("call_dup", "query", 0)); err != nil {
			t.Fatal(err)
		}
		again := Record("call_dup", "navigate", time.Minute)
		again.Status = "failure"
		again.FailureKind = "unknown_tool"
		again.Message = "no tool named \"navigate\""
		again.Chunks = 0
		if err := j.Append(ctx, again); err != nil {
			t.Fatalf("second Append: %v", err)
		}

		got, err := j.Get(ctx, "call_dup")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Tool != "navigate" || got.Status != "failure" || got.FailureKind != "unknown_tool" || got.Chunks != 0 {
			t.Errorf("record = %+v, want the second outcome", got)
		}
		if !got.StartedAt.Equal(again.StartedAt) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, again.StartedAt)
		}

		all, err := j.List(ctx, storage.ListOptions{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("List returned %d records, want 1", len(all))
		}

		// A late append of the older invocation does not win.
		if err := j.Append(ctx, Record("call_dup", "query", 0)); err != nil {
			t.Fatalf("late Append: %v", err)
		}
		if got, _ := j.Get(ctx, "call_dup"); got == nil || got.Tool != "navigate" {
			t.Errorf("record after late append = %+v, want the newer invocation", got)
		}
	})

	t.Run("ListNewestFirstWithFilters", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			tool := "query"
			if i%2 == 1 {
				tool = "navigate"
			}
			if err := j.Append(ctx, Record(fmt.Sprintf("call_%d", i), tool, time.Duration(i)*time.Second)); err != nil {
				t.Fatal(err)
			}
		}

		all, err := j.List(ctx, storage.ListOptions{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 5 || all[0].CorrelationID != "call_4" || all[4].CorrelationID != "call_0" {
			t.Fatalf("List order wrong: %v", ids(all))
		}

		queries, _ := j.List(ctx, storage.ListOptions{Tool: "query"})
		if len(queries) != 3 {
			t.Errorf("filtered List returned %d, want 3", len(queries))
		}

		limited, _ := j.List(ctx, storage.ListOptions{Limit: 2})
		if len(limited) != 2 || limited[0].CorrelationID != "call_4" {
			t.Errorf("limited List = %v", ids(limited))
		}

		none, _ := j.List(ctx, storage.ListOptions{Status: "failure"})
		if none == nil || len(none) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", none)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		j := newJournal(t)
		acme := storage.WithTenant(context.Background(), "acme")
		globex := storage.WithTenant(context.Background(), "globex")

		if err := j.Append(acme, Record("call_t", "query", 0)); err != nil {
			t.Fatal(err)
		}
		// The same correlation id in another tenant does not conflict.
		if err := j.Append(globex, Record("call_t", "navigate", 0)); err != nil {
			t.Fatalf("cross-tenant append failed: %v", err)
		}

		got, err := j.Get(acme, "call_t")
		if err != nil || got.Tool != "query" || got.TenantID != "acme" {
			t.Fatalf("acme Get = %+v, %v", got, err)
		}
		if _, err := j.Get(storage.WithTenant(context.Background(), "initech"), "call_t"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("foreign tenant Get err = %v, want ErrNotFound", err)
		}

		list, _ := j.List(globex, storage.ListOptions{})
		if len(list) != 1 || list[0].Tool != "navigate" {
			t.Errorf("globex List = %v", ids(list))
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		if err := newJournal(t).HealthCheck(context.Background()); err != nil {
			t.Fatalf("HealthCheck failed: %v", err)
		}
	})
}

func ids(recs []*storage.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.CorrelationID
	}
	return out
}
