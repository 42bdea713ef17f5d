package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/observability"
	"github.com/rhuss/toolmux/pkg/tools"
	"github.com/rhuss/toolmux/pkg/tools/toolstest"
)

func owner(t *testing.T, snap *Snapshot, name string) string {
	t.Helper()
	e, ok := snap.Lookup(name)
	if !ok {
		t.Fatalf("tool %q not found in snapshot v%d", name, snap.Version)
	}
	return e.Session.Name()
}

func TestRegistry_SnapshotIsUnionOfSessions(t *testing.T) {
	reg := New()
	if err := reg.Register(toolstest.NewSession("sql", "query", "schema")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(toolstest.NewSession("browser", "navigate", "click")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	snap := reg.Snapshot()
	want := []string{"click", "navigate", "query", "schema"}
	if got := snap.Names(); !slices.Equal(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	if snap.Len() != 4 {
		t.Errorf("Len() = %d, want 4", snap.Len())
	}
	if owner(t, snap, "navigate") != "browser" || owner(t, snap, "query") != "sql" {
		t.Error("tools resolved to the wrong session")
	}
	if _, ok := snap.Lookup("missing"); ok {
		t.Error("Lookup of an unknown name should fail")
	}

	entries := snap.Entries()
	for i, e := range entries {
		if e.Descriptor.Name != want[i] {
			t.Errorf("Entries()[%d] = %q, want %q", i, e.Descriptor.Name, want[i])
		}
	}
}

func TestRegistry_FirstRegisteredWinsWithShadowing(t *testing.T) {
	reg := New()
	a := toolstest.NewSession("A", "query")
	b := toolstest.NewSession("B", "query", "report")

	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}

	snap := reg.Snapshot()
	if got := owner(t, snap, "query"); got != "A" {
		t.Fatalf("query owner = %s, want A", got)
	}
	shadowed := snap.Shadowed("query")
	if len(shadowed) != 1 || shadowed[0].Session.Name() != "B" {
		t.Fatalf("Shadowed(query) = %+v, want B", shadowed)
	}
	if snap.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (no duplicate names)", snap.Len())
	}

	// A disconnects; its descriptors go away in the same update and B's
	// query surfaces.
	a.SetState(api.SessionClosed)

	next := reg.Snapshot()
	if next.Version <= snap.Version {
		t.Errorf("version did not advance: %d -> %d", snap.Version, next.Version)
	}
	if got := owner(t, next, "query"); got != "B" {
		t.Fatalf("query owner after A closed = %s, want B", got)
	}
	if len(next.Shadowed("query")) != 0 {
		t.Error("nothing should be shadowed after A is gone")
	}
	if _, ok := reg.Session("A"); ok {
		t.Error("closed session should no longer be tracked")
	}

	// The old snapshot is untouched.
	if got := owner(t, snap, "query"); got != "A" {
		t.Errorf("old snapshot changed: query owner = %s", got)
	}
}

func TestRegistry_ShadowedOrderFollowsRegistration(t *testing.T) {
	reg := New()
	for _, name := range []string{"one", "two", "three"} {
		if err := reg.Register(toolstest.NewSession(name, "query")); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, e := range reg.Snapshot().Shadowed("query") {
		got = append(got, e.Session.Name())
	}
	if want := []string{"two", "three"}; !slices.Equal(got, want) {
		t.Fatalf("shadowed order = %v, want %v", got, want)
	}
}

func TestRegistry_RediscoveryKeepsRegistrationOrder(t *testing.T) {
	reg := New()
	a := toolstest.NewSession("A", "query")
	b := toolstest.NewSession("B", "query")
	_ = reg.Register(a)
	_ = reg.Register(b)

	// A stops advertising query; B's surfaces.
	a.SetTools("other")
	if got := owner(t, reg.Snapshot(), "query"); got != "B" {
		t.Fatalf("query owner = %s, want B", got)
	}

	// A advertises it again and wins again.
	a.SetTools("other", "query")
	snap := reg.Snapshot()
	if got := owner(t, snap, "query"); got != "A" {
		t.Fatalf("query owner = %s, want A", got)
	}
	if s := snap.Shadowed("query"); len(s) != 1 || s[0].Session.Name() != "B" {
		t.Errorf("Shadowed(query) = %+v", s)
	}
}

func TestRegistry_UnregisterRemovesAllTools(t *testing.T) {
	reg := New()
	a := toolstest.NewSession("A", "query", "schema")
	b := toolstest.NewSession("B", "query")
	_ = reg.Register(a)
	_ = reg.Register(b)

	if !reg.Unregister(a) {
		t.Fatal("Unregister(a) = false")
	}
	if reg.Unregister(a) {
		t.Error("second Unregister should report false")
	}

	snap := reg.Snapshot()
	if _, ok := snap.Lookup("schema"); ok {
		t.Error("schema should be gone")
	}
	if got := owner(t, snap, "query"); got != "B" {
		t.Errorf("query owner = %s, want B", got)
	}
	if a.State() != api.SessionReady {
		t.Error("Unregister must not close the session")
	}

	// Later changes on the detached session are ignored.
	v := reg.Snapshot().Version
	a.SetTools("zzz")
	if reg.Snapshot().Version != v {
		t.Error("detached session changed the registry")
	}
}

func TestRegistry_UnregisterIgnoresSameNamedStranger(t *testing.T) {
	reg := New()
	_ = reg.Register(toolstest.NewSession("A", "query"))
	if reg.Unregister(toolstest.NewSession("A", "query")) {
		t.Fatal("Unregister removed a different session with the same name")
	}
}

func TestRegistry_RegisterErrors(t *testing.T) {
	reg := New()
	_ = reg.Register(toolstest.NewSession("A", "query"))

	if err := reg.Register(toolstest.NewSession("A", "x")); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("duplicate: err = %v, want ErrDuplicateSession", err)
	}

	closed := toolstest.NewSession("C", "x")
	_ = closed.Close()
	if err := reg.Register(closed); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("closed: err = %v, want ErrSessionClosed", err)
	}
}

// refreshingSession re-discovers its tools while the registry attaches its
// observer.
type refreshingSession struct {
	*toolstest.FakeSession
	next []string
}

func (s *refreshingSession) Observe(o tools.SessionObserver) {
	s.SetTools(s.next...)
	s.FakeSession.Observe(o)
}

func TestRegistry_ChangeDuringRegisterIsPublished(t *testing.T) {
	reg := New()
	s := &refreshingSession{FakeSession: toolstest.NewSession("sql", "query"), next: []string{"query", "schema"}}
	if err := reg.Register(s); err != nil {
		t.Fatal(err)
	}

	names := reg.Snapshot().Names()
	if !slices.Equal(names, []string{"query", "schema"}) {
		t.Errorf("snapshot names = %v, want [query schema]", names)
	}
}

func TestRegistry_DegradedKeepsDescriptors(t *testing.T) {
	reg := New()
	a := toolstest.NewSession("A", "query")
	_ = reg.Register(a)
	before := reg.Snapshot()

	a.SetState(api.SessionDegraded)
	after := reg.Snapshot()

	if after.Version != before.Version {
		t.Errorf("a health change should not publish a new snapshot (v%d -> v%d)", before.Version, after.Version)
	}
	e, ok := after.Lookup("query")
	if !ok {
		t.Fatal("degraded session must keep its last-known descriptors")
	}
	if e.Session.State() != api.SessionDegraded {
		t.Errorf("entry state = %s, want degraded", e.Session.State())
	}
}

func TestRegistry_Events(t *testing.T) {
	reg := New()
	var mu sync.Mutex
	var events []Event
	reg.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	a := toolstest.NewSession("A", "query")
	_ = reg.Register(a)
	a.SetTools("query", "schema")
	a.SetTools("query", "schema") // unchanged, no event
	_ = a.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventSessionRegistered, EventToolsChanged, EventSessionRemoved}
	if len(events) != len(want) {
		t.Fatalf("got %d events (%+v), want %d", len(events), events, len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] || ev.Session != "A" {
			t.Errorf("event %d = %+v, want %s for A", i, ev, want[i])
		}
		if i > 0 && ev.Version <= events[i-1].Version {
			t.Errorf("event versions not increasing: %+v", events)
		}
	}
}

func TestRegistry_CloseClosesSessions(t *testing.T) {
	reg := New()
	a := toolstest.NewSession("A", "query")
	b := toolstest.NewSession("B", "report")
	_ = reg.Register(a)
	_ = reg.Register(b)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if a.State() != api.SessionClosed || b.State() != api.SessionClosed {
		t.Error("Close should close every session")
	}
	if reg.Snapshot().Len() != 0 || len(reg.Sessions()) != 0 {
		t.Error("registry should be empty after Close")
	}
}

func TestRegistry_Gauges(t *testing.T) {
	reg := New()
	_ = reg.Register(toolstest.NewSession("A", "query", "schema"))
	_ = reg.Register(toolstest.NewSession("B", "query"))

	if got := testutil.ToFloat64(observability.RegistryTools); got != 2 {
		t.Errorf("registry tools gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(observability.RegistryShadowedTools); got != 1 {
		t.Errorf("shadowed tools gauge = %v, want 1", got)
	}
}

func TestRegistry_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Every session advertises exactly two tools, so a consistent snapshot
	// always has an even number of entries.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := reg.Snapshot()
				if snap.Len()%2 != 0 {
					t.Errorf("partial snapshot v%d with %d tools", snap.Version, snap.Len())
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		s := toolstest.NewSession(fmt.Sprintf("s%d", i), fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i))
		if err := reg.Register(s); err != nil {
			t.Fatal(err)
		}
		if i%2 == 0 {
			reg.Unregister(s)
		}
	}
	close(stop)
	wg.Wait()

	if got := reg.Snapshot().Len(); got != 200 {
		t.Errorf("final snapshot has %d tools, want 200", got)
	}
}
