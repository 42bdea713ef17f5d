// Package registry aggregates the tool lists of all live sessions into one
// namespace.
//
// Readers never see a partially updated registry: every change builds a new
// immutable Snapshot and publishes it atomically. Name collisions are
// resolved first-registered-wins by registration order; the losing
// descriptors are kept as shadowed entries and become visible again when the
// winner's session goes away or stops advertising the name.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/debug"
	"github.com/rhuss/toolmux/pkg/observability"
	"github.com/rhuss/toolmux/pkg/tools"
)

var (
	// ErrDuplicateSession is returned when a session with the same name is
	// already registered.
	ErrDuplicateSession = errors.New("session already registered")

	// ErrSessionClosed is returned when registering a session that has
	// already reached the Closed state.
	ErrSessionClosed = errors.New("session is closed")
)

// EventType identifies a registry change.
type EventType string

const (
	EventSessionRegistered EventType = "session_registered"
	EventSessionRemoved    EventType = "session_removed"
	EventToolsChanged      EventType = "tools_changed"
)

// Event describes one published change. Version is the snapshot version the
// change produced.
type Event struct {
	Type    EventType
	Session string
	Version uint64
}

// member is a registered session together with the descriptors that went
// into the current snapshot.
type member struct {
	session tools.ToolSession
	seq     uint64
	descs   []api.ToolDescriptor
}

// Registry is the Capability Registry. The zero value is not usable; create
// one with New.
type Registry struct {
	mu      sync.Mutex
	members []*member // registration order
	byName  map[string]*member
	seq     uint64
	version uint64

	current atomic.Pointer[Snapshot]

	subMu       sync.Mutex
	subscribers []func(Event)

	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry whose first snapshot has version 0.
func New(opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]*member),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.current.Store(emptySnapshot())
	return r
}

// Register adds s. Its descriptors become visible in the next snapshot,
// behind any same-named descriptors of sessions registered earlier.
func (r *Registry) Register(s tools.ToolSession) error {
	if s.State() == api.SessionClosed {
		return fmt.Errorf("registering %q: %w", s.Name(), ErrSessionClosed)
	}

	r.mu.Lock()
	if _, ok := r.byName[s.Name()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("registering %q: %w", s.Name(), ErrDuplicateSession)
	}
	r.seq++
	m := &member{session: s, seq: r.seq}
	r.members = append(r.members, m)
	r.byName[s.Name()] = m
	ev := r.publishLocked(EventSessionRegistered, s.Name())
	r.mu.Unlock()

	r.logger.Info("session registered", "server", s.Name(), "tools", len(m.descs), "version", ev.Version)
	r.emit(ev)

	s.Observe(tools.ObserverFunc(func(tools.ToolSession) { r.sessionChanged(m) }))

	// Changes between publishing and attaching the observer were not seen.
	r.sessionChanged(m)
	return nil
}

// Unregister removes s and all of its descriptors in one update. It reports
// whether s was registered. The session is not closed.
func (r *Registry) Unregister(s tools.ToolSession) bool {
	r.mu.Lock()
	m, ok := r.byName[s.Name()]
	if !ok || m.session != s {
		r.mu.Unlock()
		return false
	}
	ev := r.removeLocked(m)
	r.mu.Unlock()

	r.logger.Info("session removed", "server", s.Name(), "version", ev.Version)
	r.emit(ev)
	return true
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Sessions returns the registered sessions in registration order.
func (r *Registry) Sessions() []tools.ToolSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tools.ToolSession, len(r.members))
	for i, m := range r.members {
		out[i] = m.session
	}
	return out
}

// Session returns the registered session called name.
func (r *Registry) Session(name string) (tools.ToolSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return m.session, true
}

// Subscribe registers fn to receive every subsequent change event. fn runs
// on the goroutine that caused the change and must not call back into the
// registry's write methods.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()
}

// Close unregisters every session and closes those that implement
// io.Closer. The registry stays usable.
func (r *Registry) Close() error {
	r.mu.Lock()
	members := slices.Clone(r.members)
	var events []Event
	for _, m := range members {
		events = append(events, r.removeLocked(m))
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.emit(ev)
	}

	var errs []error
	for _, m := range members {
		if c, ok := m.session.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %q: %w", m.session.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// sessionChanged reacts to a state or descriptor change reported by a
// member's session.
func (r *Registry) sessionChanged(m *member) {
	r.mu.Lock()
	if r.byName[m.session.Name()] != m {
		r.mu.Unlock()
		return
	}

	if m.session.State() == api.SessionClosed {
		ev := r.removeLocked(m)
		r.mu.Unlock()
		r.logger.Info("session closed, descriptors removed", "server", m.session.Name(), "version", ev.Version)
		r.emit(ev)
		return
	}

	// Ready and Degraded changes keep the last-known descriptors, so only a
	// different tool set produces a new snapshot.
	if sameDescriptors(m.descs, m.session.Descriptors()) {
		r.mu.Unlock()
		return
	}
	ev := r.publishLocked(EventToolsChanged, m.session.Name())
	r.mu.Unlock()

	debug.Log("registry", "tools changed", "server", m.session.Name(), "version", ev.Version)
	r.emit(ev)
}

func (r *Registry) removeLocked(m *member) Event {
	delete(r.byName, m.session.Name())
	r.members = slices.DeleteFunc(r.members, func(x *member) bool { return x == m })
	return r.publishLocked(EventSessionRemoved, m.session.Name())
}

// publishLocked rebuilds the snapshot from the current members and stores it.
// r.mu must be held.
func (r *Registry) publishLocked(typ EventType, session string) Event {
	prev := r.current.Load()
	r.version++

	snap := &Snapshot{
		Version:  r.version,
		TakenAt:  time.Now(),
		entries:  make(map[string]Entry),
		shadowed: make(map[string][]Entry),
	}
	for _, m := range r.members {
		if m.session.State() == api.SessionClosed {
			m.descs = nil
			continue
		}
		m.descs = m.session.Descriptors()
		for _, d := range m.descs {
			e := Entry{Session: m.session, Descriptor: d}
			if _, taken := snap.entries[d.Name]; taken {
				snap.shadowed[d.Name] = append(snap.shadowed[d.Name], e)
				continue
			}
			snap.entries[d.Name] = e
			snap.names = append(snap.names, d.Name)
		}
	}
	slices.Sort(snap.names)

	r.logNewShadows(prev, snap)
	r.current.Store(snap)

	observability.RegistryTools.Set(float64(len(snap.entries)))
	observability.RegistryShadowedTools.Set(float64(snap.ShadowedCount()))

	return Event{Type: typ, Session: session, Version: snap.Version}
}

func (r *Registry) logNewShadows(prev, next *Snapshot) {
	for name, losers := range next.shadowed {
		for _, l := range losers {
			if prev.isShadowed(name, l.Session.Name()) {
				continue
			}
			r.logger.Warn("tool name collision, keeping first registered session",
				"tool", name,
				"winner", next.entries[name].Session.Name(),
				"shadowed", l.Session.Name(),
			)
		}
	}
}

func (r *Registry) emit(ev Event) {
	r.subMu.Lock()
	subs := slices.Clone(r.subscribers)
	r.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func sameDescriptors(a, b []api.ToolDescriptor) bool {
	return slices.EqualFunc(a, b, func(x, y api.ToolDescriptor) bool {
		return x.Name == y.Name &&
			x.Server == y.Server &&
			x.Description == y.Description &&
			string(x.InputSchema) == string(y.InputSchema) &&
			string(x.OutputSchema) == string(y.OutputSchema)
	})
}
