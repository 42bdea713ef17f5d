package registry

import (
	"time"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/tools"
)

// Entry resolves a tool name to its owning session and descriptor.
type Entry struct {
	Session    tools.ToolSession
	Descriptor api.ToolDescriptor
}

// Snapshot is an immutable point-in-time view of the registry. A snapshot
// taken before a re-discovery keeps resolving names the way it did when it
// was taken.
type Snapshot struct {
	Version uint64
	TakenAt time.Time

	entries  map[string]Entry
	shadowed map[string][]Entry
	names    []string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		TakenAt:  time.Now(),
		entries:  map[string]Entry{},
		shadowed: map[string][]Entry{},
	}
}

// Lookup resolves name to the visible owner.
func (s *Snapshot) Lookup(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Entries returns the visible entries sorted by tool name.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.names))
	for i, n := range s.names {
		out[i] = s.entries[n]
	}
	return out
}

// Names returns the visible tool names, sorted.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Shadowed returns the hidden entries for name in registration order.
func (s *Snapshot) Shadowed(name string) []Entry {
	src := s.shadowed[name]
	if len(src) == 0 {
		return nil
	}
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// ShadowedCount returns the total number of hidden descriptors.
func (s *Snapshot) ShadowedCount() int {
	n := 0
	for _, l := range s.shadowed {
		n += len(l)
	}
	return n
}

// Len returns the number of visible tools.
func (s *Snapshot) Len() int { return len(s.entries) }

func (s *Snapshot) isShadowed(name, server string) bool {
	for _, e := range s.shadowed[name] {
		if e.Session.Name() == server {
			return true
		}
	}
	return false
}
