// Package toolstest provides an in-memory tools.ToolSession for tests that
// do not need a protocol peer.
package toolstest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/tools"
)

// CallFunc handles a call on a FakeSession.
type CallFunc func(ctx context.Context, call tools.SessionCall, onChunk tools.ChunkFunc) (*api.ToolOutput, error)

// FakeSession is a scriptable tools.ToolSession.
type FakeSession struct {
	name string

	mu        sync.Mutex
	state     api.SessionState
	descs     []api.ToolDescriptor
	observers []tools.SessionObserver
	handler   CallFunc

	calls atomic.Int64
}

var _ tools.ToolSession = (*FakeSession)(nil)

// NewSession returns a Ready session advertising the named tools. Each tool
// accepts any object.
func NewSession(name string, toolNames ...string) *FakeSession {
	s := &FakeSession{name: name, state: api.SessionReady}
	s.descs = Descriptors(name, toolNames...)
	return s
}

// Descriptors builds permissive descriptors owned by server.
func Descriptors(server string, toolNames ...string) []api.ToolDescriptor {
	out := make([]api.ToolDescriptor, len(toolNames))
	for i, n := range toolNames {
		out[i] = api.ToolDescriptor{
			Name:        n,
			Server:      server,
			Description: n + " on " + server,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}
	}
	return out
}

func (s *FakeSession) Name() string { return s.name }

func (s *FakeSession) State() api.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FakeSession) Descriptors() []api.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descs
}

func (s *FakeSession) Observe(o tools.SessionObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Call runs the configured handler, or returns "ok" from a Ready session.
func (s *FakeSession) Call(ctx context.Context, call tools.SessionCall, onChunk tools.ChunkFunc) (*api.ToolOutput, error) {
	s.calls.Add(1)
	s.mu.Lock()
	h, state := s.handler, s.state
	s.mu.Unlock()

	if state != api.SessionReady {
		return nil, api.NewFailure(api.FailureSessionUnavailable, "session %q is %s", s.name, state)
	}
	if h != nil {
		return h(ctx, call, onChunk)
	}
	return &api.ToolOutput{Text: "ok"}, nil
}

// Calls returns how many times Call was invoked.
func (s *FakeSession) Calls() int { return int(s.calls.Load()) }

// Handle installs the call handler.
func (s *FakeSession) Handle(h CallFunc) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SetState changes the state and notifies observers.
func (s *FakeSession) SetState(st api.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify()
}

// SetTools replaces the descriptors wholesale and notifies observers.
func (s *FakeSession) SetTools(toolNames ...string) {
	s.mu.Lock()
	s.descs = Descriptors(s.name, toolNames...)
	s.mu.Unlock()
	s.notify()
}

// SetDescriptors replaces the descriptors wholesale and notifies observers.
func (s *FakeSession) SetDescriptors(descs []api.ToolDescriptor) {
	s.mu.Lock()
	s.descs = descs
	s.mu.Unlock()
	s.notify()
}

// Close moves the session to Closed.
func (s *FakeSession) Close() error {
	s.SetState(api.SessionClosed)
	return nil
}

func (s *FakeSession) notify() {
	s.mu.Lock()
	obs := append([]tools.SessionObserver(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range obs {
		o.SessionChanged(s)
	}
}
