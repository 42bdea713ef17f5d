package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/debug"
	"github.com/rhuss/toolmux/pkg/observability"
	"github.com/rhuss/toolmux/pkg/tools"
)

// ClientName and ClientVersion identify toolmux during the protocol handshake.
var (
	ClientName    = "toolmux"
	ClientVersion = "dev"
)

// Session is one connection to a tool server. It owns its transport, runs
// the discovery handshake, tracks the advertised tools, and moves through
// Connecting -> Ready <-> Degraded -> Closed. A session never reconnects on
// its own; whoever created it decides whether to build a new one.
type Session struct {
	cfg       ServerConfig
	opts      SessionOptions
	logger    *slog.Logger
	transport mcp.Transport
	now       func() time.Time

	mu          sync.RWMutex
	state       api.SessionState
	cs          *mcp.ClientSession
	tools       []api.ToolDescriptor
	lastContact time.Time
	failures    int
	fault       error
	closing     bool

	// streams maps a progress token (the correlation id) to its chunk sink.
	streamsMu sync.Mutex
	streams   map[string]tools.ChunkFunc

	obsMu     sync.Mutex
	observers []tools.SessionObserver

	// refreshMu serializes re-discovery so two refreshes cannot interleave
	// their replacements.
	refreshMu sync.Mutex

	done chan struct{}
}

var _ tools.ToolSession = (*Session)(nil)

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithTransport makes the session use t instead of building one from the
// server config. Tests use it with in-memory transports.
func WithTransport(t mcp.Transport) SessionOption {
	return func(s *Session) { s.transport = t }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithSessionOptions overrides the timeouts and thresholds.
func WithSessionOptions(o SessionOptions) SessionOption {
	return func(s *Session) { s.opts = o }
}

// NewSession creates a session in the Connecting state. Call Connect to run
// the handshake.
func NewSession(cfg ServerConfig, opts ...SessionOption) *Session {
	s := &Session{
		cfg:     cfg,
		opts:    DefaultSessionOptions(),
		state:   api.SessionConnecting,
		streams: make(map[string]tools.ChunkFunc),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("server", cfg.Name)
	observability.SetSessionState(cfg.Name, string(api.SessionConnecting))
	return s
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.cfg.Name }

// Config returns the server configuration the session was built from.
func (s *Session) Config() ServerConfig { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() api.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Descriptors returns the last discovered tools, sorted by name.
func (s *Session) Descriptors() []api.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

// LastContact returns the time of the last successful exchange with the server.
func (s *Session) LastContact() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastContact
}

// Done is closed once the session has reached Closed and its observers
// have been notified.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fault that closed the session, or nil for an explicit Close
// or a session that is still open.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault
}

// Info returns a summary for status endpoints.
func (s *Session) Info() api.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := api.SessionInfo{
		Name:      s.cfg.Name,
		Endpoint:  s.cfg.Endpoint(),
		Transport: s.cfg.TransportName(),
		State:     s.state,
		Tools:     len(s.tools),
	}
	if !s.lastContact.IsZero() {
		lc := s.lastContact
		info.LastContact = &lc
	}
	if s.fault != nil {
		info.Error = s.fault.Error()
	}
	return info
}

// Observe registers o for change notifications.
func (s *Session) Observe(o tools.SessionObserver) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Connect opens the transport and runs the handshake: protocol
// initialization followed by tools/list. Both must finish within the
// handshake timeout. On failure the session is Closed and the returned error
// is a *SessionFault.
func (s *Session) Connect(ctx context.Context) error {
	if st := s.State(); st != api.SessionConnecting {
		return fmt.Errorf("server %q: connect called in state %s", s.cfg.Name, st)
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	transport := s.transport
	if transport == nil {
		t, err := OpenTransport(s.cfg)
		if err != nil {
			return s.fail(api.FailureTransport, err)
		}
		transport = t
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: ClientName, Version: ClientVersion},
		&mcp.ClientOptions{
			Capabilities:                &mcp.ClientCapabilities{},
			ToolListChangedHandler:      s.onToolListChanged,
			ProgressNotificationHandler: s.onProgress,
			KeepAlive:                   s.opts.KeepAlive,
		},
	)

	debug.Log("mcp", "connecting", "server", s.cfg.Name, "transport", s.cfg.TransportName(), "endpoint", s.cfg.Endpoint())

	cs, err := client.Connect(hctx, transport, nil)
	if err != nil {
		return s.fail(classifyHandshake(hctx, err), fmt.Errorf("connecting: %w", err))
	}

	descs, err := s.discover(hctx, cs)
	if err != nil {
		_ = cs.Close()
		return s.fail(classifyHandshake(hctx, err), err)
	}

	s.mu.Lock()
	if s.state != api.SessionConnecting {
		// Closed while the handshake was running.
		s.mu.Unlock()
		_ = cs.Close()
		return &SessionFault{Server: s.cfg.Name, Kind: api.FailureCancelled, Err: ErrNotReady}
	}
	s.cs = cs
	s.tools = descs
	s.lastContact = s.now()
	s.state = api.SessionReady
	s.mu.Unlock()

	go s.watch(cs)

	s.logger.Info("tool server session ready", "tools", len(descs), "transport", s.cfg.TransportName())
	observability.SetSessionState(s.cfg.Name, string(api.SessionReady))
	s.notify()
	return nil
}

// discover lists the server's tools and converts them to descriptors.
// Duplicate names from one server keep the first occurrence.
func (s *Session) discover(ctx context.Context, cs *mcp.ClientSession) ([]api.ToolDescriptor, error) {
	seen := make(map[string]bool)
	var descs []api.ToolDescriptor
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools: %w", err)
		}
		if seen[tool.Name] {
			s.logger.Warn("server advertised a tool name twice, keeping the first", "tool", tool.Name)
			observability.Anomaly("duplicate_tool")
			continue
		}
		d, err := convertTool(s.cfg.Name, tool)
		if err != nil {
			return nil, fmt.Errorf("converting tool %q: %w", tool.Name, err)
		}
		seen[tool.Name] = true
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

// Refresh re-runs discovery and replaces the descriptor set in one step.
// Observers see either the old set or the new one, never a mix.
func (s *Session) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	state, cs := s.state, s.cs
	s.mu.RUnlock()
	if cs == nil || state == api.SessionClosed || state == api.SessionConnecting {
		return fmt.Errorf("server %q: refresh: %w", s.cfg.Name, ErrNotReady)
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	descs, err := s.discover(rctx, cs)
	if err != nil {
		s.recordFailure(classifyCallError(rctx, err))
		return fmt.Errorf("server %q: refresh: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	if s.state == api.SessionClosed {
		s.mu.Unlock()
		return fmt.Errorf("server %q: refresh: %w", s.cfg.Name, ErrNotReady)
	}
	s.tools = descs
	s.mu.Unlock()

	s.recordSuccess()
	debug.Log("mcp", "tools refreshed", "server", s.cfg.Name, "tools", len(descs))
	s.notify()
	return nil
}

// Probe pings the server. A failed probe degrades a Ready session; a
// successful one restores a Degraded session.
func (s *Session) Probe(ctx context.Context) error {
	s.mu.RLock()
	state, cs := s.state, s.cs
	s.mu.RUnlock()
	if cs == nil || state == api.SessionClosed || state == api.SessionConnecting {
		return fmt.Errorf("server %q: probe: %w", s.cfg.Name, ErrNotReady)
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	if err := cs.Ping(pctx, nil); err != nil {
		s.degrade(fmt.Errorf("health probe failed: %w", err))
		return fmt.Errorf("server %q: probe: %w", s.cfg.Name, err)
	}
	s.recordSuccess()
	return nil
}

// Call forwards one invocation. Chunks streamed by the server for this
// correlation id are handed to onChunk as they arrive.
func (s *Session) Call(ctx context.Context, call tools.SessionCall, onChunk tools.ChunkFunc) (*api.ToolOutput, error) {
	s.mu.RLock()
	state, cs := s.state, s.cs
	s.mu.RUnlock()
	if state != api.SessionReady {
		return nil, api.NewFailure(api.FailureSessionUnavailable, "server %q is %s", s.cfg.Name, state)
	}

	params := &mcp.CallToolParams{Name: call.Tool, Arguments: json.RawMessage("{}")}
	if len(call.Arguments) > 0 {
		params.Arguments = call.Arguments
	}
	if call.CorrelationID != "" {
		params.SetProgressToken(call.CorrelationID)
		if onChunk != nil {
			s.addStream(call.CorrelationID, onChunk)
			defer s.removeStream(call.CorrelationID)
		}
	}

	debug.Log("mcp", "calling tool", "server", s.cfg.Name, "tool", call.Tool, "correlation_id", call.CorrelationID)

	result, err := cs.CallTool(ctx, params)
	if err != nil {
		f := classifyCallError(ctx, err)
		if !(call.CallerDeadline && f.Kind == api.FailureTimeout) {
			s.recordFailure(f)
		}
		return nil, f
	}
	if result == nil {
		s.logger.Warn("tool server returned an empty result", "tool", call.Tool, "correlation_id", call.CorrelationID)
		observability.Anomaly("empty_result")
		return nil, api.NewFailure(api.FailureProtocolViolation, "server %q returned no result for %q", s.cfg.Name, call.Tool)
	}
	s.recordSuccess()

	out, err := convertResult(result)
	if err != nil {
		return nil, api.WrapFailure(api.FailureProtocolViolation, err)
	}
	if result.IsError {
		msg := out.Text
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, api.NewFailure(api.FailureToolError, "%s", msg)
	}
	return out, nil
}

// Close shuts the session down. It is safe to call more than once and from
// any state, including while Connect is running.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == api.SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	cs := s.cs
	s.mu.Unlock()

	var err error
	if cs != nil {
		err = cs.Close()
	}
	s.finish(nil)
	return err
}

// watch waits for the connection to end and closes the session. Transport
// closure is reported as a fault unless Close was requested.
func (s *Session) watch(cs *mcp.ClientSession) {
	err := cs.Wait()

	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		s.finish(nil)
		return
	}

	if err == nil {
		err = mcp.ErrConnectionClosed
	}
	s.finish(&SessionFault{Server: s.cfg.Name, Kind: api.FailureTransport, Err: err})
}

// fail closes a session whose handshake failed and returns the fault.
func (s *Session) fail(kind api.FailureKind, err error) error {
	fault := &SessionFault{Server: s.cfg.Name, Kind: kind, Err: err}
	s.finish(fault)
	return fault
}

// finish moves the session to Closed exactly once.
func (s *Session) finish(fault error) {
	s.mu.Lock()
	if s.state == api.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = api.SessionClosed
	s.fault = fault
	s.mu.Unlock()

	observability.SetSessionState(s.cfg.Name, string(api.SessionClosed))
	if fault != nil {
		s.logger.Error("tool server session closed", "error", fault)
	} else {
		s.logger.Info("tool server session closed")
	}
	// Observers see Closed before Done fires.
	s.notify()
	close(s.done)
}

// recordSuccess resets the failure count, refreshes last contact, and
// restores a Degraded session.
func (s *Session) recordSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.lastContact = s.now()
	restored := s.transition(api.SessionReady)
	s.mu.Unlock()

	if restored {
		s.logger.Info("tool server session recovered")
		observability.SetSessionState(s.cfg.Name, string(api.SessionReady))
		s.notify()
	}
}

// recordFailure counts failures that reflect on the server's reachability
// and degrades the session once the threshold is reached.
func (s *Session) recordFailure(f *api.Failure) {
	if f == nil || !countsAgainstHealth(f.Kind) {
		if f != nil && f.Kind == api.FailureToolError {
			// The server answered, so it is reachable.
			s.mu.Lock()
			s.failures = 0
			s.lastContact = s.now()
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	s.failures++
	over := s.opts.FailureThreshold > 0 && s.failures >= s.opts.FailureThreshold
	n := s.failures
	s.mu.Unlock()

	if over {
		s.degrade(fmt.Errorf("%d consecutive invocation failures, last: %w", n, f))
	}
}

func (s *Session) degrade(reason error) {
	s.mu.Lock()
	changed := s.transition(api.SessionDegraded)
	s.mu.Unlock()

	if changed {
		s.logger.Warn("tool server session degraded", "reason", reason)
		observability.SetSessionState(s.cfg.Name, string(api.SessionDegraded))
		s.notify()
	}
}

// transition changes state when the move is allowed and is not a no-op.
// Callers hold s.mu.
func (s *Session) transition(to api.SessionState) bool {
	if s.state == to || !api.ValidSessionTransition(s.state, to) {
		return false
	}
	// Only Ready and Degraded flip between each other here; Connecting and
	// Closed are owned by Connect and finish.
	if to == api.SessionReady && s.state != api.SessionDegraded {
		return false
	}
	s.state = to
	return true
}

func (s *Session) notify() {
	s.obsMu.Lock()
	observers := make([]tools.SessionObserver, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()

	for _, o := range observers {
		o.SessionChanged(s)
	}
}

func (s *Session) addStream(token string, fn tools.ChunkFunc) {
	s.streamsMu.Lock()
	s.streams[token] = fn
	s.streamsMu.Unlock()
}

func (s *Session) removeStream(token string) {
	s.streamsMu.Lock()
	delete(s.streams, token)
	s.streamsMu.Unlock()
}

// onProgress routes a progress notification to the invocation whose
// correlation id matches the token.
func (s *Session) onProgress(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
	token, _ := req.Params.ProgressToken.(string)

	s.streamsMu.Lock()
	fn := s.streams[token]
	s.streamsMu.Unlock()

	if fn == nil {
		s.logger.Warn("discarding progress for unknown invocation", "correlation_id", token)
		observability.Anomaly("unknown_progress_token")
		return
	}

	s.mu.Lock()
	s.lastContact = s.now()
	s.mu.Unlock()

	fn(api.Chunk{
		Progress: req.Params.Progress,
		Total:    req.Params.Total,
		Message:  req.Params.Message,
	})
}

// onToolListChanged re-runs discovery when the server announces a change.
// The refresh runs on its own goroutine so the notification handler returns
// immediately.
func (s *Session) onToolListChanged(_ context.Context, _ *mcp.ToolListChangedRequest) {
	if st := s.State(); st == api.SessionConnecting || st == api.SessionClosed {
		return
	}
	go func() {
		if err := s.Refresh(context.Background()); err != nil {
			s.logger.Warn("re-discovery after tools/list_changed failed", "error", err)
		}
	}()
}
