// Package supervisor owns the lifecycle of tool server sessions. It connects
// the configured servers, registers Ready sessions with the registry, builds
// a replacement session when one closes, and runs the periodic health probes
// and re-discovery.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/observability"
	toolmcp "github.com/rhuss/toolmux/pkg/tools/mcp"
	"github.com/rhuss/toolmux/pkg/tools/registry"
)

// ErrUnknownServer is returned for operations on a server name the
// supervisor does not manage.
var ErrUnknownServer = errors.New("unknown server")

// ErrDuplicateServer is returned by Add for a name already managed.
var ErrDuplicateServer = errors.New("server already configured")

// ReconnectPolicy bounds how a closed session is replaced.
type ReconnectPolicy struct {
	// InitialInterval is the delay before the first attempt.
	InitialInterval time.Duration
	// MaxInterval caps the exponential delay.
	MaxInterval time.Duration
	// MaxAttempts is the number of attempts before giving up. Zero disables
	// reconnection.
	MaxAttempts int
}

// Config holds the supervisor settings.
type Config struct {
	Servers []toolmcp.ServerConfig
	Session toolmcp.SessionOptions

	// ProbeInterval and RefreshInterval schedule health probes and
	// re-discovery. Zero disables the schedule.
	ProbeInterval   time.Duration
	RefreshInterval time.Duration

	Reconnect ReconnectPolicy
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     10,
	}
}

// SessionFactory builds an unconnected session for cfg.
type SessionFactory func(cfg toolmcp.ServerConfig) *toolmcp.Session

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithSessionFactory replaces the default session constructor.
func WithSessionFactory(f SessionFactory) Option {
	return func(s *Supervisor) { s.factory = f }
}

// managed is the supervisor's record of one configured server.
type managed struct {
	cfg     toolmcp.ServerConfig
	session *toolmcp.Session
	lastErr error
	removed bool
	cancel  context.CancelFunc
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	reg     *registry.Registry
	cfg     Config
	factory SessionFactory
	logger  *slog.Logger
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	servers map[string]*managed
	stopped bool
}

// New creates a Supervisor that registers sessions with reg.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		reg:     reg,
		cfg:     cfg,
		servers: make(map[string]*managed),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.factory == nil {
		s.factory = func(c toolmcp.ServerConfig) *toolmcp.Session {
			return toolmcp.NewSession(c,
				toolmcp.WithSessionOptions(s.cfg.Session),
				toolmcp.WithLogger(s.logger))
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	return s
}

// Start connects every configured server concurrently and starts the probe
// and refresh schedules. Servers that fail their first handshake are retried
// in the background according to the reconnect policy; Start does not fail
// because of them.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.schedule(); err != nil {
		return err
	}

	ms := make([]*managed, 0, len(s.cfg.Servers))
	s.mu.Lock()
	for _, cfg := range s.cfg.Servers {
		if _, dup := s.servers[cfg.Name]; dup {
			s.mu.Unlock()
			return fmt.Errorf("server %q: %w", cfg.Name, ErrDuplicateServer)
		}
		m := &managed{cfg: cfg}
		s.servers[cfg.Name] = m
		ms = append(ms, m)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range ms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.connect(ctx, m); err != nil {
				s.logger.Warn("tool server unavailable at startup", "server", m.cfg.Name, "error", err)
				s.startReconnect(m)
			}
		}()
	}
	wg.Wait()

	s.cron.Start()
	s.logger.Info("session supervisor started", "servers", len(s.cfg.Servers))
	return nil
}

func (s *Supervisor) schedule() error {
	if s.cfg.ProbeInterval > 0 {
		if _, err := s.cron.AddFunc("@every "+s.cfg.ProbeInterval.String(), s.probeAll); err != nil {
			return fmt.Errorf("scheduling health probes: %w", err)
		}
	}
	if s.cfg.RefreshInterval > 0 {
		if _, err := s.cron.AddFunc("@every "+s.cfg.RefreshInterval.String(), s.refreshAll); err != nil {
			return fmt.Errorf("scheduling re-discovery: %w", err)
		}
	}
	return nil
}

// connect builds, connects, and registers one session for m.
func (s *Supervisor) connect(ctx context.Context, m *managed) error {
	sess := s.factory(m.cfg)
	if err := sess.Connect(ctx); err != nil {
		s.setError(m, err)
		return err
	}

	s.mu.Lock()
	if m.removed || s.stopped {
		s.mu.Unlock()
		_ = sess.Close()
		return fmt.Errorf("server %q: %w", m.cfg.Name, ErrUnknownServer)
	}
	m.session = sess
	m.lastErr = nil
	s.mu.Unlock()

	if err := s.reg.Register(sess); err != nil {
		_ = sess.Close()
		s.setError(m, err)
		return err
	}

	s.wg.Add(1)
	go s.watch(m, sess)
	return nil
}

func (s *Supervisor) setError(m *managed, err error) {
	s.mu.Lock()
	m.lastErr = err
	s.mu.Unlock()
}

// watch waits for sess to close and starts a replacement unless the close
// was requested.
func (s *Supervisor) watch(m *managed, sess *toolmcp.Session) {
	defer s.wg.Done()

	select {
	case <-sess.Done():
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	done := m.removed || s.stopped || m.session != sess
	if !done {
		m.lastErr = sess.Err()
	}
	s.mu.Unlock()
	if done || s.ctx.Err() != nil {
		return
	}

	s.logger.Warn("tool server session closed", "server", m.cfg.Name, "error", sess.Err())
	s.startReconnect(m)
}

func (s *Supervisor) startReconnect(m *managed) {
	policy := s.cfg.Reconnect
	if policy.MaxAttempts <= 0 {
		return
	}

	s.mu.Lock()
	if m.removed || s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	m.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.reconnect(ctx, m, policy)
	}()
}

func (s *Supervisor) reconnect(ctx context.Context, m *managed, policy ReconnectPolicy) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	if policy.MaxInterval > 0 {
		eb.MaxInterval = policy.MaxInterval
	}
	eb.MaxElapsedTime = 0

	// The first try happens immediately; MaxAttempts counts it.
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(policy.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := s.connect(ctx, m)
		switch {
		case err == nil:
			observability.SessionReconnectsTotal.WithLabelValues(m.cfg.Name, "success").Inc()
			return nil
		case errors.Is(err, ErrUnknownServer), errors.Is(err, registry.ErrDuplicateSession):
			return backoff.Permanent(err)
		default:
			observability.SessionReconnectsTotal.WithLabelValues(m.cfg.Name, "failure").Inc()
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("reconnect attempt failed", "server", m.cfg.Name, "attempt", attempt, "retry_in", wait, "error", err)
	}

	if policy.InitialInterval > 0 {
		t := time.NewTimer(policy.InitialInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.SessionReconnectsTotal.WithLabelValues(m.cfg.Name, "exhausted").Inc()
		s.logger.Error("giving up on tool server", "server", m.cfg.Name, "attempts", attempt, "error", err)
		return
	}
	s.logger.Info("tool server reconnected", "server", m.cfg.Name, "attempts", attempt)
}

// Add starts managing a new server. The first handshake runs synchronously;
// if it fails the server is not kept and the fault is returned.
func (s *Supervisor) Add(ctx context.Context, cfg toolmcp.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m := &managed{cfg: cfg}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("supervisor stopped")
	}
	if _, dup := s.servers[cfg.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("server %q: %w", cfg.Name, ErrDuplicateServer)
	}
	s.servers[cfg.Name] = m
	s.mu.Unlock()

	if err := s.connect(ctx, m); err != nil {
		s.mu.Lock()
		delete(s.servers, cfg.Name)
		s.mu.Unlock()
		return err
	}
	s.logger.Info("tool server added", "server", cfg.Name)
	return nil
}

// Remove stops managing name: pending reconnects are cancelled and the
// session is unregistered and closed.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	m, ok := s.servers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("server %q: %w", name, ErrUnknownServer)
	}
	m.removed = true
	delete(s.servers, name)
	sess, cancel := m.session, m.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		s.reg.Unregister(sess)
		_ = sess.Close()
	}
	s.logger.Info("tool server removed", "server", name)
	return nil
}

// Refresh re-runs discovery on the named server.
func (s *Supervisor) Refresh(ctx context.Context, name string) error {
	sess, err := s.session(name)
	if err != nil {
		return err
	}
	return sess.Refresh(ctx)
}

// Probe pings the named server.
func (s *Supervisor) Probe(ctx context.Context, name string) error {
	sess, err := s.session(name)
	if err != nil {
		return err
	}
	return sess.Probe(ctx)
}

func (s *Supervisor) session(name string) (*toolmcp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.servers[name]
	if !ok {
		return nil, fmt.Errorf("server %q: %w", name, ErrUnknownServer)
	}
	if m.session == nil {
		return nil, fmt.Errorf("server %q: %w", name, toolmcp.ErrNotReady)
	}
	return m.session, nil
}

// Sessions summarizes every managed server, sorted by name. A server
// without a live session is reported as Closed with its last error.
func (s *Supervisor) Sessions() []api.SessionInfo {
	s.mu.Lock()
	out := make([]api.SessionInfo, 0, len(s.servers))
	for _, m := range s.servers {
		if m.session != nil && m.session.State() != api.SessionClosed {
			out = append(out, m.session.Info())
			continue
		}
		info := api.SessionInfo{
			Name:      m.cfg.Name,
			Endpoint:  m.cfg.Endpoint(),
			Transport: m.cfg.TransportName(),
			State:     api.SessionClosed,
		}
		if m.lastErr != nil {
			info.Error = m.lastErr.Error()
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether at least one session is Ready.
func (s *Supervisor) Ready() bool {
	for _, sess := range s.live() {
		if sess.State() == api.SessionReady {
			return true
		}
	}
	return false
}

func (s *Supervisor) live() []*toolmcp.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*toolmcp.Session, 0, len(s.servers))
	for _, m := range s.servers {
		if m.session != nil {
			out = append(out, m.session)
		}
	}
	return out
}

func (s *Supervisor) probeAll() {
	for _, sess := range s.live() {
		st := sess.State()
		if st != api.SessionReady && st != api.SessionDegraded {
			continue
		}
		if err := sess.Probe(s.ctx); err != nil {
			s.logger.Warn("health probe failed", "server", sess.Name(), "error", err)
		}
	}
}

func (s *Supervisor) refreshAll() {
	for _, sess := range s.live() {
		if sess.State() == api.SessionClosed {
			continue
		}
		if err := sess.Refresh(s.ctx); err != nil {
			s.logger.Warn("re-discovery failed", "server", sess.Name(), "error", err)
		}
	}
}

// Stop halts the schedules and reconnects, then unregisters and closes
// every session. It waits for running probes until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}

	var errs []error
	for _, sess := range s.live() {
		s.reg.Unregister(sess)
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", sess.Name(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
