// Package dispatch routes invocation requests to the session that owns the
// requested tool and streams the results back.
//
// Every invocation produces a finite result stream: zero or more Partial
// results followed by exactly one terminal Success or Failure, after which
// the channel is closed. Local faults (unknown tool, session not Ready,
// arguments rejected by the input schema) are decided before anything is
// sent to a tool server.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/debug"
	"github.com/rhuss/toolmux/pkg/observability"
	"github.com/rhuss/toolmux/pkg/storage"
	"github.com/rhuss/toolmux/pkg/tools"
	"github.com/rhuss/toolmux/pkg/tools/registry"
	"github.com/rhuss/toolmux/pkg/tools/schema"
)

// DefaultTimeout applies to requests without a deadline.
const DefaultTimeout = 60 * time.Second

// journalTimeout bounds a journal write after the terminal result.
const journalTimeout = 5 * time.Second

const tracerName = "github.com/rhuss/toolmux/pkg/tools/dispatch"

// Resolver supplies registry snapshots.
type Resolver interface {
	Snapshot() *registry.Snapshot
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	resolver       Resolver
	validator      *schema.Validator
	journal        storage.Journal
	tracer         trace.Tracer
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}

	// background journal writes
	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithJournal records every terminal result in j.
func WithJournal(j storage.Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithTracer sets the tracer. The default uses the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDefaultTimeout sets the timeout for requests without a deadline.
func WithDefaultTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.defaultTimeout = t
		}
	}
}

// WithValidator shares a schema validator, and its cache, between
// dispatchers.
func WithValidator(v *schema.Validator) Option {
	return func(d *Dispatcher) { d.validator = v }
}

// New creates a Dispatcher resolving tools through r.
func New(r Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver:       r,
		validator:      schema.NewValidator(),
		tracer:         otel.Tracer(tracerName),
		logger:         slog.Default(),
		defaultTimeout: DefaultTimeout,
		inflight:       make(map[string]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Invoke resolves req against a fresh snapshot. See InvokeSnapshot.
func (d *Dispatcher) Invoke(ctx context.Context, req api.InvocationRequest) <-chan api.InvocationResult {
	return d.InvokeSnapshot(ctx, d.resolver.Snapshot(), req)
}

// InvokeSnapshot resolves req against snap and starts the invocation. The
// returned channel yields the results in arrival order and is closed after
// the terminal result. The caller must drain it or cancel ctx; cancelling
// ctx ends the invocation with Failure(cancelled) without waiting for the
// tool server.
//
// An empty CorrelationID is replaced with a generated one. A correlation id
// that is already in flight is rejected as invalid arguments.
func (d *Dispatcher) InvokeSnapshot(ctx context.Context, snap *registry.Snapshot, req api.InvocationRequest) <-chan api.InvocationResult {
	inv := &invocation{
		id:      req.CorrelationID,
		tool:    req.Tool,
		started: time.Now(),
	}
	if inv.id == "" {
		inv.id = api.NewCorrelationID()
	}

	entry, ok := snap.Lookup(req.Tool)
	if !ok {
		return d.reject(ctx, inv, api.NewFailure(api.FailureUnknownTool, "no tool named %q", req.Tool))
	}
	inv.session = entry.Session
	inv.server = entry.Session.Name()

	if st := entry.Session.State(); st != api.SessionReady {
		return d.reject(ctx, inv, api.NewFailure(api.FailureSessionUnavailable,
			"session %q owning %q is %s", inv.server, req.Tool, st))
	}

	if err := d.validator.Validate(entry.Descriptor, req.Arguments); err != nil {
		var f *api.Failure
		if !errors.As(err, &f) {
			f = api.WrapFailure(api.FailureInvalidArguments, err)
		}
		return d.reject(ctx, inv, f)
	}

	if !d.claim(inv.id) {
		// The journal record for this id belongs to the invocation in flight.
		inv.unjournaled = true
		return d.reject(ctx, inv, api.NewFailure(api.FailureInvalidArguments,
			"correlation id %q is already in flight", inv.id))
	}

	deadline := inv.started.Add(d.defaultTimeout)
	if !req.Deadline.IsZero() {
		inv.callerDeadline = req.Deadline.Before(deadline)
		deadline = req.Deadline
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline)

	spanCtx, span := d.tracer.Start(callCtx, "invoke "+req.Tool,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolmux.tool", req.Tool),
			attribute.String("toolmux.server", inv.server),
			attribute.String("toolmux.correlation_id", inv.id),
		),
	)
	inv.span = span

	observability.InvocationsInFlight.Inc()
	debug.Log("dispatch", "invocation started", "correlation_id", inv.id, "tool", req.Tool, "server", inv.server, "deadline", deadline)

	st := newStream(func(r api.InvocationResult, partials int) {
		cancel()
		d.release(inv.id)
		observability.InvocationsInFlight.Dec()
		d.complete(ctx, inv, r, partials)
	})
	inv.stream = st

	go st.forward(ctx)
	go d.watch(callCtx, inv, deadline)
	go d.call(spanCtx, inv, req)

	return st.out
}

// Wait blocks until pending journal writes have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// InFlight returns the number of invocations without a terminal result.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

type invocation struct {
	id      string
	tool    string
	server  string
	session tools.ToolSession
	started time.Time
	span    trace.Span
	stream  *stream

	callerDeadline bool
	unjournaled    bool
}

func (inv *invocation) tag(r api.InvocationResult) api.InvocationResult {
	r.Tool = inv.tool
	r.Server = inv.server
	return r
}

// call forwards the invocation to the owning session and turns its outcome
// into the terminal result.
func (d *Dispatcher) call(ctx context.Context, inv *invocation, req api.InvocationRequest) {
	out, err := inv.session.Call(ctx, tools.SessionCall{
		CorrelationID:  inv.id,
		Tool:           req.Tool,
		Arguments:      req.Arguments,
		CallerDeadline: inv.callerDeadline,
	}, func(c api.Chunk) {
		if inv.stream.partial(inv.tag(api.Partial(inv.id, c))) {
			observability.PartialsTotal.WithLabelValues(inv.tool).Inc()
			return
		}
		d.anomaly("partial_after_terminal", inv, "partial result after terminal result discarded")
	})

	var res api.InvocationResult
	switch {
	case err != nil:
		res = api.Failed(inv.id, asFailure(err))
	case out == nil:
		res = api.Failed(inv.id, api.NewFailure(api.FailureProtocolViolation, "session returned no result"))
	default:
		res = api.Success(inv.id, out)
	}

	if inv.stream.finish(inv.tag(res)) {
		return
	}
	// The invocation already ended locally. A context error here is just the
	// session honoring that; anything else is a real late message.
	if k := api.FailureKindOf(err); k == api.FailureTimeout || k == api.FailureCancelled {
		debug.Log("dispatch", "session call unwound after terminal result", "correlation_id", inv.id, "kind", k)
		return
	}
	d.anomaly("result_after_terminal", inv, "terminal result after terminal result discarded")
}

// watch ends the invocation when its deadline passes or the caller cancels.
// Cancelling the call context makes the protocol client send a best-effort
// cancellation to the server; nobody waits for its acknowledgement.
func (d *Dispatcher) watch(ctx context.Context, inv *invocation, deadline time.Time) {
	select {
	case <-inv.stream.done:
	case <-ctx.Done():
		var f *api.Failure
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			f = api.NewFailure(api.FailureTimeout, "no result from %q within %s",
				inv.server, deadline.Sub(inv.started).Round(time.Millisecond))
		} else {
			f = api.NewFailure(api.FailureCancelled, "invocation cancelled by caller")
		}
		inv.stream.finish(inv.tag(api.Failed(inv.id, f)))
	}
}

// reject ends an invocation that never left the process.
func (d *Dispatcher) reject(ctx context.Context, inv *invocation, f *api.Failure) <-chan api.InvocationResult {
	res := inv.tag(api.Failed(inv.id, f))
	debug.Log("dispatch", "invocation rejected locally", "correlation_id", inv.id, "tool", inv.tool, "kind", f.Kind)
	d.complete(ctx, inv, res, 0)
	return resolved(res)
}

// complete records metrics, the span, and the journal entry for a terminal
// result.
func (d *Dispatcher) complete(ctx context.Context, inv *invocation, r api.InvocationResult, partials int) {
	elapsed := time.Since(inv.started)
	outcome := "success"
	if r.Failure != nil {
		outcome = string(r.Failure.Kind)
	}

	observability.InvocationsTotal.WithLabelValues(inv.tool, inv.server, outcome).Inc()
	observability.InvocationDuration.WithLabelValues(inv.tool, inv.server).Observe(elapsed.Seconds())

	if inv.span != nil {
		inv.span.SetAttributes(
			attribute.String("toolmux.outcome", outcome),
			attribute.Int("toolmux.partials", partials),
		)
		if r.Failure != nil {
			inv.span.SetStatus(codes.Error, r.Failure.Message)
		} else {
			inv.span.SetStatus(codes.Ok, "")
		}
		inv.span.End()
	}

	level := slog.LevelInfo
	if r.Failure != nil && !r.Failure.Kind.Local() {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "invocation finished",
		"correlation_id", inv.id,
		"tool", inv.tool,
		"server", inv.server,
		"outcome", outcome,
		"partials", partials,
		"duration", elapsed.Round(time.Millisecond),
	)

	if d.journal == nil || inv.unjournaled {
		return
	}
	rec := &storage.Record{
		CorrelationID: inv.id,
		Tool:          inv.tool,
		Server:        inv.server,
		Status:        string(r.Kind),
		Chunks:        partials,
		StartedAt:     inv.started,
		Duration:      elapsed,
	}
	if r.Failure != nil {
		rec.FailureKind = string(r.Failure.Kind)
		rec.Message = r.Failure.Message
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := d.journal.Append(jctx, rec); err != nil {
			d.logger.Error("journal append failed", "correlation_id", inv.id, "error", err)
		}
	}()
}

func (d *Dispatcher) anomaly(kind string, inv *invocation, msg string) {
	observability.Anomaly(kind)
	d.logger.Warn(msg, "correlation_id", inv.id, "tool", inv.tool, "server", inv.server)
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// asFailure keeps a session's classification and treats anything
// unclassified as a transport failure.
func asFailure(err error) *api.Failure {
	var f *api.Failure
	if errors.As(err, &f) {
		return f
	}
	return api.WrapFailure(api.FailureTransport, fmt.Errorf("session call: %w", err))
}
