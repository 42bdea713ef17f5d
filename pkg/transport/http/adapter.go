package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/observability"
	"github.com/rhuss/toolmux/pkg/storage"
	"github.com/rhuss/toolmux/pkg/supervisor"
	"github.com/rhuss/toolmux/pkg/transport"
)

// Adapter serves the gateway API over HTTP.
type Adapter struct {
	handler  transport.InvocationHandler
	catalog  transport.Catalog
	journal  storage.Journal // nil when journaling is off
	inflight *transport.InFlightRegistry
	checks   []ReadinessCheck
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
	Validation      api.ValidationConfig
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     10 << 20, // 10 MB
		ShutdownTimeout: 30,
		Validation:      api.DefaultValidationConfig(),
	}
}

// ReadinessCheck is one named dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// invocationBody is the POST /v1/invocations payload.
type invocationBody struct {
	api.InvocationRequest

	// Stream selects server-sent events instead of one JSON body.
	Stream bool `json:"stream,omitempty"`

	// Timeout is a Go duration ("30s") converted to a deadline on arrival.
	Timeout string `json:"timeout,omitempty"`
}

// NewAdapter creates an HTTP adapter. The journal is optional; when nil the
// invocation history endpoints answer 501. Middleware is applied to the
// handler in the given order.
func NewAdapter(handler transport.InvocationHandler, catalog transport.Catalog, journal storage.Journal, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		handler = transport.Chain(middlewares...)(handler)
	}

	a := &Adapter{
		handler:  handler,
		catalog:  catalog,
		journal:  journal,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/invocations", a.handleInvoke)
	a.mux.HandleFunc("GET /v1/invocations", a.handleListInvocations)
	a.mux.HandleFunc("GET /v1/invocations/{id}", a.handleGetInvocation)
	a.mux.HandleFunc("DELETE /v1/invocations/{id}", a.handleCancelInvocation)
	a.mux.HandleFunc("GET /v1/tools", a.handleListTools)
	a.mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	a.mux.HandleFunc("POST /v1/sessions/{name}/refresh", a.handleRefreshSession)
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	a.mux.Handle("GET /metrics", promhttp.Handler())

	return a
}

// AddReadinessCheck registers a dependency for /readyz.
func (a *Adapter) AddReadinessCheck(name string, check func(ctx context.Context) error) {
	a.checks = append(a.checks, ReadinessCheck{Name: name, Check: check})
}

// InFlight returns the registry of running invocations.
func (a *Adapter) InFlight() *transport.InFlightRegistry { return a.inflight }

// Handler returns the http.Handler for this adapter, with request ID
// propagation and request metrics. Wrap it with auth middleware as needed.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(observability.MetricsMiddleware(a.mux))
}

// httpRequestIDMiddleware propagates the X-Request-ID header. A missing
// header gets a fresh id, and the id is echoed on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = transport.NewRequestID()
		}
		r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// handleInvoke handles POST /v1/invocations.
func (a *Adapter) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var body invocationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	req := body.InvocationRequest
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			transport.WriteAPIError(w, api.NewInvalidRequestError("timeout", "timeout must be a positive duration such as \"30s\""))
			return
		}
		req.Deadline = time.Now().Add(d)
	}
	if apiErr := api.ValidateInvocationRequest(&req, a.config.Validation); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = api.NewCorrelationID()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !a.inflight.Register(req.CorrelationID, cancel) {
		transport.WriteAPIError(w, api.NewConflictError("correlation_id",
			fmt.Sprintf("invocation %s is already in flight", req.CorrelationID)))
		return
	}
	defer a.inflight.Remove(req.CorrelationID)

	w.Header().Set("X-Correlation-ID", req.CorrelationID)
	rw := newResultWriter(w, body.Stream)
	if err := a.handler.Invoke(ctx, &req, rw); err != nil {
		a.writeHandlerError(w, rw, &req, err)
	}
}

// handleCancelInvocation handles DELETE /v1/invocations/{id}.
func (a *Adapter) handleCancelInvocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a.inflight.Cancel(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	transport.WriteAPIError(w, api.NewNotFoundError("no in-flight invocation "+id))
}

// handleGetInvocation handles GET /v1/invocations/{id}.
func (a *Adapter) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeNoJournal(w)
		return
	}

	id := r.PathValue("id")
	rec, err := a.journal.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("invocation "+id+" not found"))
		} else {
			transport.WriteAPIError(w, api.NewServerError(err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListInvocations handles GET /v1/invocations.
func (a *Adapter) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeNoJournal(w)
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	recs, err := a.journal.List(r.Context(), opts)
	if err != nil {
		transport.WriteAPIError(w, api.NewServerError(err.Error()))
		return
	}
	if recs == nil {
		recs = []*storage.Record{}
	}
	writeJSON(w, http.StatusOK, listBody[*storage.Record]{Object: "list", Data: recs})
}

// handleListTools handles GET /v1/tools.
func (a *Adapter) handleListTools(w http.ResponseWriter, _ *http.Request) {
	defs := a.catalog.Tools()
	if defs == nil {
		defs = []api.ToolDefinition{}
	}
	writeJSON(w, http.StatusOK, listBody[api.ToolDefinition]{Object: "list", Data: defs})
}

// handleListSessions handles GET /v1/sessions.
func (a *Adapter) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	infos := a.catalog.Sessions()
	if infos == nil {
		infos = []api.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, listBody[api.SessionInfo]{Object: "list", Data: infos})
}

// handleRefreshSession handles POST /v1/sessions/{name}/refresh.
func (a *Adapter) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.catalog.Refresh(r.Context(), name); err != nil {
		if errors.Is(err, supervisor.ErrUnknownServer) {
			transport.WriteAPIError(w, api.NewNotFoundError("server "+name+" not configured"))
			return
		}
		transport.WriteAPIError(w, &api.APIError{Type: api.ErrorTypeUnavailable, Message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range a.checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type listBody[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNoJournal(w http.ResponseWriter) {
	transport.WriteErrorResponse(w,
		api.NewInvalidRequestError("", "invocation history is not available (no journal configured)"),
		http.StatusNotImplemented,
	)
}

// parseListOptions extracts journal filters from the query string.
func parseListOptions(r *http.Request) (storage.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Tool:   q.Get("tool"),
		Server: q.Get("server"),
		Status: q.Get("status"),
	}

	switch api.ResultKind(opts.Status) {
	case "", api.ResultSuccess, api.ResultFailure:
	default:
		return opts, api.NewInvalidRequestError("status", "status must be 'success' or 'failure'")
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts.Normalize(), nil
}

// writeHandlerError writes an error from the handler. Once streaming has
// begun it is sent as an invocation.failed event; before that as a JSON
// error body.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, rw *resultWriter, req *api.InvocationRequest, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		apiErr = api.NewServerError(err.Error())
	}

	if rw.hasStartedStreaming() {
		res := api.Failed(req.CorrelationID, api.NewFailure(api.FailureProtocolViolation, "%s", apiErr.Message))
		_ = rw.WriteEvent(context.Background(), api.StreamEvent{
			Type:          api.EventInvocationFailed,
			CorrelationID: req.CorrelationID,
			Result:        &res,
		})
		return
	}
	if rw.written() {
		return
	}
	transport.WriteAPIError(w, apiErr)
}
