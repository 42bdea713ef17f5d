package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/observability"
	"github.com/rhuss/toolmux/pkg/storage"
	"github.com/rhuss/toolmux/pkg/transport"
)

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	limiter RateLimiter
	bypass  []string
	logger  *slog.Logger
}

// WithRateLimiter enforces limiter after authentication.
func WithRateLimiter(l RateLimiter) MiddlewareOption {
	return func(c *middlewareConfig) { c.limiter = l }
}

// WithBypass replaces DefaultBypassEndpoints. An entry ending in "/"
// matches every path below it.
func WithBypass(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) { c.bypass = paths }
}

// WithLogger sets the logger for authentication events.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.logger = l }
}

// Middleware authenticates every request with chain, then applies the
// rate limiter and injects identity and tenant into the request context.
func Middleware(chain *Chain, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{bypass: DefaultBypassEndpoints, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypassed(cfg.bypass, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			res := chain.Authenticate(r.Context(), r)
			if res.Decision != Yes || res.Identity == nil {
				cfg.logger.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"decision", res.Decision.String(),
					"error", res.Err,
				)
				transport.WriteAPIError(w, api.NewUnauthorizedError(ErrUnauthenticated.Error()))
				return
			}

			id := res.Identity
			if id.Subject == "" {
				cfg.logger.Error("authenticator returned identity with empty subject")
				transport.WriteAPIError(w, api.NewServerError("internal authentication error"))
				return
			}

			if cfg.limiter != nil {
				if err := cfg.limiter.Allow(r.Context(), id); err != nil {
					cfg.logger.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.Tier)
					observability.RateLimitRejectedTotal.WithLabelValues(tierOf(id)).Inc()
					transport.WriteAPIError(w, api.NewTooManyRequestsError(err.Error()))
					return
				}
			}

			cfg.logger.Debug("authenticated", "subject", id.Subject, "path", r.URL.Path)

			ctx := WithIdentity(r.Context(), id)
			if tenant := id.TenantID(); tenant != "" {
				ctx = storage.WithTenant(ctx, tenant)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bypassed(list []string, p string) bool {
	for _, b := range list {
		if p == b || (strings.HasSuffix(b, "/") && strings.HasPrefix(p, b)) {
			return true
		}
	}
	return false
}

// ToolGuard rejects invocations of tools outside the caller's scope. Requests
// without an identity in the context pass through.
func ToolGuard() transport.Middleware {
	return func(next transport.InvocationHandler) transport.InvocationHandler {
		return transport.InvocationHandlerFunc(func(ctx context.Context, req *api.InvocationRequest, w transport.ResultWriter) error {
			if id := IdentityFromContext(ctx); !id.AllowsTool(req.Tool) {
				return api.NewForbiddenError("tool", fmt.Sprintf("%s may not invoke %q", id.Subject, req.Tool))
			}
			return next.Invoke(ctx, req, w)
		})
	}
}
