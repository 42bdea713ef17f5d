package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrCredentialExpired is returned when a supplied JWT bearer credential has
// already expired.
var ErrCredentialExpired = errors.New("bearer credential expired")

// AuthProvider supplies authentication headers for tool server connections.
type AuthProvider interface {
	// GetHeaders returns the HTTP headers to include in requests.
	GetHeaders(ctx context.Context) (map[string]string, error)
}

// StaticKeyAuth provides authentication via static headers configured
// at initialization time. Suitable for API key authentication.
type StaticKeyAuth struct {
	Headers map[string]string
}

// GetHeaders returns the configured static headers.
func (a *StaticKeyAuth) GetHeaders(_ context.Context) (map[string]string, error) {
	return a.Headers, nil
}

// BearerTokenAuth sends a supplied bearer credential. Tokens are treated as
// opaque unless they parse as a JWT, in which case the exp claim is honored.
type BearerTokenAuth struct {
	Token string

	nowFunc func() time.Time
}

// NewBearerTokenAuth creates a BearerTokenAuth for token.
func NewBearerTokenAuth(token string) *BearerTokenAuth {
	return &BearerTokenAuth{Token: strings.TrimSpace(token), nowFunc: time.Now}
}

// Expiry returns the exp claim of a JWT credential. ok is false for opaque
// tokens and JWTs without exp.
func (a *BearerTokenAuth) Expiry() (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(a.Token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// Check fails with ErrCredentialExpired when the credential is a JWT whose
// exp claim is in the past.
func (a *BearerTokenAuth) Check() error {
	exp, ok := a.Expiry()
	if !ok {
		return nil
	}
	now := time.Now
	if a.nowFunc != nil {
		now = a.nowFunc
	}
	if !now().Before(exp) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// GetHeaders returns the Authorization header.
func (a *BearerTokenAuth) GetHeaders(_ context.Context) (map[string]string, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + a.Token}, nil
}

// newAuthProvider builds the provider for cfg, or nil when none is needed.
// The bearer credential is applied after static headers, so it wins over a
// static Authorization header.
func newAuthProvider(cfg ServerConfig) AuthProvider {
	if cfg.BearerToken == "" {
		return nil
	}
	return NewBearerTokenAuth(cfg.BearerToken)
}

// authAwareTransport is an http.RoundTripper that adds static headers and
// provider headers to every request.
type authAwareTransport struct {
	base         http.RoundTripper
	headers      map[string]string
	authProvider AuthProvider
}

func (t *authAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	if t.authProvider != nil {
		authHeaders, err := t.authProvider.GetHeaders(req.Context())
		if err != nil {
			return nil, fmt.Errorf("getting auth headers: %w", err)
		}
		for k, v := range authHeaders {
			req.Header.Set(k, v)
		}
	}

	return t.base.RoundTrip(req)
}

// buildHTTPClient returns an HTTP client that applies cfg's headers and
// credential, or nil when neither is configured.
func buildHTTPClient(cfg ServerConfig) *http.Client {
	provider := newAuthProvider(cfg)
	if len(cfg.Headers) == 0 && provider == nil {
		return nil
	}
	return &http.Client{
		Transport: &authAwareTransport{
			base:         http.DefaultTransport,
			headers:      cfg.Headers,
			authProvider: provider,
		},
	}
}
